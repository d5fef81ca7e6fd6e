package generation

import (
	"context"
	stderrors "errors"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/generator"
	"github.com/victornm/examlive/internal/validate"
)

const (
	defaultMaxParts    = 10
	defaultBudget      = 2 * time.Minute
	defaultPartTimeout = 45 * time.Second
)

type Config struct {
	Generator generator.Generator
	// MaxParts bounds the continuation loop when the generator never stops asking for more.
	MaxParts int
	// Budget bounds the whole multi-part generation.
	Budget time.Duration
	// PartTimeout bounds a single generator call.
	PartTimeout time.Duration
}

type Service struct {
	gen         generator.Generator
	maxParts    int
	budget      time.Duration
	partTimeout time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		gen:         c.Generator,
		maxParts:    c.MaxParts,
		budget:      c.Budget,
		partTimeout: c.PartTimeout,
	}

	if s.maxParts <= 0 {
		s.maxParts = defaultMaxParts
	}
	if s.budget <= 0 {
		s.budget = defaultBudget
	}
	if s.partTimeout <= 0 {
		s.partTimeout = defaultPartTimeout
	}

	return s
}

// Request represents a request to generate a test. Instructions must be present but may be empty.
type Request struct {
	Subject       string  `json:"subject" validate:"required"`
	Topic         string  `json:"topic" validate:"required"`
	Difficulty    string  `json:"difficulty_level" validate:"required"`
	Format        string  `json:"test_format" validate:"required"`
	QuestionCount int     `json:"number_of_questions" validate:"required,min=1,max=200"`
	Instructions  *string `json:"user_prompt" validate:"required"`
	Language      string  `json:"language" validate:"required"`
}

// Generate streams the parts of one test as they arrive. Part 1 fixes the content ID;
// every following part is requested with it and emitted with it. The sequence ends after
// the part whose continuation flag is false, or with a GenerationFailed error when the
// generator fails, times out or keeps asking for more parts past the configured bounds.
// Nothing is retried. An invalid request yields a single InvalidPayload error before the
// generator is called.
func (s *Service) Generate(ctx context.Context, req Request) iter.Seq2[*domain.ContentPart, error] {
	return func(yield func(*domain.ContentPart, error) bool) {
		if err := validate.Struct(req); err != nil {
			yield(nil, err)
			return
		}

		ctx, cancel := context.WithTimeout(ctx, s.budget)
		defer cancel()

		var (
			contentID string
			total     int
		)

		for i := 1; ; i++ {
			if i > s.maxParts {
				yield(nil, errors.New(errors.CodeGenerationFailed,
					errors.WithMessagef("generation did not terminate after %d parts", s.maxParts)))
				return
			}

			if ctx.Err() != nil {
				yield(nil, errors.New(errors.CodeGenerationFailed,
					errors.WithMessagef("generation exceeded its time budget of %s", s.budget),
					errors.WithCause(ctx.Err())))
				return
			}

			part, err := s.generatePart(ctx, req, contentID, i, total)
			if err != nil {
				slog.WarnContext(ctx, "generation: part failed",
					"content", contentID,
					"part", i,
					"error", err,
				)
				yield(nil, err)
				return
			}

			if contentID == "" {
				contentID = part.ContentID
				if contentID == "" {
					contentID = uuid.NewString()
				}
			}

			part.ContentID = contentID
			part.PartIndex = i
			if part.TotalPartsEstimate < i {
				part.TotalPartsEstimate = i
			}
			total = part.TotalPartsEstimate

			if !yield(part, nil) {
				return
			}

			if !part.Continue {
				return
			}
		}
	}
}

func (s *Service) generatePart(ctx context.Context, req Request, contentID string, index, total int) (*domain.ContentPart, error) {
	ctx, cancel := context.WithTimeout(ctx, s.partTimeout)
	defer cancel()

	part, err := s.gen.GeneratePart(ctx, generator.Params{
		Subject:       req.Subject,
		Topic:         req.Topic,
		Difficulty:    req.Difficulty,
		Format:        req.Format,
		QuestionCount: req.QuestionCount,
		Instructions:  *req.Instructions,
		Language:      req.Language,
		ContentID:     contentID,
		PartIndex:     index,
		TotalParts:    total,
	})

	switch {
	case err == nil && part == nil:
		return nil, errors.New(errors.CodeGenerationFailed, errors.WithMessagef("content generator returned no part %d", index))
	case err == nil:
		return part, nil
	case stderrors.Is(err, context.DeadlineExceeded):
		return nil, errors.New(errors.CodeGenerationFailed,
			errors.WithMessagef("content generator timed out on part %d", index),
			errors.WithCause(err))
	case errors.IsCode(err, errors.CodeGenerationFailed):
		return nil, err
	default:
		return nil, errors.New(errors.CodeGenerationFailed,
			errors.WithMessagef("content generator failed on part %d", index),
			errors.WithCause(err))
	}
}

// Collect drains seq into one test. On error it returns what was merged so far.
func Collect(seq iter.Seq2[*domain.ContentPart, error]) (*domain.GeneratedTest, error) {
	t := &domain.GeneratedTest{}
	for part, err := range seq {
		if err != nil {
			return t, err
		}
		t.Merge(part)
	}

	return t, nil
}
