package repository

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
)

const (
	defaultCodeAttempts = 5
	defaultTitle        = "Test Genius Online Test"
	codeUniqueViolation = "23505"
)

// Store persists finalized tests and resolves access codes.
type Store interface {
	ResolveAccessCode(ctx context.Context, code string) (string, error)
	LoadTest(ctx context.Context, testID string) (*domain.StoredTest, error)
	PersistFinalizedTest(ctx context.Context, req FinalizeRequest) (*Finalized, error)
}

// FinalizeRequest represents a generated test ready to be administered.
type FinalizeRequest struct {
	Title     string
	Duration  time.Duration
	Questions []domain.Question
}

type Finalized struct {
	TestID     string
	AccessCode string
	// Questions carry the IDs assigned on persistence.
	Questions []domain.Question
}

type Config struct {
	DB *pgxpool.Pool
	// CodeAttempts bounds how many access codes are tried before giving up on collisions.
	CodeAttempts int
}

type Postgres struct {
	db       *pgxpool.Pool
	attempts int
	newCode  func() (string, error)
}

func NewPostgres(c Config) *Postgres {
	p := &Postgres{
		db:       c.DB,
		attempts: c.CodeAttempts,
		newCode:  NewAccessCode,
	}

	if p.attempts <= 0 {
		p.attempts = defaultCodeAttempts
	}

	return p
}

// NewAccessCode returns a random five digit code.
func NewAccessCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(90000))
	if err != nil {
		return "", fmt.Errorf("generate access code: %w", err)
	}

	return fmt.Sprintf("%d", 10000+n.Int64()), nil
}

func (p *Postgres) ResolveAccessCode(ctx context.Context, code string) (string, error) {
	const stmt = `SELECT test_id::text FROM access_codes WHERE code = $1;`

	var testID string
	err := p.db.QueryRow(ctx, stmt, code).Scan(&testID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", errors.NotFound("invalid code")
	}
	if err != nil {
		return "", errors.Internal(fmt.Errorf("resolve access code: %w", err))
	}

	return testID, nil
}

func (p *Postgres) LoadTest(ctx context.Context, testID string) (*domain.StoredTest, error) {
	if _, err := uuid.Parse(testID); err != nil {
		return nil, errors.NotFound("test not found: %s", testID)
	}

	const (
		testStmt = `
SELECT t.test_id::text, t.title, t.duration_seconds, t.create_time, COALESCE(a.code, '')
FROM tests t LEFT JOIN access_codes a ON a.test_id = t.test_id
WHERE t.test_id = $1;`

		questionStmt = `
SELECT question_id::text, prompt, COALESCE(correct_option_id::text, ''), explanation
FROM questions WHERE test_id = $1
ORDER BY position;`

		optionStmt = `
SELECT o.question_id::text, o.option_id::text, o.option_text
FROM options o JOIN questions q ON q.question_id = o.question_id
WHERE q.test_id = $1
ORDER BY q.position, o.position;`
	)

	var (
		t       domain.StoredTest
		seconds int64
	)
	err := p.db.QueryRow(ctx, testStmt, testID).Scan(&t.TestID, &t.Title, &seconds, &t.CreatedAt, &t.AccessCode)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("test not found: %s", testID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("load test: %w", err))
	}
	t.Duration = time.Duration(seconds) * time.Second

	rows, err := p.db.Query(ctx, questionStmt, testID)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("load questions: %w", err))
	}

	t.Questions, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		err := r.Scan(&q.QuestionID, &q.Prompt, &q.CorrectOptionID, &q.Explanation)
		return q, err
	})
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("load questions: %w", err))
	}

	rows, err = p.db.Query(ctx, optionStmt, testID)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("load options: %w", err))
	}

	type row struct {
		questionID string
		option     domain.Option
	}
	opts, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var o row
		err := r.Scan(&o.questionID, &o.option.OptionID, &o.option.OptionText)
		return o, err
	})
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("load options: %w", err))
	}

	byQuestion := make(map[string]int, len(t.Questions))
	for i, q := range t.Questions {
		byQuestion[q.QuestionID] = i
	}
	for _, o := range opts {
		if i, ok := byQuestion[o.questionID]; ok {
			t.Questions[i].Options = append(t.Questions[i].Options, o.option)
		}
	}

	return &t, nil
}

// PersistFinalizedTest stores the test under fresh IDs and allocates a unique access code.
// Code collisions are retried; any other failure is returned.
func (p *Postgres) PersistFinalizedTest(ctx context.Context, req FinalizeRequest) (_ *Finalized, err error) {
	if len(req.Questions) == 0 {
		return nil, errors.InvalidPayload("cannot finalize a test without questions")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("generate test ID: %w", err))
	}

	title := req.Title
	if title == "" {
		title = defaultTitle
	}

	questions, err := RemapIDs(req.Questions)
	if err != nil {
		return nil, errors.Internal(err)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insTestStmt     = `INSERT INTO tests (test_id, title, duration_seconds) VALUES ($1, $2, $3);`
		insQuestionStmt = `INSERT INTO questions (question_id, test_id, position, prompt, correct_option_id, explanation) VALUES ($1, $2, $3, $4, $5, $6);`
		insOptionStmt   = `INSERT INTO options (option_id, question_id, position, option_text) VALUES ($1, $2, $3, $4);`
	)

	b := &pgx.Batch{}
	b.Queue(insTestStmt, id.String(), title, int64(req.Duration/time.Second))
	for i, q := range questions {
		var correct *string
		if q.CorrectOptionID != "" {
			correct = &q.CorrectOptionID
		}
		b.Queue(insQuestionStmt, q.QuestionID, id.String(), i, q.Prompt, correct, q.Explanation)

		for j, o := range q.Options {
			b.Queue(insOptionStmt, o.OptionID, q.QuestionID, j, o.OptionText)
		}
	}

	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return nil, errors.Internal(fmt.Errorf("insert test: %w", err))
	}

	code, err := p.insertAccessCode(ctx, tx, id.String())
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, errors.Internal(fmt.Errorf("commit: %w", err))
	}

	return &Finalized{
		TestID:     id.String(),
		AccessCode: code,
		Questions:  questions,
	}, nil
}

// insertAccessCode tries random codes inside savepoints, so a collision does not abort
// the surrounding transaction.
func (p *Postgres) insertAccessCode(ctx context.Context, tx pgx.Tx, testID string) (string, error) {
	const stmt = `INSERT INTO access_codes (code, test_id) VALUES ($1, $2);`

	for attempt := 1; attempt <= p.attempts; attempt++ {
		code, err := p.newCode()
		if err != nil {
			return "", errors.Internal(err)
		}

		sp, err := tx.Begin(ctx)
		if err != nil {
			return "", errors.Internal(fmt.Errorf("savepoint: %w", err))
		}

		_, err = sp.Exec(ctx, stmt, code, testID)

		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			if rbErr := sp.Rollback(ctx); rbErr != nil {
				return "", errors.Internal(fmt.Errorf("rollback savepoint: %w", rbErr))
			}
			continue
		}

		if err != nil {
			return "", errors.Internal(fmt.Errorf("insert access code: %w", stderrors.Join(err, sp.Rollback(ctx))))
		}

		if err := sp.Commit(ctx); err != nil {
			return "", errors.Internal(fmt.Errorf("release savepoint: %w", err))
		}

		return code, nil
	}

	return "", errors.New(errors.CodeInternal,
		errors.WithMessagef("no free access code after %d attempts", p.attempts))
}

// RemapIDs gives every question and option a fresh UUID and rewires the correct option
// reference. A correct option that is not among the options is dropped.
func RemapIDs(questions []domain.Question) ([]domain.Question, error) {
	out := make([]domain.Question, 0, len(questions))

	for _, q := range questions {
		qid, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate question ID: %w", err)
		}

		m := domain.Question{
			QuestionID:  qid.String(),
			Prompt:      q.Prompt,
			Explanation: q.Explanation,
			Options:     make([]domain.Option, 0, len(q.Options)),
		}

		for _, o := range q.Options {
			oid := uuid.NewString()
			if o.OptionID == q.CorrectOptionID && m.CorrectOptionID == "" {
				m.CorrectOptionID = oid
			}
			m.Options = append(m.Options, domain.Option{OptionID: oid, OptionText: o.OptionText})
		}

		out = append(out, m)
	}

	return out, nil
}
