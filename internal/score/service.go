package score

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/event"
	"github.com/victornm/examlive/internal/session"
)

var hundred = decimal.NewFromInt(100)

// Sessions is the part of the session registry the score service mutates.
type Sessions interface {
	UpdateParticipant(sessionID, connID string, fn session.UpdateFunc) (*domain.Session, error)
	Finish(sessionID string) (*domain.Session, error)
}

type Config struct {
	EventBus  *event.Bus
	Sessions  Sessions
	Broadcast session.Broadcaster
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service records what participants do during a live test: answers, progress, finishing
// and suspicious activity. Each change is applied atomically to the registry, then
// broadcast to the session.
type Service struct {
	eb       *event.Bus
	sessions Sessions
	bc       session.Broadcaster
	now      func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		sessions: c.Sessions,
		bc:       c.Broadcast,
		now:      c.Now,
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type SubmitAnswerRequest struct {
	SessionID    string
	ConnectionID string
	QuestionID   string
	OptionID     string
	SubmitTime   time.Time
}

type SubmitAnswerResponse struct {
	Correct    bool
	TotalScore decimal.Decimal
	Answered   int
}

// SubmitAnswer records the participant's answer to a question and regrades them.
// Answering the same question again replaces the previous answer.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	var (
		resp SubmitAnswerResponse
		sc   domain.Score
	)

	_, err := s.sessions.UpdateParticipant(req.SessionID, req.ConnectionID, func(ss *domain.Session, p *domain.Participant) error {
		if err := checkActive(ss, p); err != nil {
			return err
		}

		q, ok := ss.Question(req.QuestionID)
		if !ok {
			return errors.NotFound("question not found: %s", req.QuestionID)
		}

		if !hasOption(q, req.OptionID) {
			return errors.InvalidPayload("option %s is not offered by question %s", req.OptionID, req.QuestionID)
		}

		if p.Answers == nil {
			p.Answers = make(map[string]string)
		}
		p.Answers[req.QuestionID] = req.OptionID

		correct, total := Grade(ss.Questions, p.Answers)
		p.Correct = correct
		p.Score = &total

		resp = SubmitAnswerResponse{
			Correct:    q.CorrectOptionID == req.OptionID,
			TotalScore: total,
			Answered:   len(p.Answers),
		}
		sc = domain.Score{
			SessionID:    ss.SessionID,
			ConnectionID: p.ConnectionID,
			Name:         p.Name,
			TotalScore:   total,
			UpdateTime:   s.at(req.SubmitTime),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.broadcast(req.SessionID, broadcast.EventAnswerSubmitted, broadcast.AnswerSubmittedPayload{
		ClientID: req.ConnectionID,
		Answer: broadcast.AnswerPayload{
			QuestionID: req.QuestionID,
			OptionID:   req.OptionID,
		},
	})

	s.eb.Publish(ctx, domain.EventScoreUpdated{Score: sc})

	return &resp, nil
}

// UpdateProgress stores the participant's self-reported progress and shares it with the session.
func (s *Service) UpdateProgress(_ context.Context, sessionID, connID string, progress int) error {
	if progress < 0 {
		return errors.InvalidPayload("progress must not be negative")
	}

	_, err := s.sessions.UpdateParticipant(sessionID, connID, func(ss *domain.Session, p *domain.Participant) error {
		if err := checkActive(ss, p); err != nil {
			return err
		}

		p.Progress = progress
		return nil
	})
	if err != nil {
		return err
	}

	s.broadcast(sessionID, broadcast.EventProgressUpdated, broadcast.ProgressUpdatedPayload{
		ClientID: connID,
		Progress: progress,
	})

	return nil
}

type FinishRequest struct {
	SessionID    string
	ConnectionID string
	FinishTime   time.Time
}

// Finish completes the test for an examinee and snapshots their result. When the host
// finishes, the whole session finishes.
func (s *Service) Finish(ctx context.Context, req FinishRequest) (*domain.Result, error) {
	var (
		res  domain.Result
		host bool
	)

	_, err := s.sessions.UpdateParticipant(req.SessionID, req.ConnectionID, func(ss *domain.Session, p *domain.Participant) error {
		if p.Role == domain.RoleHost {
			host = true
			return nil
		}

		if err := checkActive(ss, p); err != nil {
			return err
		}

		p.Completed = true
		res = session.ResultOf(ss, p, s.at(req.FinishTime))
		ss.Results = append(ss.Results, res)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if host {
		if _, err := s.sessions.Finish(req.SessionID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	s.broadcast(req.SessionID, broadcast.EventParticipantFinished, broadcast.ParticipantFinishedPayload{
		ClientID: req.ConnectionID,
		Score:    res.Score.StringFixed(2),
		Correct:  res.Correct,
		Total:    res.Total,
	})

	return &res, nil
}

// ReportActivity flags the participant as suspicious, for example after leaving the test tab.
// Activity after the participant or the session finished is rejected.
func (s *Service) ReportActivity(_ context.Context, sessionID, connID, reason string) error {
	_, err := s.sessions.UpdateParticipant(sessionID, connID, func(ss *domain.Session, p *domain.Participant) error {
		if err := checkActive(ss, p); err != nil {
			return err
		}

		p.Suspicious = true
		return nil
	})
	if err != nil {
		return err
	}

	s.broadcast(sessionID, broadcast.EventSuspiciousActivity, broadcast.SuspiciousActivityPayload{
		ClientID: connID,
		Reason:   reason,
	})

	return nil
}

// Grade counts the correct answers and scores them as a percentage of all questions,
// rounded to two decimals.
func Grade(questions []domain.Question, answers map[string]string) (int, decimal.Decimal) {
	if len(questions) == 0 {
		return 0, decimal.Zero
	}

	correct := 0
	for _, q := range questions {
		if a, ok := answers[q.QuestionID]; ok && q.CorrectOptionID != "" && a == q.CorrectOptionID {
			correct++
		}
	}

	score := decimal.NewFromInt(int64(correct)).
		Div(decimal.NewFromInt(int64(len(questions)))).
		Mul(hundred).
		Round(2)

	return correct, score
}

func checkActive(ss *domain.Session, p *domain.Participant) error {
	if ss.State == domain.SessionStateFinished {
		return errors.InvalidPayload("test %s has already finished", ss.SessionID)
	}

	if p.Completed {
		return errors.InvalidPayload("you have already finished test %s", ss.SessionID)
	}

	return nil
}

func hasOption(q domain.Question, optionID string) bool {
	for _, o := range q.Options {
		if o.OptionID == optionID {
			return true
		}
	}

	return false
}

func (s *Service) at(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}

	return t
}

func (s *Service) broadcast(sessionID, event string, data any) {
	if s.bc != nil {
		s.bc.Publish(sessionID, event, data)
	}
}
