package api

import (
	"encoding/json"

	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/generation"
)

// Inbound event names.
const (
	EventCreateTestByForm = "create_test_by_form"
	EventCreateTestByBook = "create_test_by_book"
	EventStartTest        = "start_test"
	EventJoinTest         = "join_test"
	EventLeaveTest        = "leave_test"
	EventSubmitAnswer     = "submit_answer"
	EventTestProgress     = "test_progress"
	EventFinishTest       = "finish_test"
	EventReportActivity   = "report_activity"
	EventPing             = "ping"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type (
	CreateTestByFormPayload struct {
		generation.Request
		Title           string `json:"title"`
		DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=1,max=600"`
	}

	CreateTestByBookPayload struct {
		TestID string `json:"testId" validate:"required"`
	}

	TestRefPayload struct {
		TestID string `json:"testId" validate:"required"`
	}

	JoinTestPayload struct {
		TempCode string `json:"tempCode" validate:"required"`
		Name     string `json:"name" validate:"max=100"`
		Contact  string `json:"contact" validate:"max=200"`
	}

	SubmitAnswerPayload struct {
		TestID string        `json:"testId" validate:"required"`
		Answer AnswerPayload `json:"answer"`
	}

	AnswerPayload struct {
		QuestionID string `json:"questionId" validate:"required"`
		OptionID   string `json:"optionId" validate:"required"`
	}

	TestProgressPayload struct {
		TestID   string `json:"testId" validate:"required"`
		Progress int    `json:"progress" validate:"gte=0"`
	}

	ReportActivityPayload struct {
		TestID string `json:"testId" validate:"required"`
		Reason string `json:"reason" validate:"required,max=200"`
	}
)

// Outbound payloads only the creator of a test sees.
type (
	PartPayload struct {
		TestID     string            `json:"testId"`
		Part       int               `json:"part"`
		TotalParts int               `json:"totalParts"`
		Questions  []QuestionPayload `json:"questions"`
		Continue   bool              `json:"continue"`
	}

	QuestionPayload struct {
		QuestionID      string          `json:"questionId"`
		Question        string          `json:"question"`
		Options         []OptionPayload `json:"options"`
		CorrectAnswerID string          `json:"correctAnswerId"`
		Explanation     string          `json:"explanation"`
	}

	OptionPayload struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}

	ProgressPayload struct {
		Progress int `json:"progress"`
	}

	FinalizedPayload struct {
		TestID   string `json:"testId"`
		TempCode string `json:"tempCode"`
	}
)

func newPartPayload(p *domain.ContentPart) PartPayload {
	out := PartPayload{
		TestID:     p.ContentID,
		Part:       p.PartIndex,
		TotalParts: p.TotalPartsEstimate,
		Questions:  make([]QuestionPayload, 0, len(p.Questions)),
		Continue:   p.Continue,
	}

	for _, q := range p.Questions {
		qp := QuestionPayload{
			QuestionID:      q.QuestionID,
			Question:        q.Prompt,
			Options:         make([]OptionPayload, 0, len(q.Options)),
			CorrectAnswerID: q.CorrectOptionID,
			Explanation:     q.Explanation,
		}
		for _, o := range q.Options {
			qp.Options = append(qp.Options, OptionPayload{ID: o.OptionID, Text: o.OptionText})
		}
		out.Questions = append(out.Questions, qp)
	}

	return out
}

// progressOf estimates how far a generation is, in percent, after part p.
func progressOf(p *domain.ContentPart) int {
	if !p.Continue {
		return 100
	}

	if p.TotalPartsEstimate <= 0 {
		return 0
	}

	pct := p.PartIndex * 100 / p.TotalPartsEstimate
	if pct > 99 {
		pct = 99
	}

	return pct
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return invalidJSON(err)
	}

	return nil
}

func invalidJSON(err error) error {
	return errors.New(errors.CodeInvalidPayload,
		errors.WithMessagef("malformed message: %v", err),
		errors.WithCause(err))
}
