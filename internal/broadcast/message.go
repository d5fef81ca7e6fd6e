package broadcast

import (
	"time"

	"github.com/victornm/examlive/internal/domain"
)

// Outbound event names, as seen by clients.
const (
	EventTestCreated         = "test:created"
	EventTestProgress        = "test:progress"
	EventTestFinalized       = "test:finalized"
	EventError               = "error"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventAnswerSubmitted     = "answer_submitted"
	EventProgressUpdated     = "progress_updated"
	EventSessionEnded        = "session_ended"
	EventTestStarted         = "test_started"
	EventTestFinished        = "test_finished"
	EventParticipantFinished = "participant_finished"
	EventSuspiciousActivity  = "suspicious_activity"
	EventLeaderboardUpdated  = "leaderboard_updated"
	EventPong                = "pong"
)

// Message is the envelope written to every connection.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type (
	ErrorPayload struct {
		Message string `json:"message"`
	}

	SessionEndedPayload struct {
		TestID string `json:"testId"`
	}

	TestStartedPayload struct {
		TestID          string `json:"testId"`
		StartedAt       int64  `json:"startedAt"`
		DurationSeconds int64  `json:"durationSeconds"`
	}

	TestFinishedPayload struct {
		TestID  string          `json:"testId"`
		Results []ResultPayload `json:"results"`
	}

	ResultPayload struct {
		UserID     string `json:"userId"`
		Name       string `json:"name"`
		Score      string `json:"score"`
		Correct    int    `json:"correct"`
		Total      int    `json:"total"`
		Suspicious bool   `json:"suspicious"`
	}
)

// NewResultPayloads converts results to their wire form.
func NewResultPayloads(results []domain.Result) []ResultPayload {
	out := make([]ResultPayload, 0, len(results))
	for _, r := range results {
		out = append(out, ResultPayload{
			UserID:     r.ConnectionID,
			Name:       r.Name,
			Score:      r.Score.StringFixed(2),
			Correct:    r.Correct,
			Total:      r.Total,
			Suspicious: r.Suspicious,
		})
	}

	return out
}

type (
	AnswerPayload struct {
		QuestionID string `json:"questionId"`
		OptionID   string `json:"optionId"`
	}

	AnswerSubmittedPayload struct {
		ClientID string        `json:"clientId"`
		Answer   AnswerPayload `json:"answer"`
	}

	ProgressUpdatedPayload struct {
		ClientID string `json:"clientId"`
		Progress int    `json:"progress"`
	}

	ParticipantFinishedPayload struct {
		ClientID string `json:"clientId"`
		Score    string `json:"score"`
		Correct  int    `json:"correct"`
		Total    int    `json:"total"`
	}

	SuspiciousActivityPayload struct {
		ClientID string `json:"clientId"`
		Reason   string `json:"reason"`
	}

	UserJoinedPayload struct {
		TestID string   `json:"testId"`
		UserID string   `json:"userId"`
		Name   string   `json:"name"`
		Role   string   `json:"role"`
		Test   TestView `json:"test"`
	}

	UserLeftPayload struct {
		UserID string `json:"userId"`
	}

	// TestView is a session as shown to participants. Correct answers are never included.
	TestView struct {
		TestID          string         `json:"testId"`
		Title           string         `json:"title"`
		State           string         `json:"state"`
		DurationSeconds int64          `json:"durationSeconds"`
		Questions       []QuestionView `json:"questions"`
		Participants    []UserView     `json:"participants"`
	}

	QuestionView struct {
		QuestionID string       `json:"questionId"`
		Prompt     string       `json:"question"`
		Options    []OptionView `json:"options"`
	}

	OptionView struct {
		OptionID string `json:"id"`
		Text     string `json:"text"`
	}

	UserView struct {
		UserID    string `json:"userId"`
		Name      string `json:"name"`
		Role      string `json:"role"`
		Progress  int    `json:"progress"`
		Completed bool   `json:"completed"`
	}

	LeaderboardPayload struct {
		TestID  string                    `json:"testId"`
		Entries []LeaderboardEntryPayload `json:"entries"`
	}

	LeaderboardEntryPayload struct {
		UserID string  `json:"userId"`
		Name   string  `json:"name"`
		Score  float64 `json:"score"`
	}
)

// NewTestView hides the correct answers and explanations of ss.
func NewTestView(ss *domain.Session) TestView {
	v := TestView{
		TestID:          ss.SessionID,
		Title:           ss.Title,
		State:           string(ss.State),
		DurationSeconds: int64(ss.Duration / time.Second),
		Questions:       make([]QuestionView, 0, len(ss.Questions)),
		Participants:    make([]UserView, 0, len(ss.Participants)),
	}

	for _, q := range ss.Questions {
		qv := QuestionView{
			QuestionID: q.QuestionID,
			Prompt:     q.Prompt,
			Options:    make([]OptionView, 0, len(q.Options)),
		}
		for _, o := range q.Options {
			qv.Options = append(qv.Options, OptionView{OptionID: o.OptionID, Text: o.OptionText})
		}
		v.Questions = append(v.Questions, qv)
	}

	for _, p := range ss.Participants {
		v.Participants = append(v.Participants, UserView{
			UserID:    p.ConnectionID,
			Name:      p.Name,
			Role:      string(p.Role),
			Progress:  p.Progress,
			Completed: p.Completed,
		})
	}

	return v
}

func NewLeaderboardPayload(l domain.Leaderboard) LeaderboardPayload {
	out := LeaderboardPayload{
		TestID:  l.SessionID,
		Entries: make([]LeaderboardEntryPayload, 0, len(l.Entries)),
	}

	for _, e := range l.Entries {
		out.Entries = append(out.Entries, LeaderboardEntryPayload{
			UserID: e.ConnectionID,
			Name:   e.Name,
			Score:  e.Score,
		})
	}

	return out
}
