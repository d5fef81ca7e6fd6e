package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionState string

const (
	SessionStateNotStarted SessionState = "not_started"
	SessionStateInProgress SessionState = "in_progress"
	SessionStateFinished   SessionState = "finished"
)

// SourceKind tells how a session came to exist.
type SourceKind string

const (
	SourceKindForm   SourceKind = "form"
	SourceKindBook   SourceKind = "book"
	SourceKindStored SourceKind = "stored"
)

type Role string

const (
	RoleHost     Role = "host"
	RoleExaminee Role = "examinee"
)

// UnknownContact is used when a participant joins without contact info.
const UnknownContact = "unknown"

// Session represents one live administration of a persisted test.
// SessionID is the persisted test ID.
type Session struct {
	SessionID    string
	AccessCode   string
	Title        string
	State        SessionState
	SourceKind   SourceKind
	Duration     time.Duration
	Questions    []Question
	Participants []Participant
	Results      []Result
	CreatedAt    time.Time
	StartedAt    time.Time
}

// Participant returns the index of the participant bound to connID.
func (s *Session) Participant(connID string) (int, bool) {
	for i := range s.Participants {
		if s.Participants[i].ConnectionID == connID {
			return i, true
		}
	}

	return -1, false
}

// Question returns the question with the given ID.
func (s *Session) Question(id string) (Question, bool) {
	for _, q := range s.Questions {
		if q.QuestionID == id {
			return q, true
		}
	}

	return Question{}, false
}

// Clone returns a deep copy, so the copy can be read without holding the registry lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Questions = cloneQuestions(s.Questions)

	c.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		c.Participants[i] = p.Clone()
	}

	if s.Results != nil {
		c.Results = make([]Result, len(s.Results))
		copy(c.Results, s.Results)
	}

	return &c
}

// Participant is bound to a session by its connection ID.
type Participant struct {
	ConnectionID string
	Name         string
	Contact      string
	Role         Role
	Progress     int
	Answers      map[string]string // question ID -> option ID
	Completed    bool
	Correct      int
	Score        *decimal.Decimal
	Suspicious   bool
	JoinedAt     time.Time
}

func (p Participant) Clone() Participant {
	if p.Answers != nil {
		answers := make(map[string]string, len(p.Answers))
		for k, v := range p.Answers {
			answers[k] = v
		}
		p.Answers = answers
	}

	if p.Score != nil {
		sc := *p.Score
		p.Score = &sc
	}

	return p
}

type Question struct {
	QuestionID      string
	Prompt          string
	Options         []Option
	CorrectOptionID string
	Explanation     string
}

type Option struct {
	OptionID   string
	OptionText string
}

func cloneQuestions(qs []Question) []Question {
	if qs == nil {
		return nil
	}

	c := make([]Question, len(qs))
	for i, q := range qs {
		c[i] = q
		c[i].Options = append([]Option(nil), q.Options...)
	}

	return c
}

// ContentPart is one incremental unit of generated test content.
type ContentPart struct {
	ContentID          string
	PartIndex          int
	TotalPartsEstimate int
	Questions          []Question
	Continue           bool
}

// GeneratedTest is the merge of all parts received for one content ID.
type GeneratedTest struct {
	ContentID string
	Parts     int
	Questions []Question
}

func (t *GeneratedTest) Merge(p *ContentPart) {
	if t.ContentID == "" {
		t.ContentID = p.ContentID
	}

	t.Parts++
	t.Questions = append(t.Questions, cloneQuestions(p.Questions)...)
}

// StoredTest is a test as persisted by the test repository.
type StoredTest struct {
	TestID     string
	Title      string
	AccessCode string
	Duration   time.Duration
	Questions  []Question
	CreatedAt  time.Time
}

// Result is a participant's outcome, snapshotted when they finish or the session does.
type Result struct {
	ConnectionID string
	Name         string
	Score        decimal.Decimal
	Correct      int
	Total        int
	Suspicious   bool
	FinishedAt   time.Time
}

// Score represents a participant's running score within a session.
type Score struct {
	SessionID    string
	ConnectionID string
	Name         string
	TotalScore   decimal.Decimal
	UpdateTime   time.Time
}

// Leaderboard represents a list of participants and their scores within a session.
// The list is sorted by score in descending order.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	ConnectionID string
	Name         string
	Score        float64
}
