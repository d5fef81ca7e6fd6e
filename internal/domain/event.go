package domain

const (
	EventNameSessionCreated     = "session.created"
	EventNameSessionStarted     = "session.started"
	EventNameSessionFinished    = "session.finished"
	EventNameSessionEnded       = "session.ended"
	EventNameParticipantJoined  = "participant.joined"
	EventNameParticipantLeft    = "participant.left"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionCreated struct {
	Session Session
}

func (EventSessionCreated) Name() string { return EventNameSessionCreated }

type EventSessionStarted struct {
	Session Session
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

type EventSessionFinished struct {
	Session Session
}

func (EventSessionFinished) Name() string { return EventNameSessionFinished }

// EventSessionEnded is published once a session has been retired from the registry.
type EventSessionEnded struct {
	Session Session
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventParticipantJoined struct {
	SessionID   string
	Participant Participant
}

func (EventParticipantJoined) Name() string { return EventNameParticipantJoined }

type EventParticipantLeft struct {
	SessionID    string
	ConnectionID string
}

func (EventParticipantLeft) Name() string { return EventNameParticipantLeft }

type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
