package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/event"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	SessionNotification struct {
		TestID       string `json:"testId"`
		State        string `json:"state,omitempty"`
		Participants int    `json:"participants"`
	}

	ParticipantNotification struct {
		TestID string `json:"testId"`
		UserID string `json:"userId"`
		Name   string `json:"name,omitempty"`
		Role   string `json:"role,omitempty"`
	}
)

// PublishLeaderboardUpdated pushes the leaderboard to the session's connections, then
// mirrors it to the session channel and to each ranked participant's channel.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard
	data := broadcast.NewLeaderboardPayload(l)

	a.hub.Publish(l.SessionID, broadcast.EventLeaderboardUpdated, data)

	if a.redis == nil {
		return nil
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return a.publishNotification(ctx, a.sessionChannel(l.SessionID), e.Name(), data)
	})

	for _, entry := range l.Entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.userChannel(entry.ConnectionID), e.Name(), data)
		})
	}

	return eg.Wait()
}

// MirrorSessionEvent publishes a session lifecycle event on the session channel.
func (a *API) MirrorSessionEvent(ctx context.Context, e event.Event) error {
	if a.redis == nil {
		return nil
	}

	var (
		sessionID string
		data      any
	)

	switch e := e.(type) {
	case domain.EventSessionCreated:
		sessionID, data = e.Session.SessionID, newSessionNotification(e.Session)
	case domain.EventSessionStarted:
		sessionID, data = e.Session.SessionID, newSessionNotification(e.Session)
	case domain.EventSessionFinished:
		sessionID, data = e.Session.SessionID, newSessionNotification(e.Session)
	case domain.EventSessionEnded:
		sessionID, data = e.Session.SessionID, SessionNotification{TestID: e.Session.SessionID}
	case domain.EventParticipantJoined:
		sessionID, data = e.SessionID, ParticipantNotification{
			TestID: e.SessionID,
			UserID: e.Participant.ConnectionID,
			Name:   e.Participant.Name,
			Role:   string(e.Participant.Role),
		}
	case domain.EventParticipantLeft:
		sessionID, data = e.SessionID, ParticipantNotification{TestID: e.SessionID, UserID: e.ConnectionID}
	default:
		return fmt.Errorf("pubsub: unexpected event %s", e.Name())
	}

	return a.publishNotification(ctx, a.sessionChannel(sessionID), e.Name(), data)
}

func newSessionNotification(ss domain.Session) SessionNotification {
	return SessionNotification{
		TestID:       ss.SessionID,
		State:        string(ss.State),
		Participants: len(ss.Participants),
	}
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) sessionChannel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", a.prefix, sessionID)
}

func (a *API) userChannel(connID string) string {
	return fmt.Sprintf("%s:user:%s", a.prefix, connID)
}
