package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/repository"
)

const defaultName = "guest"

// Sessions is the part of the session registry the manager drives.
type Sessions interface {
	Get(sessionID string) (*domain.Session, error)
	Attach(seed *domain.Session, p domain.Participant) (*domain.Session, bool, error)
	RemoveParticipant(sessionID, connID string) (bool, error)
	SessionsOf(connID string) []string
}

// Hub is the broadcast channel connections are bound to.
type Hub interface {
	Join(sessionID string, m broadcast.Member)
	Leave(sessionID, memberID string) bool
	LeaveAll(memberID string) []string
	Publish(sessionID, event string, data any) int
}

type Config struct {
	Sessions  Sessions
	Broadcast Hub
	Store     repository.Store
	// DefaultDuration applies to stored tests persisted without a duration.
	DefaultDuration time.Duration
}

// Manager funnels every way a connection enters or leaves a session through one path, so
// the roster and the broadcast groups never disagree for long.
type Manager struct {
	sessions        Sessions
	hub             Hub
	store           repository.Store
	defaultDuration time.Duration
}

func NewManager(c Config) *Manager {
	return &Manager{
		sessions:        c.Sessions,
		hub:             c.Broadcast,
		store:           c.Store,
		defaultDuration: c.DefaultDuration,
	}
}

type JoinRequest struct {
	AccessCode string
	Name       string
	Contact    string
}

// OnJoin resolves the access code and adds the connection to the session of that test,
// materializing the session from the stored test when it is not live yet. Nothing is
// changed when the code does not resolve.
func (m *Manager) OnJoin(ctx context.Context, conn broadcast.Member, req JoinRequest) (*domain.Session, error) {
	code := strings.TrimSpace(req.AccessCode)
	if code == "" {
		return nil, errors.InvalidPayload("access code is required")
	}

	testID, err := m.store.ResolveAccessCode(ctx, code)
	if err != nil {
		return nil, err
	}

	seed, err := m.seed(ctx, testID, domain.SourceKindStored)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultName
	}

	return m.attach(ctx, conn, seed, domain.Participant{
		ConnectionID: conn.ID(),
		Name:         name,
		Contact:      strings.TrimSpace(req.Contact),
		Role:         domain.RoleExaminee,
	})
}

// OnCreated registers a freshly persisted test with the creating connection as its host.
func (m *Manager) OnCreated(ctx context.Context, conn broadcast.Member, t *domain.StoredTest, kind domain.SourceKind) (*domain.Session, error) {
	return m.attach(ctx, conn, m.newSession(t, kind), domain.Participant{
		ConnectionID: conn.ID(),
		Name:         "host",
		Role:         domain.RoleHost,
	})
}

// OnHost makes the connection host of a stored test, going live with it if needed.
func (m *Manager) OnHost(ctx context.Context, conn broadcast.Member, testID string, kind domain.SourceKind) (*domain.Session, error) {
	seed, err := m.seed(ctx, testID, kind)
	if err != nil {
		return nil, err
	}

	return m.attach(ctx, conn, seed, domain.Participant{
		ConnectionID: conn.ID(),
		Name:         "host",
		Role:         domain.RoleHost,
	})
}

// OnExplicitLeave removes the connection from one session.
func (m *Manager) OnExplicitLeave(ctx context.Context, connID, sessionID string) error {
	if _, err := m.sessions.Get(sessionID); err != nil {
		return err
	}

	if _, err := m.detach(ctx, sessionID, connID); err != nil {
		return err
	}

	return nil
}

// OnDisconnect removes a closed connection from every session it was in.
func (m *Manager) OnDisconnect(ctx context.Context, connID string) {
	for _, id := range m.sessions.SessionsOf(connID) {
		if _, err := m.detach(ctx, id, connID); err != nil {
			slog.ErrorContext(ctx, "lifecycle: detach on disconnect failed",
				"session", id,
				"connection", connID,
				"error", err,
			)
		}
	}

	// Groups the registry no longer knows about.
	m.hub.LeaveAll(connID)
}

func (m *Manager) seed(ctx context.Context, testID string, kind domain.SourceKind) (*domain.Session, error) {
	ss, err := m.sessions.Get(testID)
	if err == nil {
		return ss, nil
	}

	if !errors.IsCode(err, errors.CodeNotFound) {
		return nil, err
	}

	t, err := m.store.LoadTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	return m.newSession(t, kind), nil
}

func (m *Manager) newSession(t *domain.StoredTest, kind domain.SourceKind) *domain.Session {
	d := t.Duration
	if d <= 0 {
		d = m.defaultDuration
	}

	return &domain.Session{
		SessionID:  t.TestID,
		AccessCode: t.AccessCode,
		Title:      t.Title,
		State:      domain.SessionStateNotStarted,
		SourceKind: kind,
		Duration:   d,
		Questions:  t.Questions,
	}
}

func (m *Manager) attach(ctx context.Context, conn broadcast.Member, seed *domain.Session, p domain.Participant) (*domain.Session, error) {
	ss, created, err := m.sessions.Attach(seed, p)
	if err != nil {
		return nil, err
	}

	m.hub.Join(ss.SessionID, conn)

	i, _ := ss.Participant(p.ConnectionID)
	joined := ss.Participants[i]

	m.hub.Publish(ss.SessionID, broadcast.EventUserJoined, broadcast.UserJoinedPayload{
		TestID: ss.SessionID,
		UserID: joined.ConnectionID,
		Name:   joined.Name,
		Role:   string(joined.Role),
		Test:   broadcast.NewTestView(ss),
	})

	slog.InfoContext(ctx, "lifecycle: connection joined",
		"session", ss.SessionID,
		"connection", p.ConnectionID,
		"role", joined.Role,
		"created", created,
	)

	return ss, nil
}

func (m *Manager) detach(ctx context.Context, sessionID, connID string) (bool, error) {
	m.hub.Leave(sessionID, connID)

	removed, err := m.sessions.RemoveParticipant(sessionID, connID)
	if err != nil {
		return false, err
	}

	if removed {
		m.hub.Publish(sessionID, broadcast.EventUserLeft, broadcast.UserLeftPayload{UserID: connID})
		slog.InfoContext(ctx, "lifecycle: connection left", "session", sessionID, "connection", connID)
	}

	return removed, nil
}
