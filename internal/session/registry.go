package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/event"
)

// Broadcaster fans an event out to every connection of a session.
type Broadcaster interface {
	Publish(sessionID, event string, data any) int
}

type Config struct {
	Broadcast Broadcaster
	EventBus  *event.Bus
	// Now defaults to time.Now.
	Now func() time.Time
}

// Registry is the in-memory authority over live sessions.
// A single mutex guards the sessions, the connection index and the timers; it is never held
// while calling the content generator or the test repository.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	byConn   map[string]map[string]struct{} // connection ID -> session IDs
	timers   map[string]*time.Timer

	bc  Broadcaster
	eb  *event.Bus
	now func() time.Time
}

func NewRegistry(c Config) *Registry {
	r := &Registry{
		sessions: make(map[string]*domain.Session),
		byConn:   make(map[string]map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		bc:       c.Broadcast,
		eb:       c.EventBus,
		now:      c.Now,
	}

	if r.now == nil {
		r.now = time.Now
	}

	return r
}

// UpdateFunc mutates a participant in place. It runs under the registry lock and must
// validate before mutating: a returned error does not roll anything back.
type UpdateFunc func(ss *domain.Session, p *domain.Participant) error

// Put stores a copy of ss, replacing any session with the same ID. A replaced session is
// ended the way a retired one is. Live joins go through Attach.
func (r *Registry) Put(ss *domain.Session) error {
	if ss.SessionID == "" {
		return errors.New(errors.CodeInternalInconsistency, errors.WithMessagef("session without ID"))
	}

	if len(ss.Participants) == 0 {
		return errors.New(errors.CodeInternalInconsistency,
			errors.WithMessagef("refusing to store session %s with an empty roster", ss.SessionID))
	}

	c := ss.Clone()
	r.fillDefaults(c)

	var events []event.Event

	r.mu.Lock()
	if old, ok := r.sessions[c.SessionID]; ok {
		events = append(events, r.retire(old))
	}

	r.sessions[c.SessionID] = c
	for _, p := range c.Participants {
		r.index(p.ConnectionID, c.SessionID)
	}
	events = append(events, domain.EventSessionCreated{Session: *c.Clone()})
	r.mu.Unlock()

	r.publish(events...)
	return nil
}

// Attach adds p to the session seed.SessionID, storing seed first when no such session is
// live. Finding and materializing happen under one lock, so concurrent first joins of the
// same test end up in a single session. created reports whether seed was stored.
func (r *Registry) Attach(seed *domain.Session, p domain.Participant) (ss *domain.Session, created bool, err error) {
	r.mu.Lock()

	var events []event.Event

	cur, ok := r.sessions[seed.SessionID]
	if !ok {
		// seed may be a snapshot of a session retired since; a materialized session always
		// starts over.
		cur = seed.Clone()
		cur.Participants = nil
		cur.Results = nil
		cur.State = domain.SessionStateNotStarted
		cur.StartedAt = time.Time{}
		r.fillDefaults(cur)
		r.sessions[cur.SessionID] = cur
		created = true
		events = append(events, domain.EventSessionCreated{Session: *cur.Clone()})
	}

	joined, err := r.addParticipant(cur, p)
	if err != nil {
		if created {
			delete(r.sessions, cur.SessionID)
		}
		r.mu.Unlock()
		return nil, false, err
	}

	if joined != nil {
		events = append(events, domain.EventParticipantJoined{SessionID: cur.SessionID, Participant: *joined})
	}

	snapshot := cur.Clone()
	r.mu.Unlock()

	r.publish(events...)
	return snapshot, created, nil
}

func (r *Registry) Get(sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ss, ok := r.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("test not found: %s", sessionID)
	}

	return ss.Clone(), nil
}

// List returns a snapshot of every live session, oldest first.
func (r *Registry) List() []*domain.Session {
	r.mu.Lock()
	out := make([]*domain.Session, 0, len(r.sessions))
	for _, ss := range r.sessions {
		out = append(out, ss.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// Remove retires a session regardless of its roster. Connections stay in the broadcast
// group until the lifecycle manager detaches them.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	ss, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("test not found: %s", sessionID)
	}

	e := r.retire(ss)
	r.mu.Unlock()

	r.publish(e)
	return nil
}

// retire broadcasts session_ended, then unindexes and deletes ss. Callers hold the lock.
func (r *Registry) retire(ss *domain.Session) event.Event {
	if r.bc != nil {
		r.bc.Publish(ss.SessionID, broadcast.EventSessionEnded, broadcast.SessionEndedPayload{TestID: ss.SessionID})
	}

	for _, p := range ss.Participants {
		r.unindex(p.ConnectionID, ss.SessionID)
	}
	r.stopTimer(ss.SessionID)
	delete(r.sessions, ss.SessionID)

	return domain.EventSessionEnded{Session: *ss.Clone()}
}

// AddParticipant appends p to the roster. Adding a connection that is already on the
// roster is a no-op.
func (r *Registry) AddParticipant(sessionID string, p domain.Participant) (*domain.Session, error) {
	r.mu.Lock()

	ss, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("test not found: %s", sessionID)
	}

	joined, err := r.addParticipant(ss, p)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	snapshot := ss.Clone()
	r.mu.Unlock()

	if joined != nil {
		r.publish(domain.EventParticipantJoined{SessionID: sessionID, Participant: *joined})
	}

	return snapshot, nil
}

func (r *Registry) addParticipant(ss *domain.Session, p domain.Participant) (*domain.Participant, error) {
	if p.ConnectionID == "" {
		return nil, errors.New(errors.CodeInternalInconsistency, errors.WithMessagef("participant without connection ID"))
	}

	if _, ok := ss.Participant(p.ConnectionID); ok {
		return nil, nil
	}

	if ss.State == domain.SessionStateFinished {
		return nil, errors.InvalidPayload("test %s has already finished", ss.SessionID)
	}

	if p.Role == "" {
		p.Role = domain.RoleExaminee
	}
	if p.Contact == "" {
		p.Contact = domain.UnknownContact
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = r.now()
	}

	p = p.Clone()
	ss.Participants = append(ss.Participants, p)
	r.index(p.ConnectionID, ss.SessionID)

	joined := p.Clone()
	return &joined, nil
}

// RemoveParticipant drops connID from the roster and reports whether it was there.
// Unknown sessions are a no-op. When the roster becomes empty the session is retired:
// session_ended is broadcast first, then the session is deleted.
func (r *Registry) RemoveParticipant(sessionID, connID string) (bool, error) {
	r.mu.Lock()

	ss, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}

	i, ok := ss.Participant(connID)
	if !ok {
		r.mu.Unlock()
		return false, nil
	}

	ss.Participants = append(ss.Participants[:i], ss.Participants[i+1:]...)
	r.unindex(connID, sessionID)

	events := []event.Event{domain.EventParticipantLeft{SessionID: sessionID, ConnectionID: connID}}
	if len(ss.Participants) == 0 {
		events = append(events, r.retire(ss))
	}
	r.mu.Unlock()

	r.publish(events...)
	return true, nil
}

// Start moves a session to in progress. Only the host may start it. When the session has a
// duration, it finishes on its own once the duration elapses.
func (r *Registry) Start(sessionID, connID string) (*domain.Session, error) {
	r.mu.Lock()

	ss, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("test not found: %s", sessionID)
	}

	i, ok := ss.Participant(connID)
	if !ok || ss.Participants[i].Role != domain.RoleHost {
		r.mu.Unlock()
		return nil, errors.InvalidPayload("only the host can start the test")
	}

	if ss.State != domain.SessionStateNotStarted {
		r.mu.Unlock()
		return nil, errors.InvalidPayload("test %s is already %s", sessionID, ss.State)
	}

	ss.State = domain.SessionStateInProgress
	ss.StartedAt = r.now()

	if ss.Duration > 0 {
		r.timers[sessionID] = time.AfterFunc(ss.Duration, func() { r.expire(sessionID) })
	}

	if r.bc != nil {
		r.bc.Publish(sessionID, broadcast.EventTestStarted, broadcast.TestStartedPayload{
			TestID:          sessionID,
			StartedAt:       ss.StartedAt.UnixMilli(),
			DurationSeconds: int64(ss.Duration / time.Second),
		})
	}

	snapshot := ss.Clone()
	r.mu.Unlock()

	r.publish(domain.EventSessionStarted{Session: *snapshot})
	return snapshot, nil
}

func (r *Registry) expire(sessionID string) {
	if _, err := r.Finish(sessionID); err != nil {
		slog.Debug("session: timer fired for a session that cannot finish", "session", sessionID, "error", err)
		return
	}

	slog.Info("session: finished on timeout", "session", sessionID)
}

// Finish closes a session: every examinee that has not finished yet gets a result from
// their answers so far, and test_finished is broadcast with all results.
func (r *Registry) Finish(sessionID string) (*domain.Session, error) {
	r.mu.Lock()

	ss, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("test not found: %s", sessionID)
	}

	if ss.State == domain.SessionStateFinished {
		r.mu.Unlock()
		return nil, errors.New(errors.CodeInternalInconsistency,
			errors.WithMessagef("test %s is already finished", sessionID))
	}

	now := r.now()
	ss.State = domain.SessionStateFinished
	for i := range ss.Participants {
		p := &ss.Participants[i]
		if p.Role != domain.RoleExaminee || p.Completed {
			continue
		}

		p.Completed = true
		ss.Results = append(ss.Results, ResultOf(ss, p, now))
	}
	r.stopTimer(sessionID)

	if r.bc != nil {
		r.bc.Publish(sessionID, broadcast.EventTestFinished, broadcast.TestFinishedPayload{
			TestID:  sessionID,
			Results: broadcast.NewResultPayloads(ss.Results),
		})
	}

	snapshot := ss.Clone()
	r.mu.Unlock()

	r.publish(domain.EventSessionFinished{Session: *snapshot})
	return snapshot, nil
}

// ResultOf snapshots a participant's outcome.
func ResultOf(ss *domain.Session, p *domain.Participant, at time.Time) domain.Result {
	score := decimal.Zero
	if p.Score != nil {
		score = *p.Score
	}

	return domain.Result{
		ConnectionID: p.ConnectionID,
		Name:         p.Name,
		Score:        score,
		Correct:      p.Correct,
		Total:        len(ss.Questions),
		Suspicious:   p.Suspicious,
		FinishedAt:   at,
	}
}

// UpdateParticipant runs fn on the live participant connID of the session.
func (r *Registry) UpdateParticipant(sessionID, connID string, fn UpdateFunc) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ss, ok := r.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("test not found: %s", sessionID)
	}

	i, ok := ss.Participant(connID)
	if !ok {
		return nil, errors.NotFound("not a participant of test %s", sessionID)
	}

	if err := fn(ss, &ss.Participants[i]); err != nil {
		return nil, err
	}

	return ss.Clone(), nil
}

// SessionsOf returns the IDs of the sessions connID is on the roster of.
func (r *Registry) SessionsOf(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byConn[connID]))
	for id := range r.byConn[connID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Close stops every pending duration timer.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.timers {
		r.stopTimer(id)
	}
}

func (r *Registry) fillDefaults(ss *domain.Session) {
	if ss.State == "" {
		ss.State = domain.SessionStateNotStarted
	}
	if ss.CreatedAt.IsZero() {
		ss.CreatedAt = r.now()
	}
}

func (r *Registry) index(connID, sessionID string) {
	ids, ok := r.byConn[connID]
	if !ok {
		ids = make(map[string]struct{})
		r.byConn[connID] = ids
	}
	ids[sessionID] = struct{}{}
}

func (r *Registry) unindex(connID, sessionID string) {
	ids, ok := r.byConn[connID]
	if !ok {
		return
	}

	delete(ids, sessionID)
	if len(ids) == 0 {
		delete(r.byConn, connID)
	}
}

func (r *Registry) stopTimer(sessionID string) {
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
}

func (r *Registry) publish(events ...event.Event) {
	for _, e := range events {
		r.eb.Publish(context.Background(), e)
	}
}
