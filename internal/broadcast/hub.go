package broadcast

import (
	"log/slog"
	"sync"
)

// Member is a connection that can receive messages.
// Send must not block; it should queue the message or fail.
type Member interface {
	ID() string
	Send(m Message) error
}

// Hub groups members by session ID and fans messages out to them.
type Hub struct {
	mu          sync.Mutex
	groups      map[string]map[string]Member
	memberships map[string]map[string]struct{} // member ID -> session IDs
}

func NewHub() *Hub {
	return &Hub{
		groups:      make(map[string]map[string]Member),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds m to the group of sessionID. Joining twice is a no-op.
func (h *Hub) Join(sessionID string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[sessionID]
	if !ok {
		g = make(map[string]Member)
		h.groups[sessionID] = g
	}
	g[m.ID()] = m

	ms, ok := h.memberships[m.ID()]
	if !ok {
		ms = make(map[string]struct{})
		h.memberships[m.ID()] = ms
	}
	ms[sessionID] = struct{}{}
}

// Leave removes the member from the group and reports whether it was there.
func (h *Hub) Leave(sessionID, memberID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.leave(sessionID, memberID)
}

// LeaveAll removes the member from every group and returns the session IDs it left.
func (h *Hub) LeaveAll(memberID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var left []string
	for sessionID := range h.memberships[memberID] {
		if h.leave(sessionID, memberID) {
			left = append(left, sessionID)
		}
	}

	return left
}

func (h *Hub) leave(sessionID, memberID string) bool {
	g, ok := h.groups[sessionID]
	if !ok {
		return false
	}

	if _, ok := g[memberID]; !ok {
		return false
	}

	delete(g, memberID)
	if len(g) == 0 {
		delete(h.groups, sessionID)
	}

	if ms, ok := h.memberships[memberID]; ok {
		delete(ms, sessionID)
		if len(ms) == 0 {
			delete(h.memberships, memberID)
		}
	}

	return true
}

// Publish delivers the event to every member currently in the group and returns how many
// accepted it. Messages are queued while the hub lock is held, so events from one publisher
// reach each member in call order.
func (h *Hub) Publish(sessionID, event string, data any) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := Message{Event: event, Data: data}

	delivered := 0
	for id, member := range h.groups[sessionID] {
		if err := member.Send(m); err != nil {
			slog.Warn("broadcast: send failed",
				"session", sessionID,
				"member", id,
				"event", event,
				"error", err,
			)
			continue
		}
		delivered++
	}

	return delivered
}

// Members returns the IDs of the members currently in the group.
func (h *Hub) Members(sessionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.groups[sessionID]))
	for id := range h.groups[sessionID] {
		ids = append(ids, id)
	}

	return ids
}
