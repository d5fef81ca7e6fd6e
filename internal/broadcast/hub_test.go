package broadcast_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/examlive/internal/broadcast"
)

func TestHub_PublishOrder(t *testing.T) {
	h := broadcast.NewHub()
	a, b := newRecorder("a"), newRecorder("b")
	h.Join("s1", a)
	h.Join("s1", b)

	for i := 0; i < 50; i++ {
		h.Publish("s1", fmt.Sprintf("e%d", i), nil)
	}

	for _, r := range []*recorder{a, b} {
		events := r.events()
		require.Len(t, events, 50)
		for i, e := range events {
			require.Equal(t, fmt.Sprintf("e%d", i), e, "member %s received events out of order", r.id)
		}
	}
}

func TestHub_JoinLeave(t *testing.T) {
	tests := map[string]struct {
		arrange func(h *broadcast.Hub, a, b *recorder)
		assert  func(t *testing.T, h *broadcast.Hub, a, b *recorder)
	}{
		"late joiners should not receive earlier events": {
			arrange: func(h *broadcast.Hub, a, b *recorder) {
				h.Join("s1", a)
				h.Publish("s1", "e1", nil)
				h.Join("s1", b)
				h.Publish("s1", "e2", nil)
			},
			assert: func(t *testing.T, _ *broadcast.Hub, a, b *recorder) {
				assert.Equal(t, []string{"e1", "e2"}, a.events())
				assert.Equal(t, []string{"e2"}, b.events())
			},
		},

		"members should not receive events of other sessions": {
			arrange: func(h *broadcast.Hub, a, b *recorder) {
				h.Join("s1", a)
				h.Join("s2", b)
				h.Publish("s2", "e1", nil)
			},
			assert: func(t *testing.T, _ *broadcast.Hub, a, b *recorder) {
				assert.Empty(t, a.events())
				assert.Equal(t, []string{"e1"}, b.events())
			},
		},

		"left members should not receive events": {
			arrange: func(h *broadcast.Hub, a, b *recorder) {
				h.Join("s1", a)
				h.Join("s1", b)
				require.True(t, h.Leave("s1", "a"))
				require.False(t, h.Leave("s1", "a"))
				h.Publish("s1", "e1", nil)
			},
			assert: func(t *testing.T, h *broadcast.Hub, a, b *recorder) {
				assert.Empty(t, a.events())
				assert.Equal(t, []string{"e1"}, b.events())
				assert.Equal(t, []string{"b"}, h.Members("s1"))
			},
		},

		"leave all should remove the member from every session": {
			arrange: func(h *broadcast.Hub, a, b *recorder) {
				h.Join("s1", a)
				h.Join("s2", a)
				h.Join("s2", b)
			},
			assert: func(t *testing.T, h *broadcast.Hub, a, b *recorder) {
				assert.ElementsMatch(t, []string{"s1", "s2"}, h.LeaveAll("a"))
				assert.Empty(t, h.Members("s1"))
				assert.Equal(t, []string{"b"}, h.Members("s2"))
				assert.Empty(t, h.LeaveAll("a"))
			},
		},

		"a failing member should not stop delivery to others": {
			arrange: func(h *broadcast.Hub, a, b *recorder) {
				a.fail = true
				h.Join("s1", a)
				h.Join("s1", b)
			},
			assert: func(t *testing.T, h *broadcast.Hub, a, b *recorder) {
				assert.Equal(t, 1, h.Publish("s1", "e1", nil))
				assert.Equal(t, []string{"e1"}, b.events())
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := broadcast.NewHub()
			a, b := newRecorder("a"), newRecorder("b")
			tt.arrange(h, a, b)
			tt.assert(t, h, a, b)
		})
	}
}

type recorder struct {
	id   string
	fail bool

	mu       sync.Mutex
	received []broadcast.Message
}

func newRecorder(id string) *recorder {
	return &recorder{id: id}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(m broadcast.Message) error {
	if r.fail {
		return errors.New("connection closed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, m)
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for _, m := range r.received {
		names = append(names, m.Event)
	}
	return names
}
