package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/event"
	"github.com/victornm/examlive/internal/leaderboard"
)

func TestService_UpdateLeaderboard(t *testing.T) {
	s, _ := makeService(t)

	for _, sc := range []domain.Score{
		{SessionID: "s1", ConnectionID: "c1", Name: "Ann", TotalScore: decimal.NewFromFloat(33.33), UpdateTime: time.Now()},
		{SessionID: "s1", ConnectionID: "c2", Name: "Bob", TotalScore: decimal.NewFromFloat(66.67), UpdateTime: time.Now()},
	} {
		err := s.UpdateLeaderboard(context.Background(), domain.EventScoreUpdated{Score: sc})
		require.NoError(t, err)
	}

	resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{
		SessionID: "s1",
	})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		SessionID: "s1",
		Entries: []domain.LeaderboardEntry{
			{ConnectionID: "c2", Name: "Bob", Score: 66.67},
			{ConnectionID: "c1", Name: "Ann", Score: 33.33},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_DeleteLeaderboard(t *testing.T) {
	s, rs := makeService(t)

	err := s.UpdateLeaderboard(context.Background(), domain.EventScoreUpdated{
		Score: domain.Score{SessionID: "s1", ConnectionID: "c1", Name: "Ann", TotalScore: decimal.NewFromInt(100), UpdateTime: time.Now()},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rs.Keys())

	require.NoError(t, s.DeleteLeaderboard(context.Background(), "s1"))
	require.Empty(t, rs.Keys())

	_, err = s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestServer_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventScoreUpdated
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish correct event leaderboard.updated after receiving score.updated": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						{Score: score("s1", "c1", "Ann", 50)},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					SessionID: "s1",
					Entries: []domain.LeaderboardEntry{
						{ConnectionID: "c1", Name: "Ann", Score: 50},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 2 events leaderboard.updated after receiving events score.updated for 2 different sessions": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						{Score: score("s1", "c1", "Ann", 50)},
						{Score: score("s2", "c2", "Bob", 100)},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated event")
			},
		},

		"should publish 1 event leaderboard.updated after receiving events score.updated for the same session within the publish interval": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						{Score: score("s1", "c1", "Ann", 50)},
						{Score: score("s1", "c2", "Bob", 100)},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s, _ := makeService(t,
				withEventBus(eb),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateLeaderboard(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func TestService_DeletesOnSessionEnded(t *testing.T) {
	eb := event.NewBus()
	s, rs := makeService(t, withEventBus(eb))

	err := s.UpdateLeaderboard(context.Background(), domain.EventScoreUpdated{Score: score("s1", "c1", "Ann", 50)})
	require.NoError(t, err)

	eb.Publish(context.Background(), domain.EventSessionEnded{Session: domain.Session{SessionID: "s1"}})
	eb.Stop()

	require.Empty(t, rs.Keys())
}

func TestService_LateUpdateExpires(t *testing.T) {
	s, rs := makeService(t, withTTL(time.Hour))

	require.NoError(t, s.DeleteLeaderboard(context.Background(), "s1"))

	// A score handled after the session's keys were deleted.
	err := s.UpdateLeaderboard(context.Background(), domain.EventScoreUpdated{Score: score("s1", "c1", "Ann", 50)})
	require.NoError(t, err)
	require.Equal(t, time.Hour, rs.TTL("test:s1:leaderboard"))
	require.Equal(t, time.Hour, rs.TTL("test:s1:names"))

	rs.FastForward(time.Hour)
	require.Empty(t, rs.Keys())
}

func score(session, conn, name string, v int64) domain.Score {
	return domain.Score{
		SessionID:    session,
		ConnectionID: conn,
		Name:         name,
		TotalScore:   decimal.NewFromInt(v),
		UpdateTime:   time.Now(),
	}
}

func makeService(t *testing.T, opts ...options) (*leaderboard.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "test",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c), rs
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}

func withTTL(d time.Duration) options {
	return func(c *leaderboard.Config) {
		c.TTL = d
	}
}
