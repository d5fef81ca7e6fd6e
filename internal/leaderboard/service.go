package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	defaultTTL      = 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// TTL expires the keys of a session that stops receiving scores. Every update renews it.
	TTL time.Duration
}

// Service keeps a ranking of every live session in Redis sorted sets.
// Redis only mirrors the scores held by the session registry; it is never read back
// to grade anyone.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}

	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})

	s.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.DeleteLeaderboard(ctx, e.(domain.EventSessionEnded).Session.SessionID)
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the leaderboard for a session, including all participants and their scores.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	ids := make([]string, 0, len(res))
	for _, z := range res {
		ids = append(ids, z.Member.(string))
	}

	names, err := s.redis.HMGet(ctx, s.getNamesKey(req.SessionID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard names: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		name, _ := names[i].(string)
		entries = append(entries, domain.LeaderboardEntry{
			ConnectionID: ids[i],
			Name:         name,
			Score:        z.Score,
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// UpdateLeaderboard overwrites the participant's score in the leaderboard. The keys expire,
// so an update handled after the session's keys were deleted does not leave them behind.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	sc := e.Score

	var (
		board = s.getLeaderboardKey(sc.SessionID)
		names = s.getNamesKey(sc.SessionID)
	)

	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, board, redis.Z{
			Score:  sc.TotalScore.InexactFloat64(),
			Member: sc.ConnectionID,
		})
		p.HSet(ctx, names, sc.ConnectionID, sc.Name)
		p.Expire(ctx, board, s.ttl)
		p.Expire(ctx, names, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, sc)
}

// DeleteLeaderboard drops everything kept for a retired session.
func (s *Service) DeleteLeaderboard(ctx context.Context, sessionID string) error {
	err := s.redis.Del(ctx,
		s.getLeaderboardKey(sessionID),
		s.getNamesKey(sessionID),
		s.getLeaderboardTimeKey(sessionID),
	).Err()
	if err != nil {
		return fmt.Errorf("delete leaderboard: %w", err)
	}

	return nil
}

// schedulePublishLeaderboard publishes the leaderboard at most once per publish interval.
// Many scores change in a short time while a test is running, so most updates only touch Redis.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, sc domain.Score) error {
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(sc.SessionID), sc.UpdateTime.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, sc)
}

func (s *Service) publishLeaderboard(ctx context.Context, sc domain.Score) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: sc.SessionID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", sc.SessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) getLeaderboardKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) getNamesKey(session string) string {
	return fmt.Sprintf("%s:%s:names", s.prefix, session)
}

func (s *Service) getLeaderboardTimeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}
