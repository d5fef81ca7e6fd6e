package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/event"
	"github.com/victornm/examlive/internal/generation"
	"github.com/victornm/examlive/internal/leaderboard"
	"github.com/victornm/examlive/internal/lifecycle"
	"github.com/victornm/examlive/internal/repository"
	"github.com/victornm/examlive/internal/score"
	"github.com/victornm/examlive/internal/session"
	"github.com/victornm/examlive/internal/telemetry"
)

type Config struct {
	Engine      *gin.Engine
	EventBus    *event.Bus
	Hub         *broadcast.Hub
	Sessions    *session.Registry
	Lifecycle   *lifecycle.Manager
	Generation  *generation.Service
	Score       *score.Service
	Leaderboard *leaderboard.Service
	Store       repository.Store
	Metrics     *telemetry.Metrics

	// Redis mirrors domain events for external dashboards. Nil disables the mirror.
	Redis        Redis
	PubsubPrefix string

	// AllowedOrigins restricts WebSocket upgrades. Empty allows every origin.
	AllowedOrigins []string
	// DefaultLanguage is used when a create request does not name one.
	DefaultLanguage string
	// DefaultDuration is used when a create request does not set one.
	DefaultDuration time.Duration
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// API is the WebSocket gateway plus a read-only REST view over live sessions.
type API struct {
	hub       *broadcast.Hub
	sessions  *session.Registry
	lifecycle *lifecycle.Manager
	gen       *generation.Service
	score     *score.Service
	lb        *leaderboard.Service
	store     repository.Store
	metrics   *telemetry.Metrics

	redis  Redis
	prefix string

	upgrader        websocket.Upgrader
	defaultLanguage string
	defaultDuration time.Duration

	// ctx is the parent of every connection; cancelling it aborts in-flight generations.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against the wg.Wait in Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(c Config) *API {
	ctx, cancel := context.WithCancel(context.Background())

	a := &API{
		hub:             c.Hub,
		sessions:        c.Sessions,
		lifecycle:       c.Lifecycle,
		gen:             c.Generation,
		score:           c.Score,
		lb:              c.Leaderboard,
		store:           c.Store,
		metrics:         c.Metrics,
		redis:           c.Redis,
		prefix:          c.PubsubPrefix,
		upgrader:        buildUpgrader(c.AllowedOrigins),
		defaultLanguage: c.DefaultLanguage,
		defaultDuration: c.DefaultDuration,
		ctx:             ctx,
		cancel:          cancel,
	}

	if a.defaultLanguage == "" {
		a.defaultLanguage = "English"
	}

	e := c.Engine
	e.GET("/ws", a.ServeWS)
	e.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := e.Group("/api/v1")
	v1.GET("/sessions", a.ListSessions)
	v1.GET("/sessions/:id", a.GetSession)
	v1.GET("/sessions/:id/leaderboard", a.GetLeaderboard)

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	for _, name := range []string{
		domain.EventNameSessionCreated,
		domain.EventNameSessionStarted,
		domain.EventNameSessionFinished,
		domain.EventNameSessionEnded,
		domain.EventNameParticipantJoined,
		domain.EventNameParticipantLeft,
	} {
		c.EventBus.Subscribe(name, a.MirrorSessionEvent)
	}

	return a
}

// Close aborts in-flight generations and waits for them to return. Work started after
// Close is refused.
func (a *API) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
}

// goTracked runs fn in a goroutine that Close waits for. It reports false once Close has
// been called.
func (a *API) goTracked(fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()

	return true
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allow list permits all origins.
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}
