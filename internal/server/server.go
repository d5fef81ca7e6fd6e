package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/examlive/internal/api"
	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/event"
	"github.com/victornm/examlive/internal/generation"
	"github.com/victornm/examlive/internal/generator"
	"github.com/victornm/examlive/internal/leaderboard"
	"github.com/victornm/examlive/internal/lifecycle"
	"github.com/victornm/examlive/internal/repository"
	"github.com/victornm/examlive/internal/score"
	"github.com/victornm/examlive/internal/session"
	"github.com/victornm/examlive/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres PostgresConfig

	Gemini struct {
		APIKey string
		Model  string
	}

	Generation struct {
		MaxParts    int
		Budget      time.Duration
		PartTimeout time.Duration
		Language    string
	}

	Session struct {
		DefaultDuration time.Duration
	}

	WS struct {
		AllowedOrigins []string
	}
}

type PostgresConfig struct {
	Addr    string
	User    string
	Pass    string
	Name    string
	SSLMode string
	// Migrate applies pending schema migrations on start.
	Migrate bool
}

func (c PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Pass),
		Host:     c.Addr,
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}

	return u.String()
}

// DefaultConfig returns a config for a local setup. Loaded files and the environment
// override it.
func DefaultConfig() Config {
	var c Config

	c.HTTP.Port = 8080
	c.GRPC.Port = 8081

	c.Redis.Addrs = []string{"localhost:6379"}
	c.Redis.Prefix = "local"

	c.Postgres = PostgresConfig{
		Addr:    "localhost:5432",
		User:    "postgres",
		Pass:    "postgres",
		Name:    "examlive",
		SSLMode: "disable",
		Migrate: true,
	}

	c.Gemini.Model = "gemini-2.0-flash"

	c.Generation.MaxParts = 10
	c.Generation.Budget = 2 * time.Minute
	c.Generation.PartTimeout = 45 * time.Second
	c.Generation.Language = "English"

	c.Session.DefaultDuration = 30 * time.Minute

	return c
}

type Server struct {
	c Config

	eb      *event.Bus
	metrics *telemetry.Metrics

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
		models   generator.Models
	}

	service struct {
		hub         *broadcast.Hub
		registry    *session.Registry
		store       *repository.Postgres
		lifecycle   *lifecycle.Manager
		generation  *generation.Service
		score       *score.Service
		leaderboard *leaderboard.Service
	}

	api    *api.API
	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer, s.eb)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if err := s.initGemini(); err != nil {
		return fmt.Errorf("gemini: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := s.c.Postgres.URL()

	if s.c.Postgres.Migrate {
		if err := repository.Migrate(dsn); err != nil {
			return err
		}
	}

	cc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initGemini() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := generator.NewGeminiModels(ctx, s.c.Gemini.APIKey)
	if err != nil {
		return err
	}

	s.infra.models = m
	return nil
}

func (s *Server) initService() {
	s.service.hub = broadcast.NewHub()

	s.service.registry = session.NewRegistry(session.Config{
		Broadcast: s.service.hub,
		EventBus:  s.eb,
	})

	s.service.store = repository.NewPostgres(repository.Config{
		DB: s.infra.postgres,
	})

	s.service.lifecycle = lifecycle.NewManager(lifecycle.Config{
		Sessions:        s.service.registry,
		Broadcast:       s.service.hub,
		Store:           s.service.store,
		DefaultDuration: s.c.Session.DefaultDuration,
	})

	s.service.generation = generation.NewService(generation.Config{
		Generator: generator.NewGemini(generator.GeminiConfig{
			Models: s.infra.models,
			Model:  s.c.Gemini.Model,
		}),
		MaxParts:    s.c.Generation.MaxParts,
		Budget:      s.c.Generation.Budget,
		PartTimeout: s.c.Generation.PartTimeout,
	})

	s.service.score = score.NewService(score.Config{
		EventBus:  s.eb,
		Sessions:  s.service.registry,
		Broadcast: s.service.hub,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis,
		Prefix:   s.c.Redis.Prefix,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())
	e.Use(cors.New(s.corsConfig()))

	s.api = api.New(api.Config{
		Engine:          e,
		EventBus:        s.eb,
		Hub:             s.service.hub,
		Sessions:        s.service.registry,
		Lifecycle:       s.service.lifecycle,
		Generation:      s.service.generation,
		Score:           s.service.score,
		Leaderboard:     s.service.leaderboard,
		Store:           s.service.store,
		Metrics:         s.metrics,
		Redis:           s.infra.redis,
		PubsubPrefix:    s.c.Redis.Prefix,
		AllowedOrigins:  s.c.WS.AllowedOrigins,
		DefaultLanguage: s.c.Generation.Language,
		DefaultDuration: s.c.Session.DefaultDuration,
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptors(slog.Default())...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// corsConfig opens the REST endpoints to the origins allowed to open WebSockets, or to
// every origin when none is configured.
func (s *Server) corsConfig() cors.Config {
	c := cors.DefaultConfig()
	if len(s.c.WS.AllowedOrigins) > 0 {
		c.AllowOrigins = s.c.WS.AllowedOrigins
	} else {
		c.AllowAllOrigins = true
	}
	c.AllowMethods = []string{"GET", "OPTIONS"}
	c.MaxAge = 12 * time.Hour
	return c
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// Hijacked WebSocket connections are not closed by http.Server.Shutdown.
	s.api.Close()
	s.service.registry.Close()
	s.eb.Stop()

	s.infra.postgres.Close()
	if err := s.infra.redis.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
