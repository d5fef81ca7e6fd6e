package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/examlive/internal/api"
	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
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

const readTimeout = 3 * time.Second

func TestAPI_CreateJoinAndLeave(t *testing.T) {
	env := newTestEnv(t, twoParts)

	host := env.dial(t)
	host.send(t, api.EventCreateTestByForm, formPayload())

	part1 := host.expect(t, broadcast.EventTestCreated)
	assert.Equal(t, 1.0, part1.data(t)["part"])
	assert.Equal(t, 50.0, host.expect(t, broadcast.EventTestProgress).data(t)["progress"])

	part2 := host.expect(t, broadcast.EventTestCreated)
	assert.Equal(t, part1.data(t)["testId"], part2.data(t)["testId"], "parts share one content id")
	assert.Equal(t, 100.0, host.expect(t, broadcast.EventTestProgress).data(t)["progress"])

	fin := host.expect(t, broadcast.EventTestFinalized).data(t)
	testID, code := fin["testId"].(string), fin["tempCode"].(string)
	require.NotEmpty(t, testID)
	require.Len(t, code, 5)

	ss, err := env.registry.Get(testID)
	require.NoError(t, err)
	require.Len(t, ss.Participants, 1)
	assert.Equal(t, domain.RoleHost, ss.Participants[0].Role)
	assert.Len(t, ss.Questions, 2)

	examinee := env.dial(t)
	examinee.send(t, api.EventJoinTest, map[string]any{"tempCode": code, "name": "Ann"})

	joined := examinee.expect(t, broadcast.EventUserJoined).data(t)
	assert.Equal(t, "Ann", joined["name"])
	test := joined["test"].(map[string]any)
	for _, q := range test["questions"].([]any) {
		assert.NotContains(t, q.(map[string]any), "correctAnswerId", "joiners never see answers")
	}
	host.expect(t, broadcast.EventUserJoined)

	host.send(t, api.EventStartTest, map[string]any{"testId": testID})
	host.expect(t, broadcast.EventTestStarted)
	examinee.expect(t, broadcast.EventTestStarted)

	q := ss.Questions[0]
	examinee.send(t, api.EventSubmitAnswer, map[string]any{
		"testId": testID,
		"answer": map[string]any{"questionId": q.QuestionID, "optionId": q.CorrectOptionID},
	})
	submitted := host.expect(t, broadcast.EventAnswerSubmitted).data(t)
	assert.Equal(t, q.QuestionID, submitted["answer"].(map[string]any)["questionId"])

	examinee.close()
	left := host.expect(t, broadcast.EventUserLeft).data(t)
	assert.NotEmpty(t, left["userId"])

	require.Eventually(t, func() bool {
		ss, err := env.registry.Get(testID)
		return err == nil && len(ss.Participants) == 1
	}, readTimeout, 10*time.Millisecond)

	host.close()
	require.Eventually(t, func() bool {
		_, err := env.registry.Get(testID)
		return errors.IsCode(err, errors.CodeNotFound)
	}, readTimeout, 10*time.Millisecond, "the session is retired with its last participant")
}

func TestAPI_Errors(t *testing.T) {
	tests := map[string]struct {
		event   string
		data    any
		message string
	}{
		"unknown event": {
			event:   "make_coffee",
			message: `unknown event: "make_coffee"`,
		},
		"missing create fields": {
			event:   api.EventCreateTestByForm,
			data:    map[string]any{"subject": "Math"},
			message: "invalid payload",
		},
		"invalid access code": {
			event:   api.EventJoinTest,
			data:    map[string]any{"tempCode": "99999"},
			message: "invalid code",
		},
		"empty access code": {
			event:   api.EventJoinTest,
			data:    map[string]any{"tempCode": ""},
			message: "invalid payload",
		},
		"start an unknown test": {
			event:   api.EventStartTest,
			data:    map[string]any{"testId": "nope"},
			message: "test not found",
		},
		"leave an unknown test": {
			event:   api.EventLeaveTest,
			data:    map[string]any{"testId": "nope"},
			message: "test not found",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, twoParts)
			c := env.dial(t)

			c.send(t, tt.event, tt.data)
			msg := c.expect(t, broadcast.EventError).data(t)["message"].(string)
			assert.Contains(t, msg, tt.message)

			c.send(t, api.EventPing, nil)
			c.expect(t, broadcast.EventPong)
		})
	}
}

func TestAPI_MalformedFrame(t *testing.T) {
	env := newTestEnv(t, twoParts)
	c := env.dial(t)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := c.expect(t, broadcast.EventError).data(t)["message"].(string)
	assert.Contains(t, msg, "malformed message")

	c.send(t, api.EventPing, nil)
	c.expect(t, broadcast.EventPong)
}

func TestAPI_GenerationFailure(t *testing.T) {
	env := newTestEnv(t, func(p generator.Params) (*domain.ContentPart, error) {
		if p.PartIndex == 2 {
			return generator.ParsePart("I cannot help with that")
		}
		return twoParts(p)
	})

	c := env.dial(t)
	c.send(t, api.EventCreateTestByForm, formPayload())

	c.expect(t, broadcast.EventTestCreated)
	msg := c.expect(t, broadcast.EventError).data(t)["message"].(string)
	assert.Contains(t, msg, "malformed generator output")
	assert.Zero(t, env.registry.Len(), "nothing is persisted or registered")
	assert.Zero(t, env.store.count())
}

func TestAPI_CreatorLeavesDuringGeneration(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(p generator.Params) (*domain.ContentPart, error) {
		if p.PartIndex == 2 {
			<-release
		}
		return twoParts(p)
	})

	c := env.dial(t)
	c.send(t, api.EventCreateTestByForm, formPayload())
	c.expect(t, broadcast.EventTestCreated)

	c.close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.Connections) == 0
	}, readTimeout, 10*time.Millisecond, "the server noticed the creator left")
	close(release)

	env.api.Close()
	assert.Zero(t, env.store.count(), "a test whose creator left is not persisted")
	assert.Zero(t, env.registry.Len())
}

func TestAPI_CreateByBook(t *testing.T) {
	env := newTestEnv(t, twoParts)
	testID, _ := env.store.seed(t)

	c := env.dial(t)
	c.send(t, api.EventCreateTestByBook, map[string]any{"testId": testID})

	joined := c.expect(t, broadcast.EventUserJoined).data(t)
	assert.Equal(t, string(domain.RoleHost), joined["role"])

	ss, err := env.registry.Get(testID)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceKindBook, ss.SourceKind)
}

func TestAPI_REST(t *testing.T) {
	env := newTestEnv(t, twoParts)

	resp := env.get(t, "/api/v1/sessions/nope")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	testID, code := env.store.seed(t)
	c := env.dial(t)
	c.send(t, api.EventJoinTest, map[string]any{"tempCode": code, "name": "Ann"})
	c.expect(t, broadcast.EventUserJoined)

	resp = env.get(t, "/api/v1/sessions/"+testID)
	require.Equal(t, http.StatusOK, resp.Code)

	var detail api.SessionDetail
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &detail))
	assert.Equal(t, testID, detail.TestID)
	assert.Equal(t, string(domain.SourceKindStored), detail.SourceKind)
	require.Len(t, detail.Participants, 1)
	assert.Equal(t, "Ann", detail.Participants[0].Name)
	assert.NotContains(t, resp.Body.String(), "correct")

	resp = env.get(t, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), testID)

	resp = env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestAPI_MirrorsEventsToRedis(t *testing.T) {
	env := newTestEnv(t, twoParts)
	testID, code := env.store.seed(t)

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	sub := env.redis.Subscribe(ctx, "test:session:"+testID)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	c := env.dial(t)
	c.send(t, api.EventJoinTest, map[string]any{"tempCode": code})
	c.expect(t, broadcast.EventUserJoined)

	seen := make(map[string]bool)
	for !seen[domain.EventNameSessionCreated] || !seen[domain.EventNameParticipantJoined] {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)

		var n api.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		seen[n.Event] = true
	}
}

type testEnv struct {
	api      *api.API
	metrics  *telemetry.Metrics
	registry *session.Registry
	store    *memStore
	redis    redis.UniversalClient
	server   *httptest.Server
	engine   *gin.Engine
}

func newTestEnv(t *testing.T, respond func(p generator.Params) (*domain.ContentPart, error)) *testEnv {
	gin.SetMode(gin.TestMode)

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	t.Cleanup(func() { rc.Close() })

	eb := event.NewBus()
	hub := broadcast.NewHub()
	registry := session.NewRegistry(session.Config{Broadcast: hub, EventBus: eb})
	store := &memStore{tests: make(map[string]*domain.StoredTest), codes: make(map[string]string)}

	m := telemetry.NewMetrics(prometheus.NewRegistry(), eb)

	e := gin.New()
	a := api.New(api.Config{
		Engine:    e,
		EventBus:  eb,
		Hub:       hub,
		Sessions:  registry,
		Lifecycle: lifecycle.NewManager(lifecycle.Config{Sessions: registry, Broadcast: hub, Store: store}),
		Generation: generation.NewService(generation.Config{
			Generator: generator.Func(func(_ context.Context, p generator.Params) (*domain.ContentPart, error) {
				return respond(p)
			}),
		}),
		Score:           score.NewService(score.Config{EventBus: eb, Sessions: registry, Broadcast: hub}),
		Leaderboard:     leaderboard.NewService(leaderboard.Config{EventBus: eb, Redis: rc, Prefix: "test"}),
		Store:           store,
		Metrics:         m,
		Redis:           rc,
		PubsubPrefix:    "test",
		DefaultDuration: time.Minute,
	})

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
		registry.Close()
		eb.Stop()
	})

	return &testEnv{api: a, metrics: m, registry: registry, store: store, redis: rc, server: srv, engine: e}
}

func (env *testEnv) dial(t *testing.T) *wsClient {
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &wsClient{conn: conn}
	t.Cleanup(c.close)
	return c
}

func (env *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	return w
}

type wsClient struct {
	conn *websocket.Conn
	once sync.Once
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (f frame) data(t *testing.T) map[string]any {
	var m map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &m))
	return m
}

func (c *wsClient) send(t *testing.T, event string, data any) {
	require.NoError(t, c.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// expect reads frames until one carries event, skipping everything else.
func (c *wsClient) expect(t *testing.T, event string) frame {
	t.Helper()

	deadline := time.Now().Add(readTimeout)
	for {
		require.NoError(t, c.conn.SetReadDeadline(deadline))

		var f frame
		require.NoError(t, c.conn.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event {
			return f
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { c.conn.Close() })
}

func formPayload() map[string]any {
	return map[string]any{
		"subject":             "Math",
		"topic":               "Algebra",
		"difficulty_level":    "Easy",
		"test_format":         "Multiple Choice",
		"number_of_questions": 2,
		"user_prompt":         "",
	}
}

func twoParts(p generator.Params) (*domain.ContentPart, error) {
	return &domain.ContentPart{
		ContentID:          "content-1",
		PartIndex:          p.PartIndex,
		TotalPartsEstimate: 2,
		Continue:           p.PartIndex < 2,
		Questions: []domain.Question{{
			QuestionID:      fmt.Sprintf("q%d", p.PartIndex),
			Prompt:          fmt.Sprintf("question %d", p.PartIndex),
			Options:         []domain.Option{{OptionID: "a", OptionText: "A"}, {OptionID: "b", OptionText: "B"}},
			CorrectOptionID: "a",
		}},
	}, nil
}

type memStore struct {
	mu    sync.Mutex
	tests map[string]*domain.StoredTest
	codes map[string]string
	next  int
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tests)
}

// seed stores a one-question test and returns its ID and access code.
func (s *memStore) seed(t *testing.T) (string, string) {
	fin, err := s.PersistFinalizedTest(context.Background(), repository.FinalizeRequest{
		Title: "Stored",
		Questions: []domain.Question{{
			QuestionID:      "q1",
			Prompt:          "2 + 2 = ?",
			Options:         []domain.Option{{OptionID: "a", OptionText: "3"}, {OptionID: "b", OptionText: "4"}},
			CorrectOptionID: "b",
		}},
	})
	require.NoError(t, err)
	return fin.TestID, fin.AccessCode
}

func (s *memStore) ResolveAccessCode(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.codes[code]
	if !ok {
		return "", errors.NotFound("invalid code")
	}
	return id, nil
}

func (s *memStore) LoadTest(_ context.Context, testID string) (*domain.StoredTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tests[testID]
	if !ok {
		return nil, errors.NotFound("test not found: %s", testID)
	}

	c := *t
	return &c, nil
}

func (s *memStore) PersistFinalizedTest(_ context.Context, req repository.FinalizeRequest) (*repository.Finalized, error) {
	questions, err := repository.RemapIDs(req.Questions)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	id := fmt.Sprintf("test-%d", s.next)
	code := fmt.Sprintf("%d", 10000+s.next)

	s.codes[code] = id
	s.tests[id] = &domain.StoredTest{
		TestID:     id,
		Title:      req.Title,
		AccessCode: code,
		Duration:   req.Duration,
		Questions:  questions,
	}

	return &repository.Finalized{TestID: id, AccessCode: code, Questions: questions}, nil
}
