package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/repository"
	"github.com/victornm/examlive/internal/validate"
)

// handleCreateByForm validates the request and generates the test in the background, so
// the connection keeps serving other events while parts stream in.
func (a *API) handleCreateByForm(c *client, env envelope) error {
	var p CreateTestByFormPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}

	if p.Language == "" {
		p.Language = a.defaultLanguage
	}

	if err := validate.Struct(p); err != nil {
		return err
	}

	if !a.goTracked(func() { a.createTest(c, p) }) {
		return errors.New(errors.CodeGenerationFailed, errors.WithMessagef("server is shutting down"))
	}

	return nil
}

// createTest streams every generated part to the creator as it arrives, then persists the
// test and opens a session for it with the creator as host. Parts are dropped as soon as
// the creator is gone.
func (a *API) createTest(c *client, p CreateTestByFormPayload) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("api: create test panic", "connection", c.id, "error", r)
			a.sendError(c, EventCreateTestByForm, errors.New(errors.CodeInternal))
		}
	}()

	ctx := c.ctx
	start := time.Now()

	var test domain.GeneratedTest
	for part, err := range a.gen.Generate(ctx, p.Request) {
		if c.closed() {
			slog.InfoContext(ctx, "api: creator left, generation discarded", "connection", c.id, "parts", test.Parts)
			return
		}

		if err != nil {
			a.metrics.GenerationFailures.Inc()
			a.sendError(c, EventCreateTestByForm, err)
			return
		}

		test.Merge(part)
		a.metrics.PartsStreamed.Inc()

		_ = c.Send(broadcast.Message{Event: broadcast.EventTestCreated, Data: newPartPayload(part)})
		_ = c.Send(broadcast.Message{Event: broadcast.EventTestProgress, Data: ProgressPayload{Progress: progressOf(part)}})
	}

	if c.closed() {
		return
	}

	if len(test.Questions) == 0 {
		a.metrics.GenerationFailures.Inc()
		a.sendError(c, EventCreateTestByForm, errors.New(errors.CodeGenerationFailed,
			errors.WithMessagef("content generator produced no questions")))
		return
	}

	duration := a.defaultDuration
	if p.DurationMinutes > 0 {
		duration = time.Duration(p.DurationMinutes) * time.Minute
	}

	title := p.Title
	if title == "" {
		title = p.Subject + " - " + p.Topic
	}

	fin, err := a.store.PersistFinalizedTest(ctx, repository.FinalizeRequest{
		Title:     title,
		Duration:  duration,
		Questions: test.Questions,
	})
	if err != nil {
		a.sendError(c, EventCreateTestByForm, err)
		return
	}
	a.metrics.TestsFinalized.Inc()

	_, err = a.lifecycle.OnCreated(ctx, c, &domain.StoredTest{
		TestID:     fin.TestID,
		Title:      title,
		AccessCode: fin.AccessCode,
		Duration:   duration,
		Questions:  fin.Questions,
		CreatedAt:  time.Now(),
	}, domain.SourceKindForm)
	if err != nil {
		a.sendError(c, EventCreateTestByForm, err)
		return
	}

	// The creator may have left while the session was being opened; readPump has already
	// detached it from everything it knew about.
	if c.closed() {
		a.lifecycle.OnDisconnect(context.Background(), c.id)
		return
	}

	_ = c.Send(broadcast.Message{Event: broadcast.EventTestFinalized, Data: FinalizedPayload{
		TestID:   fin.TestID,
		TempCode: fin.AccessCode,
	}})

	slog.InfoContext(ctx, "api: test created",
		"connection", c.id,
		"test", fin.TestID,
		"parts", test.Parts,
		"questions", len(test.Questions),
		"elapsed", time.Since(start),
	)
}
