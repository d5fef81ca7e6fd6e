package api

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/lifecycle"
	"github.com/victornm/examlive/internal/score"
	"github.com/victornm/examlive/internal/validate"
)

const handlerTimeout = 30 * time.Second

// dispatch handles one inbound event. Failures are reported to the sender only and never
// close the connection.
func (a *API) dispatch(c *client, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.InboundEvents.WithLabelValues(metricName(env.Event), "panic").Inc()
			slog.Error("api: handler panic",
				"event", env.Event,
				"connection", c.id,
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
			a.sendError(c, env.Event, errors.Internal(fmt.Errorf("panic: %v", r)))
		}
	}()

	ctx, cancel := context.WithTimeout(c.ctx, handlerTimeout)
	defer cancel()

	var err error
	switch env.Event {
	case EventCreateTestByForm:
		err = a.handleCreateByForm(c, env)
	case EventCreateTestByBook:
		err = a.handleCreateByBook(ctx, c, env)
	case EventStartTest:
		err = a.handleStart(c, env)
	case EventJoinTest:
		err = a.handleJoin(ctx, c, env)
	case EventLeaveTest:
		err = a.handleLeave(ctx, c, env)
	case EventSubmitAnswer:
		err = a.handleSubmitAnswer(ctx, c, env)
	case EventTestProgress:
		err = a.handleProgress(ctx, c, env)
	case EventFinishTest:
		err = a.handleFinish(ctx, c, env)
	case EventReportActivity:
		err = a.handleReportActivity(ctx, c, env)
	case EventPing:
		err = c.Send(broadcast.Message{Event: broadcast.EventPong})
	default:
		err = errors.InvalidPayload("unknown event: %q", env.Event)
	}

	if err != nil {
		a.metrics.InboundEvents.WithLabelValues(metricName(env.Event), "error").Inc()
		a.sendError(c, env.Event, err)
		return
	}

	a.metrics.InboundEvents.WithLabelValues(metricName(env.Event), "ok").Inc()
}

func (a *API) handleCreateByBook(ctx context.Context, c *client, env envelope) error {
	var p CreateTestByBookPayload
	if err := decodeValid(env, &p); err != nil {
		return err
	}

	_, err := a.lifecycle.OnHost(ctx, c, p.TestID, domain.SourceKindBook)
	return err
}

func (a *API) handleStart(c *client, env envelope) error {
	var p TestRefPayload
	if err := decodeValid(env, &p); err != nil {
		return err
	}

	_, err := a.sessions.Start(p.TestID, c.id)
	return err
}

func (a *API) handleJoin(ctx context.Context, c *client, env envelope) error {
	var p JoinTestPayload
	if err := decodeValid(env, &p); err != nil {
		return err
	}

	_, err := a.lifecycle.OnJoin(ctx, c, lifecycle.JoinRequest{
		AccessCode: p.TempCode,
		Name:       p.Name,
		Contact:    p.Contact,
	})
	return err
}

func (a *API) handleLeave(ctx context.Context, c *client, env envelope) error {
	var p TestRefPayload
	if err := decodeValid(env, &p); err != nil {
		return err
	}

	return a.lifecycle.OnExplicitLeave(ctx, c.id, p.TestID)
}

func (a *API) handleSubmitAnswer(ctx context.Context, c *client, env envelope) error {
	var p SubmitAnswerPayload
	if err := decodeValid(env, &p); err != nil {
		return err
	}

	_, err := a.score.SubmitAnswer(ctx, score.SubmitAnswerRequest{
		SessionID:    p.TestID,
		ConnectionID: c.id,
		QuestionID:   p.Answer.QuestionID,
		OptionID:     p.Answer.OptionID,
	})
	return err
}

func (a *API) handleProgress(ctx context.Context, c *client, env envelope) error {
	var p TestProgressPayload
	if err := decodeValid(env, &p); err != nil {
		return err
	}

	return a.score.UpdateProgress(ctx, p.TestID, c.id, p.Progress)
}

func (a *API) handleFinish(ctx context.Context, c *client, env envelope) error {
	var p TestRefPayload
	if err := decodeValid(env, &p); err != nil {
		return err
	}

	_, err := a.score.Finish(ctx, score.FinishRequest{
		SessionID:    p.TestID,
		ConnectionID: c.id,
	})
	return err
}

func (a *API) handleReportActivity(ctx context.Context, c *client, env envelope) error {
	var p ReportActivityPayload
	if err := decodeValid(env, &p); err != nil {
		return err
	}

	return a.score.ReportActivity(ctx, p.TestID, c.id, p.Reason)
}

// sendError reports err to c. Internal inconsistencies are only logged; other internal
// errors reach the user as a generic message.
func (a *API) sendError(c *client, event string, err error) {
	e := errors.Convert(err)

	switch {
	case e.Code == errors.CodeInternalInconsistency:
		slog.Warn("api: internal inconsistency", "event", event, "connection", c.id, "error", err)
		return
	case !e.Public():
		slog.Error("api: handle event failed", "event", event, "connection", c.id, "error", err)
		_ = c.Send(broadcast.Message{Event: broadcast.EventError, Data: broadcast.ErrorPayload{Message: "internal error"}})
		return
	}

	slog.Debug("api: event rejected", "event", event, "connection", c.id, "error", err)
	_ = c.Send(broadcast.Message{Event: broadcast.EventError, Data: broadcast.ErrorPayload{Message: e.Message}})
}

func decodeValid(env envelope, v any) error {
	if err := decode(env.Data, v); err != nil {
		return err
	}

	return validate.Struct(v)
}

// metricName keeps unknown event names out of the metric labels.
func metricName(event string) string {
	switch event {
	case EventCreateTestByForm, EventCreateTestByBook, EventStartTest, EventJoinTest, EventLeaveTest,
		EventSubmitAnswer, EventTestProgress, EventFinishTest, EventReportActivity, EventPing:
		return event
	default:
		return "unknown"
	}
}
