package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/victornm/examlive/internal/broadcast"
	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/leaderboard"
)

type (
	SessionSummary struct {
		TestID       string    `json:"testId"`
		Title        string    `json:"title"`
		State        string    `json:"state"`
		SourceKind   string    `json:"sourceKind"`
		Participants int       `json:"participants"`
		CreatedAt    time.Time `json:"createdAt"`
	}

	SessionDetail struct {
		broadcast.TestView
		SourceKind string                    `json:"sourceKind"`
		StartedAt  *time.Time                `json:"startedAt,omitempty"`
		Results    []broadcast.ResultPayload `json:"results"`
	}
)

func (a *API) ListSessions(c *gin.Context) {
	sessions := a.sessions.List()

	out := make([]SessionSummary, 0, len(sessions))
	for _, ss := range sessions {
		out = append(out, SessionSummary{
			TestID:       ss.SessionID,
			Title:        ss.Title,
			State:        string(ss.State),
			SourceKind:   string(ss.SourceKind),
			Participants: len(ss.Participants),
			CreatedAt:    ss.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (a *API) GetSession(c *gin.Context) {
	ss, err := a.sessions.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newSessionDetail(ss))
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.lb.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, broadcast.NewLeaderboardPayload(*l))
}

func newSessionDetail(ss *domain.Session) SessionDetail {
	d := SessionDetail{
		TestView:   broadcast.NewTestView(ss),
		SourceKind: string(ss.SourceKind),
		Results:    broadcast.NewResultPayloads(ss.Results),
	}

	if !ss.StartedAt.IsZero() {
		t := ss.StartedAt
		d.StartedAt = &t
	}

	return d
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)

	msg := e.Message
	if !e.Public() {
		_ = c.Error(err)
		msg = "internal error"
	}

	c.JSON(e.HTTPStatusCode(), gin.H{"error": msg})
}
