package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/examlive/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

var (
	errClosed   = stderrors.New("connection closed")
	errSlowPeer = stderrors.New("send queue full")
)

// client is one WebSocket connection. Reads happen on readPump; every write goes through
// the send queue drained by writePump, since a websocket.Conn supports one writer at a time.
type client struct {
	id   string
	conn *websocket.Conn
	send chan broadcast.Message

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (c *client) ID() string { return c.id }

// Send queues m without blocking. A full queue means the peer stopped reading.
func (c *client) Send(m broadcast.Message) error {
	select {
	case <-c.ctx.Done():
		return errClosed
	default:
	}

	select {
	case c.send <- m:
		return nil
	case <-c.ctx.Done():
		return errClosed
	default:
		return errSlowPeer
	}
}

func (c *client) closed() bool {
	return c.ctx.Err() != nil
}

func (c *client) close() {
	c.once.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

// ServeWS upgrades the request and serves the connection until it closes.
func (a *API) ServeWS(gc *gin.Context) {
	conn, err := a.upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		slog.WarnContext(gc.Request.Context(), "api: websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(a.ctx)
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan broadcast.Message, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	a.metrics.Connections.Inc()
	slog.InfoContext(ctx, "api: connection opened", "connection", c.id, "remote", gc.Request.RemoteAddr)

	go a.writePump(c)
	a.readPump(c)
}

func (a *API) readPump(c *client) {
	defer func() {
		c.close()
		a.lifecycle.OnDisconnect(context.Background(), c.id)
		a.metrics.Connections.Dec()
		slog.Info("api: connection closed", "connection", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("api: unexpected close", "connection", c.id, "error", err)
			}
			return
		}

		// Any inbound frame proves the peer is alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env envelope
		if err := json.Unmarshal(b, &env); err != nil {
			a.sendError(c, "", invalidJSON(err))
			continue
		}

		a.dispatch(c, env)
	}
}

func (a *API) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case m := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(m); err != nil {
				slog.Warn("api: write failed", "connection", c.id, "event", m.Event, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
