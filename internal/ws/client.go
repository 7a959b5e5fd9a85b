package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"hardmine/internal/logger"
	"hardmine/internal/mining"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 25 * time.Second
	// flush on tab hide gets the same short budget as a suspend flush
	hideFlushTimeout = 2 * time.Second
)

// Claimer performs a claim on behalf of a stream.
type Claimer interface {
	Claim(ctx context.Context, ctrl *mining.Controller) (mining.ClaimResult, error)
}

// Client is one open mining stream (one tab). It forwards controller snapshots
// and accepts claim, flush and visibility commands.
type Client struct {
	UserID int64
	Conn   *websocket.Conn
	Send   chan []byte

	ctrl   *mining.Controller
	claims Claimer
	hub    *Hub
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	hidden bool

	closeOnce sync.Once
}

func NewClient(userID int64, conn *websocket.Conn, ctrl *mining.Controller, claims Claimer, hub *Hub) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, 16),
		ctrl:   ctrl,
		claims: claims,
		hub:    hub,
		log:    logger.With("component", "mining_stream", "user_id", userID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run blocks until the connection closes.
func (c *Client) Run() {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	snaps, unsubscribe := c.ctrl.Subscribe()
	defer unsubscribe()

	go c.writePump()

	c.queue(Envelope{Type: MsgReady})
	c.queue(Envelope{Type: MsgPending, Payload: c.ctrl.Snapshot()})

	go c.forward(snaps)

	c.readPump()
}

// Close drops the connection and stops both pumps.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.Conn.Close()
	})
}

func (c *Client) forward(snaps <-chan mining.Snapshot) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if c.isHidden() {
				continue
			}
			c.queue(Envelope{Type: MsgPending, Payload: snap})
		}
	}
}

//read
func (c *Client) readPump() {
	defer c.Close()

	c.Conn.SetReadLimit(4096)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("stream read error", "error", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(raw []byte) {
	var msg incoming
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.queueError("bad_request", "invalid message")
		return
	}

	switch msg.Type {
	case MsgPing:
		c.queue(Envelope{Type: MsgPong})

	case MsgClaim:
		res, err := c.claims.Claim(c.ctx, c.ctrl)
		if err != nil {
			c.queueError(ErrorCode(err), err.Error())
			return
		}
		c.queue(Envelope{Type: MsgClaimResult, Payload: res})

	case MsgFlush:
		if err := c.ctrl.Flush(c.ctx); err != nil {
			c.queueError(ErrorCode(err), err.Error())
			return
		}
		c.queue(Envelope{Type: MsgFlushed, Payload: c.ctrl.Snapshot()})

	case MsgVisibility:
		var p VisibilityPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.queueError("bad_request", "invalid visibility payload")
			return
		}
		c.setHidden(p.Hidden)

	default:
		c.queueError("bad_request", "unknown message type")
	}
}

// setHidden pauses the stream for a hidden tab and checkpoints what accrued so far.
// The controller itself stays live for other tabs; the registry suspends it once
// every stream is gone.
func (c *Client) setHidden(hidden bool) {
	c.mu.Lock()
	was := c.hidden
	c.hidden = hidden
	c.mu.Unlock()
	if was == hidden {
		return
	}

	if hidden {
		ctx, cancel := context.WithTimeout(c.ctx, hideFlushTimeout)
		defer cancel()
		if err := c.ctrl.Flush(ctx); err != nil {
			c.log.Debug("flush on hide failed", "error", err)
		}
		return
	}

	if err := c.ctrl.Reseed(c.ctx); err != nil {
		c.log.Debug("reseed on show failed", "error", err)
	}
	c.queue(Envelope{Type: MsgPending, Payload: c.ctrl.Snapshot()})
}

func (c *Client) isHidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hidden
}

//write
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("stream write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// queue never blocks: a pending frame is superseded by the next tick anyway.
func (c *Client) queue(e Envelope) {
	b, err := json.Marshal(e)
	if err != nil {
		c.log.Error("failed to encode frame", "type", e.Type, "error", err)
		return
	}
	select {
	case c.Send <- b:
	case <-c.ctx.Done():
	default:
		c.log.Debug("send buffer full, dropping frame", "type", e.Type)
	}
}

func (c *Client) queueError(code, message string) {
	c.queue(Envelope{Type: MsgError, Payload: ErrorPayload{Code: code, Message: message}})
}

// ErrorCode maps the mining error taxonomy onto stable wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, mining.ErrInsufficientPending):
		return "insufficient_pending"
	case errors.Is(err, mining.ErrConflict):
		return "conflict"
	case errors.Is(err, mining.ErrNotFound):
		return "not_found"
	case errors.Is(err, mining.ErrNotLive):
		return "not_live"
	case errors.Is(err, mining.ErrStoreUnavailable), errors.Is(err, mining.ErrTransient):
		return "store_unavailable"
	default:
		return "internal"
	}
}
