package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/groupchat/internal/store"
)

const storeTimeout = 5 * time.Second

type sendResult int

const (
	sendSkipped sendResult = iota
	sendQueued
	sendOverflow
)

// Client is one streaming session bound to a single chat and user.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	srv    *Server
	addr   string
	chatID int64
	userID int64
	log    *slog.Logger

	cfg         Config
	rateLimiter *rateLimiter
	state       atomic.Int32

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, srv *Server, chatID, userID int64, addr string, log *slog.Logger) *Client {
	cfg := CurrentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	c := &Client{
		conn:        conn,
		send:        make(chan []byte, cfg.SendBufferSize),
		hub:         srv.hub,
		srv:         srv,
		addr:        addr,
		chatID:      chatID,
		userID:      userID,
		log:         log,
		cfg:         cfg,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		closeCode:   websocket.CloseNormalClosure,
	}
	c.setState(StateAuthorized)
	return c
}

// State reports where the session is in its lifecycle.
func (c *Client) State() SessionState {
	return SessionState(c.state.Load())
}

func (c *Client) setState(s SessionState) {
	c.state.Store(int32(s))
}

// enqueue never blocks. Only streaming sessions accept frames.
func (c *Client) enqueue(message []byte) sendResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.State() != StateStreaming {
		return sendSkipped
	}
	select {
	case c.send <- message:
		return sendQueued
	default:
		return sendOverflow
	}
}

// closeWith stops the writer, which then sends a close frame with code and
// reason. Only the first call has an effect.
func (c *Client) closeWith(code int, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.setState(StateClosed)
	close(c.send)
	return true
}

func (c *Client) closeFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	pongWait := c.cfg.KeepAlive.PongWait
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the reason the read loop ended.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", "limit", c.cfg.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Info("client disconnected", "reason", err.Error())
	case errors.Is(err, io.EOF) || isExpectedCloseError(err) || c.State() == StateClosed:
		c.log.Debug("connection closed", "reason", err.Error())
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn("unexpected websocket close", "error", err)
	default:
		c.log.Info("websocket read ended", "error", err)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("rate limit exceeded; discarding message",
			"burst", c.cfg.RateLimit.Burst, "interval", c.cfg.RateLimit.RefillInterval)
		return false
	}
	return true
}

// notify sends a private notice to this connection only.
func (c *Client) notify(n Notice) {
	c.hub.metrics.notices.WithLabelValues(n.Code).Inc()
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if c.enqueue(payload) == sendOverflow {
		c.hub.removeFailedClients([]*Client{c})
	}
}

// processMessage validates, persists and broadcasts one inbound frame. It
// returns true if the message was broadcast.
func (c *Client) processMessage(raw []byte) bool {
	frame, err := ParseFrame(raw, c.cfg.MaxContentLength)
	if err != nil {
		c.log.Debug("rejected frame", "error", err)
		c.notify(noticeFor(err))
		return false
	}
	if c.cfg.StrictMembership && frame.UserID != c.userID {
		c.notify(noticeFor(errSenderMismatch))
		return false
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, storeTimeout)
	defer cancel()

	msg, err := c.srv.store.CreateMessage(ctx, c.chatID, frame.UserID, frame.Kind, frame.Content)
	if errors.Is(err, store.ErrNotFound) {
		c.log.Info("chat disappeared while streaming")
		c.hub.CloseChat(c.chatID, CloseChatNotFound, "Chat not found")
		return false
	}
	if err != nil {
		c.log.Error("persisting message", "error", err)
		c.notify(noticeFor(err))
		return false
	}
	c.hub.metrics.persisted.Inc()

	if _, err := c.srv.store.MarkRead(ctx, c.chatID, msg.ID, []int64{frame.UserID}); err != nil {
		c.log.Warn("marking message read by sender", "message_id", msg.ID, "error", err)
	}

	c.srv.publish(ctx, msg)
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.notify(Notice{Error: "Too many messages, slow down", Code: NoticeRateLimited})
			continue
		}

		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.KeepAlive.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("closing connection", "error", err)
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.KeepAlive.WriteWait)); err != nil {
		c.log.Warn("setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("writing message", "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends the close frame chosen by closeWith.
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, c.closeFrame()); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("writing close message", "error", err)
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.KeepAlive.WriteWait)); err != nil {
		c.log.Warn("setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("writing ping", "error", err)
		}
		return false
	}
	return true
}
