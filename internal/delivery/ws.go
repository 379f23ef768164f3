// Package delivery serves the real-time delivery channel over WebSocket.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/presence"
	"github.com/matheus3301/fedrelay/internal/store"
	"go.uber.org/zap"
)

const (
	maxPayloadBytes = 1 << 20
	sendBuffer      = 64
	inboundBuffer   = 16
	tickInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	pingPeriod      = pongWait * 2 / 5
	writeWait       = 10 * time.Second
)

// Messenger is the message service used by connections.
type Messenger interface {
	Submit(ctx context.Context, req messaging.SubmitRequest) (*messaging.Message, error)
	MarkSeen(ctx context.Context, conversationID, userID string) ([]string, error)
	Delete(ctx context.Context, messageID, userID string, forEveryone bool) error
	History(ctx context.Context, conversationID, userID string, beforeSeq int64, limit int) ([]messaging.Message, error)
	CreateRoom(ctx context.Context, req messaging.CreateRoomRequest) (*store.Room, error)
	JoinRoom(ctx context.Context, roomID, userID string) error
	LeaveRoom(ctx context.Context, roomID, userID string) error
}

// Registry is the connection registry connections join once identified.
type Registry interface {
	Register(userID string, conn presence.Conn)
	Unregister(conn presence.Conn)
}

// Handler upgrades requests to delivery connections.
type Handler struct {
	messages Messenger
	registry Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
	active   atomic.Int64
}

// NewHandler creates the /ws handler.
func NewHandler(m Messenger, r Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		messages: m,
		registry: r,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Active returns the number of open sockets, identified or not.
func (h *Handler) Active() int64 { return h.active.Load() }

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent in res frames.
const (
	CodeInvalidFrame     = "invalid_frame"
	CodeIdentifyRequired = "identify_required"
	CodeInvalidRequest   = "invalid_request"
	CodeEmptyMessage     = "empty_message"
	CodeNotFound         = "not_found"
	CodeForbidden        = "forbidden"
	CodeUnknownMethod    = "unknown_method"
	CodeInternal         = "internal"
)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		handler: h,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		inbound: make(chan *frame, inboundBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.active.Add(1)
	c.run()
	h.active.Add(-1)
}

// conn is one delivery connection. It implements presence.Conn once identified.
type conn struct {
	handler *Handler
	ws      *websocket.Conn
	send    chan []byte
	inbound chan *frame
	ctx     context.Context
	cancel  context.CancelFunc

	handle   atomic.Pointer[presence.Handle]
	seq      atomic.Int64
	handlers sync.WaitGroup
}

func (c *conn) Handle() *presence.Handle { return c.handle.Load() }

// Push queues an event without blocking; false means the buffer was full or the
// connection is closing.
func (c *conn) Push(evt presence.Event) bool {
	if c.ctx.Err() != nil {
		return false
	}
	return c.sendEvent(evt.Kind, evt.Payload) == nil
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		c.handleLoop()
	}()
	c.readLoop()
}

// close unregisters only after the handler loop is gone, so an identify still
// in flight cannot register a dead connection.
func (c *conn) close() {
	c.cancel()
	c.handlers.Wait()
	if c.Handle() != nil {
		c.handler.registry.Unregister(c)
	}
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.sendError("", CodeInvalidFrame, err.Error())
			continue
		}
		select {
		case c.inbound <- f:
		case <-c.ctx.Done():
			return
		}
	}
}

// handleLoop serves requests in arrival order.
func (c *conn) handleLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.inbound:
			c.handle1(f)
		case <-ticker.C:
			if c.Handle() != nil {
				_ = c.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()})
			}
		}
	}
}

func (c *conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func decodeFrame(raw []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		f.Type = "req"
	}
	if f.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", f.Type)
	}
	if f.Method == "" {
		return nil, errors.New("method is required")
	}
	return &f, nil
}

func (c *conn) sendResponse(id string, ok bool, payload any, ferr *frameError) error {
	return c.enqueue(frame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   ferr,
	})
}

func (c *conn) sendEvent(event string, payload any) error {
	seq := c.seq.Add(1)
	return c.enqueue(frame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	})
}

func (c *conn) sendError(id, code, message string) {
	_ = c.sendResponse(id, false, nil, &frameError{Code: code, Message: message})
}

func (c *conn) enqueue(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(data) > maxPayloadBytes {
		return errors.New("payload too large")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}
