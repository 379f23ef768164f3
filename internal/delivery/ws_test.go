package delivery

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/presence"
	"github.com/matheus3301/fedrelay/internal/store"
)

type fakeMessenger struct {
	mu        sync.Mutex
	submitted []messaging.SubmitRequest
	registry  *presence.Registry
}

func (m *fakeMessenger) Submit(_ context.Context, req messaging.SubmitRequest) (*messaging.Message, error) {
	if req.Body.Empty() {
		return nil, messaging.ErrEmptyMessage
	}
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()
	msg := &messaging.Message{ID: "m1", SenderID: req.SenderID, RecipientID: req.RecipientID, Text: req.Body.Text}
	m.registry.SendToUser(req.RecipientID, presence.Event{Kind: presence.EventNewMessage, Payload: msg})
	return msg, nil
}

func (m *fakeMessenger) MarkSeen(context.Context, string, string) ([]string, error) {
	return []string{"u2"}, nil
}

func (m *fakeMessenger) Delete(_ context.Context, id, _ string, _ bool) error {
	if id == "missing" {
		return messaging.ErrNotFound
	}
	return nil
}

func (m *fakeMessenger) History(context.Context, string, string, int64, int) ([]messaging.Message, error) {
	return nil, nil
}

func (m *fakeMessenger) CreateRoom(_ context.Context, req messaging.CreateRoomRequest) (*store.Room, error) {
	return &store.Room{ID: "r1", Name: req.Name}, nil
}

func (m *fakeMessenger) JoinRoom(context.Context, string, string) error  { return nil }
func (m *fakeMessenger) LeaveRoom(context.Context, string, string) error { return nil }

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func newServer(t *testing.T) (*httptest.Server, *presence.Registry) {
	t.Helper()
	reg := presence.NewRegistry(nil, nil)
	h := NewHandler(&fakeMessenger{registry: reg}, reg, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) request(id, method string, params any) {
	c.t.Helper()
	raw, _ := json.Marshal(params)
	if err := c.ws.WriteJSON(map[string]any{"type": "req", "id": id, "method": method, "params": json.RawMessage(raw)}); err != nil {
		c.t.Fatal(err)
	}
}

type inFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *frameError     `json:"error"`
	Seq     *int64          `json:"seq"`
}

// next reads frames until one matches.
func (c *testClient) next(match func(inFrame) bool) inFrame {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f inFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.t.Fatalf("ReadJSON() error = %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func (c *testClient) response(id string) inFrame {
	return c.next(func(f inFrame) bool { return f.Type == "res" && f.ID == id })
}

func (c *testClient) identify(userID string) {
	c.t.Helper()
	c.request("id-"+userID, "identify", map[string]string{"userId": userID})
	if res := c.response("id-" + userID); res.OK == nil || !*res.OK {
		c.t.Fatalf("identify(%s) failed: %+v", userID, res.Error)
	}
}

func waitOnline(t *testing.T, reg *presence.Registry, userID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !reg.IsOnline(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never came online", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequestsBeforeIdentifyFail(t *testing.T) {
	srv, _ := newServer(t)
	c := dial(t, srv)

	c.request("1", "send", map[string]any{"recipientId": "u2", "body": map[string]string{"text": "hi"}})
	res := c.response("1")
	if res.OK == nil || *res.OK {
		t.Fatal("send before identify succeeded")
	}
	if res.Error.Code != CodeIdentifyRequired {
		t.Errorf("code = %s, want %s", res.Error.Code, CodeIdentifyRequired)
	}

	c.request("2", "ping", nil)
	if res := c.response("2"); res.OK == nil || !*res.OK {
		t.Error("ping before identify failed")
	}
}

func TestSendPushesToRecipient(t *testing.T) {
	srv, reg := newServer(t)
	recipient := dial(t, srv)
	recipient.identify("u1")
	sender := dial(t, srv)
	sender.identify("u2")
	waitOnline(t, reg, "u2")

	sender.request("s1", "send", map[string]any{"tempId": "t1", "recipientId": "u1", "body": map[string]string{"text": "hello"}})
	if res := sender.response("s1"); res.OK == nil || !*res.OK {
		t.Fatalf("send failed: %+v", res.Error)
	}

	evt := recipient.next(func(f inFrame) bool { return f.Type == "event" && f.Event == presence.EventNewMessage })
	var msg messaging.Message
	if err := json.Unmarshal(evt.Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Text != "hello" || msg.SenderID != "u2" {
		t.Errorf("pushed message = %+v", msg)
	}
	if evt.Seq == nil || *evt.Seq < 1 {
		t.Error("event frame has no sequence")
	}
}

func TestErrorsMapToCodes(t *testing.T) {
	srv, _ := newServer(t)
	c := dial(t, srv)
	c.identify("u1")

	tests := []struct {
		method string
		params any
		code   string
	}{
		{"send", map[string]any{"recipientId": "u2", "body": map[string]string{"text": " "}}, CodeEmptyMessage},
		{"deleteMessage", map[string]any{"messageId": "missing"}, CodeNotFound},
		{"nope", nil, CodeUnknownMethod},
	}
	for i, tt := range tests {
		id := string(rune('a' + i))
		c.request(id, tt.method, tt.params)
		res := c.response(id)
		if res.Error == nil || res.Error.Code != tt.code {
			t.Errorf("%s: error = %+v, want code %s", tt.method, res.Error, tt.code)
		}
	}
}

func TestPresenceFollowsSocketLifetime(t *testing.T) {
	srv, reg := newServer(t)
	watcher := dial(t, srv)
	watcher.identify("watcher")

	c := dial(t, srv)
	c.identify("u1")
	waitOnline(t, reg, "u1")

	online := watcher.next(func(f inFrame) bool { return f.Event == presence.EventPresenceChanged })
	var change presence.PresenceChanged
	if err := json.Unmarshal(online.Payload, &change); err != nil {
		t.Fatal(err)
	}
	if change.UserID != "u1" || change.Status != presence.Online {
		t.Errorf("change = %+v, want u1 online", change)
	}

	_ = c.ws.Close()
	offline := watcher.next(func(f inFrame) bool { return f.Event == presence.EventPresenceChanged })
	if err := json.Unmarshal(offline.Payload, &change); err != nil {
		t.Fatal(err)
	}
	if change.Status != presence.Offline {
		t.Errorf("status = %s, want offline", change.Status)
	}
	if reg.IsOnline("u1") {
		t.Error("u1 still online after close")
	}
}

// TestIdentifyThenDisconnect: a socket that closes right after sending identify
// must not stay registered once the server has torn it down.
func TestIdentifyThenDisconnect(t *testing.T) {
	reg := presence.NewRegistry(nil, nil)
	h := NewHandler(&fakeMessenger{registry: reg}, reg, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	for i := 0; i < 200; i++ {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		_ = ws.WriteJSON(map[string]any{"type": "req", "id": "1", "method": "identify", "params": map[string]string{"userId": "ghost"}})
		_ = ws.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("active connections = %d, want 0", h.Active())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(reg.Connections("ghost")); got != 0 {
		t.Errorf("registered connections after close = %d, want 0", got)
	}
	if reg.IsOnline("ghost") {
		t.Error("ghost still online after every socket closed")
	}
}

func TestInvalidFrame(t *testing.T) {
	srv, _ := newServer(t)
	c := dial(t, srv)
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	res := c.next(func(f inFrame) bool { return f.Type == "res" })
	if res.Error == nil || res.Error.Code != CodeInvalidFrame {
		t.Errorf("error = %+v, want invalid_frame", res.Error)
	}
}
