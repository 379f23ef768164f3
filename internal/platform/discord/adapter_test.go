package discord

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/matheus3301/fedrelay/internal/platform"
	"github.com/matheus3301/fedrelay/internal/status"
)

type fakeSession struct {
	mu       sync.Mutex
	opened   bool
	closed   bool
	sent     []string
	channels map[string]*discordgo.Channel
	handlers []interface{}
	openErr  error
}

func (s *fakeSession) Open() error {
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSession) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	}
	s.sent = append(s.sent, channelID+":"+content)
	return &discordgo.Message{ID: "m1", ChannelID: channelID, Content: content}, nil
}

func (s *fakeSession) Channel(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if ch, ok := s.channels[channelID]; ok {
		return ch, nil
	}
	return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
}

func (s *fakeSession) AddHandler(h interface{}) func() {
	s.handlers = append(s.handlers, h)
	return func() {}
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeSession) {
	t.Helper()
	s := &fakeSession{channels: map[string]*discordgo.Channel{
		"c1": {ID: "c1", Name: "general", GuildID: "g1"},
	}}
	a := New(Config{Token: "x", RateLimit: 1000, RateBurst: 10}, nil, nil)
	a.session = s
	return a, s
}

func TestStartAndStop(t *testing.T) {
	a, s := newTestAdapter(t)
	if err := a.Start(context.Background(), func(context.Context, platform.Incoming) {}); err != nil {
		t.Fatal(err)
	}
	if !s.opened || len(s.handlers) != 3 {
		t.Errorf("opened = %v, handlers = %d", s.opened, len(s.handlers))
	}
	if a.Status().State != status.Ready {
		t.Errorf("state = %s, want READY", a.Status().State)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.closed || a.Status().State != status.Stopped {
		t.Errorf("closed = %v, state = %s", s.closed, a.Status().State)
	}
}

func TestStartOpenFailure(t *testing.T) {
	a, s := newTestAdapter(t)
	s.openErr = errors.New("bad token")
	if err := a.Start(context.Background(), nil); err == nil {
		t.Fatal("Start() expected error")
	}
	if a.Status().State != status.Error {
		t.Errorf("state = %s, want ERROR", a.Status().State)
	}
}

func TestMessageCreateSkipsBots(t *testing.T) {
	a, _ := newTestAdapter(t)
	got := make(chan platform.Incoming, 2)
	if err := a.Start(context.Background(), func(_ context.Context, in platform.Incoming) { got <- in }); err != nil {
		t.Fatal(err)
	}

	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "c1",
		Author:    &discordgo.User{ID: "b", Username: "bot", Bot: true},
		Content:   "beep",
	}})
	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID:   "c1",
		GuildID:     "g1",
		Author:      &discordgo.User{ID: "u1", Username: "bob", GlobalName: "Bob"},
		Content:     "hello",
		Timestamp:   time.Unix(100, 0),
		Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn/a.png"}},
	}})

	select {
	case in := <-got:
		if in.Text != "hello" || in.SenderName != "Bob" || in.ChannelRef != "c1" || in.GuildRef != "g1" {
			t.Errorf("incoming = %+v", in)
		}
		if len(in.Attachments) != 1 || in.Attachments[0] != "https://cdn/a.png" {
			t.Errorf("attachments = %v", in.Attachments)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	select {
	case in := <-got:
		t.Errorf("unexpected second message %+v", in)
	default:
	}
}

func TestSendAndResolveMapMissingChannels(t *testing.T) {
	a, s := newTestAdapter(t)
	ctx := context.Background()
	if err := a.SendToChannel(ctx, "c1", "hi"); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 1 || s.sent[0] != "c1:hi" {
		t.Errorf("sent = %v", s.sent)
	}
	if err := a.SendToChannel(ctx, "gone", "hi"); !errors.Is(err, platform.ErrChannelNotFound) {
		t.Errorf("send to missing channel error = %v, want ErrChannelNotFound", err)
	}

	info, err := a.ResolveChannel(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "general" || info.GuildRef != "g1" {
		t.Errorf("info = %+v", info)
	}
	if _, err := a.ResolveChannel(ctx, "private"); !errors.Is(err, platform.ErrChannelNotFound) {
		t.Errorf("resolve forbidden channel error = %v, want ErrChannelNotFound", err)
	}
}

func TestDisconnectMovesToReconnecting(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	a.handleDisconnect(nil, &discordgo.Disconnect{})
	if a.Status().State != status.Reconnecting {
		t.Errorf("state = %s, want RECONNECTING", a.Status().State)
	}
	a.handleReady(nil, &discordgo.Ready{})
	if a.Status().State != status.Ready {
		t.Errorf("state = %s, want READY", a.Status().State)
	}
}
