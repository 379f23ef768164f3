package platform

import (
	"context"
	"testing"

	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/store"
)

type fakeIngester struct {
	seen map[string]bool
	got  []federation.Message
}

func (f *fakeIngester) IngestFederated(_ context.Context, msg federation.Message) (*messaging.Message, bool, error) {
	if f.seen[msg.CorrelationID] {
		return &messaging.Message{ID: "m-" + msg.CorrelationID}, true, nil
	}
	f.seen[msg.CorrelationID] = true
	f.got = append(f.got, msg)
	return &messaging.Message{ID: "m-" + msg.CorrelationID}, false, nil
}

func TestLocalHandleRelay(t *testing.T) {
	ing := &fakeIngester{seen: map[string]bool{}}
	dir := newFakeDirectory()
	l := NewLocal("social", "http://relay", ing, dir, nil)
	ctx := context.Background()

	req := federation.InboundRelayRequest{RoomID: "r1", Message: federation.Message{CorrelationID: "c1", OriginPlatform: "discord", Text: "hi"}}
	res, err := l.HandleRelay(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Delivered {
		t.Errorf("response = %+v, want delivered", res)
	}
	if len(ing.got) != 1 || ing.got[0].RoomID != "r1" {
		t.Errorf("ingested = %+v", ing.got)
	}

	if res, _ := l.HandleRelay(ctx, req); res.Skipped != SkipDuplicate {
		t.Errorf("repeat = %+v, want duplicate", res)
	}

	req.Message.CorrelationID = "c2"
	req.Message.OriginPlatform = "social"
	if res, _ := l.HandleRelay(ctx, req); res.Skipped != SkipOwnOrigin {
		t.Errorf("own origin = %+v", res)
	}
	if len(ing.got) != 1 {
		t.Errorf("ingested = %d, want 1", len(ing.got))
	}
}

func TestLocalRegistration(t *testing.T) {
	dir := newFakeDirectory()
	l := NewLocal("social", "http://relay", &fakeIngester{seen: map[string]bool{}}, dir, nil)
	ctx := context.Background()

	if err := l.Register(ctx); err != nil {
		t.Fatal(err)
	}
	if dir.peers["social"] != "http://relay" {
		t.Errorf("peers = %v", dir.peers)
	}
	if err := l.RoomCreated(ctx, &store.Room{ID: "r1", Name: "general", Federated: true}); err != nil {
		t.Fatal(err)
	}
	if got := dir.rooms["r1"]; len(got) != 1 || got[0] != "http://relay" {
		t.Errorf("room origins = %v", got)
	}
}

func TestFormatRelayedFallsBackToSenderID(t *testing.T) {
	got := FormatRelayed(federation.Message{OriginPlatform: "telegram", SenderID: "99", Text: "yo"})
	if got != "[telegram] 99: yo" {
		t.Errorf("FormatRelayed() = %q", got)
	}
}
