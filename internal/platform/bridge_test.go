package platform

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/matheus3301/fedrelay/internal/binding"
	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/store"
)

type fakeAdapter struct {
	name      string
	mu        sync.Mutex
	sent      map[string][]string
	sendErr   error
	missing   map[string]bool
	onInbound InboundHandler
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, sent: map[string][]string{}, missing: map[string]bool{}}
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Start(_ context.Context, h InboundHandler) error {
	a.onInbound = h
	return nil
}

func (a *fakeAdapter) Stop(context.Context) error { return nil }

func (a *fakeAdapter) SendToChannel(_ context.Context, channelRef, text string) error {
	if a.sendErr != nil {
		return a.sendErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent[channelRef] = append(a.sent[channelRef], text)
	return nil
}

func (a *fakeAdapter) ResolveChannel(_ context.Context, channelRef string) (ChannelInfo, error) {
	if a.missing[channelRef] {
		return ChannelInfo{}, ErrChannelNotFound
	}
	return ChannelInfo{Ref: channelRef, Name: "#" + channelRef}, nil
}

func (a *fakeAdapter) lastSent(channelRef string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.sent[channelRef]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type relayCall struct {
	roomID string
	msg    federation.Message
	origin string
}

type fakeDirectory struct {
	mu       sync.Mutex
	peers    map[string]string
	rooms    map[string][]string
	relays   []relayCall
	relayErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{peers: map[string]string{}, rooms: map[string][]string{}}
}

func (d *fakeDirectory) RegisterPeer(_ context.Context, name, endpoint string) (*federation.Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[name] = endpoint
	return &federation.Peer{Name: name, Endpoint: endpoint}, nil
}

func (d *fakeDirectory) RegisterRoom(_ context.Context, roomID, name, origin string) (*federation.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[roomID] = append(d.rooms[roomID], origin)
	return &federation.Room{ID: roomID, Name: name, Peers: d.rooms[roomID]}, nil
}

func (d *fakeDirectory) Relay(_ context.Context, roomID string, msg federation.Message, origin string) ([]federation.RelayResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.relayErr != nil {
		return nil, d.relayErr
	}
	d.relays = append(d.relays, relayCall{roomID: roomID, msg: msg, origin: origin})
	return []federation.RelayResult{{Peer: "other", OK: true}}, nil
}

type bridgeFixture struct {
	db      *store.DB
	adapter *fakeAdapter
	dir     *fakeDirectory
	bridge  *Bridge
	drops   map[string]int
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &bridgeFixture{db: db, adapter: newFakeAdapter("discord"), dir: newFakeDirectory(), drops: map[string]int{}}
	f.bridge = NewBridge(f.adapter, binding.NewService(db, nil, nil), db, f.dir, BridgeOptions{
		Endpoint: "http://relay/platforms/discord",
		OnDrop:   func(_, reason string) { f.drops[reason]++ },
	}, nil, nil)
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *bridgeFixture) say(channelRef, text string) {
	f.adapter.onInbound(context.Background(), Incoming{ChannelRef: channelRef, SenderID: "42", SenderName: "bob", Text: text})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want command
		ok   bool
	}{
		{"!fed join r1", command{Name: CmdJoin, Arg: "r1"}, true},
		{"  !fed create Book Club ", command{Name: CmdCreate, Arg: "Book Club"}, true},
		{"!fed LEAVE", command{Name: CmdLeave}, true},
		{"!fed", command{Name: CmdHelp}, true},
		{"!federation join r1", command{}, false},
		{"hello !fed join", command{}, false},
	}
	for _, tt := range tests {
		got, ok := parseCommand(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseCommand(%q) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStartRegistersPeer(t *testing.T) {
	f := newBridgeFixture(t)
	if got := f.dir.peers["discord"]; got != "http://relay/platforms/discord" {
		t.Errorf("registered endpoint = %q", got)
	}
}

func TestCreateJoinAndRelay(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	f.say("c1", "!fed create Book Club")
	reply := f.adapter.lastSent("c1")
	if !strings.HasPrefix(reply, `created room "Book Club"`) {
		t.Fatalf("reply = %q", reply)
	}
	bnd, err := f.db.ActiveBindingByChannel(ctx, "discord", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if bnd.ChannelName != "#c1" || bnd.CreatedByID != "42" {
		t.Errorf("binding = %+v", bnd)
	}
	if len(f.dir.rooms[bnd.RoomID]) != 1 {
		t.Errorf("directory room origins = %v", f.dir.rooms[bnd.RoomID])
	}

	f.say("c1", "hi everyone")
	if len(f.dir.relays) != 1 {
		t.Fatalf("relays = %d, want 1", len(f.dir.relays))
	}
	call := f.dir.relays[0]
	if call.roomID != bnd.RoomID || call.origin != "discord" {
		t.Errorf("relay call = %+v", call)
	}
	if call.msg.RoomName != "Book Club" || call.msg.Text != "hi everyone" || call.msg.CorrelationID == "" {
		t.Errorf("relayed message = %+v", call.msg)
	}
	after, _ := f.db.ActiveBindingByChannel(ctx, "discord", "c1")
	if after.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", after.MessageCount)
	}
}

func TestJoinSecondChannelToBoundRoomConflicts(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	if err := f.db.CreateRoom(ctx, &store.Room{ID: "r1", Name: "general"}); err != nil {
		t.Fatal(err)
	}

	f.say("c1", "!fed join r1")
	if got := f.adapter.lastSent("c1"); got != "joined room r1" {
		t.Fatalf("first join reply = %q", got)
	}
	f.say("c2", "!fed join r1")
	if got := f.adapter.lastSent("c2"); got != "this channel or room is already bound" {
		t.Errorf("second join reply = %q", got)
	}
	if _, err := f.db.ActiveBindingByChannel(ctx, "discord", "c2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("c2 binding lookup error = %v, want ErrNotFound", err)
	}
	room, err := f.db.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !room.Federated {
		t.Error("joined room not marked federated")
	}
}

func TestLeaveAndStatus(t *testing.T) {
	f := newBridgeFixture(t)
	f.say("c1", "!fed status")
	if got := f.adapter.lastSent("c1"); got != "this channel is not bound to a room" {
		t.Errorf("status reply = %q", got)
	}

	f.say("c1", "!fed join r1")
	f.say("c1", "!fed status")
	if got := f.adapter.lastSent("c1"); !strings.Contains(got, "r1") || !strings.Contains(got, "valid") {
		t.Errorf("status reply = %q", got)
	}

	f.say("c1", "!fed leave")
	if got := f.adapter.lastSent("c1"); got != "left room r1" {
		t.Errorf("leave reply = %q", got)
	}
	f.say("c1", "!fed leave")
	if got := f.adapter.lastSent("c1"); got != "this channel is not bound to a room" {
		t.Errorf("second leave reply = %q", got)
	}
}

func TestInboundDrops(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	f.say("unbound", "hello?")
	f.say("unbound", "   ")
	if f.drops[DropUnbound] != 1 || f.drops[DropEmpty] != 1 {
		t.Errorf("drops = %v", f.drops)
	}

	f.say("c1", "!fed join r1")
	bnd, err := f.db.ActiveBindingByChannel(ctx, "discord", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.db.SetBindingValidity(ctx, bnd.ID, false); err != nil {
		t.Fatal(err)
	}
	f.say("c1", "anyone there")
	if f.drops[DropStale] != 1 {
		t.Errorf("stale drops = %d, want 1", f.drops[DropStale])
	}

	if err := f.db.SetBindingValidity(ctx, bnd.ID, true); err != nil {
		t.Fatal(err)
	}
	f.dir.relayErr = errors.New("registry down")
	f.say("c1", "now?")
	if f.drops[DropRelayError] != 1 {
		t.Errorf("relay error drops = %d, want 1", f.drops[DropRelayError])
	}
	if len(f.dir.relays) != 0 {
		t.Errorf("relays = %d, want 0", len(f.dir.relays))
	}
}

func TestHandleRelay(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	f.say("c1", "!fed join r1")

	msg := federation.Message{CorrelationID: "k1", OriginPlatform: "social", SenderName: "Ana", Text: "hello", Attachments: []string{"https://x/a.png"}}
	res, err := f.bridge.HandleRelay(ctx, federation.InboundRelayRequest{RoomID: "r1", Message: msg})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Delivered {
		t.Errorf("response = %+v, want delivered", res)
	}
	if got := f.adapter.lastSent("c1"); got != "[social] Ana: hello\nhttps://x/a.png" {
		t.Errorf("sent text = %q", got)
	}

	res, err = f.bridge.HandleRelay(ctx, federation.InboundRelayRequest{RoomID: "r1", Message: msg})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != SkipDuplicate {
		t.Errorf("repeat response = %+v, want duplicate", res)
	}

	own := msg
	own.CorrelationID = "k2"
	own.OriginPlatform = "discord"
	if res, _ := f.bridge.HandleRelay(ctx, federation.InboundRelayRequest{RoomID: "r1", Message: own}); res.Skipped != SkipOwnOrigin {
		t.Errorf("own origin response = %+v", res)
	}

	other := msg
	other.CorrelationID = "k3"
	if _, err := f.bridge.HandleRelay(ctx, federation.InboundRelayRequest{RoomID: "unbound", Message: other}); !errors.Is(err, ErrNoBinding) {
		t.Errorf("unbound room error = %v, want ErrNoBinding", err)
	}
}

func TestHandleRelayUsesInvalidBinding(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	f.say("c1", "!fed join r1")
	bnd, _ := f.db.ActiveBindingByChannel(ctx, "discord", "c1")
	if err := f.db.SetBindingValidity(ctx, bnd.ID, false); err != nil {
		t.Fatal(err)
	}

	res, err := f.bridge.HandleRelay(ctx, federation.InboundRelayRequest{RoomID: "r1", Message: federation.Message{CorrelationID: "k1", OriginPlatform: "social", Text: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Delivered {
		t.Errorf("response = %+v, want delivered through invalid binding", res)
	}
}

func TestValidateUsesAdapter(t *testing.T) {
	f := newBridgeFixture(t)
	f.adapter.missing["gone"] = true
	if err := f.bridge.Validate(context.Background(), "gone"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("Validate() error = %v, want ErrChannelNotFound", err)
	}
	if err := f.bridge.Validate(context.Background(), "here"); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
