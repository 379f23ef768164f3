package federation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "directory")
	ctx := context.Background()

	s, err := OpenPebble(dir)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.PutPeer(ctx, &Peer{Name: "discord", Endpoint: "http://d", RegisteredAt: now, LastSeen: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutRoom(ctx, &Room{ID: "r1", Name: "General", Peers: []string{"http://d"}, MessageCount: 3}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenPebble(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	p, err := s.GetPeer(ctx, "discord")
	if err != nil {
		t.Fatal(err)
	}
	if p.Endpoint != "http://d" || !p.RegisteredAt.Equal(now) {
		t.Errorf("peer = %+v", p)
	}
	room, err := s.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if room.MessageCount != 3 || len(room.Peers) != 1 {
		t.Errorf("room = %+v", room)
	}
}

func TestPebbleStoreListAndDelete(t *testing.T) {
	s, err := OpenPebble(filepath.Join(t.TempDir(), "directory"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	for _, name := range []string{"b", "a"} {
		if err := s.PutPeer(ctx, &Peer{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PutRoom(ctx, &Room{ID: "r1"}); err != nil {
		t.Fatal(err)
	}

	peers, err := s.ListPeers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Rooms share the keyspace but never show up as peers.
	if len(peers) != 2 || peers[0].Name != "a" {
		t.Errorf("peers = %+v", peers)
	}

	if err := s.DeletePeer(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePeer(ctx, "a"); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("second DeletePeer() error = %v, want ErrUnknownPeer", err)
	}
	if _, err := s.GetRoom(ctx, "missing"); !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("GetRoom(missing) error = %v, want ErrUnknownRoom", err)
	}
	rooms, _ := s.ListRooms(ctx)
	if len(rooms) != 1 {
		t.Errorf("got %d rooms, want 1", len(rooms))
	}
}

func TestRegistryOnPebble(t *testing.T) {
	s, err := OpenPebble(filepath.Join(t.TempDir(), "directory"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	r := NewRegistry(s, s, &fakeDispatcher{}, Options{}, nil, nil)
	ctx := context.Background()
	if _, err := r.RegisterPeer(ctx, "a", "http://a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Relay(ctx, "r1", Message{}, "b"); err != nil {
		t.Fatal(err)
	}
	room, err := r.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if room.MessageCount != 1 || len(room.Peers) != 1 {
		t.Errorf("room = %+v", room)
	}
}
