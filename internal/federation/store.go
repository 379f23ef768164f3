package federation

import (
	"context"
	"sort"
	"sync"
)

// PeerStore persists the peer directory.
type PeerStore interface {
	GetPeer(ctx context.Context, name string) (*Peer, error)
	PutPeer(ctx context.Context, p *Peer) error
	DeletePeer(ctx context.Context, name string) error
	ListPeers(ctx context.Context) ([]Peer, error)
}

// RoomStore persists the room directory.
type RoomStore interface {
	GetRoom(ctx context.Context, id string) (*Room, error)
	PutRoom(ctx context.Context, r *Room) error
	DeleteRoom(ctx context.Context, id string) error
	ListRooms(ctx context.Context) ([]Room, error)
}

// MemoryStore keeps the directory in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	peers map[string]Peer
	rooms map[string]Room
}

// NewMemoryStore creates an empty in-memory directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers: make(map[string]Peer),
		rooms: make(map[string]Room),
	}
}

func (s *MemoryStore) GetPeer(_ context.Context, name string) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[name]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return &p, nil
}

func (s *MemoryStore) PutPeer(_ context.Context, p *Peer) error {
	s.mu.Lock()
	s.peers[p.Name] = *p
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeletePeer(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[name]; !ok {
		return ErrUnknownPeer
	}
	delete(s.peers, name)
	return nil
}

func (s *MemoryStore) ListPeers(_ context.Context) ([]Peer, error) {
	s.mu.RLock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, ErrUnknownRoom
	}
	r.Peers = append([]string(nil), r.Peers...)
	r.AllowedPlatforms = append([]string(nil), r.AllowedPlatforms...)
	return &r, nil
}

func (s *MemoryStore) PutRoom(_ context.Context, r *Room) error {
	cp := *r
	cp.Peers = append([]string(nil), r.Peers...)
	cp.AllowedPlatforms = append([]string(nil), r.AllowedPlatforms...)
	s.mu.Lock()
	s.rooms[r.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return ErrUnknownRoom
	}
	delete(s.rooms, id)
	return nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]Room, error) {
	s.mu.RLock()
	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
