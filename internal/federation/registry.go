// Package federation keeps the directory of peer platforms and shared rooms
// and fans relayed messages out to every peer of a room.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/fedrelay/internal/bus"
	"go.uber.org/zap"
)

// Directory is the federation registry as seen by platforms. It is served
// in-process by Registry or remotely through Client.
type Directory interface {
	RegisterPeer(ctx context.Context, name, endpoint string) (*Peer, error)
	RegisterRoom(ctx context.Context, roomID, name, originEndpoint string) (*Room, error)
	Relay(ctx context.Context, roomID string, msg Message, origin string) ([]RelayResult, error)
}

// Dispatcher delivers one message to one peer. It must honor ctx and never retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, peer Peer, roomID string, msg Message) RelayResult
}

// RelayObserver is told about every dispatch outcome, used for metrics.
type RelayObserver func(result RelayResult)

// Options tunes the registry.
type Options struct {
	// DisableSelfHeal stops room registration from adopting every known peer.
	DisableSelfHeal bool
	StaleAfter      time.Duration
}

// RelayCompleted is the bus payload published after each relay call.
type RelayCompleted struct {
	RoomID        string
	CorrelationID string
	Origin        string
	Results       []RelayResult
}

// Registry is the embedded federation directory.
type Registry struct {
	peers      PeerStore
	rooms      RoomStore
	dispatcher Dispatcher
	opts       Options
	bus        *bus.Bus
	logger     *zap.Logger
	observe    RelayObserver
	now        func() time.Time

	// peerMu and roomMu guard read-modify-write cycles on each directory.
	// When both are needed peerMu is taken first.
	peerMu sync.RWMutex
	roomMu sync.Mutex
}

// NewRegistry creates a registry over the given stores.
func NewRegistry(peers PeerStore, rooms RoomStore, d Dispatcher, opts Options, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		peers:      peers,
		rooms:      rooms,
		dispatcher: d,
		opts:       opts,
		bus:        b,
		logger:     logger,
		now:        time.Now,
	}
}

// OnRelay installs a dispatch observer.
func (r *Registry) OnRelay(fn RelayObserver) {
	r.observe = fn
}

// RegisterPeer upserts a peer and refreshes its last-seen time. The registration
// time of a known peer never changes. With self-heal on, a new endpoint joins every
// existing room that allows it.
func (r *Registry) RegisterPeer(ctx context.Context, name, endpoint string) (*Peer, error) {
	if name == "" || endpoint == "" {
		return nil, fmt.Errorf("%w: name and endpoint are required", ErrInvalidRequest)
	}
	now := r.now()

	r.peerMu.Lock()
	p, err := r.peers.GetPeer(ctx, name)
	isNew := errors.Is(err, ErrUnknownPeer)
	switch {
	case isNew:
		p = &Peer{Name: name, RegisteredAt: now}
	case err != nil:
		r.peerMu.Unlock()
		return nil, err
	}
	oldEndpoint := p.Endpoint
	moved := oldEndpoint != endpoint
	p.Endpoint = endpoint
	p.LastSeen = now
	if err := r.peers.PutPeer(ctx, p); err != nil {
		r.peerMu.Unlock()
		return nil, fmt.Errorf("store peer: %w", err)
	}

	if moved && !r.opts.DisableSelfHeal {
		if err := r.adoptEverywhere(ctx, *p, oldEndpoint); err != nil {
			r.logger.Warn("add peer to existing rooms", zap.String("peer", name), zap.Error(err))
		}
	}
	r.peerMu.Unlock()

	if isNew {
		r.logger.Info("peer registered", zap.String("peer", name), zap.String("endpoint", endpoint))
	}
	return p, nil
}

// adoptEverywhere adds the peer to every room it is allowed in, replacing a
// previous endpoint of the same peer.
func (r *Registry) adoptEverywhere(ctx context.Context, p Peer, oldEndpoint string) error {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	rooms, err := r.rooms.ListRooms(ctx)
	if err != nil {
		return err
	}
	for i := range rooms {
		room := &rooms[i]
		if !room.Allows(p.Name) {
			continue
		}
		removed := oldEndpoint != "" && room.RemovePeer(oldEndpoint)
		if !room.AddPeer(p.Endpoint) && !removed {
			continue
		}
		if err := r.rooms.PutRoom(ctx, room); err != nil {
			return err
		}
	}
	return nil
}

// RemovePeer deletes a peer. Its endpoint is also dropped from every room.
func (r *Registry) RemovePeer(ctx context.Context, name string) error {
	r.peerMu.Lock()
	defer r.peerMu.Unlock()
	p, err := r.peers.GetPeer(ctx, name)
	if err != nil {
		return err
	}
	if err := r.peers.DeletePeer(ctx, name); err != nil {
		return err
	}

	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	rooms, err := r.rooms.ListRooms(ctx)
	if err != nil {
		return err
	}
	for i := range rooms {
		room := &rooms[i]
		if !room.RemovePeer(p.Endpoint) {
			continue
		}
		if err := r.rooms.PutRoom(ctx, room); err != nil {
			return err
		}
	}
	r.logger.Info("peer removed", zap.String("peer", name))
	return nil
}

// ListPeers returns every registered peer.
func (r *Registry) ListPeers(ctx context.Context) ([]Peer, error) {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	return r.peers.ListPeers(ctx)
}

// PeerStatus reports a peer's status against the configured staleness window.
func (r *Registry) PeerStatus(p Peer) string {
	return p.Status(r.now(), r.opts.StaleAfter)
}

// RegisterRoom creates the room if absent and adds the origin endpoint. Unless
// self-heal is disabled, every known peer endpoint the room allows is added too.
func (r *Registry) RegisterRoom(ctx context.Context, roomID, name, originEndpoint string) (*Room, error) {
	return r.registerRoom(ctx, RoomSpec{ID: roomID, Name: name}, originEndpoint)
}

// RoomSpec carries the creation-time attributes of a room.
type RoomSpec struct {
	ID               string
	Name             string
	AllowedPlatforms []string
}

// CreateRoom registers a room with an allow list. The list is only applied
// when the room is new.
func (r *Registry) CreateRoom(ctx context.Context, spec RoomSpec, originEndpoint string) (*Room, error) {
	return r.registerRoom(ctx, spec, originEndpoint)
}

func (r *Registry) registerRoom(ctx context.Context, spec RoomSpec, originEndpoint string) (*Room, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: room id is required", ErrInvalidRequest)
	}
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	peers, err := r.peers.ListPeers(ctx)
	if err != nil {
		return nil, err
	}

	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	room, created, err := r.loadOrCreateLocked(ctx, spec)
	if err != nil {
		return nil, err
	}
	changed := room.AddPeer(originEndpoint)
	if !r.opts.DisableSelfHeal {
		changed = r.adoptPeers(room, peers) || changed
	}
	if room.Name == "" && spec.Name != "" {
		room.Name = spec.Name
		changed = true
	}
	if created || changed {
		if err := r.rooms.PutRoom(ctx, room); err != nil {
			return nil, fmt.Errorf("store room: %w", err)
		}
	}
	if created {
		r.logger.Info("room registered",
			zap.String("room_id", room.ID),
			zap.String("origin", originEndpoint),
			zap.Int("peers", len(room.Peers)),
		)
	}
	return room, nil
}

func (r *Registry) loadOrCreateLocked(ctx context.Context, spec RoomSpec) (*Room, bool, error) {
	room, err := r.rooms.GetRoom(ctx, spec.ID)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, ErrUnknownRoom) {
		return nil, false, err
	}
	return &Room{
		ID:               spec.ID,
		Name:             spec.Name,
		AllowedPlatforms: spec.AllowedPlatforms,
		CreatedAt:        r.now(),
	}, true, nil
}

// adoptPeers unions the endpoints of every allowed peer into the room.
func (r *Registry) adoptPeers(room *Room, peers []Peer) bool {
	changed := false
	for _, p := range peers {
		if room.Allows(p.Name) && room.AddPeer(p.Endpoint) {
			changed = true
		}
	}
	return changed
}

// GetRoom returns a room by id.
func (r *Registry) GetRoom(ctx context.Context, id string) (*Room, error) {
	return r.rooms.GetRoom(ctx, id)
}

// ListRooms returns every room.
func (r *Registry) ListRooms(ctx context.Context) ([]Room, error) {
	return r.rooms.ListRooms(ctx)
}

// DeleteRoom removes a room from the directory.
func (r *Registry) DeleteRoom(ctx context.Context, id string) error {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	return r.rooms.DeleteRoom(ctx, id)
}

// Relay dispatches msg to every peer of the room except the one named origin.
// An unknown room is created with the full peer set first. The room counter moves
// by exactly one per call. Dispatches run concurrently and Relay returns once all
// of them settle; failures are reported in the results, not as an error.
func (r *Registry) Relay(ctx context.Context, roomID string, msg Message, origin string) ([]RelayResult, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room id is required", ErrInvalidRequest)
	}
	msg.RoomID = roomID

	r.peerMu.RLock()
	peers, err := r.peers.ListPeers(ctx)
	if err != nil {
		r.peerMu.RUnlock()
		return nil, err
	}

	r.roomMu.Lock()
	room, created, err := r.loadOrCreateLocked(ctx, RoomSpec{ID: roomID, Name: msg.RoomName})
	if err == nil {
		if created {
			r.adoptPeers(room, peers)
			r.logger.Info("room auto-created on relay", zap.String("room_id", roomID), zap.Int("peers", len(room.Peers)))
		}
		room.MessageCount++
		room.LastActivity = r.now()
		err = r.rooms.PutRoom(ctx, room)
	}
	r.roomMu.Unlock()
	r.peerMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("update room: %w", err)
	}

	targets := relayTargets(room, peers, origin)
	results := make([]RelayResult, len(targets))
	var wg sync.WaitGroup
	for i, p := range targets {
		wg.Add(1)
		go func(i int, p Peer) {
			defer wg.Done()
			results[i] = r.dispatcher.Dispatch(ctx, p, roomID, msg)
		}(i, p)
	}
	wg.Wait()

	ok, failed := Summary(results)
	for _, res := range results {
		if r.observe != nil {
			r.observe(res)
		}
		if !res.OK {
			r.logger.Warn("relay to peer failed",
				zap.String("room_id", roomID),
				zap.String("peer", res.Peer),
				zap.String("endpoint", res.Endpoint),
				zap.String("error", res.Error),
			)
		}
	}
	r.logger.Debug("relay completed",
		zap.String("room_id", roomID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("origin", origin),
		zap.Int("ok", ok),
		zap.Int("failed", failed),
	)
	r.bus.Emit(bus.KindRelayCompleted, RelayCompleted{
		RoomID:        roomID,
		CorrelationID: msg.CorrelationID,
		Origin:        origin,
		Results:       results,
	})
	return results, nil
}

// relayTargets resolves the room's endpoints to peers, skipping the origin and
// platforms the room does not allow. Endpoints without a registered peer are kept.
func relayTargets(room *Room, peers []Peer, origin string) []Peer {
	byEndpoint := make(map[string]Peer, len(peers))
	for _, p := range peers {
		byEndpoint[p.Endpoint] = p
	}
	var out []Peer
	for _, ep := range room.Peers {
		p, known := byEndpoint[ep]
		if !known {
			if len(room.AllowedPlatforms) > 0 {
				continue
			}
			p = Peer{Endpoint: ep}
		}
		if known && (p.Name == origin || !room.Allows(p.Name)) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Seed registers statically configured peers.
func (r *Registry) Seed(ctx context.Context, peers map[string]string) error {
	names := make([]string, 0, len(peers))
	for n := range peers {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, err := r.RegisterPeer(ctx, n, peers[n]); err != nil {
			return fmt.Errorf("seed peer %s: %w", n, err)
		}
	}
	return nil
}
