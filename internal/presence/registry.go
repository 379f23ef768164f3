// Package presence tracks which users have live delivery connections.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/fedrelay/internal/bus"
	"go.uber.org/zap"
)

// Presence statuses.
const (
	Online  = "online"
	Offline = "offline"
)

// Event kinds pushed to clients.
const (
	EventPresenceChanged  = "presenceChanged"
	EventNewMessage       = "newMessage"
	EventMessageUpdated   = "messageUpdated"
	EventMessagesSeen     = "messagesSeen"
	EventMessageDeleted   = "messageDeleted"
	EventFederatedMessage = "federatedMessage"
)

// Event is a server to client push.
type Event struct {
	Kind      string
	Payload   any
	Timestamp time.Time
}

// Handle identifies one live connection.
type Handle struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// Conn is a live connection the registry can push to. Push must not block;
// it reports false when the transport rejected the event.
type Conn interface {
	Handle() *Handle
	Push(Event) bool
}

// PresenceChanged is the payload of presence events.
type PresenceChanged struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer is told about connection count changes, used for metrics.
type Observer interface {
	ConnectionsChanged(connections, onlineUsers int)
}

// Registry maps users to their live connections.
type Registry struct {
	mu          sync.RWMutex
	byUser      map[string][]Conn
	byConn      map[string]string
	lastSeen    map[string]time.Time
	conns       int
	transitions map[string]uint64 // per-user online/offline change counter

	// announceMu orders presence broadcasts; announced holds the newest
	// transition sent per user so a late, older one is dropped.
	announceMu sync.Mutex
	announced  map[string]uint64

	bus      *bus.Bus
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byUser:      make(map[string][]Conn),
		byConn:      make(map[string]string),
		lastSeen:    make(map[string]time.Time),
		transitions: make(map[string]uint64),
		announced:   make(map[string]uint64),
		bus:         b,
		logger:      logger,
		now:         time.Now,
	}
}

// SetObserver installs an observer. Must be called before connections register.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// NewHandle builds a handle with a fresh connection id.
func NewHandle(userID string) *Handle {
	return &Handle{ID: uuid.NewString(), UserID: userID, CreatedAt: time.Now()}
}

// Register adds conn to the user's set. The first connection of a user
// announces them online to everybody else exactly once.
func (r *Registry) Register(userID string, conn Conn) {
	h := conn.Handle()

	r.mu.Lock()
	var prevUser string
	var prevSeq uint64
	if prev, ok := r.byConn[h.ID]; ok {
		if prev == userID {
			r.mu.Unlock()
			return
		}
		if r.removeLocked(h.ID, prev) {
			prevUser, prevSeq = prev, r.nextTransitionLocked(prev)
		}
	}
	if h.UserID != userID {
		h.UserID = userID
	}
	first := len(r.byUser[userID]) == 0
	r.byUser[userID] = append(r.byUser[userID], conn)
	r.byConn[h.ID] = userID
	r.conns++
	var seq uint64
	if first {
		seq = r.nextTransitionLocked(userID)
	}
	conns, users := r.conns, len(r.byUser)
	r.mu.Unlock()

	r.logger.Debug("connection registered", zap.String("user_id", userID), zap.String("conn_id", h.ID))
	if r.observer != nil {
		r.observer.ConnectionsChanged(conns, users)
	}
	if prevUser != "" {
		r.broadcastPresence(prevUser, Offline, prevSeq)
	}
	if first {
		r.broadcastPresence(userID, Online, seq)
	}
}

// Unregister removes conn. Unknown or never identified connections are ignored.
// The last connection of a user records last-seen and announces them offline once.
func (r *Registry) Unregister(conn Conn) {
	h := conn.Handle()
	if h == nil {
		return
	}

	r.mu.Lock()
	userID, ok := r.byConn[h.ID]
	if !ok {
		r.mu.Unlock()
		return
	}
	last := r.removeLocked(h.ID, userID)
	var seq uint64
	if last {
		seq = r.nextTransitionLocked(userID)
	}
	conns, users := r.conns, len(r.byUser)
	r.mu.Unlock()

	r.logger.Debug("connection unregistered", zap.String("user_id", userID), zap.String("conn_id", h.ID))
	if r.observer != nil {
		r.observer.ConnectionsChanged(conns, users)
	}
	if last {
		r.broadcastPresence(userID, Offline, seq)
	}
}

func (r *Registry) nextTransitionLocked(userID string) uint64 {
	r.transitions[userID]++
	return r.transitions[userID]
}

// removeLocked drops a connection and reports whether it was the user's last.
func (r *Registry) removeLocked(connID, userID string) bool {
	delete(r.byConn, connID)
	set := r.byUser[userID]
	for i, c := range set {
		if c.Handle().ID == connID {
			set = append(set[:i:i], set[i+1:]...)
			r.conns--
			break
		}
	}
	if len(set) > 0 {
		r.byUser[userID] = set
		return false
	}
	delete(r.byUser, userID)
	r.lastSeen[userID] = r.now()
	return true
}

// SendToUser pushes evt to every connection of the user and reports whether
// at least one connection accepted it.
func (r *Registry) SendToUser(userID string, evt Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.now()
	}
	r.mu.RLock()
	conns := append([]Conn(nil), r.byUser[userID]...)
	r.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		if c.Push(evt) {
			delivered = true
		} else {
			r.logger.Warn("push dropped",
				zap.String("user_id", userID),
				zap.String("conn_id", c.Handle().ID),
				zap.String("event", evt.Kind),
			)
		}
	}
	return delivered
}

// SendToUsers pushes evt to each distinct user once and returns how many users received it.
func (r *Registry) SendToUsers(userIDs []string, evt Event) int {
	seen := make(map[string]struct{}, len(userIDs))
	n := 0
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if r.SendToUser(id, evt) {
			n++
		}
	}
	return n
}

// ListOnline returns the ids of users with at least one connection, sorted.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// IsOnline reports whether the user has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// LastSeen returns when the user's last connection closed.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[userID]
	return t, ok
}

// Connections returns the handles of a user's connections in registration order.
func (r *Registry) Connections(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, *c.Handle())
	}
	return out
}

// broadcastPresence tells every connection except the user's own about the
// change numbered seq. A change older than one already announced is dropped,
// so the last event anyone sees matches the user's current state.
func (r *Registry) broadcastPresence(userID, status string, seq uint64) {
	r.announceMu.Lock()
	defer r.announceMu.Unlock()
	if seq <= r.announced[userID] {
		r.logger.Debug("stale presence change dropped", zap.String("user_id", userID), zap.String("status", status))
		return
	}
	r.announced[userID] = seq

	change := PresenceChanged{UserID: userID, Status: status, Timestamp: r.now()}
	evt := Event{Kind: EventPresenceChanged, Payload: change, Timestamp: change.Timestamp}

	r.mu.RLock()
	var targets []Conn
	for id, conns := range r.byUser {
		if id == userID {
			continue
		}
		targets = append(targets, conns...)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.Push(evt)
	}
	r.bus.Emit(bus.KindPresenceChanged, change)
}
