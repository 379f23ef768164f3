package federation

import (
	"errors"
	"slices"
	"sort"
	"time"
)

var (
	// ErrUnknownRoom is returned when a room is not in the directory.
	ErrUnknownRoom = errors.New("federation: unknown room")
	// ErrUnknownPeer is returned when a peer is not in the directory.
	ErrUnknownPeer = errors.New("federation: unknown peer")
	// ErrInvalidRequest is returned for missing names, endpoints or room ids.
	ErrInvalidRequest = errors.New("federation: invalid request")
)

// Peer statuses.
const (
	StatusActive = "active"
	StatusStale  = "stale"
)

// Message is a chat message travelling between platforms.
type Message struct {
	CorrelationID  string    `json:"correlationId"`
	RoomID         string    `json:"roomId"`
	RoomName       string    `json:"roomName,omitempty"`
	OriginPlatform string    `json:"originPlatform"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderName     string    `json:"senderName"`
	Text           string    `json:"text"`
	Attachments    []string  `json:"attachments,omitempty"`
	SentAt         time.Time `json:"sentAt"`
}

// Peer is a registered platform endpoint.
type Peer struct {
	Name         string    `json:"name"`
	Endpoint     string    `json:"endpoint"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Status reports whether the peer refreshed its registration within staleAfter.
func (p Peer) Status(now time.Time, staleAfter time.Duration) string {
	if staleAfter > 0 && now.Sub(p.LastSeen) > staleAfter {
		return StatusStale
	}
	return StatusActive
}

// Room is a federation-visible conversation and the endpoints that share it.
type Room struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Peers            []string  `json:"peers"`
	AllowedPlatforms []string  `json:"allowedPlatforms,omitempty"`
	MessageCount     int64     `json:"messageCount"`
	LastActivity     time.Time `json:"lastActivity"`
	CreatedAt        time.Time `json:"createdAt"`
}

// AddPeer adds an endpoint to the room's set and reports whether it was new.
func (r *Room) AddPeer(endpoint string) bool {
	if endpoint == "" || slices.Contains(r.Peers, endpoint) {
		return false
	}
	r.Peers = append(r.Peers, endpoint)
	sort.Strings(r.Peers)
	return true
}

// RemovePeer drops an endpoint and reports whether it was present.
func (r *Room) RemovePeer(endpoint string) bool {
	i := slices.Index(r.Peers, endpoint)
	if i < 0 {
		return false
	}
	r.Peers = slices.Delete(slices.Clone(r.Peers), i, i+1)
	return true
}

// Allows reports whether a platform may take part in the room.
// An empty allow list admits everyone.
func (r *Room) Allows(platform string) bool {
	return len(r.AllowedPlatforms) == 0 || slices.Contains(r.AllowedPlatforms, platform)
}

// RelayResult is the outcome of delivering one message to one peer.
type RelayResult struct {
	Peer     string        `json:"peer"`
	Endpoint string        `json:"endpoint"`
	OK       bool          `json:"ok"`
	Status   int           `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// Summary counts successes and failures in a set of results.
func Summary(results []RelayResult) (ok, failed int) {
	for _, r := range results {
		if r.OK {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}
