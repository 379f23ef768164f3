package messaging

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	dmPrefix   = "dm:"
	roomPrefix = "room:"
)

// DirectConversationID returns the id shared by both sides of a direct conversation.
// The first user id is length-prefixed, so ids containing ':' never collide:
// dm:<len(a)>:<a>:<b> with a <= b.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return dmPrefix + strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// RoomConversationID returns the conversation id of a room.
func RoomConversationID(roomID string) string {
	return roomPrefix + roomID
}

// Conversation is a parsed conversation id.
type Conversation struct {
	ID     string
	RoomID string
	// Users holds both participants of a direct conversation.
	Users [2]string
}

// IsRoom reports whether the conversation belongs to a room.
func (c Conversation) IsRoom() bool { return c.RoomID != "" }

// ParseConversation splits a conversation id into its parts.
func ParseConversation(id string) (Conversation, error) {
	switch {
	case strings.HasPrefix(id, roomPrefix) && len(id) > len(roomPrefix):
		return Conversation{ID: id, RoomID: id[len(roomPrefix):]}, nil
	case strings.HasPrefix(id, dmPrefix):
		if a, b, ok := splitDirect(id[len(dmPrefix):]); ok {
			return Conversation{ID: id, Users: [2]string{a, b}}, nil
		}
	}
	return Conversation{}, fmt.Errorf("%w: malformed conversation id %q", ErrInvalidRequest, id)
}

func splitDirect(rest string) (a, b string, ok bool) {
	size, users, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", false
	}
	n, err := strconv.Atoi(size)
	if err != nil || n <= 0 || strconv.Itoa(n) != size || n+1 >= len(users) || users[n] != ':' {
		return "", "", false
	}
	a, b = users[:n], users[n+1:]
	if a > b {
		return "", "", false
	}
	return a, b, true
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
