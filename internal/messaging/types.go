package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/fedrelay/internal/store"
)

var (
	// ErrEmptyMessage is returned for a submit without text, attachments or payload.
	ErrEmptyMessage = errors.New("messaging: message is empty")
	// ErrInvalidRequest is returned for missing sender, target or ids.
	ErrInvalidRequest = errors.New("messaging: invalid request")
	// ErrForbidden is returned when the user may not act on the conversation or message.
	ErrForbidden = errors.New("messaging: forbidden")
	// ErrNotFound is returned for unknown messages and rooms.
	ErrNotFound = errors.New("messaging: not found")
)

// Path names the route a submit arrived on.
type Path string

const (
	PathPush     Path = "push"
	PathFallback Path = "fallback"
)

// Body is the content of a message.
type Body struct {
	Text        string          `json:"text"`
	Attachments []string        `json:"attachments,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Empty reports whether the body carries nothing.
func (b Body) Empty() bool {
	return strings.TrimSpace(b.Text) == "" && len(b.Attachments) == 0 && !hasPayload(b.Payload)
}

func hasPayload(p json.RawMessage) bool {
	p = bytes.TrimSpace(p)
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}

// SubmitRequest creates or reconciles a message. Exactly one of RecipientID and RoomID is set.
type SubmitRequest struct {
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	TempID      string `json:"tempId,omitempty"`
	Body        Body   `json:"body"`
	Path        Path   `json:"-"`
}

// Message is the client-facing view of a stored message.
type Message struct {
	ID                 string          `json:"id"`
	ConversationID     string          `json:"conversationId"`
	Seq                int64           `json:"seq"`
	SenderID           string          `json:"senderId"`
	SenderName         string          `json:"senderName,omitempty"`
	RecipientID        string          `json:"recipientId,omitempty"`
	RoomID             string          `json:"roomId,omitempty"`
	Text               string          `json:"text"`
	Attachments        []string        `json:"attachments"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Seen               bool            `json:"seen"`
	DeletedForEveryone bool            `json:"deletedForEveryone"`
	TempID             string          `json:"tempId,omitempty"`
	OriginPlatform     string          `json:"originPlatform,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// View converts a stored message.
func View(m *store.Message) Message {
	atts := m.Attachments
	if atts == nil {
		atts = []string{}
	}
	return Message{
		ID:                 m.ID,
		ConversationID:     m.ConversationID,
		Seq:                m.Seq,
		SenderID:           m.SenderID,
		SenderName:         m.SenderDisplay,
		RecipientID:        m.RecipientID,
		RoomID:             m.RoomID,
		Text:               m.Text,
		Attachments:        atts,
		Payload:            m.Payload,
		Seen:               m.Seen,
		DeletedForEveryone: m.DeletedForEveryone,
		TempID:             m.TempID,
		OriginPlatform:     m.OriginPlatform,
		CreatedAt:          time.UnixMilli(m.CreatedAt).UTC(),
	}
}

// merge folds a late submit into an existing record and reports whether anything changed.
// Attachments are unioned in order, empty text and a missing payload are filled.
func merge(m *store.Message, b Body) bool {
	changed := false
	for _, a := range b.Attachments {
		if a != "" && !slices.Contains(m.Attachments, a) {
			m.Attachments = append(m.Attachments, a)
			changed = true
		}
	}
	if strings.TrimSpace(m.Text) == "" && strings.TrimSpace(b.Text) != "" {
		m.Text = b.Text
		changed = true
	}
	if !hasPayload(m.Payload) && hasPayload(b.Payload) {
		m.Payload = b.Payload
		changed = true
	}
	return changed
}

// SeenEvent is pushed to original senders when their messages are read.
type SeenEvent struct {
	ConversationID string    `json:"conversationId"`
	SeenBy         string    `json:"seenBy"`
	SeenAt         time.Time `json:"seenAt"`
}

// DeletedEvent is pushed when a message is deleted.
type DeletedEvent struct {
	MessageID         string `json:"messageId"`
	ConversationID    string `json:"conversationId"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
}

// FederatedEvent is pushed to room members for messages from other platforms.
type FederatedEvent struct {
	MessageID      string    `json:"messageId"`
	Seq            int64     `json:"seq"`
	CorrelationID  string    `json:"correlationId"`
	RoomID         string    `json:"roomId"`
	OriginPlatform string    `json:"originPlatform"`
	SenderName     string    `json:"senderName"`
	Text           string    `json:"text"`
	Attachments    []string  `json:"attachments,omitempty"`
	SentAt         time.Time `json:"sentAt"`
}
