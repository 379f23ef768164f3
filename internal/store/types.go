package store

import "encoding/json"

// Room is a conversation that may be shared with federation peers.
type Room struct {
	ID               string
	Name             string
	Federated        bool
	AllowedPlatforms []string
	CreatedAt        int64
}

// Message is the authoritative chat record. Seq orders messages within a conversation.
type Message struct {
	ID                 string
	ConversationID     string
	Seq                int64
	SenderID           string
	RecipientID        string
	RoomID             string
	Text               string
	Attachments        []string
	Payload            json.RawMessage
	Seen               bool
	DeletedFor         []string
	DeletedForEveryone bool
	TempID             string
	OriginPlatform     string
	SenderDisplay      string
	CreatedAt          int64
	UpdatedAt          int64
}

// Binding ties a room to one channel on one external platform.
type Binding struct {
	ID              int64
	Platform        string
	RoomID          string
	ChannelRef      string
	GuildRef        string
	ChannelName     string
	CreatedByID     string
	CreatedByName   string
	Active          bool
	Valid           bool
	MessageCount    int64
	LastUsedAt      int64
	LastValidatedAt int64
	CreatedAt       int64
}

// Relay outbox statuses.
const (
	RelayQueued  = "queued"
	RelayRunning = "relaying"
	RelayDone    = "relayed"
	RelayFailed  = "failed"
)

// RelayEntry is a federated message waiting to be handed to the registry.
type RelayEntry struct {
	ID            int64
	CorrelationID string
	RoomID        string
	MessageID     string
	Payload       json.RawMessage
	Status        string
	Succeeded     int
	Failed        int
	ErrorMessage  string
	CreatedAt     int64
}
