// Package platform connects external chat platforms to federated rooms.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/status"
)

var (
	// ErrChannelNotFound is returned by ResolveChannel when the channel is gone
	// or the bot lost access to it.
	ErrChannelNotFound = errors.New("platform: channel not found")
	// ErrNoBinding is returned by HandleRelay when the room has no active binding.
	ErrNoBinding = errors.New("platform: room is not bound on this platform")
	// ErrNotStarted is returned when an adapter is used before Start.
	ErrNotStarted = errors.New("platform: adapter not started")
)

// Incoming is a message observed in an external channel.
type Incoming struct {
	ChannelRef  string
	GuildRef    string
	ChannelName string
	SenderID    string
	SenderName  string
	Text        string
	Attachments []string
	SentAt      time.Time
}

// InboundHandler receives every incoming message from an adapter.
type InboundHandler func(ctx context.Context, msg Incoming)

// ChannelInfo describes a resolved channel.
type ChannelInfo struct {
	Ref      string
	Name     string
	GuildRef string
}

// Adapter is one external platform.
type Adapter interface {
	Name() string
	Start(ctx context.Context, onMessage InboundHandler) error
	Stop(ctx context.Context) error
	SendToChannel(ctx context.Context, channelRef, text string) error
	ResolveChannel(ctx context.Context, channelRef string) (ChannelInfo, error)
}

// Stateful adapters expose their connection lifecycle.
type Stateful interface {
	Status() status.Snapshot
}

// RelayHandler accepts messages relayed to one platform.
type RelayHandler interface {
	HandleRelay(ctx context.Context, req federation.InboundRelayRequest) (federation.InboundRelayResponse, error)
}

// Skip reasons reported in InboundRelayResponse.
const (
	SkipOwnOrigin = "own_origin"
	SkipDuplicate = "duplicate"
)

// FormatRelayed renders a federated message as channel text.
func FormatRelayed(msg federation.Message) string {
	var b strings.Builder
	sender := msg.SenderName
	if sender == "" {
		sender = msg.SenderID
	}
	fmt.Fprintf(&b, "[%s] %s: %s", msg.OriginPlatform, sender, msg.Text)
	for _, a := range msg.Attachments {
		b.WriteString("\n")
		b.WriteString(a)
	}
	return b.String()
}
