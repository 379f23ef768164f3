package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/fedrelay/internal/binding"
	"github.com/matheus3301/fedrelay/internal/bus"
	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/store"
	"go.uber.org/zap"
)

// Bindings is the binding lifecycle used by a bridge.
type Bindings interface {
	Create(ctx context.Context, req binding.CreateRequest) (*store.Binding, error)
	Deactivate(ctx context.Context, platform, channelRef, by string) (*store.Binding, error)
	ResolveInbound(ctx context.Context, platform, channelRef string) (*store.Binding, error)
	ResolveOutbound(ctx context.Context, platform, roomID string) (*store.Binding, error)
	ByChannel(ctx context.Context, platform, channelRef string) (*store.Binding, error)
	RecordUse(ctx context.Context, b *store.Binding) error
}

// Rooms is the local room table and relay dedupe log.
type Rooms interface {
	CreateRoom(ctx context.Context, r *store.Room) error
	EnsureRoom(ctx context.Context, r *store.Room) (*store.Room, error)
	GetRoom(ctx context.Context, id string) (*store.Room, error)
	MarkRelaySeen(ctx context.Context, platform, correlationID string) (bool, error)
}

// Drop reasons for inbound messages that were not relayed.
const (
	DropEmpty      = "empty"
	DropUnbound    = "unbound"
	DropStale      = "stale"
	DropRelayError = "relay_error"
	DropLookup     = "lookup_error"
)

// DropObserver is told about every inbound drop, used for metrics.
type DropObserver func(platform, reason string)

// Dropped is the bus payload for inbound drops.
type Dropped struct {
	Platform   string
	ChannelRef string
	Reason     string
}

// BridgeOptions configures a bridge.
type BridgeOptions struct {
	// Endpoint is the URL peers relay to for this platform.
	Endpoint string
	OnDrop   DropObserver
}

// Bridge joins one adapter to the binding store and the federation directory.
type Bridge struct {
	adapter   Adapter
	bindings  Bindings
	rooms     Rooms
	directory federation.Directory
	endpoint  string
	onDrop    DropObserver
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewBridge creates a bridge for adapter.
func NewBridge(a Adapter, bindings Bindings, rooms Rooms, dir federation.Directory, opts BridgeOptions, b *bus.Bus, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		adapter:   a,
		bindings:  bindings,
		rooms:     rooms,
		directory: dir,
		endpoint:  opts.Endpoint,
		onDrop:    opts.OnDrop,
		bus:       b,
		logger:    logger.With(zap.String("adapter", a.Name())),
	}
}

// Name returns the adapter's platform name.
func (b *Bridge) Name() string { return b.adapter.Name() }

// Adapter returns the bridged adapter.
func (b *Bridge) Adapter() Adapter { return b.adapter }

// Endpoint returns the relay endpoint registered for this platform.
func (b *Bridge) Endpoint() string { return b.endpoint }

// Start registers the platform as a federation peer and starts the adapter.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.Register(ctx); err != nil {
		return err
	}
	return b.adapter.Start(ctx, b.HandleInbound)
}

// Register announces the platform to the directory. It doubles as the heartbeat.
func (b *Bridge) Register(ctx context.Context) error {
	if _, err := b.directory.RegisterPeer(ctx, b.Name(), b.endpoint); err != nil {
		return fmt.Errorf("register %s: %w", b.Name(), err)
	}
	return nil
}

// Stop stops the adapter.
func (b *Bridge) Stop(ctx context.Context) error {
	return b.adapter.Stop(ctx)
}

// HandleInbound relays a channel message to the channel's room, or runs it as a
// bridge command. Messages from unbound or stale channels are dropped.
func (b *Bridge) HandleInbound(ctx context.Context, in Incoming) {
	if cmd, ok := parseCommand(in.Text); ok {
		b.runCommand(ctx, in, cmd)
		return
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		b.drop(in, DropEmpty, nil)
		return
	}

	bnd, err := b.bindings.ResolveInbound(ctx, b.Name(), in.ChannelRef)
	switch {
	case errors.Is(err, binding.ErrNotFound):
		b.drop(in, DropUnbound, nil)
		return
	case errors.Is(err, binding.ErrStale):
		b.drop(in, DropStale, nil)
		return
	case err != nil:
		b.drop(in, DropLookup, err)
		return
	}

	sentAt := in.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	msg := federation.Message{
		CorrelationID:  uuid.NewString(),
		RoomID:         bnd.RoomID,
		OriginPlatform: b.Name(),
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Text:           in.Text,
		Attachments:    in.Attachments,
		SentAt:         sentAt.UTC(),
	}
	if room, err := b.rooms.GetRoom(ctx, bnd.RoomID); err == nil {
		msg.RoomName = room.Name
	}

	results, err := b.directory.Relay(ctx, bnd.RoomID, msg, b.Name())
	if err != nil {
		b.drop(in, DropRelayError, err)
		return
	}
	if err := b.bindings.RecordUse(ctx, bnd); err != nil {
		b.logger.Warn("failed to record binding use", zap.Int64("binding_id", bnd.ID), zap.Error(err))
	}
	ok, failed := federation.Summary(results)
	b.logger.Debug("inbound relayed",
		zap.String("channel_ref", in.ChannelRef),
		zap.String("room_id", bnd.RoomID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.Int("ok", ok),
		zap.Int("failed", failed),
	)
}

func (b *Bridge) drop(in Incoming, reason string, err error) {
	fields := []zap.Field{
		zap.String("channel_ref", in.ChannelRef),
		zap.String("sender_id", in.SenderID),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		b.logger.Warn("inbound message dropped", fields...)
	} else {
		b.logger.Debug("inbound message dropped", fields...)
	}
	if b.onDrop != nil {
		b.onDrop(b.Name(), reason)
	}
	b.bus.Emit(bus.KindInboundDropped, Dropped{Platform: b.Name(), ChannelRef: in.ChannelRef, Reason: reason})
}

// HandleRelay delivers a message relayed by a peer into the room's bound channel.
func (b *Bridge) HandleRelay(ctx context.Context, req federation.InboundRelayRequest) (federation.InboundRelayResponse, error) {
	msg := req.Message
	roomID := req.RoomID
	if roomID == "" {
		roomID = msg.RoomID
	}
	if roomID == "" || msg.CorrelationID == "" {
		return federation.InboundRelayResponse{}, fmt.Errorf("%w: room and correlation id are required", federation.ErrInvalidRequest)
	}
	if msg.OriginPlatform == b.Name() {
		return federation.InboundRelayResponse{Skipped: SkipOwnOrigin}, nil
	}

	bnd, err := b.bindings.ResolveOutbound(ctx, b.Name(), roomID)
	if errors.Is(err, binding.ErrNotFound) {
		return federation.InboundRelayResponse{}, fmt.Errorf("%w: %s", ErrNoBinding, roomID)
	} else if err != nil {
		return federation.InboundRelayResponse{}, err
	}

	first, err := b.rooms.MarkRelaySeen(ctx, b.Name(), msg.CorrelationID)
	if err != nil {
		return federation.InboundRelayResponse{}, fmt.Errorf("dedupe: %w", err)
	}
	if !first {
		b.logger.Debug("duplicate relay skipped", zap.String("correlation_id", msg.CorrelationID))
		return federation.InboundRelayResponse{Skipped: SkipDuplicate}, nil
	}

	if err := b.adapter.SendToChannel(ctx, bnd.ChannelRef, FormatRelayed(msg)); err != nil {
		b.logger.Warn("outbound send failed",
			zap.String("room_id", roomID),
			zap.String("channel_ref", bnd.ChannelRef),
			zap.Error(err),
		)
		return federation.InboundRelayResponse{}, fmt.Errorf("send to %s: %w", bnd.ChannelRef, err)
	}
	if err := b.bindings.RecordUse(ctx, bnd); err != nil {
		b.logger.Warn("failed to record binding use", zap.Int64("binding_id", bnd.ID), zap.Error(err))
	}
	return federation.InboundRelayResponse{Delivered: true}, nil
}

// Validate resolves a channel through the adapter, for the binding validator.
func (b *Bridge) Validate(ctx context.Context, channelRef string) error {
	_, err := b.adapter.ResolveChannel(ctx, channelRef)
	return err
}
