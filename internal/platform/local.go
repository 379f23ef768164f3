package platform

import (
	"context"
	"fmt"

	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/store"
	"go.uber.org/zap"
)

// Ingester stores federated messages in local history and pushes them to members.
type Ingester interface {
	IngestFederated(ctx context.Context, msg federation.Message) (*messaging.Message, bool, error)
}

// Local is the application's own platform. Relayed messages land in room history
// and reach connected members; local room messages leave through the relay outbox.
type Local struct {
	name      string
	endpoint  string
	ingest    Ingester
	directory federation.Directory
	logger    *zap.Logger
}

// NewLocal creates the local platform.
func NewLocal(name, endpoint string, ingest Ingester, dir federation.Directory, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		name:      name,
		endpoint:  endpoint,
		ingest:    ingest,
		directory: dir,
		logger:    logger.With(zap.String("adapter", name)),
	}
}

// Name returns the platform name.
func (l *Local) Name() string { return l.name }

// Endpoint returns the relay endpoint registered for the platform.
func (l *Local) Endpoint() string { return l.endpoint }

// Register announces the platform to the directory. It doubles as the heartbeat.
func (l *Local) Register(ctx context.Context) error {
	if _, err := l.directory.RegisterPeer(ctx, l.name, l.endpoint); err != nil {
		return fmt.Errorf("register %s: %w", l.name, err)
	}
	return nil
}

// RoomCreated registers a new federated room with the directory.
func (l *Local) RoomCreated(ctx context.Context, room *store.Room) error {
	_, err := l.directory.RegisterRoom(ctx, room.ID, room.Name, l.endpoint)
	if err != nil {
		return fmt.Errorf("register room %s: %w", room.ID, err)
	}
	return nil
}

// HandleRelay stores a relayed message. A message this platform sent is skipped.
func (l *Local) HandleRelay(ctx context.Context, req federation.InboundRelayRequest) (federation.InboundRelayResponse, error) {
	msg := req.Message
	if req.RoomID != "" {
		msg.RoomID = req.RoomID
	}
	if msg.OriginPlatform == l.name {
		return federation.InboundRelayResponse{Skipped: SkipOwnOrigin}, nil
	}
	stored, dup, err := l.ingest.IngestFederated(ctx, msg)
	if err != nil {
		return federation.InboundRelayResponse{}, err
	}
	if dup {
		return federation.InboundRelayResponse{Skipped: SkipDuplicate}, nil
	}
	l.logger.Debug("federated message stored",
		zap.String("room_id", msg.RoomID),
		zap.String("message_id", stored.ID),
		zap.String("origin", msg.OriginPlatform),
	)
	return federation.InboundRelayResponse{Delivered: true}, nil
}
