// Package binding manages the lifecycle of room to platform channel bindings.
// The store is consulted on every resolve; nothing is cached.
package binding

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/fedrelay/internal/bus"
	"github.com/matheus3301/fedrelay/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrConflict is returned when the room or channel already has an active binding.
	ErrConflict = errors.New("binding: already bound")
	// ErrNotFound is returned when no usable binding exists.
	ErrNotFound = errors.New("binding: not found")
	// ErrStale is returned by ResolveInbound for an active binding whose last validation failed.
	ErrStale = errors.New("binding: channel failed validation")
	// ErrUnknownRoom is returned when the room is not known locally.
	ErrUnknownRoom = errors.New("binding: unknown room")
	// ErrInvalidRequest is returned for a create request with missing fields.
	ErrInvalidRequest = errors.New("binding: invalid request")
	// ErrInvalidTransition is returned when a lifecycle move is not allowed.
	ErrInvalidTransition = errors.New("binding: invalid transition")
)

// Store is the persistence the service needs.
type Store interface {
	GetRoom(ctx context.Context, id string) (*store.Room, error)
	InsertBinding(ctx context.Context, b *store.Binding) error
	ActiveBindingByChannel(ctx context.Context, platform, channelRef string) (*store.Binding, error)
	ActiveBindingByRoom(ctx context.Context, platform, roomID string) (*store.Binding, error)
	ListActiveBindings(ctx context.Context, platform string) ([]store.Binding, error)
	DeactivateBinding(ctx context.Context, id int64) error
	SetBindingValidity(ctx context.Context, id int64, valid bool) error
	RecordBindingUse(ctx context.Context, id int64) error
}

// CreateRequest describes a new binding issued from a platform command.
type CreateRequest struct {
	Platform      string
	RoomID        string
	ChannelRef    string
	GuildRef      string
	ChannelName   string
	CreatedByID   string
	CreatedByName string
}

// Service applies the binding lifecycle on top of the store.
type Service struct {
	store  Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewService creates a binding service.
func NewService(s Store, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, bus: b, logger: logger}
}

// Create binds a room to a channel. Both sides are checked first; the storage
// uniqueness constraint covers concurrent creators. An existing binding is never touched.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Binding, error) {
	if req.Platform == "" || req.RoomID == "" || req.ChannelRef == "" {
		return nil, ErrInvalidRequest
	}
	if _, err := s.store.GetRoom(ctx, req.RoomID); errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, req.RoomID)
	} else if err != nil {
		return nil, err
	}

	if _, err := s.store.ActiveBindingByChannel(ctx, req.Platform, req.ChannelRef); err == nil {
		return nil, fmt.Errorf("%w: channel %s", ErrConflict, req.ChannelRef)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := s.store.ActiveBindingByRoom(ctx, req.Platform, req.RoomID); err == nil {
		return nil, fmt.Errorf("%w: room %s", ErrConflict, req.RoomID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	b := &store.Binding{
		Platform:      req.Platform,
		RoomID:        req.RoomID,
		ChannelRef:    req.ChannelRef,
		GuildRef:      req.GuildRef,
		ChannelName:   req.ChannelName,
		CreatedByID:   req.CreatedByID,
		CreatedByName: req.CreatedByName,
	}
	if err := s.store.InsertBinding(ctx, b); errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: lost race for channel %s", ErrConflict, req.ChannelRef)
	} else if err != nil {
		return nil, fmt.Errorf("insert binding: %w", err)
	}

	s.logger.Info("binding created",
		zap.String("platform", b.Platform),
		zap.String("room_id", b.RoomID),
		zap.String("channel_ref", b.ChannelRef),
		zap.String("created_by", b.CreatedByID),
	)
	s.emit(bus.KindBindingCreated, b, Unbound, ActiveValid, "")
	return b, nil
}

// Deactivate unbinds the channel. The row is kept with active=false.
func (s *Service) Deactivate(ctx context.Context, platform, channelRef, by string) (*store.Binding, error) {
	b, err := s.store.ActiveBindingByChannel(ctx, platform, channelRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	from := StateOf(b)
	if err := CheckTransition(from, Inactive); err != nil {
		return nil, err
	}
	if err := s.store.DeactivateBinding(ctx, b.ID); errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	b.Active = false
	s.logger.Info("binding deactivated",
		zap.String("platform", platform),
		zap.String("room_id", b.RoomID),
		zap.String("channel_ref", channelRef),
		zap.String("by", by),
	)
	s.emit(bus.KindBindingDeactivated, b, from, Inactive, "leave by "+by)
	return b, nil
}

// ResolveInbound maps a platform channel to its room. Only active and valid
// bindings resolve; an invalid one reports ErrStale.
func (s *Service) ResolveInbound(ctx context.Context, platform, channelRef string) (*store.Binding, error) {
	b, err := s.store.ActiveBindingByChannel(ctx, platform, channelRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !b.Valid {
		return nil, ErrStale
	}
	return b, nil
}

// ResolveOutbound maps a room to the channel on platform. Invalid bindings still
// resolve so delivery keeps trying until the channel is fixed or unbound.
func (s *Service) ResolveOutbound(ctx context.Context, platform, roomID string) (*store.Binding, error) {
	b, err := s.store.ActiveBindingByRoom(ctx, platform, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// ByChannel returns the active binding of a channel, valid or not.
func (s *Service) ByChannel(ctx context.Context, platform, channelRef string) (*store.Binding, error) {
	b, err := s.store.ActiveBindingByChannel(ctx, platform, channelRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// RecordUse counts one relayed message on the binding.
func (s *Service) RecordUse(ctx context.Context, b *store.Binding) error {
	if err := s.store.RecordBindingUse(ctx, b.ID); err != nil {
		return fmt.Errorf("record binding use: %w", err)
	}
	b.MessageCount++
	return nil
}

// Active lists active bindings for a platform, or all platforms when empty.
func (s *Service) Active(ctx context.Context, platform string) ([]store.Binding, error) {
	return s.store.ListActiveBindings(ctx, platform)
}

// applyValidation stores a validation outcome. A failure flips valid but never deactivates.
func (s *Service) applyValidation(ctx context.Context, b *store.Binding, ok bool, reason string) error {
	from := StateOf(b)
	to := ActiveInvalid
	if ok {
		to = ActiveValid
	}
	if err := CheckTransition(from, to); err != nil {
		return err
	}
	if err := s.store.SetBindingValidity(ctx, b.ID, ok); errors.Is(err, store.ErrNotFound) {
		// Deactivated while the pass was resolving it.
		s.logger.Debug("binding left during validation",
			zap.Int64("binding_id", b.ID),
			zap.String("channel_ref", b.ChannelRef),
		)
		b.Active = false
		return nil
	} else if err != nil {
		return fmt.Errorf("set binding validity: %w", err)
	}
	b.Valid = ok
	if ok {
		s.emit(bus.KindBindingValidated, b, from, to, "")
		return nil
	}
	s.logger.Warn("binding failed validation",
		zap.String("platform", b.Platform),
		zap.String("room_id", b.RoomID),
		zap.String("channel_ref", b.ChannelRef),
		zap.String("reason", reason),
	)
	s.emit(bus.KindBindingInvalidated, b, from, to, reason)
	return nil
}

func (s *Service) emit(kind string, b *store.Binding, from, to State, reason string) {
	s.bus.Emit(kind, Change{
		BindingID:  b.ID,
		Platform:   b.Platform,
		RoomID:     b.RoomID,
		ChannelRef: b.ChannelRef,
		From:       from,
		To:         to,
		Reason:     reason,
	})
}
