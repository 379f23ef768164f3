// Package messaging implements message submission and reconciliation between
// the push and fallback paths, read receipts, deletion and history.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/fedrelay/internal/bus"
	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/presence"
	"github.com/matheus3301/fedrelay/internal/store"
	"go.uber.org/zap"
)

// Store is the persistence the service needs.
type Store interface {
	InsertMessage(ctx context.Context, m *store.Message, relay *store.RelayEntry) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	GetMessageByTempID(ctx context.Context, senderID, tempID string) (*store.Message, error)
	UpdateMessageContent(ctx context.Context, m *store.Message) error
	MarkConversationSeen(ctx context.Context, conversationID, userID string) ([]string, error)
	HideMessageFor(ctx context.Context, id, userID string) error
	DeleteMessageForEveryone(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID, userID string, beforeSeq int64, limit int) ([]store.Message, error)

	CreateRoom(ctx context.Context, r *store.Room) error
	EnsureRoom(ctx context.Context, r *store.Room) (*store.Room, error)
	GetRoom(ctx context.Context, id string) (*store.Room, error)
	DeleteRoom(ctx context.Context, id string) error
	AddRoomMember(ctx context.Context, roomID, userID string) error
	RemoveRoomMember(ctx context.Context, roomID, userID string) error
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Pusher delivers events to a user's live connections.
type Pusher interface {
	SendToUser(userID string, evt presence.Event) bool
}

// AttachmentCleaner releases attachment storage after delete-for-everyone.
type AttachmentCleaner interface {
	Cleanup(ctx context.Context, messageID string, attachments []string) error
}

// NopCleaner keeps attachments in place.
type NopCleaner struct{}

func (NopCleaner) Cleanup(context.Context, string, []string) error { return nil }

// Submit outcomes reported to the observer.
const (
	OutcomeCreated   = "created"
	OutcomeMerged    = "merged"
	OutcomeUnchanged = "unchanged"
	OutcomeRejected  = "rejected"
)

// Observer is told about every submit, used for metrics.
type Observer func(path Path, outcome string)

// Options configures the service.
type Options struct {
	// Platform is this application's federation name, stamped on relayed messages.
	Platform string
	Cleaner  AttachmentCleaner
	Observer Observer
	// OnFederatedRoom runs after a federated room is created locally.
	OnFederatedRoom func(ctx context.Context, room *store.Room) error
}

// Service is the single writer of chat messages.
type Service struct {
	store    Store
	push     Pusher
	cleaner  AttachmentCleaner
	observe  Observer
	onRoom   func(ctx context.Context, room *store.Room) error
	platform string
	bus      *bus.Bus
	logger   *zap.Logger
	locks    *keyedMutex
	now      func() time.Time
}

// NewService creates a messaging service.
func NewService(s Store, p Pusher, opts Options, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Cleaner == nil {
		opts.Cleaner = NopCleaner{}
	}
	return &Service{
		store:    s,
		push:     p,
		cleaner:  opts.Cleaner,
		observe:  opts.Observer,
		onRoom:   opts.OnFederatedRoom,
		platform: opts.Platform,
		bus:      b,
		logger:   logger,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

func (s *Service) record(path Path, outcome string) {
	if s.observe != nil {
		s.observe(path, outcome)
	}
}

// Submit validates and stores a message, or reconciles it with an earlier
// submit carrying the same temp id. Validation runs before any mutation.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Message, error) {
	if req.Path == "" {
		req.Path = PathPush
	}
	if err := validateSubmit(req); err != nil {
		s.record(req.Path, OutcomeRejected)
		return nil, err
	}

	var room *store.Room
	convID := DirectConversationID(req.SenderID, req.RecipientID)
	if req.RoomID != "" {
		var err error
		if room, err = s.authorizeRoom(ctx, req.RoomID, req.SenderID); err != nil {
			s.record(req.Path, OutcomeRejected)
			return nil, err
		}
		convID = RoomConversationID(req.RoomID)
	}

	unlock := s.locks.Lock(convID)
	defer unlock()

	if req.TempID != "" {
		existing, err := s.store.GetMessageByTempID(ctx, req.SenderID, req.TempID)
		switch {
		case err == nil:
			return s.reconcile(ctx, existing, req)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("lookup temp id: %w", err)
		}
	}

	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		RoomID:         req.RoomID,
		Text:           req.Body.Text,
		Attachments:    req.Body.Attachments,
		Payload:        req.Body.Payload,
		TempID:         req.TempID,
		OriginPlatform: s.platform,
		SenderDisplay:  req.SenderName,
		CreatedAt:      s.now().UnixMilli(),
	}
	var entry *store.RelayEntry
	if room != nil && room.Federated {
		var err error
		if entry, err = s.relayEntry(room, m); err != nil {
			return nil, err
		}
	}

	err := s.store.InsertMessage(ctx, m, entry)
	if errors.Is(err, store.ErrConflict) && req.TempID != "" {
		// Another process won the insert for this temp id.
		existing, getErr := s.store.GetMessageByTempID(ctx, req.SenderID, req.TempID)
		if getErr != nil {
			return nil, fmt.Errorf("reread after conflict: %w", getErr)
		}
		return s.reconcile(ctx, existing, req)
	}
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	view := View(m)
	if err := s.fanOut(ctx, m, presence.Event{Kind: presence.EventNewMessage, Payload: view}); err != nil {
		s.logger.Warn("push new message", zap.String("message_id", m.ID), zap.Error(err))
	}
	s.bus.Emit(bus.KindMessageCreated, view)
	s.record(req.Path, OutcomeCreated)
	return &view, nil
}

func validateSubmit(req SubmitRequest) error {
	if req.SenderID == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidRequest)
	}
	if (req.RecipientID == "") == (req.RoomID == "") {
		return fmt.Errorf("%w: exactly one of recipient and room is required", ErrInvalidRequest)
	}
	if req.Body.Payload != nil && hasPayload(req.Body.Payload) && !json.Valid(req.Body.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	if req.Body.Empty() {
		return ErrEmptyMessage
	}
	return nil
}

// reconcile merges req into an existing message. Only a real change is persisted
// and pushed, as messageUpdated.
func (s *Service) reconcile(ctx context.Context, m *store.Message, req SubmitRequest) (*Message, error) {
	if m.DeletedForEveryone || !merge(m, req.Body) {
		view := View(m)
		s.record(req.Path, OutcomeUnchanged)
		return &view, nil
	}
	if err := s.store.UpdateMessageContent(ctx, m); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	view := View(m)
	if err := s.fanOut(ctx, m, presence.Event{Kind: presence.EventMessageUpdated, Payload: view}); err != nil {
		s.logger.Warn("push message update", zap.String("message_id", m.ID), zap.Error(err))
	}
	s.logger.Debug("message reconciled",
		zap.String("message_id", m.ID),
		zap.String("temp_id", req.TempID),
		zap.String("path", string(req.Path)),
	)
	s.bus.Emit(bus.KindMessageUpdated, view)
	s.record(req.Path, OutcomeMerged)
	return &view, nil
}

func (s *Service) relayEntry(room *store.Room, m *store.Message) (*store.RelayEntry, error) {
	sender := m.SenderDisplay
	if sender == "" {
		sender = m.SenderID
	}
	fm := federation.Message{
		CorrelationID:  uuid.NewString(),
		RoomID:         room.ID,
		RoomName:       room.Name,
		OriginPlatform: s.platform,
		SenderID:       m.SenderID,
		SenderName:     sender,
		Text:           m.Text,
		Attachments:    m.Attachments,
		SentAt:         time.UnixMilli(m.CreatedAt).UTC(),
	}
	payload, err := json.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode federated message: %w", err)
	}
	return &store.RelayEntry{CorrelationID: fm.CorrelationID, RoomID: room.ID, Payload: payload}, nil
}

// participants returns everyone who sees the message's conversation.
func (s *Service) participants(ctx context.Context, m *store.Message) ([]string, error) {
	if m.RoomID != "" {
		return s.store.RoomMembers(ctx, m.RoomID)
	}
	if m.RecipientID == m.SenderID {
		return []string{m.SenderID}, nil
	}
	return []string{m.SenderID, m.RecipientID}, nil
}

func (s *Service) fanOut(ctx context.Context, m *store.Message, evt presence.Event) error {
	users, err := s.participants(ctx, m)
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now()
	}
	for _, u := range users {
		s.push.SendToUser(u, evt)
	}
	return nil
}

func (s *Service) authorizeRoom(ctx context.Context, roomID, userID string) (*store.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	if err != nil {
		return nil, err
	}
	ok, err := s.store.IsRoomMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is not in room %s", ErrForbidden, userID, roomID)
	}
	return room, nil
}

// authorizeConversation checks that userID takes part in the conversation.
func (s *Service) authorizeConversation(ctx context.Context, conversationID, userID string) (Conversation, error) {
	conv, err := ParseConversation(conversationID)
	if err != nil {
		return conv, err
	}
	if conv.IsRoom() {
		_, err := s.authorizeRoom(ctx, conv.RoomID, userID)
		return conv, err
	}
	if conv.Users[0] != userID && conv.Users[1] != userID {
		return conv, fmt.Errorf("%w: %s is not in %s", ErrForbidden, userID, conversationID)
	}
	return conv, nil
}

// MarkSeen flags every unseen message of the other participants as seen and
// tells each distinct original sender once.
func (s *Service) MarkSeen(ctx context.Context, conversationID, userID string) ([]string, error) {
	if conversationID == "" || userID == "" {
		return nil, fmt.Errorf("%w: conversation and user are required", ErrInvalidRequest)
	}
	if _, err := s.authorizeConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	senders, err := s.store.MarkConversationSeen(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}
	now := s.now()
	evt := presence.Event{
		Kind:      presence.EventMessagesSeen,
		Payload:   SeenEvent{ConversationID: conversationID, SeenBy: userID, SeenAt: now},
		Timestamp: now,
	}
	for _, sender := range senders {
		s.push.SendToUser(sender, evt)
	}
	return senders, nil
}

// Delete removes a message for the user, or for everyone when the sender asks.
func (s *Service) Delete(ctx context.Context, messageID, userID string, forEveryone bool) error {
	if messageID == "" || userID == "" {
		return fmt.Errorf("%w: message and user are required", ErrInvalidRequest)
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return err
	}
	if _, err := s.authorizeConversation(ctx, m.ConversationID, userID); err != nil {
		return err
	}

	unlock := s.locks.Lock(m.ConversationID)
	defer unlock()

	evt := presence.Event{
		Kind: presence.EventMessageDeleted,
		Payload: DeletedEvent{
			MessageID:         m.ID,
			ConversationID:    m.ConversationID,
			DeleteForEveryone: forEveryone,
		},
		Timestamp: s.now(),
	}

	if !forEveryone {
		if err := s.store.HideMessageFor(ctx, m.ID, userID); err != nil {
			return fmt.Errorf("hide message: %w", err)
		}
		s.push.SendToUser(userID, evt)
		return nil
	}

	if m.SenderID != userID {
		return fmt.Errorf("%w: only the sender can delete for everyone", ErrForbidden)
	}
	if len(m.Attachments) > 0 {
		if err := s.cleaner.Cleanup(ctx, m.ID, m.Attachments); err != nil {
			s.logger.Warn("attachment cleanup failed", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
	if err := s.store.DeleteMessageForEveryone(ctx, m.ID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if err := s.fanOut(ctx, m, evt); err != nil {
		s.logger.Warn("push message deleted", zap.String("message_id", m.ID), zap.Error(err))
	}
	s.bus.Emit(bus.KindMessageDeleted, evt.Payload)
	return nil
}

// History returns a page of the conversation, newest first, without the
// messages userID deleted for themselves.
func (s *Service) History(ctx context.Context, conversationID, userID string, beforeSeq int64, limit int) ([]Message, error) {
	if _, err := s.authorizeConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListMessages(ctx, conversationID, userID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for i := range rows {
		out = append(out, View(&rows[i]))
	}
	return out, nil
}

// CreateRoomRequest describes a locally created room.
type CreateRoomRequest struct {
	ID               string   `json:"roomId,omitempty"`
	Name             string   `json:"name"`
	Federated        bool     `json:"federated"`
	AllowedPlatforms []string `json:"allowedPlatforms,omitempty"`
	CreatorID        string   `json:"-"`
}

// CreateRoom stores a new room and joins its creator.
func (s *Service) CreateRoom(ctx context.Context, req CreateRoomRequest) (*store.Room, error) {
	if req.CreatorID == "" {
		return nil, fmt.Errorf("%w: creator is required", ErrInvalidRequest)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	room := &store.Room{
		ID:               req.ID,
		Name:             req.Name,
		Federated:        req.Federated,
		AllowedPlatforms: req.AllowedPlatforms,
	}
	if err := s.store.CreateRoom(ctx, room); errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: room %s already exists", ErrInvalidRequest, req.ID)
	} else if err != nil {
		return nil, err
	}
	if err := s.store.AddRoomMember(ctx, room.ID, req.CreatorID); err != nil {
		return nil, err
	}
	if room.Federated && s.onRoom != nil {
		if err := s.onRoom(ctx, room); err != nil {
			// Relay still auto-creates the room on the first message.
			s.logger.Warn("federated room registration failed", zap.String("room_id", room.ID), zap.Error(err))
		}
	}
	return room, nil
}

// JoinRoom adds the user to a room's participants.
func (s *Service) JoinRoom(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return fmt.Errorf("%w: room and user are required", ErrInvalidRequest)
	}
	if _, err := s.store.GetRoom(ctx, roomID); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	} else if err != nil {
		return err
	}
	return s.store.AddRoomMember(ctx, roomID, userID)
}

// LeaveRoom removes the user from a room's participants.
func (s *Service) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return fmt.Errorf("%w: room and user are required", ErrInvalidRequest)
	}
	if err := s.store.RemoveRoomMember(ctx, roomID, userID); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s is not in room %s", ErrNotFound, userID, roomID)
	} else if err != nil {
		return err
	}
	return nil
}

// DeleteRoom removes a room with its members, history and platform bindings.
func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidRequest)
	}
	unlock := s.locks.Lock(RoomConversationID(roomID))
	defer unlock()

	if err := s.store.DeleteRoom(ctx, roomID); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	} else if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	s.logger.Info("room deleted", zap.String("room_id", roomID))
	s.bus.Emit(bus.KindRoomDeleted, roomID)
	return nil
}

// IngestFederated stores a message relayed from another platform in the room's
// history and pushes it to the local members. A repeated correlation id is
// reported as a duplicate and not pushed again. Ingested messages are never relayed.
func (s *Service) IngestFederated(ctx context.Context, fm federation.Message) (*Message, bool, error) {
	if fm.RoomID == "" || fm.CorrelationID == "" {
		return nil, false, fmt.Errorf("%w: room and correlation id are required", ErrInvalidRequest)
	}
	room, err := s.store.EnsureRoom(ctx, &store.Room{ID: fm.RoomID, Name: fm.RoomName, Federated: true})
	if err != nil {
		return nil, false, fmt.Errorf("ensure room: %w", err)
	}

	convID := RoomConversationID(room.ID)
	unlock := s.locks.Lock(convID)
	defer unlock()

	sentAt := fm.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       fm.OriginPlatform + ":" + fm.SenderID,
		RoomID:         room.ID,
		Text:           fm.Text,
		Attachments:    fm.Attachments,
		TempID:         fm.CorrelationID,
		OriginPlatform: fm.OriginPlatform,
		SenderDisplay:  fm.SenderName,
		CreatedAt:      sentAt.UnixMilli(),
	}
	if err := s.store.InsertMessage(ctx, m, nil); errors.Is(err, store.ErrConflict) {
		existing, getErr := s.store.GetMessageByTempID(ctx, m.SenderID, fm.CorrelationID)
		if getErr != nil {
			return nil, false, getErr
		}
		view := View(existing)
		return &view, true, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("insert federated message: %w", err)
	}

	evt := presence.Event{
		Kind: presence.EventFederatedMessage,
		Payload: FederatedEvent{
			MessageID:      m.ID,
			Seq:            m.Seq,
			CorrelationID:  fm.CorrelationID,
			RoomID:         room.ID,
			OriginPlatform: fm.OriginPlatform,
			SenderName:     fm.SenderName,
			Text:           fm.Text,
			Attachments:    fm.Attachments,
			SentAt:         sentAt,
		},
		Timestamp: s.now(),
	}
	if err := s.fanOut(ctx, m, evt); err != nil {
		s.logger.Warn("push federated message", zap.String("room_id", room.ID), zap.Error(err))
	}
	view := View(m)
	return &view, false, nil
}
