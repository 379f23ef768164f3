// Package outbox drains the relay outbox into the federation directory.
package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/store"
	"go.uber.org/zap"
)

const batchSize = 32

// Queue is the relay outbox.
type Queue interface {
	ClaimRelays(ctx context.Context, limit int) ([]store.RelayEntry, error)
	MarkRelayDone(ctx context.Context, id int64, succeeded, failed int) error
	MarkRelayFailed(ctx context.Context, id int64, errMsg string) error
	FailInterruptedRelays(ctx context.Context) (int64, error)
}

// Relayer is the directory call made for each entry.
type Relayer interface {
	Relay(ctx context.Context, roomID string, msg federation.Message, origin string) ([]federation.RelayResult, error)
}

// Sender hands queued federated messages to the directory. Each entry is
// relayed once; failures are recorded and not retried.
type Sender struct {
	queue    Queue
	relayer  Relayer
	origin   string
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     sync.WaitGroup
}

// NewSender creates a new outbox sender.
func NewSender(q Queue, r Relayer, origin string, interval time.Duration, logger *zap.Logger) *Sender {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		queue:    q,
		relayer:  r,
		origin:   origin,
		interval: interval,
		logger:   logger,
	}
}

// Start fails entries left in flight by a previous run, then polls the outbox.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.queue.FailInterruptedRelays(ctx); err != nil {
		s.logger.Error("failed to recover outbox", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("interrupted relays marked failed", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.done.Add(1)
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the current batch.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.done.Wait()
}

func (s *Sender) loop(ctx context.Context) {
	defer s.done.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending relays every queued entry and returns how many were handled.
func (s *Sender) ProcessPending(ctx context.Context) int {
	handled := 0
	for ctx.Err() == nil {
		pending, err := s.queue.ClaimRelays(ctx, batchSize)
		if err != nil {
			s.logger.Error("failed to read outbox", zap.Error(err))
			return handled
		}
		if len(pending) == 0 {
			return handled
		}
		for _, entry := range pending {
			s.relay(ctx, entry)
			handled++
		}
	}
	return handled
}

func (s *Sender) relay(ctx context.Context, entry store.RelayEntry) {
	var msg federation.Message
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		s.logger.Error("undecodable outbox entry", zap.Int64("id", entry.ID), zap.Error(err))
		_ = s.queue.MarkRelayFailed(ctx, entry.ID, "decode: "+err.Error())
		return
	}

	results, err := s.relayer.Relay(ctx, entry.RoomID, msg, s.origin)
	if err != nil {
		s.logger.Error("relay failed",
			zap.Int64("id", entry.ID),
			zap.String("room_id", entry.RoomID),
			zap.String("correlation_id", entry.CorrelationID),
			zap.Error(err),
		)
		if markErr := s.queue.MarkRelayFailed(ctx, entry.ID, err.Error()); markErr != nil {
			s.logger.Error("failed to mark relay failed", zap.Int64("id", entry.ID), zap.Error(markErr))
		}
		return
	}

	ok, failed := federation.Summary(results)
	if err := s.queue.MarkRelayDone(ctx, entry.ID, ok, failed); err != nil {
		s.logger.Error("failed to mark relayed", zap.Int64("id", entry.ID), zap.Error(err))
	}
	s.logger.Info("message relayed",
		zap.String("room_id", entry.RoomID),
		zap.String("message_id", entry.MessageID),
		zap.String("correlation_id", entry.CorrelationID),
		zap.Int("ok", ok),
		zap.Int("failed", failed),
	)
}
