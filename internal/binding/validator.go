package binding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/fedrelay/internal/schedule"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ResolveFunc checks that a channel reference still resolves on its platform.
type ResolveFunc func(ctx context.Context, channelRef string) error

// Report summarizes one validation pass.
type Report struct {
	Checked int
	Valid   int
	Invalid int
	// Skipped counts bindings whose platform has no registered resolver.
	Skipped int
}

// Observer receives every validation outcome.
type Observer func(platform string, ok bool)

// Validator periodically re-resolves every active binding through its adapter.
type Validator struct {
	svc      *Service
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
	observe  Observer

	mu        sync.RWMutex
	resolvers map[string]ResolveFunc
	cron      *cron.Cron
}

// NewValidator creates a validator running on the given cron schedule.
func NewValidator(svc *Service, spec string, timeout time.Duration, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		svc:       svc,
		schedule:  spec,
		timeout:   timeout,
		logger:    logger,
		resolvers: make(map[string]ResolveFunc),
	}
}

// Register sets the resolver used for bindings on platform.
func (v *Validator) Register(platform string, fn ResolveFunc) {
	v.mu.Lock()
	v.resolvers[platform] = fn
	v.mu.Unlock()
}

// OnResult installs an observer, used for metrics.
func (v *Validator) OnResult(fn Observer) {
	v.observe = fn
}

// Start schedules periodic validation passes.
func (v *Validator) Start() error {
	c := schedule.New(v.logger)
	if _, err := c.AddFunc(v.schedule, func() {
		r := v.RunOnce(context.Background())
		v.logger.Info("binding validation pass",
			zap.Int("checked", r.Checked),
			zap.Int("valid", r.Valid),
			zap.Int("invalid", r.Invalid),
			zap.Int("skipped", r.Skipped),
		)
	}); err != nil {
		return fmt.Errorf("schedule binding validation: %w", err)
	}
	v.cron = c
	c.Start()
	return nil
}

// Stop waits for a running pass to finish or ctx to expire.
func (v *Validator) Stop(ctx context.Context) {
	if v.cron == nil {
		return
	}
	select {
	case <-v.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce validates every active binding once.
func (v *Validator) RunOnce(ctx context.Context) Report {
	var r Report
	bindings, err := v.svc.Active(ctx, "")
	if err != nil {
		v.logger.Error("list bindings for validation", zap.Error(err))
		return r
	}

	for i := range bindings {
		b := &bindings[i]
		v.mu.RLock()
		resolve, ok := v.resolvers[b.Platform]
		v.mu.RUnlock()
		if !ok {
			r.Skipped++
			continue
		}

		r.Checked++
		callCtx, cancel := context.WithTimeout(ctx, v.timeout)
		resolveErr := resolve(callCtx, b.ChannelRef)
		cancel()

		reason := ""
		if resolveErr != nil {
			reason = resolveErr.Error()
			r.Invalid++
		} else {
			r.Valid++
		}
		if v.observe != nil {
			v.observe(b.Platform, resolveErr == nil)
		}
		if err := v.svc.applyValidation(ctx, b, resolveErr == nil, reason); err != nil {
			v.logger.Error("store validation result",
				zap.Int64("binding_id", b.ID),
				zap.String("channel_ref", b.ChannelRef),
				zap.Error(err),
			)
		}
	}
	return r
}
