package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/fedrelay/internal/schedule"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Announcer registers one platform with the federation directory.
type Announcer interface {
	Name() string
	Register(ctx context.Context) error
}

// Heartbeat re-registers every platform on a schedule so the directory keeps
// them active and self-heals rooms after a directory restart.
type Heartbeat struct {
	announcers []Announcer
	schedule   string
	timeout    time.Duration
	cron       *cron.Cron
	logger     *zap.Logger
}

// NewHeartbeat creates a heartbeat for the given platforms.
func NewHeartbeat(spec string, timeout time.Duration, announcers []Announcer, logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{
		announcers: announcers,
		schedule:   spec,
		timeout:    timeout,
		cron:       schedule.New(logger),
		logger:     logger,
	}
}

// Start schedules the heartbeat. The first beat runs on the first tick.
func (h *Heartbeat) Start() error {
	if _, err := h.cron.AddFunc(h.schedule, func() { h.Beat(context.Background()) }); err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop waits for a running beat to finish.
func (h *Heartbeat) Stop(ctx context.Context) {
	select {
	case <-h.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Beat registers every platform once and returns how many failed.
func (h *Heartbeat) Beat(ctx context.Context) int {
	failed := 0
	for _, a := range h.announcers {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := a.Register(cctx)
		cancel()
		if err != nil {
			failed++
			h.logger.Warn("directory heartbeat failed", zap.String("peer", a.Name()), zap.Error(err))
		}
	}
	return failed
}
