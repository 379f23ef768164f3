// Package schedule hosts the cron runner shared by background jobs.
package schedule

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Parser accepts standard 5-field, 6-field (with seconds) and @every/@hourly descriptors.
var Parser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Validate reports whether spec parses.
func Validate(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// New returns a cron runner that logs through zap and never overlaps a job with itself.
func New(logger *zap.Logger) *cron.Cron {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := cronLogger{logger.Sugar()}
	return cron.New(
		cron.WithParser(Parser),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
