// Package retention prunes old terminal task rows from the store on a
// cron schedule. The live queue and non-terminal history are never touched.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultSchedule sweeps every ten minutes.
	DefaultSchedule = "*/10 * * * *"
	// DefaultMaxAge keeps terminal records for a week.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Pruner is the store surface the sweeper drives.
type Pruner interface {
	PruneTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Schedule string
	MaxAge   time.Duration
	Pruner   Pruner
	Logger   *slog.Logger
}

type Sweeper struct {
	schedule cron.Schedule
	maxAge   time.Duration
	pruner   Pruner
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		schedule: schedule,
		maxAge:   maxAge,
		pruner:   cfg.Pruner,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one prune pass. Failures are logged; the schedule goes on.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.maxAge)
	pruned, err := s.pruner.PruneTerminalTasksBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("retention: sweep failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("retention: pruned terminal tasks", "count", pruned, "cutoff", cutoff)
	}
}
