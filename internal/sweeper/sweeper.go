// Package sweeper runs the periodic maintenance loops: the session store
// sweep that removes expired sessions and elapsed lockouts, and the daily
// audit retention prune.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SessionCleaner is the session store sweep hook.
type SessionCleaner interface {
	Cleanup() (sessions, lockouts int)
}

// AuditPruner removes audit records older than the retention cutoff.
type AuditPruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Sweeper owns the maintenance loop. The session sweep runs on a fixed
// interval; the audit prune runs on a cron schedule.
type Sweeper struct {
	store     SessionCleaner
	pruner    AuditPruner // nil disables pruning
	interval  time.Duration
	retention time.Duration
	schedule  cron.Schedule
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a sweeper. pruner may be nil when no durable audit sink is
// configured; pruneExpr is a standard 5-field cron expression.
func New(store SessionCleaner, pruner AuditPruner, interval, retention time.Duration, pruneExpr string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweeper: interval must be positive")
	}
	schedule, err := cron.ParseStandard(pruneExpr)
	if err != nil {
		return nil, fmt.Errorf("sweeper: invalid prune schedule %q: %w", pruneExpr, err)
	}
	return &Sweeper{
		store:     store,
		pruner:    pruner,
		interval:  interval,
		retention: retention,
		schedule:  schedule,
		logger:    logger.With("component", "sweeper"),
		now:       time.Now,
	}, nil
}

// Run blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	nextPrune := s.schedule.Next(s.now())
	s.logger.Info("sweeper started", "interval", s.interval, "next_prune", nextPrune.Format(time.RFC3339))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweepOnce()
			if now := s.now(); s.pruner != nil && !now.Before(nextPrune) {
				s.pruneOnce(ctx)
				nextPrune = s.schedule.Next(now)
			}
		}
	}
}

func (s *Sweeper) sweepOnce() {
	sessions, lockouts := s.store.Cleanup()
	if sessions > 0 || lockouts > 0 {
		s.logger.Info("sweep removed entries", "sessions", sessions, "lockouts", lockouts)
	}
}

func (s *Sweeper) pruneOnce(ctx context.Context) {
	cutoff := s.now().Add(-s.retention)
	removed, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("audit prune failed", "error", err)
		return
	}
	s.logger.Info("audit prune complete", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
}
