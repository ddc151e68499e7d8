// Package sweeper is the background job that keeps the ephemeral auth
// records bounded: expired login/connect requests and login codes are
// collected and deleted on a fixed interval. Pure housekeeping -- it never
// blocks or fails an interactive flow; a bad tick is logged and retried on
// the next one.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/koinonia-app/koinonia/internal/plugins/authflow"
	"github.com/koinonia-app/koinonia/internal/plugins/logincode"
)

// Sweeper deletes stale ephemeral auth records on a schedule.
type Sweeper struct {
	requests authflow.Repository
	codes    logincode.Repository

	interval time.Duration

	// completedRetention is how long completed requests are kept past
	// their expiry. Negative means retain indefinitely.
	completedRetention time.Duration
}

// New creates a sweeper over the two ephemeral record stores.
func New(requests authflow.Repository, codes logincode.Repository, interval, completedRetention time.Duration) *Sweeper {
	return &Sweeper{
		requests:           requests,
		codes:              codes,
		interval:           interval,
		completedRetention: completedRetention,
	}
}

// Run ticks until ctx is cancelled. Call in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("completed_retention", s.completedRetention),
	)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		}
	}
}

// Sweep runs one tick: expired login requests, expired connect requests,
// expired login codes, and (when retention is configured) completed
// requests past their grace period. Passes are independent; one failing
// doesn't stop the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	s.sweepRequests(ctx, authflow.FlowLogin, now)
	s.sweepRequests(ctx, authflow.FlowConnect, now)
	s.sweepCodes(ctx, now)

	if s.completedRetention >= 0 {
		s.sweepCompleted(ctx, now.Add(-s.completedRetention))
	}
}

// sweepRequests reaps expired, non-completed requests of one kind.
func (s *Sweeper) sweepRequests(ctx context.Context, kind string, now time.Time) {
	ids, err := s.requests.CollectExpired(ctx, kind, now)
	if err != nil {
		slog.Error("collecting expired requests",
			slog.String("kind", kind),
			slog.Any("error", err),
		)
		return
	}
	if len(ids) == 0 {
		return
	}

	if err := s.requests.DeleteByIDs(ctx, ids); err != nil {
		slog.Error("deleting expired requests",
			slog.String("kind", kind),
			slog.Any("error", err),
		)
		return
	}

	slog.Info("swept expired requests",
		slog.String("kind", kind),
		slog.Int("count", len(ids)),
	)
}

// sweepCompleted reaps completed requests whose expiry passed before cutoff.
func (s *Sweeper) sweepCompleted(ctx context.Context, cutoff time.Time) {
	ids, err := s.requests.CollectCompletedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("collecting completed requests", slog.Any("error", err))
		return
	}
	if len(ids) == 0 {
		return
	}

	if err := s.requests.DeleteByIDs(ctx, ids); err != nil {
		slog.Error("deleting completed requests", slog.Any("error", err))
		return
	}

	slog.Info("swept completed requests", slog.Int("count", len(ids)))
}

// sweepCodes reaps expired login codes.
func (s *Sweeper) sweepCodes(ctx context.Context, now time.Time) {
	userIDs, err := s.codes.CollectExpired(ctx, now)
	if err != nil {
		slog.Error("collecting expired codes", slog.Any("error", err))
		return
	}
	if len(userIDs) == 0 {
		return
	}

	if err := s.codes.DeleteByUserIDs(ctx, userIDs); err != nil {
		slog.Error("deleting expired codes", slog.Any("error", err))
		return
	}

	slog.Info("swept expired codes", slog.Int("count", len(userIDs)))
}
