// Package scheduler enumerates due (user, period) pairs on a fixed tick
// and enqueues one generation job per pair.
//
// The tick interval is a short polling cadence, independent of the
// weekly/monthly length of the periods themselves: each tick only asks
// "has a period boundary been crossed that the ledger does not yet
// cover?". The ledger, not scheduler-local state, is authoritative, so a
// lost publish is simply retried on a later tick.
package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reverie/internal/journal"
	"github.com/fyrsmithlabs/reverie/internal/monitor"
	"github.com/fyrsmithlabs/reverie/internal/queue"
)

// publishMaxTries bounds per-period publish retries within one tick.
const publishMaxTries = 3

// Store is the scheduler's view of the entry store and ledger.
type Store interface {
	ActiveUsers(ctx context.Context) ([]string, error)
	Ledger(ctx context.Context, userID string, p journal.Period) (journal.LedgerEntry, bool, error)
}

// Scheduler is a single periodic actor. It never parallelizes: its work is
// cheap enumeration, and correctness never depends on it firing exactly
// once.
type Scheduler struct {
	store  Store
	queue  queue.Queue
	mon    *monitor.Monitor
	logger *zap.Logger
	tick   time.Duration
	lease  time.Duration
	now    func() time.Time
}

// New creates a scheduler. lease is the claim-lease duration used for the
// staleness check.
func New(store Store, q queue.Queue, mon *monitor.Monitor, logger *zap.Logger, tick, lease time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  store,
		queue:  q,
		mon:    mon,
		logger: logger,
		tick:   tick,
		lease:  lease,
		now:    time.Now,
	}
}

// Run ticks until ctx is cancelled. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("scheduler tick failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick enumerates active users and enqueues one job per due, uncovered
// (user, period) pair. An idle tick is a no-op.
func (s *Scheduler) Tick(ctx context.Context) error {
	users, err := s.store.ActiveUsers(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	for _, userID := range users {
		for _, kind := range journal.Kinds {
			period, err := journal.LastClosed(kind, now)
			if err != nil {
				return err
			}
			if err := s.enqueueIfDue(ctx, userID, period, now); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Not fatal: the ledger still shows the period as due, so
				// a later tick will retry it.
				s.logger.Warn("enqueue failed, will retry next tick",
					zap.String("user_id", userID),
					zap.String("period", period.String()),
					zap.Error(err))
			}
		}
	}
	return nil
}

// enqueueIfDue consults the ledger and publishes at most one job. The
// check is non-blocking: it never takes the claim itself, it only avoids
// obviously redundant publishes. Duplicates that slip through are handled
// by the workers' claim step.
func (s *Scheduler) enqueueIfDue(ctx context.Context, userID string, period journal.Period, now time.Time) error {
	entry, found, err := s.store.Ledger(ctx, userID, period)
	if err != nil {
		return err
	}
	if found && !s.due(entry, now) {
		if s.mon != nil {
			s.mon.SchedulerSkipped.Inc()
		}
		return nil
	}

	job := queue.NewJob(userID, period)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.queue.Publish(ctx, job)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(publishMaxTries))
	if err != nil {
		return err
	}

	if s.mon != nil {
		s.mon.SchedulerEnqueued.Inc()
	}
	s.logger.Info("enqueued reflection job",
		zap.String("job_id", job.ID),
		zap.String("user_id", userID),
		zap.String("period", period.String()))
	return nil
}

// due reports whether an existing ledger entry still needs a job.
// Complete is terminal; failed is dead-lettered and not re-enqueued
// automatically; a claimed entry is only due again once its lease expires.
func (s *Scheduler) due(entry journal.LedgerEntry, now time.Time) bool {
	switch entry.Status {
	case journal.LedgerComplete, journal.LedgerFailed:
		return false
	case journal.LedgerClaimed:
		return entry.Stale(now, s.lease)
	default:
		return true
	}
}
