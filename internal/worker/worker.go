// Package worker implements the generation protocol: each worker pulls
// jobs from the queue and runs claim -> aggregate -> generate -> persist,
// acknowledging every delivery exactly once.
//
// Correctness rests on the idempotency ledger, not on the broker: the
// claim step's conditional write guarantees at most one worker is ever
// generating a given (user, period), and duplicate deliveries resolve to
// silent no-op acknowledgments.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reverie/internal/crypto"
	"github.com/fyrsmithlabs/reverie/internal/generate"
	"github.com/fyrsmithlabs/reverie/internal/journal"
	"github.com/fyrsmithlabs/reverie/internal/monitor"
	"github.com/fyrsmithlabs/reverie/internal/queue"
	"github.com/fyrsmithlabs/reverie/internal/store"
)

// maxBackoffShift caps the exponential retry delay at base * 2^6.
const maxBackoffShift = 6

// consumeRetryDelay paces the consume loop after a broker error so a
// dead connection never hot-spins.
const consumeRetryDelay = time.Second

// Store is the worker's view of the entry store and ledger. Claim
// reports the ledger status the entry held before the claim.
type Store interface {
	ListMemories(ctx context.Context, userID string, start, end time.Time) ([]journal.Memory, error)
	Claim(ctx context.Context, userID string, p journal.Period, workerID string, now time.Time, lease time.Duration) (journal.LedgerStatus, error)
	Release(ctx context.Context, userID string, p journal.Period, workerID string) error
	CompleteReflection(ctx context.Context, userID string, p journal.Period, ciphertext []byte, workerID string, generatedAt time.Time) error
	FailReflection(ctx context.Context, userID string, p journal.Period, workerID string, failedAt time.Time) error
}

// Config holds per-worker settings.
type Config struct {
	// MaxAttempts bounds transient retries per (user, period) job.
	MaxAttempts int
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration
	// ClaimLease is how long a claim stays fresh before another worker may
	// reclaim it.
	ClaimLease time.Duration
}

// Worker processes jobs one at a time.
type Worker struct {
	id      string
	store   Store
	queue   queue.Queue
	gen     generate.Client
	keyring crypto.Keyring
	mon     *monitor.Monitor
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

// New creates a worker.
func New(id string, st Store, q queue.Queue, gen generate.Client, keyring crypto.Keyring, mon *monitor.Monitor, logger *zap.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		store:   st,
		queue:   q,
		gen:     gen,
		keyring: keyring,
		mon:     mon,
		logger:  logger.With(zap.String("worker_id", id)),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run consumes jobs until ctx is cancelled. An in-flight job always
// finishes its claim/ack cycle: processing runs on an uncancellable
// context so shutdown never abandons a fresh claim.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(monitor.WorkerIdle, "")
	for {
		delivery, err := w.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(consumeRetryDelay):
			}
			continue
		}
		w.Process(context.WithoutCancel(ctx), delivery)
		w.setState(monitor.WorkerIdle, "")
	}
}

// Process runs the generation protocol for one delivery. Every path ends
// in exactly one Ack or Nak.
func (w *Worker) Process(ctx context.Context, d queue.Delivery) {
	job := d.Job()
	attempt := d.Attempt()
	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("period", job.Period.String()),
		zap.Int("attempt", attempt))

	if w.mon != nil {
		w.mon.JobsInFlight.Inc()
		defer w.mon.JobsInFlight.Dec()
	}

	// Claim. A conflict means another worker holds a fresh claim or the
	// period is already complete: the duplicate-delivery defense. Ack and
	// walk away without side effects. The prior status is kept so a claim
	// taken out of a dead-lettered entry can be put back on failure.
	w.setState(monitor.WorkerClaiming, job.ID)
	prior, err := w.store.Claim(ctx, job.UserID, job.Period, w.id, w.now(), w.cfg.ClaimLease)
	if err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			log.Debug("claim conflict, acknowledging duplicate delivery")
			w.finish(log, d.Ack(), monitor.OutcomeDuplicate)
			return
		}
		log.Error("claim failed", zap.Error(err))
		w.nak(log, d, attempt)
		return
	}

	// Aggregate.
	memories, err := w.store.ListMemories(ctx, job.UserID, job.Period.Start, job.Period.End)
	if err != nil {
		log.Error("listing memories failed", zap.Error(err))
		w.releaseAndNak(ctx, log, d, job, attempt, prior)
		return
	}

	keeper, err := w.keyring.KeyFor(job.UserID)
	if err != nil {
		log.Error("key lookup failed", zap.Error(err))
		w.releaseAndNak(ctx, log, d, job, attempt, prior)
		return
	}

	// An empty period is a valid, terminal outcome, not a failure.
	if len(memories) == 0 {
		w.completeEmpty(ctx, log, d, job, keeper, prior)
		return
	}

	entries, moods, skipped := w.decrypt(log, keeper, memories)
	if len(entries) == 0 {
		// Nothing in the aggregate could be decrypted. Retrying cannot
		// help; surface the failure.
		log.Error("no memory in period could be decrypted",
			zap.Int("memories", len(memories)), zap.Int("skipped", skipped))
		w.fail(ctx, log, d, job, monitor.OutcomeFailed)
		return
	}

	// Generate. The prompt describes only the entries it carries, so the
	// summary counts the decrypted subset, not the raw rows.
	w.setState(monitor.WorkerGenerating, job.ID)
	prompt := generate.BuildPrompt(job.Period, moods, entries)
	started := w.now()
	text, err := w.gen.Generate(ctx, prompt)
	if w.mon != nil {
		w.mon.GenerationDuration.Observe(w.now().Sub(started).Seconds())
	}
	if err != nil {
		w.handleGenerationError(ctx, log, d, job, attempt, prior, err)
		return
	}

	// Persist: reflection row and ledger transition commit together.
	w.setState(monitor.WorkerPersisting, job.ID)
	ciphertext, err := keeper.Seal([]byte(text))
	if err != nil {
		log.Error("sealing reflection failed", zap.Error(err))
		w.releaseAndNak(ctx, log, d, job, attempt, prior)
		return
	}
	if err := w.store.CompleteReflection(ctx, job.UserID, job.Period, ciphertext, w.id, w.now()); err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			// The lease expired mid-generation and another worker took
			// over. Their result stands; this delivery is a no-op.
			log.Warn("lost claim before commit, acknowledging")
			w.finish(log, d.Ack(), monitor.OutcomeDuplicate)
			return
		}
		log.Error("persisting reflection failed", zap.Error(err))
		w.releaseAndNak(ctx, log, d, job, attempt, prior)
		return
	}

	log.Info("reflection complete", zap.Int("memories", len(entries)), zap.Int("skipped", skipped))
	w.finish(log, d.Ack(), monitor.OutcomeComplete)
}

// decrypt opens each memory, skipping records that fail decryption.
// Decrypt failures are fatal for the record, never retried, and always
// logged with full context. The mood summary covers only the records
// that decrypted.
func (w *Worker) decrypt(log *zap.Logger, keeper *crypto.Keeper, memories []journal.Memory) ([]generate.Entry, journal.MoodSummary, int) {
	entries := make([]generate.Entry, 0, len(memories))
	kept := make([]journal.Memory, 0, len(memories))
	skipped := 0
	for _, m := range memories {
		plaintext, err := keeper.Open(m.Ciphertext)
		if err != nil {
			skipped++
			log.Error("memory decryption failed, skipping record",
				zap.String("memory_id", m.ID),
				zap.Time("memory_created_at", m.CreatedAt),
				zap.Error(err))
			continue
		}
		kept = append(kept, m)
		entries = append(entries, generate.Entry{
			CreatedAt: m.CreatedAt.Format("2006-01-02"),
			Mood:      m.Mood,
			Text:      string(plaintext),
		})
	}
	return entries, journal.SummarizeMoods(kept), skipped
}

// completeEmpty seals the no-activity reflection and commits it.
func (w *Worker) completeEmpty(ctx context.Context, log *zap.Logger, d queue.Delivery, job queue.Job, keeper *crypto.Keeper, prior journal.LedgerStatus) {
	w.setState(monitor.WorkerPersisting, job.ID)
	ciphertext, err := keeper.Seal([]byte(journal.NoActivityText))
	if err != nil {
		log.Error("sealing empty reflection failed", zap.Error(err))
		w.releaseAndNak(ctx, log, d, job, d.Attempt(), prior)
		return
	}
	if err := w.store.CompleteReflection(ctx, job.UserID, job.Period, ciphertext, w.id, w.now()); err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			w.finish(log, d.Ack(), monitor.OutcomeDuplicate)
			return
		}
		log.Error("persisting empty reflection failed", zap.Error(err))
		w.releaseAndNak(ctx, log, d, job, d.Attempt(), prior)
		return
	}
	log.Info("empty period, recorded no-activity reflection")
	w.finish(log, d.Ack(), monitor.OutcomeEmpty)
}

// handleGenerationError applies the retry policy. Transient errors release
// the claim and nak with exponential backoff until maxAttempts, then
// dead-letter. Permanent errors dead-letter immediately.
//
// A claim taken out of a failed entry never re-enters the retry loop:
// dead-letter is terminal, and a straggler job that reclaimed the period
// puts it straight back on any failure. Releasing such a claim to
// unclaimed would let the scheduler re-enqueue a period that already
// exhausted its budget.
func (w *Worker) handleGenerationError(ctx context.Context, log *zap.Logger, d queue.Delivery, job queue.Job, attempt int, prior journal.LedgerStatus, err error) {
	if generate.IsTransient(err) && prior != journal.LedgerFailed && attempt < w.cfg.MaxAttempts {
		delay := w.backoffDelay(attempt)
		log.Warn("transient generation failure, releasing claim for retry",
			zap.Duration("requeue_delay", delay), zap.Error(err))
		if rerr := w.store.Release(ctx, job.UserID, job.Period, w.id); rerr != nil {
			log.Error("releasing claim failed", zap.Error(rerr))
		}
		if w.mon != nil {
			w.mon.JobsTotal.WithLabelValues(monitor.OutcomeRetried).Inc()
		}
		if nerr := d.Nak(delay); nerr != nil {
			log.Error("nak failed", zap.Error(nerr))
		}
		return
	}

	outcome := monitor.OutcomeFailed
	switch {
	case generate.IsTransient(err) && prior == journal.LedgerFailed:
		outcome = monitor.OutcomeDeadLetter
		log.Error("transient failure on a dead-lettered period, keeping it dead-lettered",
			zap.Error(err))
	case generate.IsTransient(err):
		outcome = monitor.OutcomeDeadLetter
		log.Error("retry budget exhausted, dead-lettering period",
			zap.Int("max_attempts", w.cfg.MaxAttempts), zap.Error(err))
	default:
		log.Error("permanent generation failure", zap.Error(err))
	}
	w.fail(ctx, log, d, job, outcome)
}

// fail records a terminal failed reflection and acks the job.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, d queue.Delivery, job queue.Job, outcome string) {
	if err := w.store.FailReflection(ctx, job.UserID, job.Period, w.id, w.now()); err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			w.finish(log, d.Ack(), monitor.OutcomeDuplicate)
			return
		}
		log.Error("recording failed reflection", zap.Error(err))
		w.nak(log, d, d.Attempt())
		return
	}
	w.finish(log, d.Ack(), outcome)
}

// releaseAndNak hands the period back (claim released, job requeued with
// backoff) after an infrastructure error. A claim taken out of a failed
// entry is put back to failed instead: dead-letter stays terminal.
func (w *Worker) releaseAndNak(ctx context.Context, log *zap.Logger, d queue.Delivery, job queue.Job, attempt int, prior journal.LedgerStatus) {
	if prior == journal.LedgerFailed {
		w.fail(ctx, log, d, job, monitor.OutcomeDeadLetter)
		return
	}
	if err := w.store.Release(ctx, job.UserID, job.Period, w.id); err != nil {
		log.Error("releasing claim failed", zap.Error(err))
	}
	w.nak(log, d, attempt)
}

func (w *Worker) nak(log *zap.Logger, d queue.Delivery, attempt int) {
	if w.mon != nil {
		w.mon.JobsTotal.WithLabelValues(monitor.OutcomeRetried).Inc()
	}
	if err := d.Nak(w.backoffDelay(attempt)); err != nil {
		log.Error("nak failed", zap.Error(err))
	}
}

func (w *Worker) finish(log *zap.Logger, ackErr error, outcome string) {
	if ackErr != nil {
		// The broker will redeliver; the ledger makes the redelivery a
		// no-op.
		log.Error("ack failed", zap.Error(ackErr))
	}
	if w.mon != nil {
		w.mon.JobsTotal.WithLabelValues(outcome).Inc()
	}
}

// backoffDelay returns base * 2^(attempt-1), capped.
func (w *Worker) backoffDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return w.cfg.BackoffBase * (1 << shift)
}

func (w *Worker) setState(state monitor.WorkerState, jobID string) {
	if w.mon != nil {
		w.mon.SetWorkerState(w.id, state, jobID)
	}
}

// ID returns the worker's identity as recorded in ledger claims.
func (w *Worker) ID() string { return w.id }
