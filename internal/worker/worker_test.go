package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reverie/internal/crypto"
	"github.com/fyrsmithlabs/reverie/internal/generate"
	"github.com/fyrsmithlabs/reverie/internal/journal"
	"github.com/fyrsmithlabs/reverie/internal/queue"
	"github.com/fyrsmithlabs/reverie/internal/store"
)

// fakeStore implements Store with injectable behavior per method.
type fakeStore struct {
	memories []journal.Memory

	claimPrior  journal.LedgerStatus
	claimErr    error
	listErr     error
	completeErr error
	failErr     error

	claims    int
	releases  int
	completes int
	fails     int

	completedCiphertext []byte
	completedBy         string
}

func (f *fakeStore) ListMemories(ctx context.Context, userID string, start, end time.Time) ([]journal.Memory, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.memories, nil
}

func (f *fakeStore) Claim(ctx context.Context, userID string, p journal.Period, workerID string, now time.Time, lease time.Duration) (journal.LedgerStatus, error) {
	f.claims++
	if f.claimErr != nil {
		return "", f.claimErr
	}
	if f.claimPrior == "" {
		return journal.LedgerUnclaimed, nil
	}
	return f.claimPrior, nil
}

func (f *fakeStore) Release(ctx context.Context, userID string, p journal.Period, workerID string) error {
	f.releases++
	return nil
}

func (f *fakeStore) CompleteReflection(ctx context.Context, userID string, p journal.Period, ciphertext []byte, workerID string, generatedAt time.Time) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completes++
	f.completedCiphertext = ciphertext
	f.completedBy = workerID
	return nil
}

func (f *fakeStore) FailReflection(ctx context.Context, userID string, p journal.Period, workerID string, failedAt time.Time) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.fails++
	return nil
}

// fakeGen implements generate.Client with a canned response or error,
// recording the last prompt it was handed.
type fakeGen struct {
	text   string
	err    error
	calls  int
	prompt string
}

func (f *fakeGen) Generate(ctx context.Context, prompt string) (string, error) {
	f.calls++
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

// fakeDelivery records its acknowledgment outcome.
type fakeDelivery struct {
	job      queue.Job
	attempt  int
	acked    int
	naks     []time.Duration
}

func (d *fakeDelivery) Job() queue.Job { return d.job }
func (d *fakeDelivery) Attempt() int   { return d.attempt }
func (d *fakeDelivery) Ack() error     { d.acked++; return nil }
func (d *fakeDelivery) Nak(delay time.Duration) error {
	d.naks = append(d.naks, delay)
	return nil
}

func testKeeper(t *testing.T) *crypto.Keeper {
	t.Helper()
	encoded, err := crypto.GenerateKey()
	require.NoError(t, err)
	key, err := crypto.ParseKey(encoded)
	require.NoError(t, err)
	k, err := crypto.NewKeeper(key)
	require.NoError(t, err)
	return k
}

func testPeriod() journal.Period {
	return journal.Period{
		Kind:  journal.Weekly,
		Start: time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.August, 17, 0, 0, 0, 0, time.UTC),
	}
}

func sealedMemory(t *testing.T, k *crypto.Keeper, mood, text string, at time.Time) journal.Memory {
	t.Helper()
	ciphertext, err := k.Seal([]byte(text))
	require.NoError(t, err)
	return journal.Memory{ID: "m-" + text, UserID: "alice", Mood: mood, Ciphertext: ciphertext, CreatedAt: at}
}

func newTestWorker(t *testing.T, st *fakeStore, gen *fakeGen, keeper *crypto.Keeper) *Worker {
	t.Helper()
	return New("worker-1", st, nil, gen, crypto.NewStaticKeyring(keeper), nil, nil, Config{
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
		ClaimLease:  5 * time.Minute,
	})
}

func delivery(attempt int) *fakeDelivery {
	return &fakeDelivery{job: queue.NewJob("alice", testPeriod()), attempt: attempt}
}

func TestProcessSuccess(t *testing.T) {
	keeper := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{memories: []journal.Memory{
		sealedMemory(t, keeper, "happy", "good day", p.Start.Add(24*time.Hour)),
		sealedMemory(t, keeper, "anxious", "rough start", p.Start.Add(48*time.Hour)),
	}}
	gen := &fakeGen{text: "It was a mixed week."}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	assert.Equal(t, 1, st.claims)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, 1, st.completes)
	assert.Equal(t, 1, d.acked)
	assert.Empty(t, d.naks)
	assert.Equal(t, "worker-1", st.completedBy)

	// The persisted reflection is the sealed generation output.
	plaintext, err := keeper.Open(st.completedCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "It was a mixed week.", string(plaintext))
}

func TestProcessDuplicateDeliveryIsNoOp(t *testing.T) {
	keeper := testKeeper(t)
	st := &fakeStore{claimErr: store.ErrClaimConflict}
	gen := &fakeGen{text: "never called"}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(2)

	w.Process(context.Background(), d)

	assert.Equal(t, 1, d.acked, "duplicate must be acked away")
	assert.Empty(t, d.naks)
	assert.Zero(t, gen.calls)
	assert.Zero(t, st.completes)
	assert.Zero(t, st.fails)
}

func TestProcessEmptyPeriod(t *testing.T) {
	keeper := testKeeper(t)
	st := &fakeStore{}
	gen := &fakeGen{text: "never called"}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	assert.Zero(t, gen.calls, "empty periods never reach the provider")
	assert.Equal(t, 1, st.completes)
	assert.Equal(t, 1, d.acked)

	plaintext, err := keeper.Open(st.completedCiphertext)
	require.NoError(t, err)
	assert.Equal(t, journal.NoActivityText, string(plaintext))
}

func TestProcessTransientFailureReleasesAndNaks(t *testing.T) {
	keeper := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{memories: []journal.Memory{
		sealedMemory(t, keeper, "happy", "entry", p.Start.Add(time.Hour)),
	}}
	gen := &fakeGen{err: generate.Transient(errors.New("provider timeout"))}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	assert.Equal(t, 1, st.releases, "claim released so the retry can reclaim")
	assert.Zero(t, st.completes)
	assert.Zero(t, st.fails)
	assert.Zero(t, d.acked)
	require.Len(t, d.naks, 1)
	assert.Equal(t, 5*time.Second, d.naks[0], "first retry uses the base delay")
}

func TestProcessBackoffDoubles(t *testing.T) {
	keeper := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{memories: []journal.Memory{
		sealedMemory(t, keeper, "happy", "entry", p.Start.Add(time.Hour)),
	}}
	gen := &fakeGen{err: generate.Transient(errors.New("still down"))}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(2)

	w.Process(context.Background(), d)

	require.Len(t, d.naks, 1)
	assert.Equal(t, 10*time.Second, d.naks[0])
}

func TestProcessRetryExhaustionDeadLetters(t *testing.T) {
	keeper := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{memories: []journal.Memory{
		sealedMemory(t, keeper, "happy", "entry", p.Start.Add(time.Hour)),
	}}
	gen := &fakeGen{err: generate.Transient(errors.New("provider down"))}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(3) // attempt == MaxAttempts

	w.Process(context.Background(), d)

	assert.Equal(t, 1, st.fails, "exhaustion records a failed reflection")
	assert.Zero(t, st.completes)
	assert.Equal(t, 1, d.acked)
	assert.Empty(t, d.naks)
}

func TestProcessPermanentFailureFailsImmediately(t *testing.T) {
	keeper := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{memories: []journal.Memory{
		sealedMemory(t, keeper, "happy", "entry", p.Start.Add(time.Hour)),
	}}
	gen := &fakeGen{err: generate.Permanent(errors.New("content rejected"))}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	assert.Equal(t, 1, st.fails)
	assert.Zero(t, st.releases, "no retry for permanent failures")
	assert.Equal(t, 1, d.acked)
	assert.Empty(t, d.naks)
}

func TestProcessSkipsUndecryptableMemories(t *testing.T) {
	keeper := testKeeper(t)
	other := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{memories: []journal.Memory{
		sealedMemory(t, other, "happy", "wrong key", p.Start.Add(time.Hour)),
		sealedMemory(t, keeper, "calm", "readable", p.Start.Add(2*time.Hour)),
	}}
	gen := &fakeGen{text: "A quiet week."}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	assert.Equal(t, 1, gen.calls, "generation proceeds with the readable subset")
	assert.Equal(t, 1, st.completes)
	assert.Equal(t, 1, d.acked)
}

func TestProcessAllUndecryptableFails(t *testing.T) {
	keeper := testKeeper(t)
	other := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{memories: []journal.Memory{
		sealedMemory(t, other, "happy", "opaque", p.Start.Add(time.Hour)),
	}}
	gen := &fakeGen{text: "never called"}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	assert.Zero(t, gen.calls)
	assert.Equal(t, 1, st.fails, "an undecryptable aggregate can never succeed")
	assert.Equal(t, 1, d.acked)
	assert.Empty(t, d.naks)
}

func TestProcessTransientOnDeadLetteredPeriod(t *testing.T) {
	keeper := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{
		claimPrior: journal.LedgerFailed,
		memories: []journal.Memory{
			sealedMemory(t, keeper, "happy", "entry", p.Start.Add(time.Hour)),
		},
	}
	gen := &fakeGen{err: generate.Transient(errors.New("provider timeout"))}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	// The period already exhausted its budget. A straggler job must put
	// it back to failed, never release it into the scheduler's view.
	assert.Zero(t, st.releases)
	assert.Equal(t, 1, st.fails)
	assert.Equal(t, 1, d.acked)
	assert.Empty(t, d.naks)
}

func TestProcessInfraErrorOnDeadLetteredPeriod(t *testing.T) {
	keeper := testKeeper(t)
	st := &fakeStore{
		claimPrior: journal.LedgerFailed,
		listErr:    errors.New("disk gone"),
	}
	gen := &fakeGen{text: "never called"}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	assert.Zero(t, st.releases)
	assert.Equal(t, 1, st.fails)
	assert.Equal(t, 1, d.acked)
	assert.Empty(t, d.naks)
}

func TestProcessKeepsDeadLetterTerminal(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "reverie.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	p := testPeriod()
	keeper := testKeeper(t)
	now := time.Date(2026, time.August, 19, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateUser(ctx, "alice"))
	_, err = st.AddMemory(ctx, sealedMemory(t, keeper, "happy", "entry", p.Start.Add(time.Hour)))
	require.NoError(t, err)

	// An earlier job exhausted its retries and dead-lettered the period.
	_, err = st.Claim(ctx, "alice", p, "worker-1", now, 5*time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.FailReflection(ctx, "alice", p, "worker-1", now))

	// A straggler duplicate, published before the dead-letter landed,
	// arrives with a fresh broker attempt count against a still-flaky
	// provider.
	gen := &fakeGen{err: generate.Transient(errors.New("provider timeout"))}
	w := New("worker-2", st, nil, gen, crypto.NewStaticKeyring(keeper), nil, nil, Config{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		ClaimLease:  5 * time.Minute,
	})
	d := delivery(1)

	w.Process(ctx, d)

	// The ledger never returns to unclaimed, so the scheduler keeps
	// skipping the period.
	entry, found, err := st.Ledger(ctx, "alice", p)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, journal.LedgerFailed, entry.Status)
	assert.Equal(t, 1, d.acked)
	assert.Empty(t, d.naks)
}

func TestProcessLostLeaseOnCommit(t *testing.T) {
	keeper := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{
		memories: []journal.Memory{
			sealedMemory(t, keeper, "happy", "entry", p.Start.Add(time.Hour)),
		},
		completeErr: store.ErrClaimConflict,
	}
	gen := &fakeGen{text: "stale result"}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	// Another worker committed first; this delivery resolves as a
	// duplicate without overwriting anything.
	assert.Equal(t, 1, d.acked)
	assert.Empty(t, d.naks)
	assert.Zero(t, st.fails)
}

func TestProcessInfrastructureErrorReleasesAndNaks(t *testing.T) {
	keeper := testKeeper(t)
	st := &fakeStore{listErr: errors.New("disk gone")}
	gen := &fakeGen{text: "never called"}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	assert.Equal(t, 1, st.releases)
	assert.Zero(t, d.acked)
	assert.Len(t, d.naks, 1)
	assert.Zero(t, gen.calls)
}

func TestPromptSummarizesOnlyDecryptedEntries(t *testing.T) {
	keeper := testKeeper(t)
	other := testKeeper(t)
	p := testPeriod()
	st := &fakeStore{memories: []journal.Memory{
		sealedMemory(t, other, "sad", "opaque", p.Start.Add(time.Hour)),
		sealedMemory(t, keeper, "happy", "good day", p.Start.Add(2*time.Hour)),
		sealedMemory(t, keeper, "calm", "quiet evening", p.Start.Add(3*time.Hour)),
	}}
	gen := &fakeGen{text: "A calm week."}
	w := newTestWorker(t, st, gen, keeper)
	d := delivery(1)

	w.Process(context.Background(), d)

	// The prompt's entry count and mood distribution cover only the
	// records that decrypted, matching the entries it lists.
	require.Equal(t, 1, gen.calls)
	assert.Contains(t, gen.prompt, "2 entries")
	assert.Contains(t, gen.prompt, "calm: 1, happy: 1")
	assert.NotContains(t, gen.prompt, "sad")
}

// errQueue fails every Consume call, for pacing tests.
type errQueue struct {
	mu    sync.Mutex
	calls int
}

func (q *errQueue) Publish(ctx context.Context, job queue.Job) error { return nil }
func (q *errQueue) Consume(ctx context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	q.calls++
	q.mu.Unlock()
	return nil, errors.New("connection closed")
}
func (q *errQueue) Stats(ctx context.Context) (queue.Stats, error) { return queue.Stats{}, nil }

func TestRunPacesConsumeErrors(t *testing.T) {
	q := &errQueue{}
	w := New("worker-1", &fakeStore{}, q, &fakeGen{}, crypto.NewStaticKeyring(testKeeper(t)), nil, nil, Config{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		ClaimLease:  time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	q.mu.Lock()
	calls := q.calls
	q.mu.Unlock()
	// A dead broker connection is retried on a delay, not in a hot loop.
	assert.LessOrEqual(t, calls, 2)
}

func TestBackoffDelayCaps(t *testing.T) {
	w := newTestWorker(t, &fakeStore{}, &fakeGen{}, testKeeper(t))

	assert.Equal(t, 5*time.Second, w.backoffDelay(0))
	assert.Equal(t, 5*time.Second, w.backoffDelay(1))
	assert.Equal(t, 10*time.Second, w.backoffDelay(2))
	assert.Equal(t, 40*time.Second, w.backoffDelay(4))
	// Capped: attempts beyond the shift limit reuse the max delay.
	assert.Equal(t, 320*time.Second, w.backoffDelay(7))
	assert.Equal(t, 320*time.Second, w.backoffDelay(50))
}

func TestNewPoolAssignsSequentialIdentities(t *testing.T) {
	pool := NewPool(3, &fakeStore{}, nil, &fakeGen{}, crypto.NewStaticKeyring(testKeeper(t)), nil, nil, Config{
		MaxAttempts: 3, BackoffBase: time.Second, ClaimLease: time.Minute,
	})

	require.Len(t, pool.workers, 3)
	assert.Equal(t, "worker-1", pool.workers[0].ID())
	assert.Equal(t, "worker-2", pool.workers[1].ID())
	assert.Equal(t, "worker-3", pool.workers[2].ID())
}
