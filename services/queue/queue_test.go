package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testConfig() Config {
	return Config{
		Name:        "events",
		Concurrency: 1,
		MaxAttempts: 3,
		MaxStalls:   1,
		Timeout:     time.Second,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
}

type deadLetters struct {
	mu   sync.Mutex
	jobs []Job
	errs []error
}

func (d *deadLetters) record(ctx context.Context, job Job, reason error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	d.errs = append(d.errs, reason)
	return nil
}

func (d *deadLetters) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func startQueue(t *testing.T, cfg Config, h Handler, opts ...Option) *Queue {
	t.Helper()
	q := New(cfg, h, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func TestPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var order []string
	q := startQueue(t, testConfig(), func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, job.ID)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, Job{ID: "pageview", Priority: 5}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "conversion-1", Priority: 1}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "click", Priority: 3}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "conversion-2", Priority: 1}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "custom"}))
	require.Equal(t, 5, q.Depth())

	require.NoError(t, q.Start(ctx))
	require.Eventually(t, func() bool { return q.Stats().Completed == 5 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"conversion-1", "conversion-2", "click", "pageview", "custom"}, order)
	require.Zero(t, q.Depth())
}

func TestDuplicateJobIsNoop(t *testing.T) {
	ctx := context.Background()
	var calls int32
	q := startQueue(t, testConfig(), func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1"}))
	require.Equal(t, 1, q.Stats().Waiting)

	require.NoError(t, q.Start(ctx))
	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, time.Second, time.Millisecond)

	// completed jobs are still remembered
	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1"}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	var calls int32
	q := startQueue(t, testConfig(), func(ctx context.Context, job Job) error {
		n := atomic.AddInt32(&calls, 1)
		require.Equal(t, int(n-1), job.Attempts)
		if n < 3 {
			return errors.New("store timeout")
		}
		return nil
	})
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1"}))

	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, time.Second, time.Millisecond)
	s := q.Stats()
	require.Equal(t, int64(2), s.Failed)
	require.Zero(t, s.DeadLettered)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetriesExhaustedDeadLettersOnce(t *testing.T) {
	ctx := context.Background()
	dl := &deadLetters{}
	var mu sync.Mutex
	var attemptsAt []time.Time
	boom := errors.New("broker unavailable")
	cfg := testConfig()
	cfg.MaxAttempts = 4
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = time.Second
	q := startQueue(t, cfg, func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		attemptsAt = append(attemptsAt, time.Now())
		return boom
	}, WithDeadLetter(dl.record))
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1", Payload: []byte(`{}`)}))

	require.Eventually(t, func() bool { return dl.count() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, dl.count())
	require.Equal(t, 4, dl.jobs[0].Attempts)
	require.Equal(t, StateDeadLettered, dl.jobs[0].State)
	require.Equal(t, "broker unavailable", dl.jobs[0].LastError)
	require.ErrorIs(t, dl.errs[0], boom)

	// the wait before retry n is at least base * 2^n
	mu.Lock()
	require.Len(t, attemptsAt, 4)
	for i := 1; i < len(attemptsAt); i++ {
		gap := attemptsAt[i].Sub(attemptsAt[i-1])
		require.GreaterOrEqual(t, gap, Backoff(cfg.BackoffBase, cfg.BackoffCap, i), "retry %d", i)
	}
	mu.Unlock()

	s := q.Stats()
	require.Equal(t, int64(1), s.DeadLettered)
	require.Equal(t, int64(4), s.Failed)
	require.Zero(t, q.Depth())
}

func TestValidationErrorSkipsRetry(t *testing.T) {
	ctx := context.Background()
	dl := &deadLetters{}
	var calls int32
	q := startQueue(t, testConfig(), func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errutil.TemporalOrder("events out of order", nil)
	}, WithDeadLetter(dl.record))
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1"}))

	require.Eventually(t, func() bool { return dl.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Zero(t, dl.jobs[0].Attempts)
	require.Equal(t, errutil.KindTemporalOrder, errutil.KindOf(dl.errs[0]))
}

func TestStalledJobIsCancelledRetriedThenDeadLettered(t *testing.T) {
	ctx := context.Background()
	dl := &deadLetters{}
	var calls, cancelled int32
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxStalls = 1
	q := startQueue(t, cfg, func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		atomic.AddInt32(&cancelled, 1)
		return ctx.Err()
	}, WithDeadLetter(dl.record))
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "slow"}))

	require.Eventually(t, func() bool { return dl.count() == 1 }, 2*time.Second, time.Millisecond)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&cancelled) == 2 }, time.Second, time.Millisecond)

	job := dl.jobs[0]
	require.Equal(t, 2, job.Stalls)
	require.Zero(t, job.Attempts, "stalls are counted apart from attempts")
	require.ErrorIs(t, dl.errs[0], ErrStalled)
	require.Equal(t, int64(2), q.Stats().Stalled)
}

func TestFullQueueReturnsCapacityError(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxDepth = 2
	q := startQueue(t, cfg, func(ctx context.Context, job Job) error { return nil })

	require.NoError(t, q.Enqueue(ctx, Job{ID: "a"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "b"}))
	err := q.Enqueue(ctx, Job{ID: "c"})
	require.True(t, errutil.Is(err, errutil.KindCapacity))
	require.Positive(t, errutil.RetryAfter(err))

	require.True(t, errutil.Is(q.Enqueue(ctx, Job{}), errutil.KindValidation))
}

func TestReplayBypassesIdempotency(t *testing.T) {
	ctx := context.Background()
	dl := &deadLetters{}
	var fail atomic.Bool
	fail.Store(true)
	q := startQueue(t, testConfig(), func(ctx context.Context, job Job) error {
		if fail.Load() {
			return errutil.Validation("bad payload", nil)
		}
		return nil
	}, WithDeadLetter(dl.record))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1"}))
	require.Eventually(t, func() bool { return dl.count() == 1 }, time.Second, time.Millisecond)

	fail.Store(false)
	require.NoError(t, q.Enqueue(ctx, dl.jobs[0]))
	require.NoError(t, q.Replay(ctx, dl.jobs[0]))
	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, time.Second, time.Millisecond)
}

func TestStopRefusesNewJobs(t *testing.T) {
	ctx := context.Background()
	q := New(testConfig(), func(ctx context.Context, job Job) error { return nil })
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Stop(ctx))

	err := q.Enqueue(ctx, Job{ID: "late"})
	require.ErrorIs(t, err, ErrClosed)
	require.True(t, errutil.Is(err, errutil.KindDependency))
}

func TestConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Concurrency = 3
	var running, peak int32
	release := make(chan struct{})
	q := startQueue(t, cfg, func(ctx context.Context, job Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	})
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, q.Enqueue(ctx, Job{ID: id}))
	}
	require.NoError(t, q.Start(ctx))

	require.Eventually(t, func() bool { return q.Stats().Active == 3 }, time.Second, time.Millisecond)
	require.Equal(t, 6, q.Depth())
	close(release)
	require.Eventually(t, func() bool { return q.Stats().Completed == 6 }, time.Second, time.Millisecond)
	require.Equal(t, int32(3), atomic.LoadInt32(&peak))
}

func TestBackoff(t *testing.T) {
	base, ceiling := 500*time.Millisecond, time.Minute
	require.Equal(t, 500*time.Millisecond, Backoff(base, ceiling, 0))
	require.Equal(t, time.Second, Backoff(base, ceiling, 1))
	require.Equal(t, 2*time.Second, Backoff(base, ceiling, 2))
	require.Equal(t, 32*time.Second, Backoff(base, ceiling, 6))
	require.Equal(t, time.Minute, Backoff(base, ceiling, 7))
	require.Equal(t, time.Minute, Backoff(base, ceiling, 200))
}

func TestManagerRoutesByName(t *testing.T) {
	ctx := context.Background()
	events := New(Config{Name: Events}, func(ctx context.Context, job Job) error { return nil })
	analytics := New(Config{Name: Analytics}, func(ctx context.Context, job Job) error { return nil })
	m := NewManager(events, analytics)

	require.NoError(t, m.Enqueue(ctx, Analytics, Job{ID: "a1"}))
	require.Error(t, m.Enqueue(ctx, "missing", Job{ID: "x"}))
	require.Equal(t, 1, m.Stats()[Analytics].Waiting)

	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool { return m.Stats()[Analytics].Completed == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Stop(ctx))
}

func newJournal(t *testing.T) *GormJournal {
	t.Helper()
	return NewGormJournal(testutil.NewTestDB(t, &JournalRecord{}))
}

func journaled(t *testing.T, j Journal) []string {
	t.Helper()
	jobs, err := j.Pending(context.Background(), "events")
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	return ids
}

type failingJournal struct {
	Journal
}

func (failingJournal) Save(ctx context.Context, job Job) error {
	return errutil.Dependency("journal job", errors.New("database is locked"))
}

func TestStopDrainsWaitingAndBackingOffJobs(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	handled := map[string]int{}
	cfg := testConfig()
	cfg.BackoffBase = time.Minute
	cfg.BackoffCap = time.Minute
	q := New(cfg, func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		handled[job.ID]++
		time.Sleep(2 * time.Millisecond)
		if job.ID == "flaky" && handled[job.ID] == 1 {
			return errors.New("store timeout")
		}
		return nil
	})
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "flaky", Priority: 1}))
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, q.Enqueue(ctx, Job{ID: id}))
	}
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.delayed == 1
	}, time.Second, time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(stopCtx))

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.Equal(t, 1, handled[id], id)
	}
	require.Equal(t, 2, handled["flaky"], "the minute-long backoff is cut short by the drain")
	require.Zero(t, q.Depth())
}

func TestJournalKeepsJobsUntilTheyFinish(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)
	release := make(chan struct{})
	q := New(testConfig(), func(ctx context.Context, job Job) error {
		<-release
		return nil
	}, WithJournal(j))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1", Payload: []byte(`{"id":"e1"}`)}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "e2"}))
	require.ElementsMatch(t, []string{"e1", "e2"}, journaled(t, j))

	close(release)
	require.Eventually(t, func() bool { return q.Stats().Completed == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(journaled(t, j)) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Stop(ctx))
}

func TestUnfinishedJobsResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)
	block := make(chan struct{})
	first := New(testConfig(), func(ctx context.Context, job Job) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return errors.New("shutting down")
	}, WithJournal(j))
	require.NoError(t, first.Start(ctx))
	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, first.Enqueue(ctx, Job{ID: id, Payload: []byte(id)}))
	}
	require.Eventually(t, func() bool { return first.Stats().Active == 1 }, time.Second, time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, first.Stop(stopCtx), context.DeadlineExceeded)
	close(block)
	require.Eventually(t, func() bool { return first.Stats().Active == 0 }, time.Second, time.Millisecond)
	require.ElementsMatch(t, []string{"e1", "e2", "e3"}, journaled(t, j))

	var mu sync.Mutex
	var payloads []string
	second := New(testConfig(), func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, string(job.Payload))
		return nil
	}, WithJournal(j))
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Stop(context.Background()) })

	require.Eventually(t, func() bool { return second.Stats().Completed == 3 }, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"e1", "e2", "e3"}, payloads)
	mu.Unlock()
	require.Eventually(t, func() bool { return len(journaled(t, j)) == 0 }, time.Second, time.Millisecond)
}

func TestEnqueueFailsWhenJournalIsDown(t *testing.T) {
	ctx := context.Background()
	q := startQueue(t, testConfig(), func(ctx context.Context, job Job) error { return nil },
		WithJournal(failingJournal{}))

	err := q.Enqueue(ctx, Job{ID: "e1"})
	require.True(t, errutil.Is(err, errutil.KindDependency))
	require.Zero(t, q.Depth())

	// the failed attempt does not burn the idempotency key
	q.journal = nil
	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1"}))
	require.Equal(t, 1, q.Depth())
}

func TestUnarchivedDeadLetterStaysJournaled(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)
	var calls int32
	q := startQueue(t, testConfig(), func(ctx context.Context, job Job) error {
		return errutil.Validation("bad payload", nil)
	}, WithJournal(j), WithDeadLetter(func(ctx context.Context, job Job, reason error) error {
		atomic.AddInt32(&calls, 1)
		return errutil.Dependency("archive dead letter", errors.New("connection refused"))
	}))
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "e1"}))

	require.Eventually(t, func() bool { return q.Stats().DeadLettered == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return q.Depth() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, []string{"e1"}, journaled(t, j))
}
