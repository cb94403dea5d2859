// Package queue is a priority job queue with per-queue worker pools, rate
// limiting, retry with exponential backoff, stall detection and
// dead-lettering. Scheduling happens in process; an optional Journal keeps
// accepted jobs durable until they finish.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/pkg/metrics"
)

// Handler processes one job. The context is cancelled when the job's
// timeout elapses.
type Handler func(ctx context.Context, job Job) error

// DeadLetterFunc is called exactly once for every job that is given up on.
// When it fails the job stays in the journal and runs again after a restart.
type DeadLetterFunc func(ctx context.Context, job Job, reason error) error

const journalTimeout = 5 * time.Second

type Option func(*Queue)

func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(q *Queue) { q.onDead = fn }
}

func WithRecorder(r *metrics.Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithJournal persists every accepted job before Enqueue returns and
// recovers unfinished ones on Start.
func WithJournal(j Journal) Option {
	return func(q *Queue) { q.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

type Queue struct {
	cfg      Config
	handler  Handler
	onDead   DeadLetterFunc
	journal  Journal
	limiter  *rate.Limiter
	recorder *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	pending  jobHeap
	seq      uint64
	seen     map[string]time.Time
	active   int
	delayed  int
	reserved int
	timers   map[*time.Timer]*Job
	stats    Stats
	started  bool
	closed   bool
	wake     chan struct{}
	stop     context.CancelFunc
	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

func New(cfg Config, handler Handler, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:     cfg,
		handler: handler,
		logger:  zap.NewNop(),
		now:     time.Now,
		seen:    make(map[string]time.Time),
		timers:  make(map[*time.Timer]*Job),
		wake:    make(chan struct{}, 1),
	}
	if cfg.RatePerSecond > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency)
	} else {
		q.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(zap.String("component", "queue"), zap.String("queue", cfg.Name))
	return q
}

func (q *Queue) Name() string { return q.cfg.Name }

// Enqueue adds job without blocking on workers. With a journal the job is
// stored before Enqueue returns, so a nil error means it survives a restart.
// A job whose ID was seen within the idempotency TTL is dropped silently.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errutil.Validation("job id is required", nil)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errutil.Dependency(fmt.Sprintf("queue %s is closed", q.cfg.Name), ErrClosed)
	}
	now := q.now()
	if exp, ok := q.seen[job.ID]; ok && now.Before(exp) {
		q.mu.Unlock()
		q.logger.Debug("duplicate job ignored", zap.String("job_id", job.ID))
		return nil
	}
	if depth := q.depthLocked(); depth >= q.cfg.MaxDepth {
		q.mu.Unlock()
		return errutil.Capacity(fmt.Sprintf("queue %s is full", q.cfg.Name), q.cfg.BackoffBase,
			errutil.WithDetails(errutil.Detail{Field: "depth", Message: fmt.Sprint(depth)}))
	}
	j := q.prepare(job, now)
	q.seen[j.ID] = now.Add(q.cfg.IdempotencyTTL)
	q.reserved++
	q.mu.Unlock()

	if q.journal != nil {
		if err := q.journal.Save(ctx, j); err != nil {
			q.mu.Lock()
			q.reserved--
			delete(q.seen, j.ID)
			q.mu.Unlock()
			return errutil.Dependency(fmt.Sprintf("queue %s could not journal job", q.cfg.Name), err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserved--
	if q.closed {
		if q.journal != nil {
			// picked up by the next Start
			return nil
		}
		delete(q.seen, j.ID)
		return errutil.Dependency(fmt.Sprintf("queue %s is closed", q.cfg.Name), ErrClosed)
	}
	q.pushLocked(&j)
	return nil
}

func (q *Queue) prepare(job Job, now time.Time) Job {
	j := job
	j.Queue = q.cfg.Name
	j.State = StateWaiting
	j.Attempts, j.Stalls = 0, 0
	j.LastError = ""
	j.EnqueuedAt = now
	if j.Priority <= 0 {
		j.Priority = DefaultPriority
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.cfg.MaxAttempts
	}
	if j.Timeout <= 0 {
		j.Timeout = q.cfg.Timeout
	}
	return j
}

// Replay enqueues a previously dead-lettered job again with fresh counters,
// bypassing the idempotency window.
func (q *Queue) Replay(ctx context.Context, job Job) error {
	q.mu.Lock()
	delete(q.seen, job.ID)
	q.mu.Unlock()
	return q.Enqueue(ctx, job)
}

func (q *Queue) pushLocked(j *Job) {
	q.seq++
	heap.Push(&q.pending, item{job: j, seq: q.seq})
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth counts waiting (including backing-off and being journaled) and
// active jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	return q.pending.Len() + q.delayed + q.active + q.reserved
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Waiting = q.pending.Len() + q.delayed
	s.Active = q.active
	return s
}

// Start requeues the jobs left in the journal by an earlier run and
// launches the worker pool. It returns once workers are running.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		return nil
	}

	var recovered []Job
	if q.journal != nil {
		jobs, err := q.journal.Pending(ctx, q.cfg.Name)
		if err != nil {
			return errutil.Dependency(fmt.Sprintf("recover queue %s", q.cfg.Name), err)
		}
		recovered = jobs
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	q.started = true

	now := q.now()
	requeued := 0
	for i := range recovered {
		j := recovered[i]
		if exp, ok := q.seen[j.ID]; ok && now.Before(exp) {
			continue
		}
		j.Queue = q.cfg.Name
		j.State = StateWaiting
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = q.cfg.MaxAttempts
		}
		if j.Timeout <= 0 {
			j.Timeout = q.cfg.Timeout
		}
		q.seen[j.ID] = now.Add(q.cfg.IdempotencyTTL)
		q.pushLocked(&j)
		requeued++
	}

	ctx, q.stop = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.workers.Add(1)
		go q.work(ctx)
	}
	q.workers.Add(1)
	go q.sweep(ctx)
	q.logger.Info("queue started",
		zap.Int("concurrency", q.cfg.Concurrency),
		zap.Float64("rate_per_second", q.cfg.RatePerSecond),
		zap.Int("recovered", requeued),
	)
	return nil
}

// Stop refuses new jobs and drains the backlog: backing-off jobs are
// released at once and workers keep running until nothing is waiting or
// active, or ctx ends. Jobs that fail during the drain, and whatever is left
// when ctx ends, stay in the journal for the next Start.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for t, job := range q.timers {
		// a timer that already fired is blocked on mu and requeues its job itself
		if t.Stop() {
			delete(q.timers, t)
			q.delayed--
			job.State = StateWaiting
			q.pushLocked(job)
		}
	}
	stop := q.stop
	q.mu.Unlock()

	if stop == nil {
		q.logLeftover()
		return nil
	}

	drainErr := q.drain(ctx)
	stop()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		q.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	q.logLeftover()
	if drainErr != nil {
		return drainErr
	}
	return err
}

// drain waits until no job is waiting, backing off or active.
func (q *Queue) drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		idle := q.pending.Len()+q.delayed+q.active == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) logLeftover() {
	q.mu.Lock()
	left := q.pending.Len() + q.delayed
	q.mu.Unlock()
	if left == 0 {
		return
	}
	if q.journal != nil {
		q.logger.Warn("queue stopped with waiting jobs; they resume on next start", zap.Int("waiting", left))
		return
	}
	q.logger.Error("queue stopped with waiting jobs and no journal; jobs dropped", zap.Int("dropped", left))
}

func (q *Queue) work(ctx context.Context) {
	defer q.workers.Done()
	for {
		job, ok := q.next(ctx)
		if !ok {
			return
		}
		if err := q.limiter.Wait(ctx); err != nil {
			q.mu.Lock()
			q.active--
			q.mu.Unlock()
			return
		}
		q.run(job)
	}
}

// next blocks until a job is available and marks it active.
func (q *Queue) next(ctx context.Context) (*Job, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		q.mu.Lock()
		if q.pending.Len() > 0 {
			it := heap.Pop(&q.pending).(item)
			it.job.State = StateActive
			q.active++
			if q.pending.Len() > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return it.job, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

func (q *Queue) run(job *Job) {
	q.inflight.Add(1)
	defer q.inflight.Done()

	jobCtx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- q.handler(jobCtx, *job)
	}()

	select {
	case err := <-done:
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			q.stalled(job, time.Since(start))
			return
		}
		q.finish(job, err, time.Since(start))
	case <-jobCtx.Done():
		// the handler goroutine sees the cancelled context; its result is discarded
		q.stalled(job, time.Since(start))
	}
}

func (q *Queue) finish(job *Job, err error, took time.Duration) {
	ctx := context.Background()
	if err == nil {
		q.forget(job)
		q.mu.Lock()
		job.State = StateCompleted
		q.active--
		q.stats.Completed++
		q.mu.Unlock()
		q.recorder.JobProcessed(ctx, q.cfg.Name, "completed", took)
		return
	}

	q.mu.Lock()
	job.LastError = err.Error()
	q.stats.Failed++
	q.mu.Unlock()
	q.recorder.JobProcessed(ctx, q.cfg.Name, "failed", took)

	if !errutil.IsRetryable(err) {
		q.logger.Warn("job failed permanently",
			zap.String("job_id", job.ID),
			zap.String("kind", string(errutil.KindOf(err))),
			zap.Error(err),
		)
		q.deadLetter(job, err)
		return
	}

	q.mu.Lock()
	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		q.mu.Unlock()
		q.logger.Warn("job exhausted retries",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		q.deadLetter(job, err)
		return
	}
	job.State = StateFailed
	q.active--
	if q.closed {
		q.mu.Unlock()
		q.logger.Info("job failed while draining; retry deferred to next start",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		return
	}
	delay := Backoff(q.cfg.BackoffBase, q.cfg.BackoffCap, job.Attempts)
	if ra := errutil.RetryAfter(err); ra > delay {
		delay = ra
	}
	q.retryLocked(job, delay)
	q.mu.Unlock()

	q.logger.Debug("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
}

func (q *Queue) stalled(job *Job, took time.Duration) {
	q.recorder.JobProcessed(context.Background(), q.cfg.Name, "stalled", took)

	q.mu.Lock()
	job.Stalls++
	job.State = StateStalled
	job.LastError = ErrStalled.Error()
	q.stats.Stalled++
	if job.Stalls > q.cfg.MaxStalls {
		q.mu.Unlock()
		q.logger.Warn("job stalled too often",
			zap.String("job_id", job.ID),
			zap.Int("stalls", job.Stalls),
			zap.Duration("timeout", job.Timeout),
		)
		q.deadLetter(job, errutil.Dependency("job stalled", ErrStalled))
		return
	}
	q.active--
	job.State = StateWaiting
	if !q.closed {
		q.pushLocked(job)
	}
	q.mu.Unlock()
}

// retryLocked parks job for delay before putting it back on the heap.
func (q *Queue) retryLocked(job *Job, delay time.Duration) {
	q.delayed++
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.timers[t]; !ok {
			return
		}
		delete(q.timers, t)
		q.delayed--
		job.State = StateWaiting
		q.pushLocked(job)
	})
	q.timers[t] = job
}

func (q *Queue) deadLetter(job *Job, reason error) {
	q.mu.Lock()
	if job.State == StateDeadLettered {
		q.mu.Unlock()
		return
	}
	job.State = StateDeadLettered
	q.stats.DeadLettered++
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
	}()

	q.recorder.DeadLettered(context.Background(), "queue:"+q.cfg.Name, string(errutil.KindOf(reason)))
	if q.onDead != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := q.onDead(ctx, *job, reason)
		cancel()
		if err != nil {
			q.logger.Error("dead letter not archived; job kept in journal",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			return
		}
	}
	q.forget(job)
}

// forget removes a finished job from the journal. A failure only means the
// job runs once more after a restart.
func (q *Queue) forget(job *Job) {
	if q.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := q.journal.Delete(ctx, q.cfg.Name, job.ID); err != nil {
		q.logger.Warn("finished job not removed from journal",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// sweep forgets idempotency keys once their TTL passes.
func (q *Queue) sweep(ctx context.Context) {
	defer q.workers.Done()
	interval := q.cfg.IdempotencyTTL / 10
	if interval > time.Minute || interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			now := q.now()
			for id, exp := range q.seen {
				if !now.Before(exp) {
					delete(q.seen, id)
				}
			}
			q.mu.Unlock()
		}
	}
}
