package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/pkg/kafka"
	"attribution-pipeline/services/breaker"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/event"
	"attribution-pipeline/services/queue"
	"attribution-pipeline/services/testutil"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBroker struct {
	mu        sync.Mutex
	batches   [][]kafka.Message
	pollErr   error
	hbErr     error
	polls     int
	committed []kafka.Message
	rewound   []kafka.Message
	pauses    int
	resumes   int
	lag       map[kafka.TopicPartition]int64
}

func (b *fakeBroker) Poll(ctx context.Context, max int) ([]kafka.Message, error) {
	b.mu.Lock()
	b.polls++
	if b.pollErr != nil {
		err := b.pollErr
		b.mu.Unlock()
		return nil, err
	}
	if len(b.batches) > 0 {
		batch := b.batches[0]
		b.batches = b.batches[1:]
		b.mu.Unlock()
		return batch, nil
	}
	b.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Millisecond):
	}
	return nil, nil
}

func (b *fakeBroker) Commit(ctx context.Context, msgs []kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = append(b.committed, msgs...)
	return nil
}

func (b *fakeBroker) Rewind(ctx context.Context, msgs []kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rewound = append(b.rewound, msgs...)
	return nil
}

func (b *fakeBroker) Heartbeat(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hbErr
}

func (b *fakeBroker) Pause(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pauses++
	return nil
}

func (b *fakeBroker) Resume(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumes++
	return nil
}

func (b *fakeBroker) Lag(ctx context.Context) (map[kafka.TopicPartition]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lag, nil
}

func (b *fakeBroker) snapshot() (committed, rewound []kafka.Message, pauses, resumes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kafka.Message(nil), b.committed...), append([]kafka.Message(nil), b.rewound...), b.pauses, b.resumes
}

type fakeDLQ struct {
	mu      sync.Mutex
	reasons map[int64]string
}

func (d *fakeDLQ) Send(ctx context.Context, msg kafka.Message, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reasons == nil {
		d.reasons = map[int64]string{}
	}
	d.reasons[msg.Offset] = reason
	return nil
}

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reasons)
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []queue.Job
	depth   int
	enqueue func(job queue.Job) error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueue != nil {
		if err := q.enqueue(job); err != nil {
			return err
		}
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

func (q *fakeQueue) setDepth(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.depth = n
}

func (q *fakeQueue) accepted() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...)
}

type staticEnricher struct{}

func (staticEnricher) Resolve(ev event.Event) enrichment.Touch {
	return enrichment.Touch{Channel: "direct"}
}

func message(t *testing.T, partition int32, offset int64, id string, typ event.Type) kafka.Message {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":        id,
		"visitorId": "v-1",
		"sessionId": "s-1",
		"type":      string(typ),
		"timestamp": testNow.Add(-time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	return kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: "touchpoint-events", Partition: partition},
		Offset:         offset,
		Value:          body,
	}
}

func newTestConsumer(b *fakeBroker, dlq *fakeDLQ, q *fakeQueue, cfg Config) *Consumer {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	cfg.BackpressureInterval = 2 * time.Millisecond
	cfg.ReconnectBackoff = time.Millisecond
	return NewConsumer(cfg, b, dlq, q, staticEnricher{}, WithClock(func() time.Time { return testNow }))
}

func runAsync(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestConsumerEnqueuesAndCommits(t *testing.T) {
	b := &fakeBroker{batches: [][]kafka.Message{{
		message(t, 0, 10, "e-1", event.TypePageView),
		message(t, 1, 4, "e-2", event.TypeConversion),
		{TopicPartition: kafka.TopicPartition{Topic: "touchpoint-events", Partition: 0}, Offset: 11, Value: []byte("{not json")},
		message(t, 0, 12, "e-3", event.TypeClick),
	}}}
	dlq := &fakeDLQ{}
	q := &fakeQueue{}
	var observed []int
	var obsMu sync.Mutex
	c := NewConsumer(Config{HeartbeatInterval: time.Hour}, b, dlq, q, staticEnricher{},
		WithClock(func() time.Time { return testNow }),
		WithObserver(BatchObserverFunc(func(size int, d time.Duration) {
			obsMu.Lock()
			defer obsMu.Unlock()
			observed = append(observed, size)
		})),
	)
	cancel, errc := runAsync(t, c)

	require.Eventually(t, func() bool {
		committed, _, _, _ := b.snapshot()
		return len(committed) == 4
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	jobs := q.accepted()
	require.Len(t, jobs, 3)
	ids := map[string]queue.Job{}
	for _, j := range jobs {
		ids[j.ID] = j
	}
	require.Equal(t, event.TypeConversion.Priority(), ids["e-2"].Priority)

	// within a partition jobs keep offset order
	var p0 []string
	for _, j := range jobs {
		if j.ID != "e-2" {
			p0 = append(p0, j.ID)
		}
	}
	require.Equal(t, []string{"e-1", "e-3"}, p0)

	var payload enrichment.Enriched
	require.NoError(t, json.Unmarshal(ids["e-1"].Payload, &payload))
	require.Equal(t, "v-1", payload.Event.VisitorID)
	require.Equal(t, "direct", payload.Touch.Channel)

	require.Equal(t, 1, dlq.count())
	require.Contains(t, dlq.reasons[11], "malformed JSON")

	obsMu.Lock()
	require.Equal(t, []int{4}, observed)
	obsMu.Unlock()
}

type handledEvents struct {
	mu  sync.Mutex
	ids map[string]int
}

func (h *handledEvents) handle(ctx context.Context, job queue.Job) error {
	time.Sleep(3 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ids == nil {
		h.ids = map[string]int{}
	}
	h.ids[job.ID]++
	return nil
}

func (h *handledEvents) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ids)
}

func committedBatch(t *testing.T) []kafka.Message {
	t.Helper()
	batch := make([]kafka.Message, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, message(t, 0, int64(i), fmt.Sprintf("e-%d", i), event.TypePageView))
	}
	return batch
}

func TestCommittedEventsAreHandledAfterShutdown(t *testing.T) {
	b := &fakeBroker{batches: [][]kafka.Message{committedBatch(t)}}
	h := &handledEvents{}
	j := queue.NewGormJournal(testutil.NewTestDB(t, &queue.JournalRecord{}))
	q := queue.New(queue.Config{Name: queue.Events, Concurrency: 1}, h.handle, queue.WithJournal(j))
	require.NoError(t, q.Start(context.Background()))

	c := NewConsumer(Config{HeartbeatInterval: time.Hour}, b, &fakeDLQ{}, q, staticEnricher{},
		WithClock(func() time.Time { return testNow }))
	cancel, errc := runAsync(t, c)
	require.Eventually(t, func() bool {
		committed, _, _, _ := b.snapshot()
		return len(committed) == 5
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, q.Stop(ctx))
	require.Equal(t, 5, h.count())

	pending, err := j.Pending(context.Background(), queue.Events)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCommittedEventsSurviveAnInterruptedShutdown(t *testing.T) {
	b := &fakeBroker{batches: [][]kafka.Message{committedBatch(t)}}
	j := queue.NewGormJournal(testutil.NewTestDB(t, &queue.JournalRecord{}))
	release := make(chan struct{})
	first := queue.New(queue.Config{Name: queue.Events, Concurrency: 1}, func(ctx context.Context, job queue.Job) error {
		<-release
		return errors.New("process exiting")
	}, queue.WithJournal(j))
	require.NoError(t, first.Start(context.Background()))

	c := NewConsumer(Config{HeartbeatInterval: time.Hour}, b, &fakeDLQ{}, first, staticEnricher{},
		WithClock(func() time.Time { return testNow }))
	cancel, errc := runAsync(t, c)
	require.Eventually(t, func() bool {
		committed, _, _, _ := b.snapshot()
		return len(committed) == 5
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	require.Error(t, first.Stop(ctx))
	close(release)
	require.Eventually(t, func() bool { return first.Stats().Active == 0 }, time.Second, time.Millisecond)

	h := &handledEvents{}
	second := queue.New(queue.Config{Name: queue.Events, Concurrency: 1}, h.handle, queue.WithJournal(j))
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(func() { _ = second.Stop(context.Background()) })
	require.Eventually(t, func() bool { return h.count() == 5 }, time.Second, time.Millisecond)
}

func TestConsumerRewindsOnEnqueueFailure(t *testing.T) {
	b := &fakeBroker{batches: [][]kafka.Message{{
		message(t, 0, 1, "e-1", event.TypePageView),
		message(t, 0, 2, "e-2", event.TypePageView),
	}}}
	q := &fakeQueue{enqueue: func(job queue.Job) error {
		if job.ID == "e-2" {
			return errutil.Dependency("queue closed", queue.ErrClosed)
		}
		return nil
	}}
	c := newTestConsumer(b, &fakeDLQ{}, q, Config{})
	cancel, errc := runAsync(t, c)

	require.Eventually(t, func() bool {
		_, rewound, _, _ := b.snapshot()
		return len(rewound) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	committed, _, _, _ := b.snapshot()
	require.Empty(t, committed)
}

func TestConsumerRetriesCapacityInline(t *testing.T) {
	b := &fakeBroker{batches: [][]kafka.Message{{message(t, 0, 1, "e-1", event.TypePageView)}}}
	var mu sync.Mutex
	rejections := 0
	q := &fakeQueue{enqueue: func(job queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		if rejections < 2 {
			rejections++
			return errutil.Capacity("queue full", time.Millisecond)
		}
		return nil
	}}
	c := newTestConsumer(b, &fakeDLQ{}, q, Config{})
	cancel, errc := runAsync(t, c)

	require.Eventually(t, func() bool {
		committed, _, _, _ := b.snapshot()
		return len(committed) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	require.Len(t, q.accepted(), 1)
}

func TestConsumerBackpressure(t *testing.T) {
	b := &fakeBroker{batches: [][]kafka.Message{{message(t, 0, 1, "e-1", event.TypePageView)}}}
	q := &fakeQueue{depth: 10}
	c := newTestConsumer(b, &fakeDLQ{}, q, Config{HighWaterMark: 10})
	cancel, errc := runAsync(t, c)

	require.Eventually(t, c.Paused, time.Second, time.Millisecond)
	_, _, pauses, _ := b.snapshot()
	require.Equal(t, 1, pauses)
	require.Empty(t, q.accepted())

	q.setDepth(9)
	require.Eventually(t, func() bool {
		committed, _, _, resumes := b.snapshot()
		return resumes == 1 && len(committed) == 1
	}, time.Second, 5*time.Millisecond)
	require.False(t, c.Paused())

	cancel()
	require.NoError(t, <-errc)
}

func TestConsumerGivesUpOnUnreachableBroker(t *testing.T) {
	b := &fakeBroker{pollErr: errors.New("all brokers down")}
	c := newTestConsumer(b, &fakeDLQ{}, &fakeQueue{}, Config{ReconnectAttempts: 3})

	err := c.Run(context.Background())
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.KindDependency))
	require.ErrorIs(t, err, ErrBrokerOffline)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.GreaterOrEqual(t, b.polls, 2)
}

func TestConsumerBreakerStopsHammeringBroker(t *testing.T) {
	b := &fakeBroker{pollErr: errors.New("all brokers down")}
	cb := breaker.New(breaker.NameBroker, breaker.Settings{MinRequests: 2, Timeout: time.Hour}, zap.NewNop())
	c := newTestConsumer(b, &fakeDLQ{}, &fakeQueue{}, Config{ReconnectAttempts: 6})
	WithBreaker(cb)(c)

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrBrokerOffline)
	require.Equal(t, breaker.StateOpen, cb.State())

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Equal(t, 2, b.polls)
}

func TestConsumerHeartbeatFailureAbandonsBatch(t *testing.T) {
	b := &fakeBroker{
		batches: [][]kafka.Message{{message(t, 0, 1, "e-1", event.TypePageView)}},
		hbErr:   errors.New("partitions revoked"),
	}
	// queue stays full so the batch is still in flight when the heartbeat fails
	q := &fakeQueue{enqueue: func(queue.Job) error {
		return errutil.Capacity("queue full", time.Millisecond)
	}}
	c := newTestConsumer(b, &fakeDLQ{}, q, Config{HeartbeatInterval: 5 * time.Millisecond})
	cancel, errc := runAsync(t, c)

	require.Eventually(t, func() bool {
		_, rewound, _, _ := b.snapshot()
		return len(rewound) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	committed, _, _, _ := b.snapshot()
	require.Empty(t, committed)
}

func TestGroupByPartitionKeepsOrder(t *testing.T) {
	var msgs []kafka.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs, kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: "t", Partition: int32(i % 2)},
			Offset:         int64(i),
		})
	}
	groups := groupByPartition(msgs)
	require.Len(t, groups, 2)
	for _, g := range groups {
		for i := 1; i < len(g); i++ {
			require.Less(t, g[i-1].Offset, g[i].Offset, fmt.Sprint(g[i].TopicPartition))
		}
	}
}

func TestConsumerLagSnapshot(t *testing.T) {
	tp := kafka.TopicPartition{Topic: "t", Partition: 3}
	b := &fakeBroker{lag: map[kafka.TopicPartition]int64{tp: 42}}
	c := newTestConsumer(b, &fakeDLQ{}, &fakeQueue{}, Config{})

	c.refreshLag(context.Background())
	require.Equal(t, int64(42), c.Lag()[tp])
}
