package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/event"
	"attribution-pipeline/services/queue"
)

type recorder struct {
	mu        sync.Mutex
	persisted []string
	counted   map[string]int
	warmed    []event.TimeRange
	sinkErr   error
}

func (r *recorder) Persist(ctx context.Context, events ...enrichment.Enriched) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sinkErr != nil {
		return r.sinkErr
	}
	for _, e := range events {
		r.persisted = append(r.persisted, e.Event.ID)
	}
	return nil
}

func (r *recorder) Warm(ctx context.Context, visitorID string, tr event.TimeRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warmed = append(r.warmed, tr)
	return nil
}

func (r *recorder) Record(ctx context.Context, at time.Time, channel string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counted == nil {
		r.counted = map[string]int{}
	}
	r.counted[channel]++
	return int64(r.counted[channel]), nil
}

func (r *recorder) snapshot() (persisted []string, counted map[string]int, warmed []event.TimeRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counted = map[string]int{}
	for k, v := range r.counted {
		counted[k] = v
	}
	return append([]string(nil), r.persisted...), counted, append([]event.TimeRange(nil), r.warmed...)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Defaults()
	for _, q := range []*config.QueueConfig{&cfg.Queues.Events, &cfg.Queues.Attribution, &cfg.Queues.Analytics} {
		q.RatePerSecond = 0
		q.BackoffBase = time.Millisecond
		q.BackoffCap = 5 * time.Millisecond
	}
	return cfg
}

func eventJob(t *testing.T, id string, typ event.Type, at time.Time) queue.Job {
	t.Helper()
	payload, err := json.Marshal(enrichment.Enriched{
		Event: event.Event{ID: id, VisitorID: "v-1", SessionID: "s-1", Type: typ, Timestamp: at},
		Touch: enrichment.Touch{Channel: "email"},
	})
	require.NoError(t, err)
	return queue.Job{ID: id, Priority: typ.Priority(), Payload: payload}
}

func startManager(t *testing.T, m *queue.Manager) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
}

func TestEventJobFansOut(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	m := NewManager(cfg, rec, rec, rec, zap.NewNop())
	startManager(t, m)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.Enqueue(context.Background(), queue.Events, eventJob(t, "e-1", event.TypePageView, at)))
	require.NoError(t, m.Enqueue(context.Background(), queue.Events, eventJob(t, "e-2", event.TypeConversion, at.Add(time.Hour))))

	require.Eventually(t, func() bool {
		persisted, counted, warmed := rec.snapshot()
		return len(persisted) == 2 && counted["email"] == 2 && len(warmed) == 1
	}, time.Second, 5*time.Millisecond)

	_, _, warmed := rec.snapshot()
	conv := at.Add(time.Hour)
	require.True(t, warmed[0].Contains(conv))
	require.True(t, warmed[0].From.Equal(conv.Add(-cfg.Attribution.MaxJourneyWindow)))
}

func TestUndecodableEventIsDeadLetteredWithoutRetry(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	var dead []error
	m := NewManager(testConfig(), rec, rec, rec, zap.NewNop(), queue.WithDeadLetter(func(ctx context.Context, job queue.Job, reason error) error {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, reason)
		return nil
	}))
	startManager(t, m)

	require.NoError(t, m.Enqueue(context.Background(), queue.Events, queue.Job{ID: "bad", Payload: []byte("{")}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dead) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.True(t, errutil.Is(dead[0], errutil.KindValidation))
	mu.Unlock()

	q, ok := m.Get(queue.Events)
	require.True(t, ok)
	require.Zero(t, q.Stats().Completed)
}

func TestSinkFailureRetriesThenDeadLetters(t *testing.T) {
	rec := &recorder{sinkErr: errutil.Dependency("persist events", errors.New("connection refused"))}
	var mu sync.Mutex
	var dead []queue.Job
	cfg := testConfig()
	m := NewManager(cfg, rec, rec, rec, zap.NewNop(), queue.WithDeadLetter(func(ctx context.Context, job queue.Job, reason error) error {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, job)
		return nil
	}))
	startManager(t, m)

	require.NoError(t, m.Enqueue(context.Background(), queue.Events, eventJob(t, "e-1", event.TypeClick, time.Now())))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dead) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, cfg.Queues.Events.MaxAttempts, dead[0].Attempts)
	mu.Unlock()

	_, counted, _ := rec.snapshot()
	require.Empty(t, counted)
}
