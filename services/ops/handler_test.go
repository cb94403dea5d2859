package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/db/pagination"
	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/pkg/kafka"
	"attribution-pipeline/pkg/middleware"
	"attribution-pipeline/services/deadletter"
	"attribution-pipeline/services/queue"
)

type stubQueues map[string]queue.Stats

func (s stubQueues) Stats() map[string]queue.Stats { return s }

type stubLag struct {
	lag    map[kafka.TopicPartition]int64
	paused bool
}

func (s stubLag) Lag() map[kafka.TopicPartition]int64 { return s.lag }
func (s stubLag) Paused() bool                         { return s.paused }

type stubCounter struct {
	day    time.Time
	counts map[string]int64
	err    error
}

func (s *stubCounter) ChannelCounts(_ context.Context, day time.Time) (map[string]int64, error) {
	s.day = day
	return s.counts, s.err
}

type stubDeadLetters struct {
	recs     []deadletter.Record
	replayed []string
	page     pagination.Pagination
}

func (s *stubDeadLetters) Page(_ context.Context, queueName string, status deadletter.Status, page pagination.Pagination) ([]deadletter.Record, pagination.PageInfo, error) {
	s.page = page
	return s.recs, pagination.PageInfo{HasMore: true, NextCursor: "next"}, nil
}

func (s *stubDeadLetters) RequestReplay(_ context.Context, queueName, jobID string) error {
	for _, r := range s.recs {
		if r.Queue == queueName && r.JobID == jobID {
			s.replayed = append(s.replayed, queueName+"/"+jobID)
			return nil
		}
	}
	return deadletter.ErrNotFound
}

func serve(t *testing.T, h *Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(middleware.Error())
	h.Register(e.Group("/ops"))

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func newHandler() *Handler {
	return &Handler{
		now:    func() time.Time { return time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC) },
		logger: zap.NewNop(),
	}
}

func TestQueuesAndMissingComponent(t *testing.T) {
	h := newHandler()
	w := serve(t, h, http.MethodGet, "/ops/queues")
	require.Equal(t, http.StatusNotImplemented, w.Code)

	h.queues = stubQueues{queue.Events: {Waiting: 4}}
	w = serve(t, h, http.MethodGet, "/ops/queues")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"waiting":4`)
}

func TestConsumerLagSortedWithTotal(t *testing.T) {
	h := newHandler()
	h.lag = stubLag{lag: map[kafka.TopicPartition]int64{
		{Topic: "events", Partition: 1}: 5,
		{Topic: "events", Partition: 0}: 2,
	}, paused: true}

	w := serve(t, h, http.MethodGet, "/ops/consumer/lag")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Paused     bool           `json:"paused"`
		Total      int64          `json:"total"`
		Partitions []partitionLag `json:"partitions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Paused)
	require.Equal(t, int64(7), body.Total)
	require.Equal(t, int32(0), body.Partitions[0].Partition)
}

func TestChannelsDefaultsToToday(t *testing.T) {
	h := newHandler()
	counter := &stubCounter{counts: map[string]int64{"organic": 3}}
	h.analytics = counter

	w := serve(t, h, http.MethodGet, "/ops/analytics/channels")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "2025-03-02", counter.day.Format(dayLayout))
	require.Contains(t, w.Body.String(), `"organic":3`)

	w = serve(t, h, http.MethodGet, "/ops/analytics/channels?day=2025-02-30x")
	require.Equal(t, http.StatusBadRequest, w.Code)

	counter.err = errutil.Dependency("store down", errors.New("dial tcp"))
	w = serve(t, h, http.MethodGet, "/ops/analytics/channels?day=2025-02-28")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotContains(t, w.Body.String(), "dial tcp")
}

func TestDeadLetterListAndReplay(t *testing.T) {
	h := newHandler()
	dl := &stubDeadLetters{recs: []deadletter.Record{{
		Queue:  queue.Attribution,
		JobID:  "evt-9",
		Kind:   "dependency",
		Status: deadletter.StatusArchived,
	}}}
	h.deadLetters = dl

	w := serve(t, h, http.MethodGet, "/ops/deadletters?limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"job_id":"evt-9"`)
	require.Contains(t, w.Body.String(), `"next_cursor":"next"`)
	require.Equal(t, 10, dl.page.Limit)

	w = serve(t, h, http.MethodGet, "/ops/deadletters?limit=-1")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, h, http.MethodPost, "/ops/deadletters/"+queue.Attribution+"/evt-9/replay")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, []string{queue.Attribution + "/evt-9"}, dl.replayed)

	w = serve(t, h, http.MethodPost, "/ops/deadletters/"+queue.Attribution+"/missing/replay")
	require.Equal(t, http.StatusNotFound, w.Code)
}
