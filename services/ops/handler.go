// Package ops serves the operator endpoints: queue depth, breaker state,
// consumer lag, channel counts and dead-letter replay.
package ops

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/db/pagination"
	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/pkg/kafka"
	"attribution-pipeline/services/deadletter"
	"attribution-pipeline/services/queue"
)

const dayLayout = "2006-01-02"

type QueueStats interface {
	Stats() map[string]queue.Stats
}

type BreakerStates interface {
	States() map[string]string
}

type LagReporter interface {
	Lag() map[kafka.TopicPartition]int64
	Paused() bool
}

type ChannelCounter interface {
	ChannelCounts(ctx context.Context, day time.Time) (map[string]int64, error)
}

type DeadLetters interface {
	Page(ctx context.Context, queueName string, status deadletter.Status, page pagination.Pagination) ([]deadletter.Record, pagination.PageInfo, error)
	RequestReplay(ctx context.Context, queueName, jobID string) error
}

// Handler holds the optional collaborators; a missing one answers 501.
type Handler struct {
	queues      QueueStats
	breakers    BreakerStates
	lag         LagReporter
	analytics   ChannelCounter
	deadLetters DeadLetters
	now         func() time.Time
	logger      *zap.Logger
}

type partitionLag struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Lag       int64  `json:"lag"`
}

type deadLetterView struct {
	Queue       string     `json:"queue"`
	JobID       string     `json:"job_id"`
	Kind        string     `json:"kind"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	ReplayCount int        `json:"replay_count"`
	ReplayedAt  *time.Time `json:"replayed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

var errUnavailable = errutil.New(errutil.StatusNotImplemented, "component not running in this process")

func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/queues", h.Queues)
	g.GET("/breakers", h.Breakers)
	g.GET("/consumer/lag", h.ConsumerLag)
	g.GET("/analytics/channels", h.Channels)
	g.GET("/deadletters", h.ListDeadLetters)
	g.POST("/deadletters/:queue/:job/replay", h.Replay)
}

func (h *Handler) Queues(c *gin.Context) {
	if h.queues == nil {
		_ = c.Error(errUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": h.queues.Stats()})
}

func (h *Handler) Breakers(c *gin.Context) {
	if h.breakers == nil {
		_ = c.Error(errUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.States()})
}

func (h *Handler) ConsumerLag(c *gin.Context) {
	if h.lag == nil {
		_ = c.Error(errUnavailable)
		return
	}
	snapshot := h.lag.Lag()
	out := make([]partitionLag, 0, len(snapshot))
	var total int64
	for tp, lag := range snapshot {
		out = append(out, partitionLag{Topic: tp.Topic, Partition: tp.Partition, Lag: lag})
		total += lag
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	c.JSON(http.StatusOK, gin.H{
		"paused":     h.lag.Paused(),
		"total":      total,
		"partitions": out,
	})
}

// Channels reports per-channel event counts for ?day=YYYY-MM-DD, today (UTC)
// by default.
func (h *Handler) Channels(c *gin.Context) {
	if h.analytics == nil {
		_ = c.Error(errUnavailable)
		return
	}
	day := h.now().UTC()
	if raw := c.Query("day"); raw != "" {
		parsed, err := time.Parse(dayLayout, raw)
		if err != nil {
			_ = c.Error(errutil.Validation("invalid day", err,
				errutil.WithDetails(errutil.Detail{Field: "day", Message: "expected YYYY-MM-DD"})))
			return
		}
		day = parsed
	}

	counts, err := h.analytics.ChannelCounts(c.Request.Context(), day)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day.Format(dayLayout), "channels": counts})
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	if h.deadLetters == nil {
		_ = c.Error(errUnavailable)
		return
	}
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.Validation("invalid paging", err,
			errutil.WithDetails(errutil.Detail{Field: "limit", Message: "must be a positive integer"})))
		return
	}

	recs, info, err := h.deadLetters.Page(c.Request.Context(), c.Query("queue"), deadletter.Status(c.Query("status")), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	out := make([]deadLetterView, 0, len(recs))
	for _, r := range recs {
		out = append(out, deadLetterView{
			Queue:       r.Queue,
			JobID:       r.JobID,
			Kind:        r.Kind,
			Reason:      r.Reason,
			Status:      string(r.Status),
			Attempts:    r.Attempts,
			ReplayCount: r.ReplayCount,
			ReplayedAt:  r.ReplayedAt,
			CreatedAt:   r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": out, "page_info": info})
}

func (h *Handler) Replay(c *gin.Context) {
	if h.deadLetters == nil {
		_ = c.Error(errUnavailable)
		return
	}
	queueName, jobID := c.Param("queue"), c.Param("job")
	err := h.deadLetters.RequestReplay(c.Request.Context(), queueName, jobID)
	if errors.Is(err, deadletter.ErrNotFound) {
		_ = c.Error(errutil.NotFound("dead letter not found", err))
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Info("dead letter replay requested",
		zap.String("queue", queueName),
		zap.String("job_id", jobID),
	)
	c.JSON(http.StatusAccepted, gin.H{"queue": queueName, "job_id": jobID, "status": deadletter.StatusReplayRequested})
}
