// Package deadletter archives jobs that exhausted their retries and
// replays them on request.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/apimachinery/pkg/util/wait"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/db/pagination"
	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/pkg/gen"
	"attribution-pipeline/pkg/rediskey"
	"attribution-pipeline/pkg/task"
	"attribution-pipeline/pkg/taskname"
	"attribution-pipeline/services/queue"
)

var ErrNotFound = errors.New("dead letter not found")

// Replayer puts a job back on a live queue.
type Replayer interface {
	Replay(ctx context.Context, queueName string, job queue.Job) error
}

type Service struct {
	db        *gorm.DB
	node      *gen.SnowflakeNode
	asynq     task.Enqueuer
	retention time.Duration
	maxRetry  int
	now       func() time.Time
	logger    *zap.Logger

	// paces archive attempts made for a failing queue job
	archiveBackoff wait.Backoff
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Node   *gen.SnowflakeNode
	Config *config.Config
	Asynq  task.Enqueuer `optional:"true"`
	Logger *zap.Logger
}

func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        p.DB,
		node:      p.Node,
		asynq:     p.Asynq,
		retention: p.Config.DeadLetter.Retention,
		maxRetry:  p.Config.DeadLetter.ReplayMaxRetry,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "deadletter")),

		archiveBackoff: wait.Backoff{
			Duration: 100 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    4,
			Cap:      2 * time.Second,
		},
	}
}

// Archive stores job with its failure reason. Archiving the same job again
// refreshes the record and marks it archived.
func (s *Service) Archive(ctx context.Context, job queue.Job, reason error) error {
	payload := datatypes.JSON(job.Payload)
	if !json.Valid(job.Payload) {
		raw, _ := json.Marshal(string(job.Payload))
		payload = datatypes.JSON(raw)
	}
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	rec := Record{
		ID:       s.node.GenerateID().String(),
		Queue:    job.Queue,
		JobID:    job.ID,
		Priority: job.Priority,
		Attempts: job.Attempts,
		Stalls:   job.Stalls,
		Payload:  payload,
		Kind:     string(errutil.KindOf(reason)),
		Reason:   msg,
		Status:   StatusArchived,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue"}, {Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"priority", "attempts", "stalls", "payload", "kind", "reason", "status", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return errutil.Dependency("archive dead letter", err)
	}

	s.logger.Warn("job dead-lettered",
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("reason", msg),
	)
	return nil
}

// OnDeadLetter adapts Archive to the queue's dead-letter callback, retrying
// transient store failures. An error leaves the job in the queue journal.
func (s *Service) OnDeadLetter(ctx context.Context, job queue.Job, reason error) error {
	var lastErr error
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, s.archiveBackoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = s.Archive(ctx, job, reason)
		if lastErr == nil {
			return true, nil
		}
		s.logger.Warn("archive dead letter failed, retrying",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		return false, nil
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	s.logger.Error("failed to archive dead letter",
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.Int("attempts", attempt),
		zap.Error(lastErr),
	)
	return lastErr
}

func (s *Service) Get(ctx context.Context, queueName, jobID string) (Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("queue = ? AND job_id = ?", queueName, jobID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errutil.Dependency("load dead letter", err)
	}
	return rec, nil
}

// List returns records for queueName (all queues when empty) with the given
// status (any when empty), oldest first.
func (s *Service) List(ctx context.Context, queueName string, status Status, limit int) ([]Record, error) {
	q := s.db.WithContext(ctx).Model(&Record{})
	if queueName != "" {
		q = q.Where("queue = ?", queueName)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Record
	if err := q.Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, errutil.Dependency("list dead letters", err)
	}
	return out, nil
}

// Page lists records like List but in ID order, resuming after page.Cursor.
func (s *Service) Page(ctx context.Context, queueName string, status Status, page pagination.Pagination) ([]Record, pagination.PageInfo, error) {
	page = page.Normalized()
	q := s.db.WithContext(ctx).Model(&Record{})
	if queueName != "" {
		q = q.Where("queue = ?", queueName)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if page.Cursor != "" {
		c, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, pagination.PageInfo{}, errutil.Validation("invalid cursor", err,
				errutil.WithDetails(errutil.Detail{Field: "cursor", Message: "malformed"}))
		}
		q = q.Where("id > ?", c.ID)
	}

	var out []Record
	if err := q.Order("id ASC").Limit(page.Limit + 1).Find(&out).Error; err != nil {
		return nil, pagination.PageInfo{}, errutil.Dependency("list dead letters", err)
	}
	out, info := pagination.Trim(out, page.Limit, func(r Record) pagination.Cursor {
		return pagination.Cursor{ID: r.ID}
	})
	return out, info, nil
}

// RequestReplay schedules the archived job for replay through the
// dead-letter task queue.
func (s *Service) RequestReplay(ctx context.Context, queueName, jobID string) error {
	if s.asynq == nil {
		return errors.New("deadletter: no task client configured")
	}
	rec, err := s.Get(ctx, queueName, jobID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(replayPayload{Queue: rec.Queue, JobID: rec.JobID})
	if err != nil {
		return err
	}
	taskID := fmt.Sprintf("%s:%d", rediskey.BuildJobKey(rec.Queue, rec.JobID), rec.ReplayCount+1)
	_, err = s.asynq.Enqueue(ctx, asynq.NewTask(taskname.DeadLetterReplay, payload),
		asynq.Queue(taskname.QueueDeadLetter),
		asynq.TaskID(taskID),
		asynq.MaxRetry(s.maxRetry),
		asynq.Retention(s.retention),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return errutil.Dependency("enqueue replay", err)
	}

	return s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ?", rec.ID).
		Update("status", StatusReplayRequested).Error
}

// RequestReplayAll schedules every archived record of queueName and reports
// how many were scheduled.
func (s *Service) RequestReplayAll(ctx context.Context, queueName string, limit int) (int, error) {
	recs, err := s.List(ctx, queueName, StatusArchived, limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, rec := range recs {
		if err := s.RequestReplay(ctx, rec.Queue, rec.JobID); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", rec.Queue, rec.JobID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ReplayHandler returns the asynq handler for taskname.DeadLetterReplay,
// putting jobs back through r.
func (s *Service) ReplayHandler(r Replayer) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		return s.replay(ctx, r, t)
	}
}

func (s *Service) replay(ctx context.Context, r Replayer, t *asynq.Task) error {
	var p replayPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		s.logger.Error("invalid replay payload", zap.Error(err))
		return fmt.Errorf("decode replay payload: %v: %w", err, asynq.SkipRetry)
	}

	rec, err := s.Get(ctx, p.Queue, p.JobID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("replay requested for purged dead letter", zap.String("queue", p.Queue), zap.String("job_id", p.JobID))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	job := queue.Job{ID: rec.JobID, Priority: rec.Priority, Payload: []byte(rec.Payload)}
	if err := r.Replay(ctx, rec.Queue, job); err != nil {
		if errutil.Is(err, errutil.KindValidation) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", rec.ID).Updates(map[string]any{
		"status":       StatusReplayed,
		"replay_count": gorm.Expr("replay_count + 1"),
		"replayed_at":  now,
	}).Error; err != nil {
		// the job is already back on its queue
		s.logger.Warn("mark dead letter replayed", zap.String("id", rec.ID), zap.Error(err))
	}

	s.logger.Info("dead letter replayed", zap.String("queue", rec.Queue), zap.String("job_id", rec.JobID))
	return nil
}

// Purge deletes records untouched since before.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("updated_at < ?", before).Delete(&Record{})
	if res.Error != nil {
		return 0, errutil.Dependency("purge dead letters", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeExpired applies the configured retention.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.Purge(ctx, s.now().Add(-s.retention))
}
