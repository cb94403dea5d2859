package queue

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"attribution-pipeline/pkg/errutil"
)

// Journal keeps a durable copy of every accepted job until it completes or
// is archived, so a restart resumes the backlog instead of losing it.
type Journal interface {
	Save(ctx context.Context, job Job) error
	Delete(ctx context.Context, queue, jobID string) error
	Pending(ctx context.Context, queue string) ([]Job, error)
}

// JournalRecord is one accepted, unfinished job.
type JournalRecord struct {
	Queue       string    `gorm:"column:queue;type:varchar(64);primaryKey"`
	JobID       string    `gorm:"column:job_id;type:varchar(128);primaryKey"`
	Payload     []byte    `gorm:"column:payload"`
	Priority    int       `gorm:"column:priority"`
	MaxAttempts int       `gorm:"column:max_attempts"`
	TimeoutMS   int64     `gorm:"column:timeout_ms"`
	EnqueuedAt  time.Time `gorm:"column:enqueued_at;index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (JournalRecord) TableName() string { return "queue_jobs" }

type GormJournal struct {
	db *gorm.DB
}

func NewGormJournal(db *gorm.DB) *GormJournal {
	return &GormJournal{db: db}
}

// Save upserts job. A replayed job overwrites the row of its earlier run.
func (j *GormJournal) Save(ctx context.Context, job Job) error {
	rec := JournalRecord{
		Queue:       job.Queue,
		JobID:       job.ID,
		Payload:     job.Payload,
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
		TimeoutMS:   job.Timeout.Milliseconds(),
		EnqueuedAt:  job.EnqueuedAt.UTC(),
	}
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue"}, {Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "priority", "max_attempts", "timeout_ms", "enqueued_at", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return errutil.Dependency("journal job", err)
	}
	return nil
}

func (j *GormJournal) Delete(ctx context.Context, queue, jobID string) error {
	err := j.db.WithContext(ctx).
		Where("queue = ? AND job_id = ?", queue, jobID).
		Delete(&JournalRecord{}).Error
	if err != nil {
		return errutil.Dependency("remove journaled job", err)
	}
	return nil
}

// Pending returns the unfinished jobs of queue, oldest first.
func (j *GormJournal) Pending(ctx context.Context, queue string) ([]Job, error) {
	var rows []JournalRecord
	err := j.db.WithContext(ctx).
		Where("queue = ?", queue).
		Order("enqueued_at ASC, job_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errutil.Dependency("load journaled jobs", err)
	}
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, Job{
			ID:          r.JobID,
			Queue:       r.Queue,
			Payload:     r.Payload,
			Priority:    r.Priority,
			MaxAttempts: r.MaxAttempts,
			Timeout:     time.Duration(r.TimeoutMS) * time.Millisecond,
			State:       StateWaiting,
			EnqueuedAt:  r.EnqueuedAt,
		})
	}
	return out, nil
}
