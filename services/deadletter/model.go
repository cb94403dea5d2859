package deadletter

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusArchived        Status = "archived"
	StatusReplayRequested Status = "replay_requested"
	StatusReplayed        Status = "replayed"
)

// Record is an archived dead-lettered job, one per queue and job id.
type Record struct {
	ID          string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	Queue       string         `gorm:"column:queue;type:varchar(64);not null;uniqueIndex:idx_dead_letter_job,priority:1"`
	JobID       string         `gorm:"column:job_id;type:varchar(128);not null;uniqueIndex:idx_dead_letter_job,priority:2"`
	Priority    int            `gorm:"column:priority"`
	Attempts    int            `gorm:"column:attempts"`
	Stalls      int            `gorm:"column:stalls"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	Kind        string         `gorm:"column:kind;type:varchar(32)"`
	Reason      string         `gorm:"column:reason;type:text"`
	Status      Status         `gorm:"column:status;type:varchar(20);default:'archived';index"`
	ReplayCount int            `gorm:"column:replay_count;default:0"`
	ReplayedAt  *time.Time     `gorm:"column:replayed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime;index"`
}

func (Record) TableName() string { return "dead_letters" }

type replayPayload struct {
	Queue string `json:"queue"`
	JobID string `json:"job_id"`
}
