package queue

import (
	"errors"
	"time"

	"attribution-pipeline/pkg/config"
)

type State string

const (
	StateWaiting      State = "WAITING"
	StateActive       State = "ACTIVE"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateStalled      State = "STALLED"
	StateDeadLettered State = "DEAD_LETTERED"
)

// DefaultPriority applies to jobs enqueued without one. Lower runs first.
const DefaultPriority = 5

var (
	ErrStalled = errors.New("job exceeded its timeout")
	ErrClosed  = errors.New("queue is closed")
)

type Job struct {
	ID          string        `json:"id"`
	Queue       string        `json:"queue"`
	Payload     []byte        `json:"payload"`
	Priority    int           `json:"priority"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Timeout     time.Duration `json:"timeout"`
	Stalls      int           `json:"stalls"`
	State       State         `json:"state"`
	EnqueuedAt  time.Time     `json:"enqueuedAt"`
	LastError   string        `json:"lastError,omitempty"`
}

type Config struct {
	Name           string
	Concurrency    int
	RatePerSecond  float64
	MaxAttempts    int
	MaxStalls      int
	Timeout        time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxDepth       int
	IdempotencyTTL time.Duration
}

// ConfigFrom names a queue section of the application config.
func ConfigFrom(name string, q config.QueueConfig) Config {
	return Config{
		Name:           name,
		Concurrency:    q.Concurrency,
		RatePerSecond:  q.RatePerSecond,
		MaxAttempts:    q.MaxAttempts,
		MaxStalls:      q.MaxStalls,
		Timeout:        q.Timeout,
		BackoffBase:    q.BackoffBase,
		BackoffCap:     q.BackoffCap,
		MaxDepth:       q.MaxDepth,
		IdempotencyTTL: q.IdempotencyTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxStalls < 0 {
		c.MaxStalls = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 100000
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	return c
}

// Backoff returns min(base*2^attempts, ceiling).
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

type Stats struct {
	Waiting      int   `json:"waiting"`
	Active       int   `json:"active"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Stalled      int64 `json:"stalled"`
	DeadLettered int64 `json:"deadLettered"`
}
