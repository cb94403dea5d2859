package ingestion

import (
	"context"
	"time"

	"attribution-pipeline/pkg/kafka"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/event"
	"attribution-pipeline/services/queue"
)

// Broker is the partitioned log the consumer reads from.
type Broker interface {
	// Poll returns at most max messages, possibly none.
	Poll(ctx context.Context, max int) ([]kafka.Message, error)
	// Commit marks every message in msgs as consumed.
	Commit(ctx context.Context, msgs []kafka.Message) error
	// Rewind makes msgs deliverable again.
	Rewind(ctx context.Context, msgs []kafka.Message) error
	// Heartbeat fails once the consumer no longer owns its partitions.
	Heartbeat(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Lag(ctx context.Context) (map[kafka.TopicPartition]int64, error)
}

type DeadLetterProducer interface {
	Send(ctx context.Context, msg kafka.Message, reason string) error
}

// Enqueuer accepts jobs durably: once Enqueue returns nil the job survives
// a restart, so the offset behind it may be committed.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
	Depth() int
}

type Enricher interface {
	Resolve(ev event.Event) enrichment.Touch
}

// BatchObserver receives the size and wall time of every processed batch.
type BatchObserver interface {
	ObserveBatch(size int, d time.Duration)
}

type BatchObserverFunc func(size int, d time.Duration)

func (f BatchObserverFunc) ObserveBatch(size int, d time.Duration) { f(size, d) }
