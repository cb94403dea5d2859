// Package kafka holds the broker-neutral message types shared by the
// consumer and its adapters.
package kafka

import (
	"fmt"
	"time"
)

// Header keys set on dead-lettered messages.
const (
	HeaderDeadLetterReason  = "x-dead-letter-reason"
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
)

type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

type Message struct {
	TopicPartition
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string]string
}

// NextOffsets returns, per partition, the offset following the last message
// in msgs. These are the offsets to commit once msgs are handled.
func NextOffsets(msgs []Message) map[TopicPartition]int64 {
	out := make(map[TopicPartition]int64)
	for _, m := range msgs {
		if next := m.Offset + 1; next > out[m.TopicPartition] {
			out[m.TopicPartition] = next
		}
	}
	return out
}

// FirstOffsets returns, per partition, the earliest offset in msgs.
func FirstOffsets(msgs []Message) map[TopicPartition]int64 {
	out := make(map[TopicPartition]int64)
	for _, m := range msgs {
		if cur, ok := out[m.TopicPartition]; !ok || m.Offset < cur {
			out[m.TopicPartition] = m.Offset
		}
	}
	return out
}
