package taskname

const (
	// Dead-letter tasks
	DeadLetterReplay = "deadletter:replay"
)

// Asynq queues.
const (
	QueueDeadLetter = "dead-letter"
)
