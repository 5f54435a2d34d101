package queue

import (
	"context"
	"time"
)

// Metric names exposed by every monitored queue.
const (
	MetricPushed       = "queue.pushed.messages"
	MetricAcknowledged = "queue.acknowledged.messages"
	MetricRetried      = "queue.retried.messages"
	MetricDead         = "queue.dead.messages"

	MetricQueueDepth        = "queue.depth"
	MetricUnackedDepth      = "unacked.depth"
	MetricLastPollAge       = "last.poll.age"
	MetricLastRedeliveryAge = "last.redelivery.check.age"
)

// Message is a unit of work held by a queue.
type Message struct {
	// ID is assigned by the queue on Push.
	ID string

	// Payload is opaque to the queue.
	Payload []byte

	// Redeliveries is how many times the message has been redelivered so far.
	Redeliveries int

	// EnqueuedAt is the time of the original Push.
	EnqueuedAt time.Time

	// DeliverAt is the earliest time Poll may hand the message out.
	DeliverAt time.Time
}

// DeadLetterHandler receives messages that exceeded their redelivery budget.
type DeadLetterHandler func(ctx context.Context, m Message)

// Queue is the set of base operations a durable, at-least-once queue offers.
type Queue interface {
	// Push enqueues payload for delivery after delay and returns its id.
	Push(ctx context.Context, payload []byte, delay time.Duration) (string, error)

	// Poll runs one delivery cycle, moving up to max due messages to the
	// unacknowledged set and returning them.
	Poll(ctx context.Context, max int) ([]Message, error)

	// Ack settles a delivered message.
	Ack(ctx context.Context, id string) error

	// Nack fails a delivered message. It is redelivered, or dead-lettered
	// once its redelivery budget is spent.
	Nack(ctx context.Context, id string) error

	// Retry runs one redelivery sweep over messages whose ack deadline passed.
	Retry(ctx context.Context) error

	// Close releases the queue. Further operations return ErrClosed.
	Close() error
}

// State is the live, read-only view of a queue exposed to gauges.
// Every method must be side-effect free, non-blocking and safe to call
// concurrently with queue operations.
type State interface {
	// QueueDepth is the number of enqueued messages including ones not yet due.
	QueueDepth() int

	// UnackedDepth is the number of delivered messages not yet acked or failed.
	UnackedDepth() int

	// LastQueuePoll is the time of the last delivery cycle; false if none ran.
	LastQueuePoll() (time.Time, bool)

	// LastRedeliveryPoll is the time of the last redelivery sweep; false if none ran.
	LastRedeliveryPoll() (time.Time, bool)
}

// MonitoredQueue is the capability a Queue claims when it exposes the full
// monitoring contract: all four gauges and all four counters.
type MonitoredQueue interface {
	Queue
	State

	// Monitor returns the queue's counter handles and gauge registration.
	Monitor() *Monitor
}

// AsMonitored reports whether q supports the monitoring contract.
func AsMonitored(q Queue) (MonitoredQueue, bool) {
	mq, ok := q.(MonitoredQueue)
	return mq, ok
}

// Clock provides the current time. It can be mocked for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
