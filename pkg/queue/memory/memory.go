// Package memory provides an in-process MonitoredQueue.
//
// Depths and poll times are exact: every state change is applied to the
// queue's DepthTracker while the queue lock is held, and gauges read the
// tracker without taking that lock.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
	"github.com/vnykmshr/queuemon/pkg/common/validation"
	"github.com/vnykmshr/queuemon/pkg/queue"
)

const module = "memory"

type entry struct {
	msg      queue.Message
	seq      uint64
	index    int
	deadline time.Time
}

// Queue is an in-memory, at-least-once queue with delayed delivery, ack
// deadlines and a dead-letter path.
type Queue struct {
	name    string
	config  queue.Config
	monitor *queue.Monitor

	mu      sync.Mutex
	ready   readyHeap
	unacked map[string]*entry
	seq     uint64
	closed  bool

	depth     queue.DepthTracker
	polled    queue.PollTracker
	redeliver queue.PollTracker
}

var _ queue.MonitoredQueue = (*Queue)(nil)

// New creates a queue with DefaultConfig.
func New(name string) (*Queue, error) {
	return NewWithConfig(name, queue.DefaultConfig())
}

// NewWithConfig creates a queue and registers its gauges. A registration
// failure is returned and the queue is not usable.
func NewWithConfig(name string, config queue.Config) (*Queue, error) {
	if err := validation.ValidateNotEmpty(module, "name", name); err != nil {
		return nil, err
	}
	if err := config.Validate(module); err != nil {
		return nil, err
	}

	q := &Queue{
		name:    name,
		config:  config,
		unacked: make(map[string]*entry),
	}
	q.monitor = config.NewMonitor(name, q)
	if err := q.monitor.RegisterGauges(); err != nil {
		return nil, err
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Monitor returns the queue's metrics monitor.
func (q *Queue) Monitor() *queue.Monitor { return q.monitor }

// QueueDepth returns the number of enqueued messages, due or not.
func (q *Queue) QueueDepth() int { return q.depth.Ready() }

// UnackedDepth returns the number of delivered, unsettled messages.
func (q *Queue) UnackedDepth() int { return q.depth.Unacked() }

// LastQueuePoll returns the time of the last Poll.
func (q *Queue) LastQueuePoll() (time.Time, bool) { return q.polled.Last() }

// LastRedeliveryPoll returns the time of the last Retry.
func (q *Queue) LastRedeliveryPoll() (time.Time, bool) { return q.redeliver.Last() }

// Push enqueues payload to become deliverable after delay.
func (q *Queue) Push(ctx context.Context, payload []byte, delay time.Duration) (string, error) {
	if payload == nil {
		return "", qerrors.NewValidationError(module, "payload", nil, "cannot be nil")
	}
	if delay < 0 {
		delay = 0
	}

	now := q.config.Clock.Now()
	e := &entry{msg: queue.Message{
		ID:         uuid.NewString(),
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: now,
		DeliverAt:  now.Add(delay),
	}}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", qerrors.ErrClosed
	}
	q.push(e)
	q.mu.Unlock()

	q.monitor.Pushed()
	return e.msg.ID, nil
}

// Poll runs one delivery cycle and returns up to max due messages. The cycle
// is recorded even when nothing is due.
func (q *Queue) Poll(ctx context.Context, max int) ([]queue.Message, error) {
	if err := validation.ValidatePositive(module, "max", max); err != nil {
		return nil, err
	}

	now := q.config.Clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, qerrors.ErrClosed
	}
	q.polled.Mark(now)

	var out []queue.Message
	for len(out) < max && q.ready.Len() > 0 && !q.ready[0].msg.DeliverAt.After(now) {
		e := heap.Pop(&q.ready).(*entry)
		e.deadline = now.Add(q.config.AckTimeout)
		q.unacked[e.msg.ID] = e
		q.depth.Delivered()
		out = append(out, e.msg)
	}
	return out, nil
}

// Ack settles a delivered message.
func (q *Queue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return qerrors.ErrClosed
	}
	if _, ok := q.unacked[id]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", qerrors.ErrUnknownMessage, id)
	}
	delete(q.unacked, id)
	q.depth.Settled()
	q.mu.Unlock()

	q.monitor.Acked()
	return nil
}

// Nack fails a delivered message and makes it immediately deliverable again,
// unless its redelivery budget is spent.
func (q *Queue) Nack(ctx context.Context, id string) error {
	now := q.config.Clock.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return qerrors.ErrClosed
	}
	e, ok := q.unacked[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", qerrors.ErrUnknownMessage, id)
	}
	dead := q.fail(e, now)
	msg := e.msg
	q.mu.Unlock()

	q.settle(ctx, msg, dead)
	return nil
}

// Retry runs one redelivery sweep, returning every message whose ack
// deadline passed to the ready set or dead-lettering it.
func (q *Queue) Retry(ctx context.Context) error {
	now := q.config.Clock.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return qerrors.ErrClosed
	}
	q.redeliver.Mark(now)

	var expired []*entry
	for _, e := range q.unacked {
		if !e.deadline.After(now) {
			expired = append(expired, e)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })

	dead := make([]bool, len(expired))
	msgs := make([]queue.Message, len(expired))
	for i, e := range expired {
		dead[i] = q.fail(e, now)
		msgs[i] = e.msg
	}
	q.mu.Unlock()

	for i := range msgs {
		q.settle(ctx, msgs[i], dead[i])
	}
	return nil
}

// Close stops the queue. Pending messages are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// push must be called with q.mu held.
func (q *Queue) push(e *entry) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.ready, e)
	q.depth.Enqueued()
}

// fail removes e from the unacked set and either requeues it or reports it
// dead. It must be called with q.mu held.
func (q *Queue) fail(e *entry, now time.Time) (dead bool) {
	delete(q.unacked, e.msg.ID)
	if e.msg.Redeliveries >= q.config.MaxRedeliveries {
		q.depth.Settled()
		return true
	}
	e.msg.Redeliveries++
	e.msg.DeliverAt = now
	e.deadline = time.Time{}
	heap.Push(&q.ready, e)
	q.depth.Requeued()
	return false
}

// settle emits the counter and dead-letter side effects of a failed delivery
// outside the queue lock.
func (q *Queue) settle(ctx context.Context, msg queue.Message, dead bool) {
	if !dead {
		q.monitor.Redelivered()
		return
	}
	q.monitor.Dead()
	q.config.Logger.Warn().
		Str("queue", q.name).
		Str("message_id", msg.ID).
		Int("redeliveries", msg.Redeliveries).
		Msg("message dead-lettered")
	if q.config.DeadLetter != nil {
		q.config.DeadLetter(ctx, msg)
	}
}

// readyHeap orders messages by DeliverAt, then by push order.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if !h[i].msg.DeliverAt.Equal(h[j].msg.DeliverAt) {
		return h[i].msg.DeliverAt.Before(h[j].msg.DeliverAt)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
