// Package redisq provides a MonitoredQueue backed by Redis.
//
// Messages live in two sorted sets (ready, scored by deliver-at, and unacked,
// scored by ack deadline) plus a data hash, a redelivery-count hash and a dead
// list. Every state change runs as one Lua script that also bumps a version
// counter and returns it with both set sizes. The queue caches the sizes with
// the highest version it has seen, so concurrent calls settle on the newest
// state whatever order their replies arrive in. Gauges never touch Redis and
// are eventually consistent with it: another process sharing the same keys is
// only reflected after this queue's next script or Refresh.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
	"github.com/vnykmshr/queuemon/pkg/common/validation"
	"github.com/vnykmshr/queuemon/pkg/queue"
)

const module = "redisq"

// Config holds configuration for a Redis queue.
type Config struct {
	// Redis client. Required.
	Redis redis.UniversalClient

	// Key is the Redis key prefix. Defaults to "queuemon:<name>".
	Key string

	// RedisTimeout bounds each Redis call. Zero means the caller's context only.
	RedisTimeout time.Duration

	// Queue holds the settings shared with every other queue.
	Queue queue.Config
}

// DefaultConfig returns a default Redis queue configuration.
func DefaultConfig() Config {
	return Config{
		RedisTimeout: 500 * time.Millisecond,
		Queue:        queue.DefaultConfig(),
	}
}

// Queue is a Redis-backed, at-least-once queue.
type Queue struct {
	name    string
	config  Config
	keys    []string
	monitor *queue.Monitor
	closed  atomic.Bool

	depth     queue.VersionedDepth
	polled    queue.PollTracker
	redeliver queue.PollTracker
}

var _ queue.MonitoredQueue = (*Queue)(nil)

type record struct {
	ID         string `json:"id"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
	DeliverAt  int64  `json:"deliver_at"`
}

// New creates a queue, loads its current depths and registers its gauges.
func New(name string, config Config) (*Queue, error) {
	if err := validation.ValidateNotEmpty(module, "name", name); err != nil {
		return nil, err
	}
	if config.Redis == nil {
		return nil, qerrors.NewValidationError(module, "Redis", nil, "client is required")
	}
	if err := config.Queue.Validate(module); err != nil {
		return nil, err
	}
	if config.Key == "" {
		config.Key = "queuemon:" + name
	}

	q := &Queue{
		name:   name,
		config: config,
		keys:   redisKeys(config.Key),
	}
	if err := q.Refresh(context.Background()); err != nil {
		return nil, err
	}
	q.monitor = config.Queue.NewMonitor(name, q)
	if err := q.monitor.RegisterGauges(); err != nil {
		return nil, err
	}
	return q, nil
}

// redisKeys returns the script KEYS for prefix.
func redisKeys(prefix string) []string {
	return []string{
		prefix + ":ready",
		prefix + ":unacked",
		prefix + ":data",
		prefix + ":redeliveries",
		prefix + ":dead",
		prefix + ":version",
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Monitor returns the queue's metrics monitor.
func (q *Queue) Monitor() *queue.Monitor { return q.monitor }

// QueueDepth returns the ready count cached from the newest script reply.
func (q *Queue) QueueDepth() int { return q.depth.Ready() }

// UnackedDepth returns the unacked count cached from the newest script reply.
func (q *Queue) UnackedDepth() int { return q.depth.Unacked() }

// Depth returns both cached counts from a single read. They always come from
// the same script reply.
func (q *Queue) Depth() (ready, unacked int) { return q.depth.Load() }

// LastQueuePoll returns the time of the last successful Poll.
func (q *Queue) LastQueuePoll() (time.Time, bool) { return q.polled.Last() }

// LastRedeliveryPoll returns the time of the last successful Retry.
func (q *Queue) LastRedeliveryPoll() (time.Time, bool) { return q.redeliver.Last() }

// Refresh reloads the cached depths from Redis.
func (q *Queue) Refresh(ctx context.Context) error {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	res, err := refreshScript.Run(ctx, q.config.Redis, q.keys).Slice()
	if err != nil {
		return qerrors.NewOperationError(module, "refresh", err)
	}
	if _, ok := q.observe(res, 0); !ok {
		return qerrors.NewOperationError(module, "refresh", errUnexpectedReply)
	}
	return nil
}

// Push enqueues payload to become deliverable after delay.
func (q *Queue) Push(ctx context.Context, payload []byte, delay time.Duration) (string, error) {
	if q.closed.Load() {
		return "", qerrors.ErrClosed
	}
	if payload == nil {
		return "", qerrors.NewValidationError(module, "payload", nil, "cannot be nil")
	}
	if delay < 0 {
		delay = 0
	}

	now := q.config.Queue.Clock.Now()
	rec := record{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: now.UnixMilli(),
		DeliverAt:  now.Add(delay).UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", qerrors.NewOperationError(module, "push", err)
	}

	ctx, cancel := q.withTimeout(ctx)
	defer cancel()
	res, err := pushScript.Run(ctx, q.config.Redis, q.keys, rec.ID, raw, rec.DeliverAt).Slice()
	if err != nil {
		return "", qerrors.NewOperationError(module, "push", err).WithContext(rec.ID)
	}
	q.observe(res, 0)

	q.monitor.Pushed()
	return rec.ID, nil
}

// Poll runs one delivery cycle and returns up to max due messages.
func (q *Queue) Poll(ctx context.Context, max int) ([]queue.Message, error) {
	if q.closed.Load() {
		return nil, qerrors.ErrClosed
	}
	if err := validation.ValidatePositive(module, "max", max); err != nil {
		return nil, err
	}

	now := q.config.Queue.Clock.Now()
	deadline := now.Add(q.config.Queue.AckTimeout)

	ctx, cancel := q.withTimeout(ctx)
	defer cancel()
	res, err := pollScript.Run(ctx, q.config.Redis, q.keys, now.UnixMilli(), max, deadline.UnixMilli()).Slice()
	if err != nil {
		return nil, qerrors.NewOperationError(module, "poll", err)
	}
	delivered, _ := q.observe(res, 0)
	q.polled.Mark(now)

	var out []queue.Message
	for i := 0; i+2 < len(delivered); i += 3 {
		msg, err := decode(toString(delivered[i]), toString(delivered[i+1]), int(toInt64(delivered[i+2])))
		if err != nil {
			q.config.Queue.Logger.Error().Err(err).Str("queue", q.name).Str("message_id", toString(delivered[i])).Msg("skipping undecodable message")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Ack settles a delivered message.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if q.closed.Load() {
		return qerrors.ErrClosed
	}

	ctx, cancel := q.withTimeout(ctx)
	defer cancel()
	res, err := ackScript.Run(ctx, q.config.Redis, q.keys, id).Slice()
	if err != nil {
		return qerrors.NewOperationError(module, "ack", err).WithContext(id)
	}
	rest, ok := q.observe(res, 1)
	if !ok {
		return qerrors.NewOperationError(module, "ack", errUnexpectedReply).WithContext(id)
	}
	if toInt64(rest[0]) == 0 {
		return fmt.Errorf("%w: %s", qerrors.ErrUnknownMessage, id)
	}

	q.monitor.Acked()
	return nil
}

// Nack fails a delivered message and makes it immediately deliverable again,
// unless its redelivery budget is spent.
func (q *Queue) Nack(ctx context.Context, id string) error {
	if q.closed.Load() {
		return qerrors.ErrClosed
	}

	now := q.config.Queue.Clock.Now()
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()
	res, err := nackScript.Run(ctx, q.config.Redis, q.keys, id, now.UnixMilli(), q.config.Queue.MaxRedeliveries).Slice()
	if err != nil {
		return qerrors.NewOperationError(module, "nack", err).WithContext(id)
	}
	rest, ok := q.observe(res, 3)
	if !ok {
		return qerrors.NewOperationError(module, "nack", errUnexpectedReply).WithContext(id)
	}

	status := toInt64(rest[0])
	if status == statusUnknown {
		return fmt.Errorf("%w: %s", qerrors.ErrUnknownMessage, id)
	}
	q.settle(ctx, id, status, toString(rest[2]), int(toInt64(rest[1])))
	return nil
}

// Retry runs one redelivery sweep over messages whose ack deadline passed.
func (q *Queue) Retry(ctx context.Context) error {
	if q.closed.Load() {
		return qerrors.ErrClosed
	}

	now := q.config.Queue.Clock.Now()
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()
	res, err := sweepScript.Run(ctx, q.config.Redis, q.keys, now.UnixMilli(), q.config.Queue.MaxRedeliveries).Slice()
	if err != nil {
		return qerrors.NewOperationError(module, "retry", err)
	}
	expired, _ := q.observe(res, 0)
	q.redeliver.Mark(now)

	for i := 0; i+3 < len(expired); i += 4 {
		q.settle(ctx, toString(expired[i]), toInt64(expired[i+1]), toString(expired[i+3]), int(toInt64(expired[i+2])))
	}
	return nil
}

// DeadLetters returns the messages in the dead list, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]queue.Message, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	ids, err := q.config.Redis.LRange(ctx, q.keys[4], 0, -1).Result()
	if err != nil {
		return nil, qerrors.NewOperationError(module, "dead_letters", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.config.Redis.Pipeline()
	recs := pipe.HMGet(ctx, q.keys[2], ids...)
	counts := pipe.HMGet(ctx, q.keys[3], ids...)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, qerrors.NewOperationError(module, "dead_letters", err)
	}

	out := make([]queue.Message, 0, len(ids))
	for i, id := range ids {
		n, _ := toIntString(counts.Val()[i])
		msg, err := decode(id, toString(recs.Val()[i]), n)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Close stops the queue. The Redis client is owned by the caller and is left open.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}

const (
	statusUnknown  = 0
	statusRequeued = 1
	statusDead     = 2
)

var errUnexpectedReply = errors.New("unexpected script reply")

func (q *Queue) settle(ctx context.Context, id string, status int64, raw string, redeliveries int) {
	switch status {
	case statusRequeued:
		q.monitor.Redelivered()
	case statusDead:
		q.monitor.Dead()
		q.config.Queue.Logger.Warn().
			Str("queue", q.name).
			Str("message_id", id).
			Int("redeliveries", redeliveries).
			Msg("message dead-lettered")
		if q.config.Queue.DeadLetter == nil {
			return
		}
		msg, err := decode(id, raw, redeliveries)
		if err != nil {
			q.config.Queue.Logger.Error().Err(err).Str("queue", q.name).Str("message_id", id).Msg("dead letter not decodable")
			return
		}
		q.config.Queue.DeadLetter(ctx, msg)
	}
}

// observe caches the version and set sizes heading a script reply and returns
// the rest. ok is false when the reply is shorter than the header plus want.
func (q *Queue) observe(res []interface{}, want int) (rest []interface{}, ok bool) {
	if len(res) < 3+want {
		return nil, false
	}
	q.depth.Observe(uint64(toInt64(res[0])), toInt64(res[1]), toInt64(res[2]))
	return res[3:], true
}

func (q *Queue) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.config.RedisTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, q.config.RedisTimeout)
}

func decode(id, raw string, redeliveries int) (queue.Message, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return queue.Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return queue.Message{
		ID:           id,
		Payload:      rec.Payload,
		Redeliveries: redeliveries,
		EnqueuedAt:   time.UnixMilli(rec.EnqueuedAt),
		DeliverAt:    time.UnixMilli(rec.DeliverAt),
	}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := toIntString(n)
		return int64(i)
	}
	return 0
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toIntString(v interface{}) (int, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
