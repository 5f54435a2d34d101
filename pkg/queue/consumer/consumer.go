// Package consumer drives a queue.Queue with a poll loop and a fixed set of
// worker goroutines.
//
// Each polled message is handed to one worker. A handler that returns nil
// acks the message; a handler that returns an error or panics nacks it, which
// either redelivers or dead-letters it according to the queue's budget.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/queuemon/pkg/common/validation"
	"github.com/vnykmshr/queuemon/pkg/queue"
)

const module = "consumer"

// Handler processes one message.
type Handler func(ctx context.Context, m queue.Message) error

// Config holds configuration options for a Consumer.
type Config struct {
	// Workers is the number of goroutines running the handler.
	// Must be greater than 0.
	Workers int

	// PollInterval is how long the loop waits after an empty or failed poll.
	PollInterval time.Duration

	// BatchSize is the max passed to Poll. Zero means Workers.
	BatchSize int

	// HandlerTimeout bounds each handler call. Zero means no timeout.
	HandlerTimeout time.Duration

	// Logger receives poll, ack and handler failures.
	Logger zerolog.Logger
}

// DefaultConfig returns a default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 100 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
}

// Consumer polls a queue and runs a handler for every delivered message.
type Consumer struct {
	q       queue.Queue
	handler Handler
	config  Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	processed atomic.Int64
	failed    atomic.Int64
}

// ErrRunning is returned by Start on a consumer that is already running.
var ErrRunning = errors.New("consumer already running")

// New creates a Consumer. It does not start polling until Start is called.
func New(q queue.Queue, handler Handler, config Config) (*Consumer, error) {
	if err := validation.ValidateNotNil(module, "queue", q); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, validation.ValidateNotNil(module, "handler", nil)
	}
	if err := validation.ValidatePositive(module, "Workers", config.Workers); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositiveDuration(module, "PollInterval", config.PollInterval); err != nil {
		return nil, err
	}
	if err := validation.ValidateNonNegative(module, "BatchSize", config.BatchSize); err != nil {
		return nil, err
	}
	if config.BatchSize == 0 {
		config.BatchSize = config.Workers
	}
	return &Consumer{q: q, handler: handler, config: config}, nil
}

// Start launches the poll loop and workers. They run until ctx is done or
// Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRunning
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	jobs := make(chan queue.Message)
	c.wg.Add(c.config.Workers + 1)
	for i := 0; i < c.config.Workers; i++ {
		go c.work(ctx, i, jobs)
	}
	go c.poll(ctx, jobs)
	return nil
}

// Stop cancels the loop and waits for in-flight handlers to return.
// Messages polled but not yet handled stay unacknowledged until the next
// redelivery sweep.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
}

// Processed returns the number of messages handled successfully.
func (c *Consumer) Processed() int64 { return c.processed.Load() }

// Failed returns the number of messages whose handler failed or panicked.
func (c *Consumer) Failed() int64 { return c.failed.Load() }

func (c *Consumer) poll(ctx context.Context, jobs chan<- queue.Message) {
	defer c.wg.Done()
	defer close(jobs)

	for {
		msgs, err := c.q.Poll(ctx, c.config.BatchSize)
		if err != nil && ctx.Err() == nil {
			c.config.Logger.Error().Err(err).Msg("poll failed")
		}

		for _, m := range msgs {
			select {
			case jobs <- m:
			case <-ctx.Done():
				return
			}
		}

		if len(msgs) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.PollInterval):
		}
	}
}

func (c *Consumer) work(ctx context.Context, id int, jobs <-chan queue.Message) {
	defer c.wg.Done()

	for m := range jobs {
		if err := c.handle(ctx, m); err != nil {
			c.failed.Add(1)
			c.config.Logger.Warn().Err(err).
				Int("worker", id).
				Str("message_id", m.ID).
				Int("redeliveries", m.Redeliveries).
				Msg("handler failed")
			if err := c.q.Nack(context.WithoutCancel(ctx), m.ID); err != nil {
				c.config.Logger.Error().Err(err).Str("message_id", m.ID).Msg("nack failed")
			}
			continue
		}
		c.processed.Add(1)
		if err := c.q.Ack(context.WithoutCancel(ctx), m.ID); err != nil {
			c.config.Logger.Error().Err(err).Str("message_id", m.ID).Msg("ack failed")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\nStack trace:\n%s", r, debug.Stack())
		}
	}()

	if c.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.HandlerTimeout)
		defer cancel()
	}
	return c.handler(ctx, m)
}
