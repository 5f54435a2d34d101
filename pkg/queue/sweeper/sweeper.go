// Package sweeper runs a queue's redelivery sweep on a cron schedule.
//
// Schedules use the robfig/cron syntax with an optional leading seconds field,
// so "@every 1s", "*/5 * * * * *" and "0 * * * *" are all accepted. A sweep
// still running when the next one is due is skipped.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
	"github.com/vnykmshr/queuemon/pkg/common/validation"
	"github.com/vnykmshr/queuemon/pkg/queue"
)

const module = "sweeper"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses spec with the same syntax New accepts.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return parser.Parse(spec)
}

// Config holds configuration for a Sweeper.
type Config struct {
	// Schedule is a cron expression or descriptor. Defaults to "@every 1s".
	Schedule string

	// Timeout bounds each sweep. Zero means no timeout.
	Timeout time.Duration

	// Logger receives sweep failures.
	Logger zerolog.Logger
}

// DefaultConfig returns a default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Schedule: "@every 1s",
		Logger:   zerolog.Nop(),
	}
}

// Sweeper calls Retry on a queue on a schedule.
type Sweeper struct {
	q      queue.Queue
	config Config
	cron   *cron.Cron

	mu      sync.Mutex
	running bool

	runs     atomic.Int64
	failures atomic.Int64
}

// New creates a Sweeper for q. The schedule is validated here.
func New(q queue.Queue, config Config) (*Sweeper, error) {
	if err := validation.ValidateNotNil(module, "queue", q); err != nil {
		return nil, err
	}
	if config.Schedule == "" {
		config.Schedule = DefaultConfig().Schedule
	}
	schedule, err := ParseSchedule(config.Schedule)
	if err != nil {
		return nil, qerrors.NewValidationError(module, "Schedule", config.Schedule, err.Error()).
			WithHint(`use a cron expression or a descriptor such as "@every 1s"`)
	}

	s := &Sweeper{q: q, config: config}
	logger := cronLogger{config.Logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.cron.Schedule(schedule, cron.FuncJob(func() { _ = s.Sweep(context.Background()) }))
	return s, nil
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to
// be done.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one redelivery sweep now.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	s.runs.Add(1)
	if err := s.q.Retry(ctx); err != nil {
		s.failures.Add(1)
		s.config.Logger.Error().Err(err).Msg("redelivery sweep failed")
		return err
	}
	return nil
}

// Runs returns the number of sweeps attempted.
func (s *Sweeper) Runs() int64 { return s.runs.Load() }

// Errors returns the number of sweeps that failed.
func (s *Sweeper) Errors() int64 { return s.failures.Load() }

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
