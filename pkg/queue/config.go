package queue

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/queuemon/pkg/common/validation"
	"github.com/vnykmshr/queuemon/pkg/metrics"
)

// Config holds the settings shared by every queue implementation.
type Config struct {
	// MaxRedeliveries is how many times a message may be redelivered before it
	// is dead-lettered. Zero dead-letters on the first failure.
	MaxRedeliveries int

	// AckTimeout is how long a delivered message may stay unacknowledged
	// before a redelivery sweep returns it to the ready set.
	AckTimeout time.Duration

	// DeadLetter receives dead messages. Nil drops them after logging.
	DeadLetter DeadLetterHandler

	// Registry receives the queue's metrics. If nil, a private
	// MemoryRegistry is used so the queue is still observable in-process.
	Registry metrics.Registry

	// Tags are added to every metric next to queue=<name>.
	Tags []metrics.Tag

	// Logger is used for dead letters and metric failures.
	Logger zerolog.Logger

	// Clock drives deadlines and age gauges. Defaults to SystemClock.
	Clock Clock
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxRedeliveries: 5,
		AckTimeout:      30 * time.Second,
		Logger:          zerolog.Nop(),
		Clock:           SystemClock{},
	}
}

// Validate checks the config on behalf of module and fills in defaults for
// the optional fields.
func (c *Config) Validate(module string) error {
	if err := validation.ValidateNonNegative(module, "MaxRedeliveries", c.MaxRedeliveries); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration(module, "AckTimeout", c.AckTimeout); err != nil {
		return err
	}
	if c.Registry == nil {
		c.Registry = metrics.NewMemoryRegistry()
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	return nil
}

// NewMonitor builds the Monitor for a queue called name using the config's
// registry, tags, logger and clock.
func (c Config) NewMonitor(name string, state State) *Monitor {
	return NewMonitor(name, state, c.Registry,
		WithTags(c.Tags...),
		WithLogger(c.Logger),
		WithClock(c.Clock),
	)
}
