package queue

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
	"github.com/vnykmshr/queuemon/pkg/metrics"
)

// Epoch is the timestamp an absent poll time is measured against. An age
// gauge for a cycle that never ran therefore reports the milliseconds since
// 1970-01-01, a deliberately huge value.
var Epoch = time.Unix(0, 0)

// Monitor wires a queue's State and counters into a metrics.Registry.
//
// Counter handles are resolved on first use and cached, so every call returns
// the same instance. RegisterGauges must be called exactly once by the
// queue's constructor; later calls are no-ops returning the first result.
type Monitor struct {
	name     string
	state    State
	registry metrics.Registry
	tags     []metrics.Tag
	logger   zerolog.Logger
	clock    Clock

	pushed    handle
	acked     handle
	retried   handle
	dead      handle
	gauges    sync.Once
	gaugesErr error
	enabled   atomic.Bool
}

type handle struct {
	name    string
	once    sync.Once
	counter metrics.Counter
	err     error
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithTags adds tags to every metric. The queue tag is always present.
func WithTags(tags ...metrics.Tag) MonitorOption {
	return func(m *Monitor) {
		m.tags = append(m.tags, tags...)
	}
}

// WithLogger sets the logger used for transient metric failures.
func WithLogger(logger zerolog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithClock sets the clock age gauges are computed against.
func WithClock(clock Clock) MonitorOption {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMonitor creates a Monitor for the queue called name whose live state is
// read from state.
func NewMonitor(name string, state State, registry metrics.Registry, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		name:     name,
		state:    state,
		registry: registry,
		tags:     []metrics.Tag{{Key: "queue", Value: name}},
		logger:   zerolog.Nop(),
		clock:    SystemClock{},
		pushed:   handle{name: MetricPushed},
		acked:    handle{name: MetricAcknowledged},
		retried:  handle{name: MetricRetried},
		dead:     handle{name: MetricDead},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("queue", name).Logger()
	return m
}

// Name returns the queue name the monitor tags its metrics with.
func (m *Monitor) Name() string {
	return m.name
}

// PushCounter returns the cached queue.pushed.messages counter.
func (m *Monitor) PushCounter() metrics.Counter { return m.resolve(&m.pushed) }

// AckCounter returns the cached queue.acknowledged.messages counter.
func (m *Monitor) AckCounter() metrics.Counter { return m.resolve(&m.acked) }

// RedeliverCounter returns the cached queue.retried.messages counter. It counts
// redelivery attempts, not unique messages.
func (m *Monitor) RedeliverCounter() metrics.Counter { return m.resolve(&m.retried) }

// DeadMessageCounter returns the cached queue.dead.messages counter.
func (m *Monitor) DeadMessageCounter() metrics.Counter { return m.resolve(&m.dead) }

// Pushed records one successful enqueue.
func (m *Monitor) Pushed() { m.inc(&m.pushed) }

// Acked records one successful acknowledgment.
func (m *Monitor) Acked() { m.inc(&m.acked) }

// Redelivered records one redelivery attempt.
func (m *Monitor) Redelivered() { m.inc(&m.retried) }

// Dead records one message handed to the dead-letter path.
func (m *Monitor) Dead() { m.inc(&m.dead) }

// resolve looks the handle up once. A failed or panicking lookup is logged and
// replaced by a detached counter so increments keep working.
func (m *Monitor) resolve(h *handle) metrics.Counter {
	h.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				h.counter = nil
				h.err = &qerrors.RegistrationError{Name: h.name, Kind: string(metrics.KindCounter), Err: fmt.Errorf("lookup panicked: %v", r)}
			}
			if h.err != nil || h.counter == nil {
				m.logger.Error().Err(h.err).Str("metric", h.name).Msg("counter unavailable")
				h.counter, _ = metrics.NopRegistry{}.Counter(h.name)
			}
		}()
		if m.registry == nil {
			h.err = &qerrors.RegistrationError{Name: h.name, Kind: string(metrics.KindCounter), Err: errors.New("registry is nil")}
			return
		}
		h.counter, h.err = m.registry.Counter(h.name, m.tags...)
	})
	return h.counter
}

// inc never panics and never returns an error to the queue.
func (m *Monitor) inc(h *handle) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn().
				Err(fmt.Errorf("%w: %v", qerrors.ErrTransientMetric, r)).
				Str("metric", h.name).
				Msg("counter increment dropped")
		}
	}()
	m.resolve(h).Inc()
}

// RegisterGauges registers queue.depth, unacked.depth, last.poll.age and
// last.redelivery.check.age, and resolves the four counters so that any naming
// conflict surfaces now. Only the first call does any work.
//
// The gauges are bound to this monitor's State. A later monitor registering
// the same queue name and tags on the registry takes the series over.
//
// A non-nil error is a RegistrationError and the queue must not start.
func (m *Monitor) RegisterGauges() error {
	m.gauges.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				m.gaugesErr = &qerrors.RegistrationError{Name: MetricQueueDepth, Kind: string(metrics.KindGauge), Err: fmt.Errorf("registration panicked: %v", r)}
			}
			m.enabled.Store(m.gaugesErr == nil)
		}()
		m.gaugesErr = m.register()
	})
	return m.gaugesErr
}

// MetricsEnabled reports whether RegisterGauges succeeded.
func (m *Monitor) MetricsEnabled() bool {
	return m.enabled.Load()
}

func (m *Monitor) register() error {
	if m.registry == nil {
		return &qerrors.RegistrationError{Name: MetricQueueDepth, Kind: string(metrics.KindGauge), Err: errors.New("registry is nil")}
	}
	if m.state == nil {
		return &qerrors.RegistrationError{Name: MetricQueueDepth, Kind: string(metrics.KindGauge), Err: errors.New("queue state is nil")}
	}

	for _, h := range []*handle{&m.pushed, &m.acked, &m.retried, &m.dead} {
		m.resolve(h)
		if h.err != nil {
			return h.err
		}
	}

	gauges := []struct {
		name string
		read func() float64
	}{
		{MetricQueueDepth, func() float64 { return float64(m.state.QueueDepth()) }},
		{MetricUnackedDepth, func() float64 { return float64(m.state.UnackedDepth()) }},
		{MetricLastPollAge, func() float64 { return m.age(m.state.LastQueuePoll) }},
		{MetricLastRedeliveryAge, func() float64 { return m.age(m.state.LastRedeliveryPoll) }},
	}
	for _, g := range gauges {
		if err := m.registry.Gauge(g.name, m.guard(g.name, g.read), m.tags...); err != nil {
			return err
		}
	}
	return nil
}

// age is now minus the last cycle time in milliseconds, measured from Epoch
// when the cycle never ran.
func (m *Monitor) age(last func() (time.Time, bool)) float64 {
	t, ok := last()
	if !ok {
		t = Epoch
	}
	return float64(m.clock.Now().Sub(t).Milliseconds())
}

// guard turns a panicking accessor into NaN plus a warning.
func (m *Monitor) guard(name string, read func() float64) metrics.GaugeFunc {
	return func() (v float64) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Warn().
					Err(fmt.Errorf("%w: %v", qerrors.ErrTransientMetric, r)).
					Str("metric", name).
					Msg("gauge read failed")
				v = math.NaN()
			}
		}()
		return read()
	}
}

// LastQueuePollAge evaluates the last.poll.age gauge without a registry.
func (m *Monitor) LastQueuePollAge() time.Duration {
	return time.Duration(m.age(m.state.LastQueuePoll)) * time.Millisecond
}

// LastRedeliveryPollAge evaluates the last.redelivery.check.age gauge without a registry.
func (m *Monitor) LastRedeliveryPollAge() time.Duration {
	return time.Duration(m.age(m.state.LastRedeliveryPoll)) * time.Millisecond
}
