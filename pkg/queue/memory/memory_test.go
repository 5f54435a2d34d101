package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vnykmshr/queuemon/internal/testutil"
	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
	"github.com/vnykmshr/queuemon/pkg/metrics"
	"github.com/vnykmshr/queuemon/pkg/queue"
)

var tag = metrics.Tag{Key: "queue", Value: "jobs"}

type fixture struct {
	q     *Queue
	reg   *metrics.MemoryRegistry
	clock *testutil.MockClock
	dead  *testutil.CallbackTracker
}

func newFixture(t *testing.T, mutate ...func(*queue.Config)) *fixture {
	t.Helper()
	f := &fixture{
		reg:   metrics.NewMemoryRegistry(),
		clock: testutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		dead:  testutil.NewCallbackTracker(),
	}
	config := queue.DefaultConfig()
	config.Registry = f.reg
	config.Clock = f.clock
	config.DeadLetter = func(_ context.Context, m queue.Message) { f.dead.Mark(m.ID) }
	for _, fn := range mutate {
		fn(&config)
	}
	q, err := NewWithConfig("jobs", config)
	testutil.AssertNoError(t, err)
	f.q = q
	return f
}

func (f *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	v, ok := f.reg.CounterValue(name, tag)
	if !ok {
		t.Fatalf("counter %s not registered", name)
	}
	return v
}

func (f *fixture) gauge(t *testing.T, name string) float64 {
	t.Helper()
	v, ok := f.reg.GaugeValue(name, tag)
	if !ok {
		t.Fatalf("gauge %s not registered", name)
	}
	return v
}

func (f *fixture) push(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		id, err := f.q.Push(context.Background(), []byte("job"), 0)
		testutil.AssertNoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.push(t, 5)
	testutil.AssertEqual(t, f.counter(t, queue.MetricPushed), int64(5))
	testutil.AssertEqual(t, f.gauge(t, queue.MetricQueueDepth), 5.0)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricUnackedDepth), 0.0)

	msgs, err := f.q.Poll(ctx, 2)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(msgs), 2)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricUnackedDepth), 2.0)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricQueueDepth), 3.0)

	testutil.AssertNoError(t, f.q.Ack(ctx, msgs[0].ID))
	testutil.AssertNoError(t, f.q.Nack(ctx, msgs[1].ID))
	testutil.AssertEqual(t, f.counter(t, queue.MetricAcknowledged), int64(1))
	testutil.AssertEqual(t, f.counter(t, queue.MetricRetried), int64(1))
	testutil.AssertEqual(t, f.gauge(t, queue.MetricUnackedDepth), 0.0)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricQueueDepth), 4.0)
}

func TestFailedPushNotCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.q.Push(ctx, nil, 0)
	if !qerrors.IsValidationError(err) {
		t.Fatalf("nil payload: expected ValidationError, got %v", err)
	}

	f.push(t, 2)
	testutil.AssertNoError(t, f.q.Close())
	if _, err := f.q.Push(ctx, []byte("late"), 0); !errors.Is(err, qerrors.ErrClosed) {
		t.Fatalf("push after close: expected ErrClosed, got %v", err)
	}
	testutil.AssertEqual(t, f.counter(t, queue.MetricPushed), int64(2))
}

func TestRedeliveriesCountAttempts(t *testing.T) {
	const k = 3
	f := newFixture(t)
	ctx := context.Background()
	f.push(t, 1)

	for i := 0; i < k; i++ {
		msgs, err := f.q.Poll(ctx, 1)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, len(msgs), 1)
		testutil.AssertEqual(t, msgs[0].Redeliveries, i)
		testutil.AssertNoError(t, f.q.Nack(ctx, msgs[0].ID))
	}

	testutil.AssertEqual(t, f.counter(t, queue.MetricRetried), int64(k))
	testutil.AssertEqual(t, f.counter(t, queue.MetricDead), int64(0))
}

func TestDeadMessageCountedOnce(t *testing.T) {
	f := newFixture(t, func(c *queue.Config) { c.MaxRedeliveries = 2 })
	ctx := context.Background()
	ids := f.push(t, 1)

	for i := 0; i < 3; i++ {
		msgs, err := f.q.Poll(ctx, 1)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, len(msgs), 1)
		testutil.AssertNoError(t, f.q.Nack(ctx, msgs[0].ID))
	}

	testutil.AssertEqual(t, f.counter(t, queue.MetricRetried), int64(2))
	testutil.AssertEqual(t, f.counter(t, queue.MetricDead), int64(1))
	f.dead.AssertCallCount(t, 1)
	testutil.AssertEqual(t, f.dead.Values()[0], any(ids[0]))

	msgs, err := f.q.Poll(ctx, 10)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(msgs), 0)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricQueueDepth), 0.0)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricUnackedDepth), 0.0)

	if err := f.q.Nack(ctx, ids[0]); !errors.Is(err, qerrors.ErrUnknownMessage) {
		t.Fatalf("nack of dead message: expected ErrUnknownMessage, got %v", err)
	}
	testutil.AssertEqual(t, f.counter(t, queue.MetricRetried), int64(2))
	testutil.AssertEqual(t, f.counter(t, queue.MetricDead), int64(1))
}

func TestZeroRedeliveriesDeadLettersImmediately(t *testing.T) {
	f := newFixture(t, func(c *queue.Config) { c.MaxRedeliveries = 0 })
	ctx := context.Background()
	f.push(t, 1)

	msgs, err := f.q.Poll(ctx, 1)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, f.q.Nack(ctx, msgs[0].ID))
	testutil.AssertEqual(t, f.counter(t, queue.MetricRetried), int64(0))
	testutil.AssertEqual(t, f.counter(t, queue.MetricDead), int64(1))
}

func TestAgeBeforeFirstPoll(t *testing.T) {
	f := newFixture(t)
	want := float64(f.clock.Now().Sub(time.Unix(0, 0)).Milliseconds())
	testutil.AssertEqual(t, f.gauge(t, queue.MetricLastPollAge), want)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricLastRedeliveryAge), want)
}

func TestEmptyPollStillMarksCycle(t *testing.T) {
	f := newFixture(t)
	msgs, err := f.q.Poll(context.Background(), 1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(msgs), 0)

	f.clock.Advance(250 * time.Millisecond)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricLastPollAge), 250.0)
}

func TestRegisterGaugesTwiceSingleSeries(t *testing.T) {
	f := newFixture(t)
	testutil.AssertNoError(t, f.q.Monitor().RegisterGauges())
	testutil.AssertEqual(t, f.reg.SeriesCount(queue.MetricQueueDepth), 1)
	testutil.AssertEqual(t, f.q.Monitor().MetricsEnabled(), true)
}

func TestDelayedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.q.Push(ctx, []byte("later"), time.Minute)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, f.q.QueueDepth(), 1)

	msgs, err := f.q.Poll(ctx, 1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(msgs), 0)

	f.clock.Advance(time.Minute)
	msgs, err = f.q.Poll(ctx, 1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(msgs), 1)
	testutil.AssertEqual(t, string(msgs[0].Payload), "later")
}

func TestPollOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	late, _ := f.q.Push(ctx, []byte("late"), 2*time.Second)
	first, _ := f.q.Push(ctx, []byte("first"), 0)
	second, _ := f.q.Push(ctx, []byte("second"), 0)
	f.clock.Advance(3 * time.Second)

	msgs, err := f.q.Poll(ctx, 3)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(msgs), 3)
	testutil.AssertEqual(t, msgs[0].ID, first)
	testutil.AssertEqual(t, msgs[1].ID, second)
	testutil.AssertEqual(t, msgs[2].ID, late)
}

func TestRetrySweepsExpiredDeadlines(t *testing.T) {
	f := newFixture(t, func(c *queue.Config) { c.AckTimeout = 10 * time.Second })
	ctx := context.Background()
	f.push(t, 2)

	msgs, err := f.q.Poll(ctx, 2)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, f.q.Ack(ctx, msgs[0].ID))

	f.clock.Advance(5 * time.Second)
	testutil.AssertNoError(t, f.q.Retry(ctx))
	testutil.AssertEqual(t, f.q.UnackedDepth(), 1)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricLastRedeliveryAge), 0.0)

	f.clock.Advance(5 * time.Second)
	testutil.AssertNoError(t, f.q.Retry(ctx))
	testutil.AssertEqual(t, f.q.UnackedDepth(), 0)
	testutil.AssertEqual(t, f.q.QueueDepth(), 1)
	testutil.AssertEqual(t, f.counter(t, queue.MetricRetried), int64(1))

	if err := f.q.Ack(ctx, msgs[1].ID); !errors.Is(err, qerrors.ErrUnknownMessage) {
		t.Fatalf("ack after sweep: expected ErrUnknownMessage, got %v", err)
	}
	testutil.AssertEqual(t, f.counter(t, queue.MetricAcknowledged), int64(1))
}

func TestUnknownMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.push(t, 1)

	for _, op := range []func(context.Context, string) error{f.q.Ack, f.q.Nack} {
		if err := op(ctx, ids[0]); !errors.Is(err, qerrors.ErrUnknownMessage) {
			t.Fatalf("expected ErrUnknownMessage for undelivered message, got %v", err)
		}
	}
	testutil.AssertEqual(t, f.counter(t, queue.MetricAcknowledged), int64(0))
	testutil.AssertEqual(t, f.counter(t, queue.MetricRetried), int64(0))
}

func TestClosedQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.AssertNoError(t, f.q.Close())
	testutil.AssertNoError(t, f.q.Close())

	if _, err := f.q.Poll(ctx, 1); !errors.Is(err, qerrors.ErrClosed) {
		t.Fatalf("poll: expected ErrClosed, got %v", err)
	}
	if err := f.q.Retry(ctx); !errors.Is(err, qerrors.ErrClosed) {
		t.Fatalf("retry: expected ErrClosed, got %v", err)
	}
	if err := f.q.Ack(ctx, "x"); !errors.Is(err, qerrors.ErrClosed) {
		t.Fatalf("ack: expected ErrClosed, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(""); !qerrors.IsValidationError(err) {
		t.Fatalf("empty name: expected ValidationError, got %v", err)
	}

	config := queue.DefaultConfig()
	config.AckTimeout = 0
	if _, err := NewWithConfig("jobs", config); !qerrors.IsValidationError(err) {
		t.Fatalf("zero ack timeout: expected ValidationError, got %v", err)
	}

	config = queue.DefaultConfig()
	config.MaxRedeliveries = -1
	if _, err := NewWithConfig("jobs", config); !qerrors.IsValidationError(err) {
		t.Fatalf("negative redeliveries: expected ValidationError, got %v", err)
	}
}

func TestNewFailsOnMetricCollision(t *testing.T) {
	reg := metrics.NewMemoryRegistry()
	_, err := reg.Counter(queue.MetricQueueDepth, tag)
	testutil.AssertNoError(t, err)

	config := queue.DefaultConfig()
	config.Registry = reg
	if _, err := NewWithConfig("jobs", config); !qerrors.IsRegistrationError(err) {
		t.Fatalf("expected RegistrationError, got %v", err)
	}
}

func TestRecreatedQueueOwnsGauges(t *testing.T) {
	f := newFixture(t)
	f.push(t, 1)
	testutil.AssertNoError(t, f.q.Close())

	config := queue.DefaultConfig()
	config.Registry = f.reg
	config.Clock = f.clock
	q, err := NewWithConfig("jobs", config)
	testutil.AssertNoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Push(context.Background(), []byte("job"), 0)
		testutil.AssertNoError(t, err)
	}
	_, err = q.Poll(context.Background(), 1)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, f.gauge(t, queue.MetricQueueDepth), 2.0)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricUnackedDepth), 1.0)
	testutil.AssertEqual(t, f.gauge(t, queue.MetricLastPollAge), 0.0)
	testutil.AssertEqual(t, f.reg.SeriesCount(queue.MetricQueueDepth), 1)
	testutil.AssertEqual(t, f.counter(t, queue.MetricPushed), int64(4))
}

type panickingRegistry struct{ *metrics.MemoryRegistry }

func (panickingRegistry) Gauge(string, metrics.GaugeFunc, ...metrics.Tag) error {
	panic("exporter down")
}

func TestNewReturnsErrorOnRegistryPanic(t *testing.T) {
	config := queue.DefaultConfig()
	config.Registry = panickingRegistry{metrics.NewMemoryRegistry()}
	if _, err := NewWithConfig("jobs", config); !qerrors.IsRegistrationError(err) {
		t.Fatalf("expected RegistrationError, got %v", err)
	}
}

func TestAsMonitored(t *testing.T) {
	q, err := New("jobs")
	testutil.AssertNoError(t, err)
	mq, ok := queue.AsMonitored(q)
	if !ok || mq.Monitor() == nil {
		t.Fatal("memory queue should implement MonitoredQueue")
	}
}

func TestNoDoubleCounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if _, err := f.q.Push(ctx, []byte("x"), 0); err != nil {
				t.Errorf("push: %v", err)
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		acked := 0
		for acked < n {
			msgs, err := f.q.Poll(ctx, 10)
			if err != nil {
				t.Errorf("poll: %v", err)
				return
			}
			for _, m := range msgs {
				if err := f.q.Ack(ctx, m.ID); err != nil {
					t.Errorf("ack: %v", err)
					return
				}
				acked++
			}
		}
	}()

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ready, unacked := f.q.depth.Load()
			if ready+unacked > n {
				t.Errorf("inconsistent read: ready=%d unacked=%d", ready, unacked)
				return
			}
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()

	testutil.AssertEqual(t, f.q.QueueDepth(), 0)
	testutil.AssertEqual(t, f.q.UnackedDepth(), 0)
	testutil.AssertEqual(t, f.counter(t, queue.MetricPushed), int64(n))
	testutil.AssertEqual(t, f.counter(t, queue.MetricAcknowledged), int64(n))
}
