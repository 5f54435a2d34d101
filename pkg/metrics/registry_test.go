package metrics

import (
	"errors"
	"sync"
	"testing"

	"github.com/vnykmshr/queuemon/internal/testutil"
	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
)

func TestMemoryRegistryCounterIdempotent(t *testing.T) {
	reg := NewMemoryRegistry()
	tag := Tag{Key: "queue", Value: "orders"}

	first, err := reg.Counter("queue.pushed.messages", tag)
	testutil.AssertNoError(t, err)
	second, err := reg.Counter("queue.pushed.messages", tag)
	testutil.AssertNoError(t, err)

	if first != second {
		t.Fatal("same name and tags must return the same counter instance")
	}

	first.Inc()
	second.Add(2)
	testutil.AssertEqual(t, first.Count(), int64(3))
	testutil.AssertEqual(t, reg.SeriesCount("queue.pushed.messages"), 1)
}

func TestMemoryRegistryTagsDistinguishSeries(t *testing.T) {
	reg := NewMemoryRegistry()

	a, err := reg.Counter("queue.acknowledged.messages", Tag{Key: "queue", Value: "a"})
	testutil.AssertNoError(t, err)
	b, err := reg.Counter("queue.acknowledged.messages", Tag{Key: "queue", Value: "b"})
	testutil.AssertNoError(t, err)

	if a == b {
		t.Fatal("different tags must produce different counters")
	}
	a.Inc()
	testutil.AssertEqual(t, b.Count(), int64(0))
	testutil.AssertEqual(t, reg.SeriesCount("queue.acknowledged.messages"), 2)
}

func TestMemoryRegistryTagOrderIrrelevant(t *testing.T) {
	reg := NewMemoryRegistry()

	a, _ := reg.Counter("c", Tag{Key: "x", Value: "1"}, Tag{Key: "y", Value: "2"})
	b, _ := reg.Counter("c", Tag{Key: "y", Value: "2"}, Tag{Key: "x", Value: "1"})
	if a != b {
		t.Fatal("tag order must not create a new series")
	}
}

func TestMemoryRegistryGaugeRebinds(t *testing.T) {
	reg := NewMemoryRegistry()
	tag := Tag{Key: "queue", Value: "jobs"}

	testutil.AssertNoError(t, reg.Gauge("queue.depth", func() float64 { return 1 }, tag))
	testutil.AssertNoError(t, reg.Gauge("queue.depth", func() float64 { return 2 }, tag))

	v, ok := reg.GaugeValue("queue.depth", tag)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, v, 2.0)
	testutil.AssertEqual(t, reg.SeriesCount("queue.depth"), 1)

	samples := reg.Snapshot()
	testutil.AssertEqual(t, len(samples), 1)
	testutil.AssertEqual(t, samples[0].Value, 2.0)
}

func TestMemoryRegistryGaugeRebindConcurrentWithReads(t *testing.T) {
	reg := NewMemoryRegistry()
	testutil.AssertNoError(t, reg.Gauge("queue.depth", func() float64 { return 0 }))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			v := float64(i)
			_ = reg.Gauge("queue.depth", func() float64 { return v })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			reg.GaugeValue("queue.depth")
		}
	}()
	wg.Wait()

	v, _ := reg.GaugeValue("queue.depth")
	testutil.AssertEqual(t, v, 200.0)
}

func TestMemoryRegistryGaugeIsLazy(t *testing.T) {
	reg := NewMemoryRegistry()
	calls := 0
	testutil.AssertNoError(t, reg.Gauge("unacked.depth", func() float64 {
		calls++
		return float64(calls)
	}))
	testutil.AssertEqual(t, calls, 0)

	v1, _ := reg.GaugeValue("unacked.depth")
	v2, _ := reg.GaugeValue("unacked.depth")
	testutil.AssertEqual(t, v1, 1.0)
	testutil.AssertEqual(t, v2, 2.0)
}

func TestMemoryRegistryKindCollision(t *testing.T) {
	reg := NewMemoryRegistry()

	_, err := reg.Counter("queue.depth")
	testutil.AssertNoError(t, err)

	err = reg.Gauge("queue.depth", func() float64 { return 0 })
	if !qerrors.IsRegistrationError(err) {
		t.Fatalf("expected RegistrationError, got %v", err)
	}
	if !errors.Is(err, qerrors.ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}

	testutil.AssertNoError(t, reg.Gauge("last.poll.age", func() float64 { return 0 }))
	_, err = reg.Counter("last.poll.age")
	if !qerrors.IsRegistrationError(err) {
		t.Fatalf("expected RegistrationError, got %v", err)
	}
}

func TestMemoryRegistryEmptyName(t *testing.T) {
	reg := NewMemoryRegistry()
	_, err := reg.Counter("  ")
	if !qerrors.IsRegistrationError(err) {
		t.Fatalf("expected RegistrationError, got %v", err)
	}
}

func TestCounterIgnoresNegativeDelta(t *testing.T) {
	reg := NewMemoryRegistry()
	c, _ := reg.Counter("queue.retried.messages")
	c.Add(5)
	c.Add(-3)
	c.Add(0)
	testutil.AssertEqual(t, c.Count(), int64(5))
}

func TestMemoryRegistryConcurrentLookup(t *testing.T) {
	reg := NewMemoryRegistry()

	const goroutines = 20
	const incs = 500
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < incs; j++ {
				c, err := reg.Counter("queue.pushed.messages")
				if err != nil {
					t.Error(err)
					return
				}
				c.Inc()
			}
		}()
	}
	wg.Wait()

	v, _ := reg.CounterValue("queue.pushed.messages")
	testutil.AssertEqual(t, v, int64(goroutines*incs))
}

func TestMemoryRegistrySnapshot(t *testing.T) {
	reg := NewMemoryRegistry()
	c, _ := reg.Counter("queue.dead.messages", Tag{Key: "queue", Value: "q"})
	c.Add(2)
	_ = reg.Gauge("queue.depth", func() float64 { return 9 }, Tag{Key: "queue", Value: "q"})

	samples := reg.Snapshot()
	testutil.AssertEqual(t, len(samples), 2)

	byName := make(map[string]Sample)
	for _, s := range samples {
		byName[s.Name] = s
	}
	testutil.AssertEqual(t, byName["queue.dead.messages"].Kind, KindCounter)
	testutil.AssertEqual(t, byName["queue.dead.messages"].Value, 2.0)
	testutil.AssertEqual(t, byName["queue.depth"].Kind, KindGauge)
	testutil.AssertEqual(t, byName["queue.depth"].Value, 9.0)
	testutil.AssertEqual(t, byName["queue.depth"].Tags[0], Tag{Key: "queue", Value: "q"})
}

func TestMemoryRegistryMissing(t *testing.T) {
	reg := NewMemoryRegistry()
	if _, ok := reg.CounterValue("nope"); ok {
		t.Error("missing counter should report false")
	}
	if _, ok := reg.GaugeValue("nope"); ok {
		t.Error("missing gauge should report false")
	}
}

func TestNopRegistry(t *testing.T) {
	var reg Registry = NopRegistry{}
	c, err := reg.Counter("queue.pushed.messages")
	testutil.AssertNoError(t, err)
	c.Inc()
	testutil.AssertEqual(t, c.Count(), int64(1))
	testutil.AssertNoError(t, reg.Gauge("queue.depth", func() float64 { return 0 }))
}
