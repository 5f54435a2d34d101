package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
)

// Kind is the type of a metric.
type Kind string

const (
	KindCounter Kind = "counter"
	KindGauge   Kind = "gauge"
)

// Tag is a single key/value dimension attached to a metric.
type Tag struct {
	Key   string
	Value string
}

// Counter is a monotonically non-decreasing count.
// Implementations must be safe for concurrent use and must not block.
type Counter interface {
	// Inc increments the counter by one.
	Inc()
	// Add increments the counter by delta. Negative deltas are ignored.
	Add(delta int64)
	// Count returns the current value.
	Count() int64
}

// GaugeFunc computes a gauge value on every read.
type GaugeFunc func() float64

// Registry maps a metric name and tag set to a counter or gauge.
//
// Lookups are idempotent: asking twice for the same name and tags returns the
// same Counter and never creates a second series. Registering a gauge for an
// existing name and tags rebinds the series to the new function, so a queue
// rebuilt under the same name reports its own state rather than its
// predecessor's. Using a name for both kinds fails with a RegistrationError.
type Registry interface {
	Counter(name string, tags ...Tag) (Counter, error)
	Gauge(name string, fn GaugeFunc, tags ...Tag) error
}

// atomicCounter is the Counter used by the memory and OpenTelemetry backends.
type atomicCounter struct {
	v atomic.Int64
}

func (c *atomicCounter) Inc() { c.v.Add(1) }

func (c *atomicCounter) Add(delta int64) {
	if delta > 0 {
		c.v.Add(delta)
	}
}

func (c *atomicCounter) Count() int64 { return c.v.Load() }

// series is one name+tags combination.
type series struct {
	tags      []Tag
	counter   Counter
	gauge     atomic.Pointer[GaugeFunc]
	collector any
}

// bind points the series at fn. Readers pick it up on their next read.
func (s *series) bind(fn GaugeFunc) {
	s.gauge.Store(&fn)
}

// read evaluates the bound gauge function, or NaN when none is bound.
func (s *series) read() float64 {
	fn := s.gauge.Load()
	if fn == nil || *fn == nil {
		return math.NaN()
	}
	return (*fn)()
}

// family groups every series sharing a name.
type family struct {
	name   string
	kind   Kind
	series map[string]*series
	order  []string
}

// table is the bookkeeping shared by every backend: it enforces one kind per
// name and hands out at most one series per name+tags.
type table struct {
	mu       sync.RWMutex
	families map[string]*family
}

func newTable() table {
	return table{families: make(map[string]*family)}
}

// lookup returns the existing series, or creates one by calling create with
// the family lock held. isNew reports whether create ran.
func (t *table) lookup(name string, kind Kind, tags []Tag, create func(f *family, s *series) error) (s *series, isNew bool, err error) {
	if strings.TrimSpace(name) == "" {
		return nil, false, &qerrors.RegistrationError{Name: name, Kind: string(kind), Err: fmt.Errorf("name cannot be empty")}
	}
	tags = normalizeTags(tags)
	key := tagKey(tags)

	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.families[name]
	if ok && f.kind != kind {
		return nil, false, &qerrors.RegistrationError{
			Name: name,
			Kind: string(kind),
			Err:  fmt.Errorf("name already registered as %s", f.kind),
		}
	}
	if ok {
		if existing, found := f.series[key]; found {
			return existing, false, nil
		}
	} else {
		f = &family{name: name, kind: kind, series: make(map[string]*series)}
	}

	s = &series{tags: tags}
	if err := create(f, s); err != nil {
		return nil, false, &qerrors.RegistrationError{Name: name, Kind: string(kind), Err: err}
	}
	if !ok {
		t.families[name] = f
	}
	f.series[key] = s
	f.order = append(f.order, key)
	return s, true, nil
}

// each calls fn for every series of the named family in registration order.
func (t *table) each(name string, fn func(s *series)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.families[name]
	if !ok {
		return
	}
	for _, key := range f.order {
		fn(f.series[key])
	}
}

func (t *table) find(name string, kind Kind, tags []Tag) (*series, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.families[name]
	if !ok || f.kind != kind {
		return nil, false
	}
	s, ok := f.series[tagKey(normalizeTags(tags))]
	return s, ok
}

// normalizeTags returns a sorted copy; later duplicates of a key win.
func normalizeTags(tags []Tag) []Tag {
	if len(tags) == 0 {
		return nil
	}
	byKey := make(map[string]string, len(tags))
	for _, t := range tags {
		byKey[t.Key] = t.Value
	}
	out := make([]Tag, 0, len(byKey))
	for k, v := range byKey {
		out = append(out, Tag{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func tagKey(tags []Tag) string {
	var b strings.Builder
	for i, t := range tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(t.Key)
		b.WriteByte('=')
		b.WriteString(t.Value)
	}
	return b.String()
}

// NopRegistry hands out working counters that are not exported anywhere and
// discards gauges. It is what a disabled Config builds.
type NopRegistry struct{}

func (NopRegistry) Counter(name string, tags ...Tag) (Counter, error) {
	return &atomicCounter{}, nil
}

func (NopRegistry) Gauge(name string, fn GaugeFunc, tags ...Tag) error {
	return nil
}
