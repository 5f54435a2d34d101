package metrics

// Sample is a point-in-time reading of one series.
type Sample struct {
	Name  string
	Kind  Kind
	Tags  []Tag
	Value float64
}

// MemoryRegistry keeps every metric in process. It is safe for concurrent use.
type MemoryRegistry struct {
	table
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{table: newTable()}
}

// Counter returns the counter for name and tags, creating it on first use.
func (r *MemoryRegistry) Counter(name string, tags ...Tag) (Counter, error) {
	s, _, err := r.lookup(name, KindCounter, tags, func(_ *family, s *series) error {
		s.counter = &atomicCounter{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.counter, nil
}

// Gauge registers fn under name and tags. An existing series is rebound to fn.
func (r *MemoryRegistry) Gauge(name string, fn GaugeFunc, tags ...Tag) error {
	s, isNew, err := r.lookup(name, KindGauge, tags, func(_ *family, s *series) error {
		s.bind(fn)
		return nil
	})
	if err != nil {
		return err
	}
	if !isNew {
		s.bind(fn)
	}
	return nil
}

// CounterValue returns the value of a counter, or false if it does not exist.
func (r *MemoryRegistry) CounterValue(name string, tags ...Tag) (int64, bool) {
	s, ok := r.find(name, KindCounter, tags)
	if !ok {
		return 0, false
	}
	return s.counter.Count(), true
}

// GaugeValue evaluates a gauge, or returns false if it does not exist.
func (r *MemoryRegistry) GaugeValue(name string, tags ...Tag) (float64, bool) {
	s, ok := r.find(name, KindGauge, tags)
	if !ok {
		return 0, false
	}
	return s.read(), true
}

// SeriesCount returns how many distinct tag sets exist for name.
func (r *MemoryRegistry) SeriesCount(name string) int {
	n := 0
	r.each(name, func(*series) { n++ })
	return n
}

// Snapshot reads every series. Gauges are evaluated outside the registry lock.
func (r *MemoryRegistry) Snapshot() []Sample {
	type pending struct {
		sample Sample
		s      *series
	}
	r.mu.RLock()
	var all []pending
	for name, f := range r.families {
		for _, key := range f.order {
			s := f.series[key]
			all = append(all, pending{sample: Sample{Name: name, Kind: f.kind, Tags: s.tags}, s: s})
		}
	}
	r.mu.RUnlock()

	out := make([]Sample, 0, len(all))
	for _, p := range all {
		switch p.sample.Kind {
		case KindCounter:
			p.sample.Value = float64(p.s.counter.Count())
		case KindGauge:
			p.sample.Value = p.s.read()
		}
		out = append(out, p.sample)
	}
	return out
}
