package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelRegistry exposes metrics through an OpenTelemetry Meter.
//
// Names keep their dotted form. Each name owns one asynchronous instrument
// whose callback observes every tag set registered under it, so counters become
// Int64ObservableCounter and gauges Float64ObservableGauge.
type OTelRegistry struct {
	table
	meter metric.Meter
}

// NewOTelRegistry creates a registry on meter.
func NewOTelRegistry(meter metric.Meter) *OTelRegistry {
	return &OTelRegistry{table: newTable(), meter: meter}
}

// Counter returns the counter for name and tags, creating the instrument on
// first use of name.
func (r *OTelRegistry) Counter(name string, tags ...Tag) (Counter, error) {
	s, _, err := r.lookup(name, KindCounter, tags, func(f *family, s *series) error {
		s.counter = &atomicCounter{}
		if len(f.series) > 0 {
			return nil
		}
		_, err := r.meter.Int64ObservableCounter(name,
			metric.WithDescription(help(KindCounter, name)),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				r.each(name, func(s *series) {
					o.Observe(s.counter.Count(), metric.WithAttributes(attributes(s.tags)...))
				})
				return nil
			}),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.counter, nil
}

// Gauge registers fn under name and tags. An existing series is rebound to fn.
func (r *OTelRegistry) Gauge(name string, fn GaugeFunc, tags ...Tag) error {
	s, isNew, err := r.lookup(name, KindGauge, tags, func(f *family, s *series) error {
		s.bind(fn)
		if len(f.series) > 0 {
			return nil
		}
		_, err := r.meter.Float64ObservableGauge(name,
			metric.WithDescription(help(KindGauge, name)),
			metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
				var gauges []*series
				r.each(name, func(s *series) { gauges = append(gauges, s) })
				for _, s := range gauges {
					o.Observe(s.read(), metric.WithAttributes(attributes(s.tags)...))
				}
				return nil
			}),
		)
		return err
	})
	if err != nil {
		return err
	}
	if !isNew {
		s.bind(fn)
	}
	return nil
}

func attributes(tags []Tag) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, len(tags))
	for i, t := range tags {
		out[i] = attribute.String(t.Key, t.Value)
	}
	return out
}
