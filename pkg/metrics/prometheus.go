package metrics

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
)

// PrometheusRegistry exposes metrics through a prometheus.Registerer.
//
// Dotted names are rewritten into valid Prometheus names, so queue.depth becomes
// <namespace>_queue_depth. Tags become const labels merged over the registry's
// own labels.
type PrometheusRegistry struct {
	table
	reg       prometheus.Registerer
	namespace string
	labels    prometheus.Labels
}

// NewPrometheusRegistry creates a registry on reg. A nil reg means
// prometheus.DefaultRegisterer.
func NewPrometheusRegistry(reg prometheus.Registerer, namespace string, labels prometheus.Labels) *PrometheusRegistry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusRegistry{
		table:     newTable(),
		reg:       reg,
		namespace: namespace,
		labels:    labels,
	}
}

// Counter returns the counter for name and tags, registering it on first use.
// A counter already registered on the underlying Registerer by another
// PrometheusRegistry is reused.
func (r *PrometheusRegistry) Counter(name string, tags ...Tag) (Counter, error) {
	s, _, err := r.lookup(name, KindCounter, tags, func(_ *family, s *series) error {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   r.namespace,
			Name:        PrometheusName(name),
			Help:        help(KindCounter, name),
			ConstLabels: r.constLabels(s.tags),
		})
		if err := r.reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
			existing, ok := are.ExistingCollector.(prometheus.Counter)
			if !ok {
				return err
			}
			c = existing
		}
		s.counter = promCounter{c: c}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.counter, nil
}

// Gauge registers fn as a GaugeFunc. An existing series is rebound to fn. If
// another PrometheusRegistry on the same Registerer owns the series, its
// collector is replaced by this registry's.
func (r *PrometheusRegistry) Gauge(name string, fn GaugeFunc, tags ...Tag) error {
	s, _, err := r.lookup(name, KindGauge, tags, func(_ *family, s *series) error {
		s.collector = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   r.namespace,
			Name:        PrometheusName(name),
			Help:        help(KindGauge, name),
			ConstLabels: r.constLabels(s.tags),
		}, s.read)
		return nil
	})
	if err != nil {
		return err
	}
	s.bind(fn)

	c, _ := s.collector.(prometheus.Collector)
	if err := r.claim(c); err != nil {
		return &qerrors.RegistrationError{Name: name, Kind: string(KindGauge), Err: err}
	}
	return nil
}

// claim registers c, taking the descriptor over from any other collector
// already registered for it.
func (r *PrometheusRegistry) claim(c prometheus.Collector) error {
	err := r.reg.Register(c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	if are.ExistingCollector == c {
		return nil
	}
	r.reg.Unregister(are.ExistingCollector)
	return r.reg.Register(c)
}

func (r *PrometheusRegistry) constLabels(tags []Tag) prometheus.Labels {
	if len(r.labels) == 0 && len(tags) == 0 {
		return nil
	}
	out := make(prometheus.Labels, len(r.labels)+len(tags))
	for k, v := range r.labels {
		out[k] = v
	}
	for _, t := range tags {
		out[PrometheusName(t.Key)] = t.Value
	}
	return out
}

// help differs per kind so that the Prometheus registry itself rejects a
// gauge and a counter sharing a name.
func help(kind Kind, name string) string {
	return "queuemon " + string(kind) + " " + name
}

// PrometheusName maps a dotted metric name to the Prometheus charset
// [a-zA-Z_:][a-zA-Z0-9_:]*.
func PrometheusName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':':
			b.WriteRune(c)
		case c >= '0' && c <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// promCounter adapts prometheus.Counter to Counter.
type promCounter struct {
	c prometheus.Counter
}

func (p promCounter) Inc() { p.c.Inc() }

func (p promCounter) Add(delta int64) {
	if delta > 0 {
		p.c.Add(float64(delta))
	}
}

func (p promCounter) Count() int64 {
	var m dto.Metric
	if err := p.c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}
