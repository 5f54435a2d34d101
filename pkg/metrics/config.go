package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for metrics collection.
type Config struct {
	// Enabled controls whether metrics collection is active. A disabled config
	// is the explicit override that lets a queue run unobserved.
	Enabled bool

	// Registry is the Prometheus registry to use. If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Namespace is prepended to every exported Prometheus name. Empty by default
	// so queue.depth is exported as queue_depth.
	Namespace string

	// Labels are additional labels to add to all metrics.
	Labels prometheus.Labels
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Registry:  prometheus.DefaultRegisterer,
		Namespace: "",
		Labels:    nil,
	}
}

// NewRegistry builds the Registry described by config.
func NewRegistry(config Config) Registry {
	if !config.Enabled {
		return NopRegistry{}
	}
	return NewPrometheusRegistry(config.Registry, config.Namespace, config.Labels)
}

// Instrumentable is an interface for components that expose metrics through a Registry.
type Instrumentable interface {
	// RegisterGauges binds the component's state to the registry. Calling it
	// again has no further effect and returns the first result.
	RegisterGauges() error

	// MetricsEnabled returns true once gauges have been registered successfully.
	MetricsEnabled() bool
}
