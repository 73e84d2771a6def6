// Package metrics provides Prometheus instrumentation for the transport:
// call counters by kind and ref, error counters, an active-subscriptions
// gauge, and a reconnect counter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the Prometheus metrics.
type Config struct {
	// Namespace is the metrics namespace (default: "liveq").
	Namespace string

	// Subsystem is the metrics subsystem (default: "transport").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures the metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) { c.Subsystem = subsystem }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// Metrics holds the transport's Prometheus collectors.
type Metrics struct {
	CallsTotal          *prometheus.CounterVec
	CallErrors          *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	ReconnectsTotal     prometheus.Counter
	TransportErrors     prometheus.Counter
}

// New registers and returns the transport metrics.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "liveq",
		Subsystem: "transport",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "calls_total",
			Help:        "Total calls by kind (query, mutation, action) and function ref.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind", "ref"}),
		CallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "call_errors_total",
			Help:        "Total failed calls by kind.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "active_subscriptions",
			Help:        "Currently active live subscriptions.",
			ConstLabels: cfg.ConstLabels,
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "reconnects_total",
			Help:        "Total WebSocket reconnects.",
			ConstLabels: cfg.ConstLabels,
		}),
		TransportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "errors_total",
			Help:        "Total transport-level errors (decode failures, write failures).",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}
