// Package metrics exports cache events to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/krisalay/query-cache/types"
)

// Event label values of the events counter.
const (
	EventHit        = "hit"
	EventMiss       = "miss"
	EventPublish    = "publish"
	EventDecline    = "decline"
	EventInvalidate = "invalidate"
	EventDiscard    = "discard"
)

// Prometheus implements types.Metrics with counters on a private registry.
type Prometheus struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec

	hit        prometheus.Counter
	miss       prometheus.Counter
	publish    prometheus.Counter
	decline    prometheus.Counter
	invalidate prometheus.Counter
	discard    prometheus.Counter
}

var _ types.Metrics = (*Prometheus)(nil)

// NewPrometheus creates the collector. Each instance has its own registry, so
// several caches (or tests) never collide on registration.
func NewPrometheus(namespace string) *Prometheus {
	registry := prometheus.NewRegistry()

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query_cache",
			Name:      "events_total",
			Help:      "Cache events by kind: hit, miss, publish, decline, invalidate, discard.",
		},
		[]string{"event"},
	)
	registry.MustRegister(events)

	return &Prometheus{
		registry:   registry,
		events:     events,
		hit:        events.WithLabelValues(EventHit),
		miss:       events.WithLabelValues(EventMiss),
		publish:    events.WithLabelValues(EventPublish),
		decline:    events.WithLabelValues(EventDecline),
		invalidate: events.WithLabelValues(EventInvalidate),
		discard:    events.WithLabelValues(EventDiscard),
	}
}

func (p *Prometheus) Hit()        { p.hit.Inc() }
func (p *Prometheus) Miss()       { p.miss.Inc() }
func (p *Prometheus) Publish()    { p.publish.Inc() }
func (p *Prometheus) Decline()    { p.decline.Inc() }
func (p *Prometheus) Invalidate() { p.invalidate.Inc() }
func (p *Prometheus) Discard()    { p.discard.Inc() }

// Count returns the current value for one event label. Intended for reports and tests.
func (p *Prometheus) Count(event string) float64 {
	var m dto.Metric
	if err := p.events.WithLabelValues(event).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Registry returns the private registry, e.g. to add process collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
