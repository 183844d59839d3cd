// Package promexport aggregates call throughput, errors and latency from
// finished callz spans into Prometheus metrics.
//
// Only spans selected by callz.Sampled are counted, so the analytics setting
// of each call site decides what reaches the dashboards.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zoobzio/callz"
)

// Namespace prefixes every metric name.
const Namespace = "callz"

// Metrics holds the call metrics fed by finished spans.
type Metrics struct {
	// CallsTotal counts sampled calls by service, action and outcome.
	CallsTotal *prometheus.CounterVec
	// ErrorsTotal counts sampled failed calls by service, action and error type.
	ErrorsTotal *prometheus.CounterVec
	// CallDuration observes sampled call latency in seconds.
	CallDuration *prometheus.HistogramVec
	// Skipped counts spans that analytics excluded.
	Skipped prometheus.Counter
}

// NewMetrics registers the call metrics with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "calls_total",
				Help:      "Total number of sampled inter-service calls",
			},
			[]string{"service", "action", "status"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "errors_total",
				Help:      "Total number of sampled failed inter-service calls",
			},
			[]string{"service", "action", "type"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "call_duration_seconds",
				Help:      "Inter-service call duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "action"},
		),
		Skipped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "unsampled_spans_total",
				Help:      "Finished spans excluded from aggregation by analytics",
			},
		),
	}
}

// ExportSpan records span if analytics selected it.
func (m *Metrics) ExportSpan(span callz.Span) {
	if !callz.Sampled(span) {
		m.Skipped.Inc()
		return
	}

	service, _ := span.Tags[callz.TagService].(string)
	action := span.Resource

	status := "ok"
	if span.Errored {
		status = "error"
		errType := "unknown"
		if span.Error != nil && span.Error.Type != "" {
			errType = span.Error.Type
		}
		m.ErrorsTotal.WithLabelValues(service, action, errType).Inc()
	}

	m.CallsTotal.WithLabelValues(service, action, status).Inc()
	m.CallDuration.WithLabelValues(service, action).Observe(span.Duration.Seconds())
}
