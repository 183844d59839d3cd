package promexport

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/callz"
)

func sampledSpan(resource string, rate float64) callz.Span {
	return callz.Span{
		SpanID:   "00000000000000aa",
		Resource: resource,
		Duration: 20 * time.Millisecond,
		Tags: map[callz.Tag]any{
			callz.TagService:       "posts",
			callz.TagAnalyticsRate: rate,
		},
	}
}

func TestMetricsCountsSampledSpans(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ExportSpan(sampledSpan("posts.find", 1))
	m.ExportSpan(sampledSpan("posts.find", 1))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("posts", "posts.find", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CallDuration))
}

func TestMetricsCountsErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	span := sampledSpan("friends.count", 1)
	span.Tags[callz.TagService] = "friends"
	span.Errored = true
	span.Error = &callz.ErrorTags{Type: "NOT_FOUND", Message: "Friends is not found!"}
	m.ExportSpan(span)

	untyped := sampledSpan("friends.count", 1)
	untyped.Tags[callz.TagService] = "friends"
	untyped.Errored = true
	m.ExportSpan(untyped)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("friends", "friends.count", "NOT_FOUND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("friends", "friends.count", "unknown")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("friends", "friends.count", "error")))
}

func TestMetricsSkipsUnsampled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ExportSpan(callz.Span{Resource: "users.get"})
	m.ExportSpan(sampledSpan("users.get", 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Skipped))
	assert.Equal(t, 0, testutil.CollectAndCount(m.CallsTotal))
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ExportSpan(sampledSpan("posts.find", 1))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"callz_calls_total",
		"callz_call_duration_seconds",
		"callz_unsampled_spans_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}

	assert.Panics(t, func() { NewMetrics(reg) }, "duplicate registration should panic")
}
