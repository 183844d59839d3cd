package callz

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
)

// Analytics decides whether spans of a call site count toward throughput and
// latency aggregation. The zero value disables it.
type Analytics struct {
	// Rate is the share of spans to count. Nil with Enabled counts all of them.
	Rate    *float64
	Enabled bool
}

// AnalyticsEnabled counts every span.
func AnalyticsEnabled() Analytics {
	return Analytics{Enabled: true}
}

// AnalyticsRate counts the given share of spans.
func AnalyticsRate(rate float64) Analytics {
	return Analytics{Enabled: true, Rate: &rate}
}

// SampleRate returns the rate to stamp and whether anything should be stamped.
func (a Analytics) SampleRate() (float64, bool, error) {
	if !a.Enabled {
		return 0, false, nil
	}
	if a.Rate == nil {
		return 1, true, nil
	}
	rate := *a.Rate
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return 0, false, fmt.Errorf("%w: got %v", ErrInvalidSampleRate, rate)
	}
	return rate, true, nil
}

func (a Analytics) String() string {
	switch {
	case !a.Enabled:
		return "disabled"
	case a.Rate == nil:
		return "enabled"
	default:
		return strconv.FormatFloat(*a.Rate, 'g', -1, 64)
	}
}

// SampleAnalytics stamps span with the analytics sample rate of cfg.
// It never fails: an invalid configuration is reported as a fault and leaves
// the span untouched.
func SampleAnalytics(span *ActiveSpan, cfg Analytics) {
	if span == nil {
		return
	}
	rate, ok, err := cfg.SampleRate()
	if err != nil {
		span.tracer.fault("invalid analytics configuration", err, span.SpanID())
		return
	}
	if ok {
		span.SetTag(TagAnalyticsRate, rate)
	}
}

// knuthFactor spreads sequential IDs evenly over the uint64 range.
const knuthFactor = uint64(1111111111111111111)

// Sampled reports whether a finished span counts toward metrics aggregation.
// The decision is a deterministic function of the span ID and its stamped rate,
// so every consumer reaches the same answer for the same span.
func Sampled(span Span) bool {
	rate, ok := span.Tags[TagAnalyticsRate].(float64)
	if !ok || rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return spanHash(span.SpanID)*knuthFactor < uint64(rate*math.MaxUint64)
}

func spanHash(spanID string) uint64 {
	if id, err := strconv.ParseUint(spanID, 16, 64); err == nil {
		return id
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(spanID))
	return h.Sum64()
}
