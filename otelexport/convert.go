package otelexport

import (
	"fmt"
	"sort"

	"github.com/zoobzio/callz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName identifies callz as the instrumentation scope of exported spans.
const ScopeName = "github.com/zoobzio/callz"

type converter struct {
	resource *resource.Resource
	scope    instrumentation.Scope
}

func newConverter(serviceName string) *converter {
	return &converter{
		resource: resource.NewSchemaless(attribute.String("service.name", serviceName)),
		scope:    instrumentation.Scope{Name: ScopeName},
	}
}

// convert builds the OpenTelemetry view of a finished span.
func (c *converter) convert(s callz.Span) (sdktrace.ReadOnlySpan, error) {
	traceID, err := trace.TraceIDFromHex(s.TraceID)
	if err != nil {
		return nil, fmt.Errorf("trace id %q: %w", s.TraceID, err)
	}
	spanID, err := trace.SpanIDFromHex(s.SpanID)
	if err != nil {
		return nil, fmt.Errorf("span id %q: %w", s.SpanID, err)
	}

	stub := tracetest.SpanStub{
		Name: s.Name,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		}),
		SpanKind:             spanKind(s.Kind),
		StartTime:            s.StartTime,
		EndTime:              s.EndTime,
		Attributes:           attributes(s),
		Resource:             c.resource,
		InstrumentationScope: c.scope,
	}

	if s.ParentID != "" {
		parentID, err := trace.SpanIDFromHex(s.ParentID)
		if err != nil {
			return nil, fmt.Errorf("parent id %q: %w", s.ParentID, err)
		}
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     parentID,
			TraceFlags: trace.FlagsSampled,
		})
	}

	if s.Errored {
		msg := ""
		if s.Error != nil {
			msg = s.Error.Message
			stub.Events = []sdktrace.Event{exceptionEvent(s)}
		}
		stub.Status = sdktrace.Status{Code: codes.Error, Description: msg}
	}

	return stub.Snapshot(), nil
}

func spanKind(k callz.Kind) trace.SpanKind {
	switch k {
	case callz.KindClient:
		return trace.SpanKindClient
	case callz.KindServer:
		return trace.SpanKindServer
	case callz.KindProducer:
		return trace.SpanKindProducer
	case callz.KindConsumer:
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}

func exceptionEvent(s callz.Span) sdktrace.Event {
	attrs := []attribute.KeyValue{
		attribute.String("exception.type", s.Error.Type),
		attribute.String("exception.message", s.Error.Message),
	}
	if s.Error.Stack != "" {
		attrs = append(attrs, attribute.String("exception.stacktrace", s.Error.Stack))
	}
	return sdktrace.Event{
		Name:       "exception",
		Time:       s.EndTime,
		Attributes: attrs,
	}
}

// attributes converts span tags in key order so exports are stable.
func attributes(s callz.Span) []attribute.KeyValue {
	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attributeOf(k, s.Tags[k]))
	}
	return attrs
}

func attributeOf(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int32:
		return attribute.Int64(key, int64(v))
	case int64:
		return attribute.Int64(key, v)
	case uint32:
		return attribute.Int64(key, int64(v))
	case float32:
		return attribute.Float64(key, float64(v))
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case []int:
		return attribute.IntSlice(key, v)
	case []bool:
		return attribute.BoolSlice(key, v)
	case []float64:
		return attribute.Float64Slice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	case nil:
		return attribute.String(key, "")
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
