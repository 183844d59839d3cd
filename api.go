// Package callz wraps inter-service call functions so every invocation produces
// a correctly linked distributed trace span.
//
// callz keeps tracing out of caller code. A call function is patched once at
// composition time and every call made through the wrapper starts a child of
// whatever span is active in the caller's context, tags it, runs the call with
// the new span active, and finishes it exactly once on success or failure.
//
// Core Components:.
//   - Tracer: Creates spans and owns the completion handlers.
//   - Span: Immutable record of one finished operation.
//   - ActiveSpan: Thread-safe handle for a span that is still running.
//   - Interceptor: Wraps a Caller with span creation and completion.
//   - TagResolver: Computes tags from the call record (static rules or callback).
//   - Collector: Buffers finished spans for export.
//
// Basic Usage:.
//
//	tracer := callz.New()
//	defer tracer.Close()
//
//	collector := callz.NewCollector("spans", 1024)
//	tracer.AddExporter(collector)
//
//	traced, err := callz.Patch(broker, tracer, callz.Config{
//		Analytics: callz.AnalyticsEnabled(),
//	})
//	if err != nil {
//		return err
//	}
//
//	// Nested calls made with ctx become children of this call's span.
//	res, err := traced.Call(ctx, "posts.find", callz.Params{"limit": 5}, callz.CallOptions{})
//
//	// Remove tracing again.
//	broker = callz.Unpatch(traced)
//
// Active Context:.
//
// The active span travels in context.Context. Contexts derived from a call's
// context, including ones handed to goroutines, see that call's span as active.
// Sibling and unrelated call chains never share a context, so they never see
// each other's spans. Use Detach to drop the causal link explicitly.
//
// Fail Open:.
//
// Instrumentation faults (bad tag callbacks, invalid tags, double finish) are
// reported through the tracer's zap logger and counted in Tracer.Faults. They
// never change the result or error returned to the caller.
package callz

// Key represents a span operation name.
type Key = string

// Tag represents a span tag key.
type Tag = string

// Params is the parameter payload of a call.
type Params = map[string]any

// DefaultOperation is the operation name given to intercepted call spans.
const DefaultOperation Key = "remote.call"

// DefaultSpanType is the span.type tag given to intercepted call spans.
const DefaultSpanType = "rpc"

// Well-known tag keys.
const (
	TagKind          Tag = "kind"
	TagSpanType      Tag = "span.type"
	TagResource      Tag = "resource"
	TagService       Tag = "service"
	TagParams        Tag = "params"
	TagMeta          Tag = "meta"
	TagErrorType     Tag = "error.type"
	TagErrorMsg      Tag = "error.msg"
	TagErrorStack    Tag = "error.stack"
	TagAnalyticsRate Tag = "analytics.sample_rate"
)
