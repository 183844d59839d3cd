package callz

import (
	"context"
)

// ctxKeyType is a private type for context keys to avoid collisions.
type ctxKeyType string

const (
	bundleKey ctxKeyType = "callz"
	metaKey   ctxKeyType = "callz.meta"
)

// contextBundle holds both tracer and span to reduce context allocations.
// A nil bundle marks a context detached from its chain.
type contextBundle struct {
	tracer *Tracer
	span   *ActiveSpan
}

// ContextWithSpan returns a copy of parent in which span is active.
// Every context derived from the result, including those handed to new
// goroutines, sees span as active until it installs one of its own.
func ContextWithSpan(parent context.Context, span *ActiveSpan) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	if span == nil {
		return Detach(parent)
	}
	return context.WithValue(parent, bundleKey, &contextBundle{tracer: span.tracer, span: span})
}

// SpanFromContext returns the span active in ctx, or nil.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	if ctx == nil {
		return nil
	}
	if bundle, ok := ctx.Value(bundleKey).(*contextBundle); ok && bundle != nil {
		return bundle.span
	}
	return nil
}

// Detach returns a copy of ctx with no active span. Cancellation, deadlines
// and other values are kept. Work started from the result has no causal link
// to the caller and starts new traces.
func Detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithValue(ctx, bundleKey, (*contextBundle)(nil))
}

// Go runs fn in a new goroutine as a continuation of ctx's call chain.
// The span active in ctx stays active inside fn.
func Go(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go fn(ctx)
}

// WithMeta returns a copy of ctx whose ambient request metadata is the
// metadata already in ctx overlaid with meta.
func WithMeta(ctx context.Context, meta map[string]any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(meta) == 0 {
		return ctx
	}
	current := MetaFromContext(ctx)
	merged := make(map[string]any, len(current)+len(meta))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}
	return context.WithValue(ctx, metaKey, merged)
}

// MetaFromContext returns the ambient request metadata of ctx.
// The returned map must not be modified.
func MetaFromContext(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	meta, _ := ctx.Value(metaKey).(map[string]any)
	return meta
}
