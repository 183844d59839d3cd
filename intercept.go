package callz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// CallOptions are the per-call options that travel with a call.
type CallOptions struct {
	// Meta is request metadata added to the calling chain's ambient metadata.
	Meta map[string]any
	// Custom carries values for tag resolvers only.
	Custom map[string]any
	// NodeID pins the call to a node, when the target supports it.
	NodeID string
	// Timeout bounds the call, when the target supports it.
	Timeout time.Duration
}

// Caller is an asynchronous inter-service call function: it addresses an
// action by name, may block until the remote side answers, and returns the
// result or the failure.
type Caller interface {
	Call(ctx context.Context, action string, params Params, opts CallOptions) (any, error)
}

// CallFunc adapts a function to the Caller interface.
type CallFunc func(ctx context.Context, action string, params Params, opts CallOptions) (any, error)

// Call calls f.
func (f CallFunc) Call(ctx context.Context, action string, params Params, opts CallOptions) (any, error) {
	return f(ctx, action, params, opts)
}

// Config is the configuration accepted by Patch.
type Config struct {
	// Tags apply to every call.
	Tags TagResolver
	// Actions hold per-action overrides keyed by action name.
	Actions map[string]ActionConfig
	// Operation names the spans; DefaultOperation when empty.
	Operation Key
	// SpanType groups the spans in backends; DefaultSpanType when empty.
	SpanType string
	// Analytics applies to actions without their own setting.
	Analytics Analytics
}

// ActionConfig overrides Config for one action.
type ActionConfig struct {
	// Tags are resolved after, and override, the global tags.
	Tags TagResolver
	// Analytics replaces the global setting when set.
	Analytics *Analytics
}

// Interceptor is a Caller that traces every call it forwards.
type Interceptor struct {
	next     Caller
	tracer   *Tracer
	cfg      Config
	detached atomic.Bool
}

// Patch wraps target so that every call through the returned Caller produces
// a span. The wrapper forwards results and errors unchanged.
// Patching a Caller that is already patched returns it unchanged.
func Patch(target Caller, tracer *Tracer, cfg Config) (Caller, error) {
	if target == nil {
		return nil, ErrNilTarget
	}
	if fn, ok := target.(CallFunc); ok && fn == nil {
		return nil, ErrNilTarget
	}
	if tracer == nil {
		return target, ErrNilTracer
	}

	if existing, ok := target.(*Interceptor); ok {
		if !existing.detached.Load() {
			tracer.logger.Debug("call target already patched")
			return existing, nil
		}
		target = existing.next
	}

	if cfg.Operation == "" {
		cfg.Operation = DefaultOperation
	}
	if cfg.SpanType == "" {
		cfg.SpanType = DefaultSpanType
	}

	return &Interceptor{
		next:   target,
		tracer: tracer,
		cfg:    cfg,
	}, nil
}

// Unpatch returns the Caller that c wraps. A c that was never patched is
// returned unchanged. The unpatched Interceptor stops tracing, so references
// to it still held elsewhere forward calls untouched.
func Unpatch(c Caller) Caller {
	if i, ok := c.(*Interceptor); ok {
		i.detached.Store(true)
		return i.next
	}
	return c
}

// Original returns the wrapped Caller.
func (i *Interceptor) Original() Caller {
	return i.next
}

// Call traces a call to the wrapped Caller.
func (i *Interceptor) Call(ctx context.Context, action string, params Params, opts CallOptions) (any, error) {
	if i.detached.Load() {
		return i.next.Call(ctx, action, params, opts)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	span := i.startSpan(ctx, action, params, opts)
	if span == nil {
		// No span could be created; run as if untraced.
		return i.next.Call(ctx, action, params, opts)
	}
	return i.invoke(ctx, span, action, params, opts)
}

// startSpan creates and annotates the span of one call. It returns nil only
// when the span itself could not be created. A failure while annotating keeps
// the partially tagged span, so the call is still traced and finished once.
func (i *Interceptor) startSpan(ctx context.Context, action string, params Params, opts CallOptions) (span *ActiveSpan) {
	defer func() {
		if r := recover(); r != nil {
			i.tracer.fault("call instrumentation failed", fmt.Errorf("%w: %v", ErrTagResolution, r), span.SpanID())
		}
	}()

	_, span = i.tracer.StartSpan(ctx, i.cfg.Operation,
		ChildOf(i.tracer.ActiveSpan(ctx)),
		WithKind(KindClient),
		WithResource(action),
		WithTags(map[Tag]any{
			TagKind:     KindClient.String(),
			TagSpanType: i.cfg.SpanType,
			TagParams:   params,
		}),
	)
	span.SetTag(TagService, serviceOf(action))

	call := CallContext{
		Action: action,
		Params: params,
		Meta:   mergeMeta(MetaFromContext(ctx), opts.Meta),
		Custom: opts.Custom,
	}
	i.applyTags(span, call)

	SampleAnalytics(span, i.analyticsFor(action))
	return span
}

// invoke runs the wrapped call with span active and settles span exactly once.
func (i *Interceptor) invoke(ctx context.Context, span *ActiveSpan, action string, params Params, opts CallOptions) (result any, err error) {
	settled := false
	defer func() {
		if settled {
			return
		}
		r := recover()
		if r == nil {
			// runtime.Goexit unwinding through the call.
			span.SetError(errors.New("call exited without returning"))
			span.Finish()
			return
		}
		span.SetError(&PanicError{Value: r})
		span.Finish()
		panic(r)
	}()

	result, err = i.tracer.Bind(i.next.Call, span)(ctx, action, params, opts)
	settled = true

	if err != nil {
		span.SetError(err)
	}
	span.Finish()
	return result, err
}

func (i *Interceptor) applyTags(span *ActiveSpan, call CallContext) {
	resolvers := []TagResolver{i.cfg.Tags}
	if ac, ok := i.cfg.Actions[call.Action]; ok {
		resolvers = append(resolvers, ac.Tags)
	}
	for _, r := range resolvers {
		if r == nil {
			continue
		}
		tags, err := resolveTags(r, call)
		if err != nil {
			i.tracer.fault("tag resolution failed", err, span.SpanID())
			continue
		}
		span.SetTags(tags)
	}
}

// resolveTags shields the call from resolvers that panic.
func resolveTags(r TagResolver, call CallContext) (tags map[Tag]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			tags = nil
			err = fmt.Errorf("%w: resolver for %q panicked: %v", ErrTagResolution, call.Action, p)
		}
	}()
	return r.ResolveTags(call)
}

func (i *Interceptor) analyticsFor(action string) Analytics {
	if ac, ok := i.cfg.Actions[action]; ok && ac.Analytics != nil {
		return *ac.Analytics
	}
	return i.cfg.Analytics
}

// serviceOf returns the service part of an action name: "posts" for "posts.find".
func serviceOf(action string) string {
	service, _, _ := strings.Cut(action, ".")
	return service
}

func mergeMeta(ambient, call map[string]any) map[string]any {
	if len(call) == 0 {
		return ambient
	}
	if len(ambient) == 0 {
		return call
	}
	merged := make(map[string]any, len(ambient)+len(call))
	for k, v := range ambient {
		merged[k] = v
	}
	for k, v := range call {
		merged[k] = v
	}
	return merged
}
