package callz

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// ErrorTags describes the failure that ended a span.
type ErrorTags struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Span represents a single traced operation.
// A Span handed to handlers and exporters is a finished snapshot and is never
// modified again by callz.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Tags      map[Tag]any   `json:"tags,omitempty"`
	Error     *ErrorTags    `json:"error,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration"`
	TraceID   string        `json:"trace_id"`
	SpanID    string        `json:"span_id"`
	ParentID  string        `json:"parent_id,omitempty"`
	Name      string        `json:"name"`
	Resource  string        `json:"resource,omitempty"`
	Kind      Kind          `json:"kind"`
	Errored   bool          `json:"errored"`
}

// Finished reports whether the span has an end time.
func (s *Span) Finished() bool {
	return !s.EndTime.IsZero()
}

// clone returns a copy that shares no mutable state with s.
func (s *Span) clone() Span {
	c := *s
	if s.Tags != nil {
		c.Tags = make(map[Tag]any, len(s.Tags))
		for k, v := range s.Tags {
			c.Tags[k] = v
		}
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	return c
}

// ActiveSpan wraps a Span with thread-safe tag operations and lifecycle management.
// Safe for concurrent use by multiple goroutines.
type ActiveSpan struct {
	span     *Span
	tracer   *Tracer
	mu       sync.Mutex
	finished bool
}

// SetTag adds a key-value pair to the span.
// Map values are flattened into dotted keys, so SetTag("params", Params{"id": 2})
// records "params.id". Existing keys are overwritten, never removed.
// No-op if span is already finished.
func (a *ActiveSpan) SetTag(key Tag, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished {
		return
	}
	a.setTagLocked(key, value)
}

// SetTags adds every entry of tags to the span.
func (a *ActiveSpan) SetTags(tags map[Tag]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished {
		return
	}
	for k, v := range tags {
		a.setTagLocked(k, v)
	}
}

// maxTagDepth bounds how many levels of nested maps are flattened into one key.
const maxTagDepth = 8

func (a *ActiveSpan) setTagLocked(key Tag, value any) {
	a.flattenLocked(key, value, 0, nil)
}

// flattenLocked records value under key, expanding nested maps into dotted
// keys. path holds the maps being expanded above key; meeting one of them
// again is a cycle, and that subtree is dropped with a fault.
func (a *ActiveSpan) flattenLocked(key Tag, value any, depth int, path map[uintptr]struct{}) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			return
		}
		if depth >= maxTagDepth {
			a.tracer.fault("rejected span tag", fmt.Errorf("%w: %q nests deeper than %d maps", ErrInvalidTag, key, maxTagDepth), a.span.SpanID)
			return
		}
		ptr := reflect.ValueOf(v).Pointer()
		if _, ok := path[ptr]; ok {
			a.tracer.fault("rejected span tag", fmt.Errorf("%w: %q refers back to an enclosing map", ErrInvalidTag, key), a.span.SpanID)
			return
		}
		if path == nil {
			path = make(map[uintptr]struct{})
		}
		path[ptr] = struct{}{}
		for k, inner := range v {
			a.flattenLocked(key+"."+k, inner, depth+1, path)
		}
		delete(path, ptr)
		return
	case map[string]string:
		for k, inner := range v {
			a.flattenLocked(key+"."+k, inner, depth+1, path)
		}
		return
	}

	if err := validateTag(key, value); err != nil {
		a.tracer.fault("rejected span tag", err, a.span.SpanID)
		return
	}
	if a.span.Tags == nil {
		a.span.Tags = make(map[Tag]any)
	}
	a.span.Tags[key] = value
}

// validateTag rejects values no exporter can represent.
func validateTag(key Tag, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidTag)
	}
	if value == nil {
		return nil
	}
	switch reflect.TypeOf(value).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Errorf("%w: %q has unsupported value of type %T", ErrInvalidTag, key, value)
	}
	return nil
}

// GetTag retrieves a tag value by key.
// Thread-safe for concurrent access.
func (a *ActiveSpan) GetTag(key Tag) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.span.Tags == nil {
		return nil, false
	}
	value, ok := a.span.Tags[key]
	return value, ok
}

// SetResource names the specific target of the operation.
func (a *ActiveSpan) SetResource(resource string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished {
		return
	}
	a.span.Resource = resource
	a.setTagLocked(TagResource, resource)
}

// SetError marks the span as failed with err.
// A nil err is ignored.
func (a *ActiveSpan) SetError(err error) {
	if err == nil {
		return
	}
	tags := errorTagsFrom(err)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished {
		return
	}
	a.span.Errored = true
	a.span.Error = &tags
	a.setTagLocked(TagErrorType, tags.Type)
	a.setTagLocked(TagErrorMsg, tags.Message)
	if tags.Stack != "" {
		a.setTagLocked(TagErrorStack, tags.Stack)
	}
}

// Finish completes the span and sends it to the tracer for collection.
// Finishing twice is a programming error: the second call is a no-op that is
// reported through the tracer's diagnostics.
func (a *ActiveSpan) Finish() {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		a.tracer.fault("span finished more than once", ErrAlreadyFinished, a.span.SpanID)
		return
	}
	a.finished = true
	a.span.EndTime = a.tracer.clock.Now()
	a.span.Duration = a.span.EndTime.Sub(a.span.StartTime)
	snapshot := a.span.clone()
	a.mu.Unlock()

	a.tracer.collectSpan(snapshot)
}

// Finished reports whether Finish has been called.
func (a *ActiveSpan) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

// Snapshot returns a copy of the span in its current state.
func (a *ActiveSpan) Snapshot() Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.clone()
}

// TraceID returns the trace ID of this span.
// Returns an empty string for a nil span.
func (a *ActiveSpan) TraceID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.TraceID
}

// SpanID returns the span ID of this span.
// Returns an empty string for a nil span.
func (a *ActiveSpan) SpanID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.SpanID
}

// ParentID returns the span ID of this span's parent, empty for roots.
func (a *ActiveSpan) ParentID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.ParentID
}

// Context creates a new context with this span active.
// The returned context can be used to start child spans.
func (a *ActiveSpan) Context(parent context.Context) context.Context {
	return ContextWithSpan(parent, a)
}
