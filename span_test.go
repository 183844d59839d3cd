package callz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// observedTracer returns a tracer whose diagnostics are captured.
func observedTracer() (*Tracer, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return New().WithLogger(zap.New(core)), logs
}

func TestSpanSetTag(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	_, span := tracer.StartSpan(context.Background(), "op")
	span.SetTag("http.status", 200)
	span.SetTag("user", "alice")

	if v, ok := span.GetTag("http.status"); !ok || v != 200 {
		t.Errorf("Expected http.status=200, got %v (%v)", v, ok)
	}
	if v, ok := span.GetTag("user"); !ok || v != "alice" {
		t.Errorf("Expected user=alice, got %v (%v)", v, ok)
	}
	if _, ok := span.GetTag("missing"); ok {
		t.Error("Expected missing tag to be absent")
	}
}

func TestSpanSetTagFlattensMaps(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	_, span := tracer.StartSpan(context.Background(), "op")
	span.SetTag("params", Params{
		"postID": 7,
		"filter": map[string]any{"status": "open"},
	})
	span.SetTag("labels", map[string]string{"zone": "eu"})

	snap := span.Snapshot()
	want := map[Tag]any{
		"params.postID":        7,
		"params.filter.status": "open",
		"labels.zone":          "eu",
	}
	for k, v := range want {
		if snap.Tags[k] != v {
			t.Errorf("Expected %s=%v, got %v", k, v, snap.Tags[k])
		}
	}
	if _, ok := snap.Tags["params"]; ok {
		t.Error("Expected map value not to be stored under its own key")
	}
}

func TestSpanSetTagCyclicMaps(t *testing.T) {
	tracer, logs := observedTracer()
	defer tracer.Close()

	params := Params{"id": 1}
	params["self"] = params
	meta := map[string]any{"user": map[string]any{"name": "ada"}}
	meta["user"].(map[string]any)["root"] = meta

	_, span := tracer.StartSpan(context.Background(), "op")
	span.SetTag(TagParams, params)
	span.SetTag(TagMeta, meta)

	snap := span.Snapshot()
	if snap.Tags["params.id"] != 1 {
		t.Errorf("Expected params.id=1, got %v", snap.Tags["params.id"])
	}
	if snap.Tags["meta.user.name"] != "ada" {
		t.Errorf("Expected meta.user.name=ada, got %v", snap.Tags["meta.user.name"])
	}
	for k := range snap.Tags {
		if strings.Contains(k, ".self") || strings.Contains(k, ".root") {
			t.Errorf("Expected cyclic subtree to be dropped, got key %s", k)
		}
	}
	if tracer.Faults() != 2 {
		t.Errorf("Expected 2 faults, got %d", tracer.Faults())
	}
	for _, entry := range logs.FilterMessage("rejected span tag").All() {
		err, _ := entry.ContextMap()["error"].(string)
		if !strings.Contains(err, ErrInvalidTag.Error()) {
			t.Errorf("Expected invalid tag diagnostic, got %q", err)
		}
	}
}

func TestSpanSetTagSharedMapIsNotCycle(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	shared := map[string]any{"zone": "eu"}
	_, span := tracer.StartSpan(context.Background(), "op")
	span.SetTag("params", Params{"from": shared, "to": shared})

	snap := span.Snapshot()
	if snap.Tags["params.from.zone"] != "eu" || snap.Tags["params.to.zone"] != "eu" {
		t.Errorf("Expected both references flattened, got %v", snap.Tags)
	}
	if tracer.Faults() != 0 {
		t.Errorf("Expected no faults, got %d", tracer.Faults())
	}
}

func TestSpanSetTagDepthLimit(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	// 12 nested maps, each holding its own level in "v".
	var deep map[string]any
	for level := 11; level >= 0; level-- {
		m := map[string]any{"v": level}
		if deep != nil {
			m["next"] = deep
		}
		deep = m
	}

	_, span := tracer.StartSpan(context.Background(), "op")
	span.SetTag("deep", deep)

	snap := span.Snapshot()
	key := "deep"
	for level := 0; level < 12; level++ {
		v, ok := snap.Tags[key+".v"]
		if level < maxTagDepth && (!ok || v != level) {
			t.Errorf("Expected %s.v=%d, got %v", key, level, v)
		}
		if level >= maxTagDepth && ok {
			t.Errorf("Expected %s.v to be dropped past the depth limit", key)
		}
		key += ".next"
	}
	if tracer.Faults() != 1 {
		t.Errorf("Expected 1 fault, got %d", tracer.Faults())
	}
}

func TestSpanSetTagRejectsInvalid(t *testing.T) {
	tracer, logs := observedTracer()
	defer tracer.Close()

	_, span := tracer.StartSpan(context.Background(), "op")
	span.SetTag("", "x")
	span.SetTag("fn", func() {})
	span.SetTag("ch", make(chan int))
	span.SetTag("ok", nil)

	snap := span.Snapshot()
	if _, ok := snap.Tags["fn"]; ok {
		t.Error("Expected func tag to be rejected")
	}
	if _, ok := snap.Tags["ch"]; ok {
		t.Error("Expected chan tag to be rejected")
	}
	if _, ok := snap.Tags["ok"]; !ok {
		t.Error("Expected nil value to be accepted")
	}
	if tracer.Faults() != 3 {
		t.Errorf("Expected 3 faults, got %d", tracer.Faults())
	}
	if n := logs.FilterMessage("rejected span tag").Len(); n != 3 {
		t.Errorf("Expected 3 diagnostics, got %d", n)
	}
}

func TestSpanSetTagAfterFinish(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	_, span := tracer.StartSpan(context.Background(), "op")
	span.Finish()
	span.SetTag("late", true)
	span.SetResource("late")
	span.SetError(errors.New("late"))

	snap := span.Snapshot()
	if _, ok := snap.Tags["late"]; ok {
		t.Error("Expected tag set after finish to be ignored")
	}
	if snap.Errored {
		t.Error("Expected error set after finish to be ignored")
	}
}

type notFoundError struct{}

func (notFoundError) Error() string     { return "Friends is not found!" }
func (notFoundError) ErrorType() string { return "NOT_FOUND" }

type stackError struct{ msg string }

func (e stackError) Error() string { return e.msg }

func (e stackError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s\nmain.go:42", e.msg)
		return
	}
	fmt.Fprint(s, e.msg)
}

func TestSpanSetError(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	t.Run("typed error", func(t *testing.T) {
		_, span := tracer.StartSpan(context.Background(), "op")
		span.SetError(fmt.Errorf("calling friends: %w", notFoundError{}))

		snap := span.Snapshot()
		if !snap.Errored || snap.Error == nil {
			t.Fatal("Expected span to be errored")
		}
		if snap.Error.Type != "NOT_FOUND" {
			t.Errorf("Expected type NOT_FOUND, got %s", snap.Error.Type)
		}
		if snap.Error.Message != "calling friends: Friends is not found!" {
			t.Errorf("Unexpected message %q", snap.Error.Message)
		}
		if snap.Tags[TagErrorType] != "NOT_FOUND" {
			t.Errorf("Expected error.type tag, got %v", snap.Tags[TagErrorType])
		}
		if _, ok := snap.Tags[TagErrorStack]; ok {
			t.Error("Expected no stack for an error without one")
		}
	})

	t.Run("untyped error", func(t *testing.T) {
		_, span := tracer.StartSpan(context.Background(), "op")
		span.SetError(errors.New("plain"))

		snap := span.Snapshot()
		if snap.Error.Type != "*errors.errorString" {
			t.Errorf("Expected Go type name, got %s", snap.Error.Type)
		}
	})

	t.Run("stack error", func(t *testing.T) {
		_, span := tracer.StartSpan(context.Background(), "op")
		span.SetError(stackError{msg: "boom"})

		snap := span.Snapshot()
		if snap.Error.Stack != "boom\nmain.go:42" {
			t.Errorf("Expected %%+v rendering as stack, got %q", snap.Error.Stack)
		}
		if snap.Tags[TagErrorStack] != snap.Error.Stack {
			t.Error("Expected error.stack tag to mirror the stack")
		}
	})

	t.Run("nil error", func(t *testing.T) {
		_, span := tracer.StartSpan(context.Background(), "op")
		span.SetError(nil)
		if span.Snapshot().Errored {
			t.Error("Expected nil error to be ignored")
		}
	})
}

func TestSpanFinishOnce(t *testing.T) {
	tracer, logs := observedTracer()
	defer tracer.Close()

	var count int
	tracer.OnSpanComplete(func(Span) { count++ })

	_, span := tracer.StartSpan(context.Background(), "op")
	span.Finish()
	span.Finish()

	if count != 1 {
		t.Errorf("Expected span to be collected once, got %d", count)
	}
	if !span.Finished() {
		t.Error("Expected span to report finished")
	}
	if tracer.Faults() != 1 {
		t.Errorf("Expected double finish fault, got %d", tracer.Faults())
	}
	entries := logs.FilterMessage("span finished more than once").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one diagnostic, got %d", len(entries))
	}
	if entries[0].ContextMap()["span_id"] != span.SpanID() {
		t.Errorf("Expected diagnostic to name the span, got %v", entries[0].ContextMap())
	}
}

func TestSpanFinishConcurrent(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	var mu sync.Mutex
	var count int
	tracer.OnSpanComplete(func(Span) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, span := tracer.StartSpan(context.Background(), "op")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			span.Finish()
		}()
	}
	wg.Wait()

	if count != 1 {
		t.Errorf("Expected exactly one completion, got %d", count)
	}
	if tracer.Faults() != 19 {
		t.Errorf("Expected 19 faults, got %d", tracer.Faults())
	}
}

func TestSpanSnapshotIsolation(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	var delivered Span
	tracer.OnSpanComplete(func(s Span) { delivered = s })

	_, span := tracer.StartSpan(context.Background(), "op")
	span.SetTag("k", "v")
	snap := span.Snapshot()
	snap.Tags["k"] = "changed"

	span.Finish()
	if delivered.Tags["k"] != "v" {
		t.Errorf("Expected snapshot edits not to leak, got %v", delivered.Tags["k"])
	}
	if !delivered.Finished() {
		t.Error("Expected delivered span to be finished")
	}
}

func TestSpanNilAccessors(t *testing.T) {
	var span *ActiveSpan
	if span.TraceID() != "" || span.SpanID() != "" || span.ParentID() != "" {
		t.Error("Expected empty IDs for nil span")
	}
}

func TestSpanContext(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	_, span := tracer.StartSpan(context.Background(), "op")
	ctx := span.Context(context.Background())
	if SpanFromContext(ctx) != span {
		t.Error("Expected span to be active in its context")
	}
}
