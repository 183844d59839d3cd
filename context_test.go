package callz

import (
	"context"
	"testing"
	"time"
)

func TestContextEmpty(t *testing.T) {
	if SpanFromContext(context.Background()) != nil {
		t.Error("Expected no active span in a fresh context")
	}
	//nolint:staticcheck // nil context handling is part of the contract
	if SpanFromContext(nil) != nil {
		t.Error("Expected no active span in a nil context")
	}
}

func TestContextDetach(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	parent, cancel := context.WithCancel(context.Background())
	ctx, _ := tracer.StartSpan(parent, "op")

	detached := Detach(ctx)
	if SpanFromContext(detached) != nil {
		t.Error("Expected detached context to have no active span")
	}

	_, span := tracer.StartSpan(detached, "unlinked")
	if span.ParentID() != "" {
		t.Error("Expected span started from a detached context to be a root")
	}

	cancel()
	if detached.Err() == nil {
		t.Error("Expected detached context to keep cancellation")
	}

	if SpanFromContext(ContextWithSpan(ctx, nil)) != nil {
		t.Error("Expected ContextWithSpan(nil) to detach")
	}
}

func TestContextGoContinuation(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	ctx, parent := tracer.StartSpan(context.Background(), "parent")

	got := make(chan *ActiveSpan, 1)
	Go(ctx, func(ctx context.Context) {
		_, child := tracer.StartSpan(ctx, "continuation")
		child.Finish()
		got <- child
	})

	select {
	case child := <-got:
		if child.ParentID() != parent.SpanID() {
			t.Errorf("Expected continuation to be a child of %s, got %s", parent.SpanID(), child.ParentID())
		}
	case <-time.After(time.Second):
		t.Fatal("Continuation did not run")
	}
}

func TestContextMeta(t *testing.T) {
	ctx := WithMeta(context.Background(), map[string]any{"a": 1, "b": 1})
	ctx2 := WithMeta(ctx, map[string]any{"b": 2})

	meta := MetaFromContext(ctx2)
	if meta["a"] != 1 || meta["b"] != 2 {
		t.Errorf("Expected merged meta, got %v", meta)
	}
	if MetaFromContext(ctx)["b"] != 1 {
		t.Error("Expected outer meta to be unchanged")
	}
	if WithMeta(ctx, nil) != ctx {
		t.Error("Expected empty meta to return ctx unchanged")
	}
	if MetaFromContext(context.Background()) != nil {
		t.Error("Expected no meta in a fresh context")
	}
}
