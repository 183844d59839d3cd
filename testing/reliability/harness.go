package reliability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zoobzio/callz"
	"golang.org/x/sync/errgroup"
)

// newTracer returns a tracer exporting into a collector. A bufferSize of zero
// selects a synchronous collector.
func newTracer(t *testing.T, bufferSize int) (*callz.Tracer, *callz.Collector) {
	t.Helper()
	tracer := callz.New()
	collector := callz.NewCollector("reliability", max(bufferSize, 1))
	collector.SetSyncMode(bufferSize == 0)
	tracer.OnSpanComplete(collector.ExportSpan)
	t.Cleanup(func() {
		tracer.Close()
		collector.Close()
	})
	return tracer, collector
}

// tree is a traced Caller whose calls recurse through the tree it describes.
//
// "tree.node" reads params.depth and params.width: at depth zero it returns,
// after sleeping params.sleep when set; otherwise it calls itself width times
// concurrently with depth-1.
type tree struct {
	caller callz.Caller
}

func newTree(tracer *callz.Tracer) (*tree, error) {
	tr := &tree{}
	traced, err := callz.Patch(callz.CallFunc(tr.node), tracer, callz.Config{})
	if err != nil {
		return nil, err
	}
	tr.caller = traced
	return tr, nil
}

// call runs a tree of the given shape and returns the trace ID of its root.
func (tr *tree) call(ctx context.Context, depth, width int) (any, error) {
	return tr.caller.Call(ctx, "tree.node", callz.Params{"depth": depth, "width": width}, callz.CallOptions{})
}

func (tr *tree) node(ctx context.Context, action string, params callz.Params, opts callz.CallOptions) (any, error) {
	depth, _ := params["depth"].(int)
	width, _ := params["width"].(int)
	if depth <= 0 {
		if d, ok := params["sleep"].(time.Duration); ok {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
		return callz.SpanFromContext(ctx).TraceID(), nil
	}

	child := callz.Params{"depth": depth - 1, "width": width}
	if d, ok := params["sleep"]; ok {
		child["sleep"] = d
	}
	if width <= 1 {
		return tr.caller.Call(ctx, action, child, opts)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < width; i++ {
		g.Go(func() error {
			_, err := tr.caller.Call(gctx, action, child, opts)
			return err
		})
	}
	return callz.SpanFromContext(ctx).TraceID(), g.Wait()
}

// treeSize returns the number of calls a tree of the given shape makes.
func treeSize(depth, width int) int {
	total, level := 0, 1
	for d := 0; d <= depth; d++ {
		total += level
		level *= max(width, 1)
	}
	return total
}

// validateHierarchy checks that spans form one rooted tree per trace and
// that every parent exists in its child's trace.
func validateHierarchy(spans []callz.Span) error {
	byID := make(map[string]callz.Span, len(spans))
	for _, s := range spans {
		if _, dup := byID[s.SpanID]; dup {
			return fmt.Errorf("duplicate span ID %s", s.SpanID)
		}
		byID[s.SpanID] = s
	}

	roots := make(map[string]int)
	for _, s := range spans {
		if s.ParentID == "" {
			roots[s.TraceID]++
			continue
		}
		parent, ok := byID[s.ParentID]
		if !ok {
			return fmt.Errorf("span %s has unknown parent %s", s.SpanID, s.ParentID)
		}
		if parent.TraceID != s.TraceID {
			return fmt.Errorf("span %s crosses from trace %s to %s", s.SpanID, parent.TraceID, s.TraceID)
		}
		if s.StartTime.Before(parent.StartTime) || s.EndTime.After(parent.EndTime) {
			return fmt.Errorf("span %s is not contained in its parent", s.SpanID)
		}
	}
	for _, s := range spans {
		if roots[s.TraceID] != 1 {
			return fmt.Errorf("trace %s has %d roots", s.TraceID, roots[s.TraceID])
		}
	}
	return nil
}
