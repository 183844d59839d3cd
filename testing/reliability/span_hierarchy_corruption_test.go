package reliability

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"
)

// Span hierarchy tests build call trees of random shape, alone and
// concurrently, and check that the recorded spans rebuild exactly those trees.

func TestSpanHierarchyCorruption(t *testing.T) {
	levelRunner{
		basic: map[string]func(*testing.T, Config){
			"hierarchy_validation": testHierarchyValidation,
			"concurrent_hierarchy": testConcurrentHierarchy,
		},
		stress: map[string]func(*testing.T, Config){
			"hierarchy_storm": testHierarchyStorm,
		},
	}.run(t)
}

type shape struct{ depth, width int }

func randomShapes(seed uint64, n int) []shape {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	shapes := make([]shape, n)
	for i := range shapes {
		shapes[i] = shape{depth: rng.IntN(4), width: 1 + rng.IntN(4)}
	}
	return shapes
}

// testHierarchyValidation runs random trees one after another.
func testHierarchyValidation(t *testing.T, _ Config) {
	tracer, collector := newTracer(t, 0)
	tr, err := newTree(tracer)
	if err != nil {
		t.Fatal(err)
	}

	for i, s := range randomShapes(1, 25) {
		if _, err := tr.call(context.Background(), s.depth, s.width); err != nil {
			t.Fatalf("tree %d failed: %v", i, err)
		}
		spans := collector.Export()
		if len(spans) != treeSize(s.depth, s.width) {
			t.Fatalf("tree %d %+v: expected %d spans, got %d", i, s, treeSize(s.depth, s.width), len(spans))
		}
		if err := validateHierarchy(spans); err != nil {
			t.Fatalf("tree %d %+v: %v", i, s, err)
		}
	}
}

// testConcurrentHierarchy runs random trees concurrently.
func testConcurrentHierarchy(t *testing.T, _ Config) {
	tracer, collector := newTracer(t, 0)
	tr, err := newTree(tracer)
	if err != nil {
		t.Fatal(err)
	}

	shapes := randomShapes(2, 40)
	want := 0
	var wg sync.WaitGroup
	for _, s := range shapes {
		want += treeSize(s.depth, s.width)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.call(context.Background(), s.depth, s.width); err != nil {
				t.Errorf("tree %+v failed: %v", s, err)
			}
		}()
	}
	wg.Wait()

	spans := collector.Export()
	if len(spans) != want {
		t.Fatalf("expected %d spans, got %d", want, len(spans))
	}
	if err := validateHierarchy(spans); err != nil {
		t.Fatal(err)
	}
}

// testHierarchyStorm keeps MaxGoroutines workers running random trees for
// Duration, validating in batches.
func testHierarchyStorm(t *testing.T, cfg Config) {
	tracer, collector := newTracer(t, 0)
	tr, err := newTree(tracer)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(cfg.Duration)
	batches := 0
	for time.Now().Before(deadline) {
		shapes := randomShapes(uint64(batches), cfg.MaxGoroutines)
		want := 0
		var wg sync.WaitGroup
		for _, s := range shapes {
			want += treeSize(s.depth, s.width)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = tr.call(context.Background(), s.depth, s.width)
			}()
		}
		wg.Wait()

		spans := collector.Export()
		if len(spans) != want {
			t.Fatalf("batch %d: expected %d spans, got %d", batches, want, len(spans))
		}
		if err := validateHierarchy(spans); err != nil {
			t.Fatalf("batch %d: %v", batches, err)
		}
		batches++
	}
	t.Logf("validated %d batches", batches)
}
