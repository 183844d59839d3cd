package reliability

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Collector saturation tests verify that a collector stays consistent under
// extreme span ingestion and never slows the calls producing the spans.

func TestCollectorSaturation(t *testing.T) {
	levelRunner{
		basic: map[string]func(*testing.T, Config){
			"basic_backpressure": testBasicBackpressure,
			"export_under_load":  testExportUnderLoad,
		},
		stress: map[string]func(*testing.T, Config){
			"sustained_pressure": testSustainedPressure,
		},
	}.run(t)
}

// testBasicBackpressure floods a tiny collector and checks every span is
// either collected or counted as dropped.
func testBasicBackpressure(t *testing.T, _ Config) {
	tracer, collector := newTracer(t, 10)
	tr, err := newTree(tracer)
	if err != nil {
		t.Fatal(err)
	}

	const calls = 200
	for i := 0; i < calls; i++ {
		if _, err := tr.call(context.Background(), 0, 1); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}

	collector.Close()
	collected := len(collector.Export())
	dropped := int(collector.DroppedCount())
	if collected+dropped != calls {
		t.Errorf("accounting: collected=%d dropped=%d, want total %d", collected, dropped, calls)
	}
	if collected == 0 {
		t.Error("collector accepted nothing")
	}
}

// testExportUnderLoad drains the collector while calls keep producing spans.
func testExportUnderLoad(t *testing.T, _ Config) {
	tracer, collector := newTracer(t, 4096)
	tr, err := newTree(tracer)
	if err != nil {
		t.Fatal(err)
	}

	const (
		workers = 8
		trees   = 50
	)
	var produced atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < trees; i++ {
				if _, err := tr.call(context.Background(), 2, 2); err != nil {
					t.Errorf("call failed: %v", err)
					return
				}
				produced.Add(int64(treeSize(2, 2)))
			}
		}()
	}

	producing := make(chan struct{})
	go func() {
		wg.Wait()
		close(producing)
	}()

	var exported atomic.Int64
	for running := true; running; {
		select {
		case <-producing:
			running = false
		case <-time.After(time.Millisecond):
		}
		exported.Add(int64(len(collector.Export())))
	}

	collector.Close()
	exported.Add(int64(len(collector.Export())))
	if got := exported.Load() + collector.DroppedCount(); got != produced.Load() {
		t.Errorf("accounting: exported+dropped=%d, produced=%d", got, produced.Load())
	}
}

// testSustainedPressure keeps MaxGoroutines callers busy for Duration.
func testSustainedPressure(t *testing.T, cfg Config) {
	tracer, collector := newTracer(t, 10000)
	tr, err := newTree(tracer)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var produced, exported atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < cfg.MaxGoroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := tr.call(context.Background(), 1, 3); err != nil {
					t.Errorf("call failed: %v", err)
					return
				}
				produced.Add(int64(treeSize(1, 3)))
			}
		}()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			exported.Add(int64(len(collector.Export())))
		}
	}
	wg.Wait()
	collector.Close()
	exported.Add(int64(len(collector.Export())))

	dropped := collector.DroppedCount()
	total := produced.Load()
	t.Logf("produced=%d exported=%d dropped=%d", total, exported.Load(), dropped)

	if exported.Load()+dropped != total {
		t.Errorf("accounting: exported+dropped=%d, produced=%d", exported.Load()+dropped, total)
	}
	if total > 0 && float64(dropped)/float64(total) > cfg.FailureThreshold {
		t.Errorf("dropped %.2f%% of spans, threshold %.2f%%",
			100*float64(dropped)/float64(total), 100*cfg.FailureThreshold)
	}
}
