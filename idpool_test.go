package callz

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestIDPoolFills(t *testing.T) {
	var n atomic.Int64
	pool := NewIDPool(4, func() string {
		return strconv.FormatInt(n.Add(1), 10)
	})
	defer pool.Close()

	deadline := time.Now().Add(time.Second)
	for pool.Len() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if pool.Len() != 4 {
		t.Errorf("Expected full pool, got %d", pool.Len())
	}
}

func TestIDPoolUnique(t *testing.T) {
	var n atomic.Int64
	pool := NewIDPool(8, func() string {
		return strconv.FormatInt(n.Add(1), 10)
	})
	defer pool.Close()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := pool.Get()
				mu.Lock()
				if seen[id] {
					t.Errorf("Duplicate ID %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestIDPoolAfterClose(t *testing.T) {
	pool := NewIDPool(0, func() string { return "id" })
	pool.Close()
	pool.Close()

	if pool.Get() != "id" {
		t.Error("Expected Get to keep working after Close")
	}
}
