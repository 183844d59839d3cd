package callz

import (
	"sync"
)

// IDPool hands out pre-generated span and trace IDs so the random source is
// not on the hot path of every intercepted call.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	once    sync.Once
}

// NewIDPool creates a pool holding up to capacity IDs produced by factory.
// A background goroutine keeps it topped up until Close.
func NewIDPool(capacity int, factory func() string) *IDPool {
	if capacity < 1 {
		capacity = 1
	}
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get returns a pooled ID, generating one inline when the pool is drained.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		return p.factory()
	}
}

// Len returns the number of IDs currently waiting in the pool.
func (p *IDPool) Len() int {
	return len(p.ids)
}

func (p *IDPool) refill() {
	for {
		id := p.factory()
		select {
		case p.ids <- id:
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the refill goroutine. Get keeps working after Close by
// generating IDs inline. Safe to call more than once.
func (p *IDPool) Close() {
	p.once.Do(func() {
		close(p.stopCh)
	})
}
