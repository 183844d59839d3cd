// Package otelexport ships finished callz spans to an OpenTelemetry
// SpanExporter (OTLP over HTTP or gRPC, stdout, or an in-memory test sink).
//
// The Exporter is registered with a tracer through AddExporter. ExportSpan
// only enqueues; a background loop converts and exports in batches, so the
// call whose span just finished never waits on the network.
package otelexport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/zoobzio/callz"
	"github.com/zoobzio/clockz"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Defaults used by New.
const (
	DefaultMaxQueue  = 2048
	DefaultBatchSize = 512
	DefaultInterval  = time.Second
)

// ErrShutdown is returned by Flush after Shutdown.
var ErrShutdown = errors.New("otelexport: exporter is shut down")

// Option configures an Exporter.
type Option func(*Exporter)

// WithMaxQueue bounds the number of spans waiting for export.
// Spans arriving at a full queue are dropped and counted.
func WithMaxQueue(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.maxQueue = n
		}
	}
}

// WithBatchSize sets how many spans are exported per ExportSpans call.
func WithBatchSize(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithInterval sets how long spans may wait before a partial batch is sent.
func WithInterval(d time.Duration) Option {
	return func(e *Exporter) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithServiceName sets the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(e *Exporter) {
		e.serviceName = name
	}
}

// WithLogger sets the logger for export failures.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the clock driving the batch interval.
func WithClock(clock clockz.Clock) Option {
	return func(e *Exporter) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// Exporter adapts an OpenTelemetry SpanExporter to callz.Exporter.
//
//nolint:govet // Field order optimized for readability
type Exporter struct {
	next        sdktrace.SpanExporter
	converter   *converter
	logger      *zap.Logger
	clock       clockz.Clock
	pending     *queue.Queue
	wake        chan struct{}
	stop        chan struct{}
	done        chan struct{}
	runCtx      context.Context
	cancelRun   context.CancelFunc
	serviceName string
	maxQueue    int
	batchSize   int
	interval    time.Duration
	mu          sync.Mutex
	exportMu    sync.Mutex
	shutdown    atomic.Bool
	closeOnce   sync.Once
	dropped     atomic.Uint64
	failed      atomic.Uint64
}

// New starts an Exporter forwarding to next.
func New(next sdktrace.SpanExporter, opts ...Option) *Exporter {
	e := &Exporter{
		next:        next,
		logger:      zap.NewNop(),
		clock:       clockz.RealClock,
		pending:     queue.New(),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		serviceName: "callz",
		maxQueue:    DefaultMaxQueue,
		batchSize:   DefaultBatchSize,
		interval:    DefaultInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.converter = newConverter(e.serviceName)
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())

	go e.run()
	return e
}

// ExportSpan enqueues span for export. It never blocks on the network.
func (e *Exporter) ExportSpan(span callz.Span) {
	if e.shutdown.Load() {
		e.dropped.Add(1)
		return
	}

	e.mu.Lock()
	if e.pending.Length() >= e.maxQueue {
		e.mu.Unlock()
		e.dropped.Add(1)
		return
	}
	e.pending.Add(span)
	full := e.pending.Length() >= e.batchSize
	e.mu.Unlock()

	if full {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of spans waiting for export.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Length()
}

// Dropped returns the number of spans discarded at a full queue or after shutdown.
func (e *Exporter) Dropped() uint64 {
	return e.dropped.Load()
}

// Failed returns the number of spans the downstream exporter rejected.
func (e *Exporter) Failed() uint64 {
	return e.failed.Load()
}

func (e *Exporter) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		case <-e.clock.After(e.interval):
		}
		if err := e.drain(e.runCtx); err != nil {
			e.logger.Warn("span export failed", zap.Error(err))
		}
	}
}

// Flush exports every queued span now.
func (e *Exporter) Flush(ctx context.Context) error {
	if e.shutdown.Load() {
		return ErrShutdown
	}
	return e.drain(ctx)
}

// drain exports queued spans batch by batch until the queue is empty.
func (e *Exporter) drain(ctx context.Context) error {
	e.exportMu.Lock()
	defer e.exportMu.Unlock()

	var errs []error
	for {
		batch := e.take()
		if len(batch) == 0 {
			return errors.Join(errs...)
		}
		if err := e.export(ctx, batch); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
}

func (e *Exporter) take() []callz.Span {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.pending.Length()
	if n > e.batchSize {
		n = e.batchSize
	}
	batch := make([]callz.Span, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, e.pending.Remove().(callz.Span))
	}
	return batch
}

func (e *Exporter) export(ctx context.Context, batch []callz.Span) error {
	spans := make([]sdktrace.ReadOnlySpan, 0, len(batch))
	for _, s := range batch {
		ro, err := e.converter.convert(s)
		if err != nil {
			e.failed.Add(1)
			e.logger.Warn("span not convertible", zap.Error(err), zap.String("span_id", s.SpanID))
			continue
		}
		spans = append(spans, ro)
	}
	if len(spans) == 0 {
		return nil
	}
	if err := e.next.ExportSpans(ctx, spans); err != nil {
		e.failed.Add(uint64(len(spans)))
		return err
	}
	return nil
}

// Shutdown stops the batch loop, exports what is queued and shuts down the
// downstream exporter. If ctx ends while the loop is still exporting, the
// in-flight export is cancelled and the queued spans are dropped.
// Safe to call more than once.
func (e *Exporter) Shutdown(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.shutdown.Store(true)
		close(e.stop)
		defer e.cancelRun()

		select {
		case <-e.done:
		case <-ctx.Done():
			e.cancelRun()
			e.mu.Lock()
			e.dropped.Add(uint64(e.pending.Length()))
			e.pending = queue.New()
			e.mu.Unlock()
			err = errors.Join(ctx.Err(), e.next.Shutdown(ctx))
			return
		}

		flushErr := e.drain(ctx)
		err = errors.Join(flushErr, e.next.Shutdown(ctx))
	})
	return err
}
