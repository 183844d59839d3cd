package callz

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// SpanHandler is called when a span completes.
type SpanHandler func(span Span)

// Exporter receives finished spans. ExportSpan must not block for long:
// it runs on the tracer's async handler path.
type Exporter interface {
	ExportSpan(span Span)
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(span Span)

// ExportSpan calls f(span).
func (f ExporterFunc) ExportSpan(span Span) {
	f(span)
}

type handlerEntry struct {
	handler SpanHandler
	id      uint64
	async   bool
}

// Tracer manages span lifecycle and collection.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers     []handlerEntry
	panicHook    func(handlerID uint64, r interface{})
	workers      *workerPool
	traceIDPool  atomic.Pointer[IDPool]
	spanIDPool   atomic.Pointer[IDPool]
	clock        clockz.Clock
	logger       *zap.Logger
	handlersLock sync.RWMutex
	idPoolOnce   sync.Once
	nextID       atomic.Uint64
	droppedSpans atomic.Uint64
	faults       atomic.Uint64
	closed       atomic.Bool
}

// New creates a new tracer.
// Uses the real clock and a no-op logger.
func New() *Tracer {
	return &Tracer{
		handlers: make([]handlerEntry, 0),
		clock:    clockz.RealClock,
		logger:   zap.NewNop(),
	}
}

// WithClock sets the clock used for span timestamps and returns the tracer.
// Enables clock injection for deterministic testing. Call before first use.
func (t *Tracer) WithClock(clock clockz.Clock) *Tracer {
	if clock != nil {
		t.clock = clock
	}
	return t
}

// WithLogger sets the logger that receives instrumentation diagnostics and
// returns the tracer. Call before first use.
func (t *Tracer) WithLogger(logger *zap.Logger) *Tracer {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// ensureIDPools initializes ID pools if not already created.
func (t *Tracer) ensureIDPools() {
	t.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		poolSize := runtime.NumCPU() * 100

		traceIDs := NewIDPool(poolSize, func() string {
			id, err := uuid.NewRandom()
			if err != nil {
				// Fallback to time-based ID if the random source fails.
				return hex.EncodeToString([]byte(t.clock.Now().Format("2006010215040500")))
			}
			return hex.EncodeToString(id[:])
		})

		spanIDs := NewIDPool(poolSize, func() string {
			bytes := make([]byte, 8)
			if _, err := rand.Read(bytes); err != nil {
				// Fallback to time-based ID if crypto/rand fails.
				return hex.EncodeToString([]byte(t.clock.Now().Format("15040500")))
			}
			return hex.EncodeToString(bytes)
		})

		t.traceIDPool.Store(traceIDs)
		t.spanIDPool.Store(spanIDs)
		// A Close that ran while the pools were being built saw none of them.
		if t.closed.Load() {
			traceIDs.Close()
			spanIDs.Close()
		}
	})
}

// OnSpanComplete registers a synchronous handler called when spans complete.
func (t *Tracer) OnSpanComplete(handler SpanHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnSpanCompleteAsync registers an asynchronous handler called when spans complete.
func (t *Tracer) OnSpanCompleteAsync(handler SpanHandler) uint64 {
	return t.registerHandler(handler, true)
}

// AddExporter registers exporter as a fire-and-forget span sink.
// The returned ID can be passed to RemoveHandler.
func (t *Tracer) AddExporter(exporter Exporter) uint64 {
	if exporter == nil {
		return 0
	}
	return t.registerHandler(exporter.ExportSpan, true)
}

func (t *Tracer) registerHandler(handler SpanHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// HasHandlers reports whether any handler or exporter is registered.
func (t *Tracer) HasHandlers() bool {
	t.handlersLock.RLock()
	defer t.handlersLock.RUnlock()
	return len(t.handlers) > 0
}

// SetPanicHook sets a function to be called when a handler panics.
// Without a hook, handler panics are logged as faults.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	t.panicHook = hook
}

// StartOption configures a span at creation.
type StartOption func(*startConfig)

type startConfig struct {
	tags      map[Tag]any
	parent    *ActiveSpan
	resource  string
	kind      Kind
	parentSet bool
}

// ChildOf makes the new span a child of parent, ignoring the span active in
// the context. ChildOf(nil) starts a new trace.
func ChildOf(parent *ActiveSpan) StartOption {
	return func(c *startConfig) {
		c.parent = parent
		c.parentSet = true
	}
}

// WithTags sets initial tags on the new span.
func WithTags(tags map[Tag]any) StartOption {
	return func(c *startConfig) {
		if c.tags == nil {
			c.tags = make(map[Tag]any, len(tags))
		}
		for k, v := range tags {
			c.tags[k] = v
		}
	}
}

// WithKind sets the kind of the new span.
func WithKind(kind Kind) StartOption {
	return func(c *startConfig) {
		c.kind = kind
	}
}

// WithResource names the specific target of the new span.
func WithResource(resource string) StartOption {
	return func(c *startConfig) {
		c.resource = resource
	}
}

// StartSpan creates a new span and returns it wrapped in an ActiveSpan,
// together with a context in which it is active.
// Unless ChildOf is given, the span active in ctx becomes the parent.
func (t *Tracer) StartSpan(ctx context.Context, operation Key, opts ...StartOption) (context.Context, *ActiveSpan) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	parent := cfg.parent
	if !cfg.parentSet {
		parent = SpanFromContext(ctx)
	}

	span := &Span{
		SpanID:    t.generateSpanID(),
		Name:      operation,
		Resource:  cfg.resource,
		Kind:      cfg.kind,
		StartTime: t.clock.Now(),
	}

	// Link to parent span if present.
	if parent != nil {
		span.TraceID = parent.TraceID()
		span.ParentID = parent.SpanID()
	} else {
		span.TraceID = t.generateTraceID()
	}

	activeSpan := &ActiveSpan{
		span:   span,
		tracer: t,
	}

	if cfg.resource != "" {
		activeSpan.SetTag(TagResource, cfg.resource)
	}
	if len(cfg.tags) > 0 {
		activeSpan.SetTags(cfg.tags)
	}

	return ContextWithSpan(ctx, activeSpan), activeSpan
}

// ActiveSpan returns the span active in ctx, or nil.
func (*Tracer) ActiveSpan(ctx context.Context) *ActiveSpan {
	return SpanFromContext(ctx)
}

// Bind returns a CallFunc that runs fn with span active in the context it
// receives. Whatever fn does with that context, including handing it to
// goroutines that outlive the call, stays attached to span. The caller's own
// context is untouched, so its active span is unchanged once fn returns.
func (*Tracer) Bind(fn CallFunc, span *ActiveSpan) CallFunc {
	return func(ctx context.Context, action string, params Params, opts CallOptions) (any, error) {
		return fn(ContextWithSpan(ctx, span), action, params, opts)
	}
}

// Faults returns the number of instrumentation faults reported so far.
func (t *Tracer) Faults() uint64 {
	return t.faults.Load()
}

// fault reports an instrumentation fault on the diagnostic channel.
func (t *Tracer) fault(msg string, err error, spanID string) {
	t.faults.Add(1)
	t.logger.Warn(msg, zap.Error(err), zap.String("span_id", spanID))
}

// collectSpan hands a finished span to every registered handler.
func (t *Tracer) collectSpan(span Span) {
	t.executeHandlers(span)
}

// executeHandlers calls all registered handlers with the completed span.
func (t *Tracer) executeHandlers(span Span) {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	workers := t.workers
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			// Make a copy of h for closure
			entry := h
			if workers != nil {
				workers.submit(func() {
					t.safeCall(entry, span)
				})
			} else {
				go t.safeCall(entry, span)
			}
		} else {
			t.safeCall(h, span)
		}
	}
}

func (t *Tracer) safeCall(entry handlerEntry, span Span) {
	defer func() {
		if r := recover(); r != nil {
			t.handlersLock.RLock()
			hook := t.panicHook
			t.handlersLock.RUnlock()
			if hook != nil {
				hook(entry.id, r)
				return
			}
			t.faults.Add(1)
			t.logger.Error("span handler panicked",
				zap.Uint64("handler_id", entry.id),
				zap.Any("panic", r),
				zap.String("span_id", span.SpanID),
			)
		}
	}()
	entry.handler(span)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}

	pool := &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &t.droppedSpans,
	}

	pool.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.run()
	}
	t.workers = pool

	return nil
}

// DroppedSpans returns the number of spans dropped due to full worker queue.
func (t *Tracer) DroppedSpans() uint64 {
	return t.droppedSpans.Load()
}

// Close shuts down the tracer gracefully and cleans up resources.
// This should be called when the tracer is no longer needed.
func (t *Tracer) Close() {
	// Stop new handler executions
	t.handlersLock.Lock()
	t.handlers = nil
	workers := t.workers
	t.workers = nil
	t.handlersLock.Unlock()

	// Wait for in-flight async tasks
	if workers != nil {
		workers.shutdown()
	}

	// Close ID pools
	t.closed.Store(true)
	if pool := t.traceIDPool.Load(); pool != nil {
		pool.Close()
	}
	if pool := t.spanIDPool.Load(); pool != nil {
		pool.Close()
	}
}

// generateTraceID creates a new trace ID using the optimized ID pool.
func (t *Tracer) generateTraceID() string {
	t.ensureIDPools()
	return t.traceIDPool.Load().Get()
}

// generateSpanID creates a new span ID using the optimized ID pool.
func (t *Tracer) generateSpanID() string {
	t.ensureIDPools()
	return t.spanIDPool.Load().Get()
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			// Drain what was queued before shutdown.
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
