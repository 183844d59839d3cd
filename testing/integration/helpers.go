package integration

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/callz"
)

// MockCollector wraps a real collector with test utilities.
// Provides synchronous collection and verification helpers.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockCollector struct {
	exported []callz.Span
	*callz.Collector
	t  *testing.T
	mu sync.Mutex
}

// NewMockCollector creates a collector for testing.
func NewMockCollector(t *testing.T, name string, bufferSize int) *MockCollector {
	collector := callz.NewCollector(name, bufferSize)
	collector.SetSyncMode(true)
	t.Cleanup(collector.Close)
	return &MockCollector{
		Collector: collector,
		t:         t,
	}
}

// Export returns collected spans and clears the buffer.
func (m *MockCollector) Export() []callz.Span {
	m.mu.Lock()
	defer m.mu.Unlock()

	spans := m.Collector.Export()
	m.exported = append(m.exported, spans...)
	return spans
}

// GetAll returns every span collected so far, including already exported ones.
func (m *MockCollector) GetAll() []callz.Span {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.Collector.Export(); len(current) > 0 {
		m.exported = append(m.exported, current...)
	}

	all := make([]callz.Span, len(m.exported))
	copy(all, m.exported)
	return all
}

// WaitForSpans waits for expected number of spans with timeout.
func (m *MockCollector) WaitForSpans(expected int, timeout time.Duration) []callz.Span {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if spans := m.GetAll(); len(spans) >= expected {
			return spans
		}
		<-ticker.C
	}

	spans := m.GetAll()
	m.t.Errorf("Timeout waiting for spans: expected %d, got %d", expected, len(spans))
	return spans
}

// AssertSpanCount verifies exact span count.
func (m *MockCollector) AssertSpanCount(expected int) {
	m.t.Helper()
	if spans := m.GetAll(); len(spans) != expected {
		m.t.Errorf("Expected %d spans, got %d", expected, len(spans))
	}
}

// AssertParentChild verifies that the call to child was made from inside parent.
func (m *MockCollector) AssertParentChild(parent, child string) {
	m.t.Helper()
	a := NewTraceAnalyzer(m.GetAll())
	p, c := a.GetSpansByResource(parent), a.GetSpansByResource(child)
	if len(p) == 0 {
		m.t.Errorf("Parent span '%s' not found", parent)
		return
	}
	if len(c) == 0 {
		m.t.Errorf("Child span '%s' not found", child)
		return
	}
	if c[0].ParentID != p[0].SpanID {
		m.t.Errorf("Parent-child relationship broken: %s is not parent of %s. Child ParentID=%s, Parent SpanID=%s",
			parent, child, c[0].ParentID, p[0].SpanID)
	}
	if c[0].TraceID != p[0].TraceID {
		m.t.Errorf("Trace ID mismatch: parent=%s, child=%s", p[0].TraceID, c[0].TraceID)
	}
}

// NewTracedMesh returns a mesh whose calls are traced into a sync collector.
func NewTracedMesh(t *testing.T, cfg callz.Config) (*Mesh, *callz.Tracer, *MockCollector) {
	t.Helper()
	tracer := callz.New()
	t.Cleanup(tracer.Close)

	collector := NewMockCollector(t, "mesh", 1024)
	tracer.OnSpanComplete(collector.ExportSpan)

	mesh := NewMesh()
	if err := mesh.Instrument(tracer, cfg); err != nil {
		t.Fatalf("instrumenting mesh: %v", err)
	}
	return mesh, tracer, collector
}

// Handler serves one operation of a MockService. Downstream calls go through
// mesh so they are traced like any other call.
type Handler func(ctx context.Context, mesh *Mesh, params callz.Params) (any, error)

// Mesh routes "service.operation" calls to registered mock services.
type Mesh struct {
	caller   callz.Caller
	services map[string]*MockService
	mu       sync.RWMutex
}

// NewMesh creates an empty, untraced mesh.
func NewMesh() *Mesh {
	m := &Mesh{services: make(map[string]*MockService)}
	m.caller = callz.CallFunc(m.dispatch)
	return m
}

// Instrument patches the mesh's call function.
func (m *Mesh) Instrument(tracer *callz.Tracer, cfg callz.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	patched, err := callz.Patch(m.caller, tracer, cfg)
	if err != nil {
		return err
	}
	m.caller = patched
	return nil
}

// Uninstrument restores the untraced call function.
func (m *Mesh) Uninstrument() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caller = callz.Unpatch(m.caller)
}

// Register adds svc to the mesh.
func (m *Mesh) Register(svc *MockService) *MockService {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[svc.name] = svc
	return svc
}

// Call calls action through the current call function.
func (m *Mesh) Call(ctx context.Context, action string, params callz.Params, opts ...callz.CallOptions) (any, error) {
	m.mu.RLock()
	caller := m.caller
	m.mu.RUnlock()

	var o callz.CallOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return caller.Call(ctx, action, params, o)
}

func (m *Mesh) dispatch(ctx context.Context, action string, params callz.Params, opts callz.CallOptions) (any, error) {
	service, op, ok := strings.Cut(action, ".")
	if !ok {
		return nil, fmt.Errorf("malformed action %q", action)
	}

	m.mu.RLock()
	svc := m.services[service]
	m.mu.RUnlock()
	if svc == nil {
		return nil, fmt.Errorf("service %q is not found", service)
	}
	return svc.handle(callz.WithMeta(ctx, opts.Meta), m, op, params)
}

// MockService simulates a remote service for integration testing.
type MockService struct {
	ops          map[string]Handler
	name         string
	latency      time.Duration
	mu           sync.Mutex
	requestCount int
	failureRate  float32
}

// NewMockService creates a simulated service with no latency.
func NewMockService(name string) *MockService {
	return &MockService{
		name: name,
		ops:  make(map[string]Handler),
	}
}

// Handle registers the handler of op.
func (s *MockService) Handle(op string, h Handler) *MockService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op] = h
	return s
}

// SetLatency configures response time.
func (s *MockService) SetLatency(d time.Duration) *MockService {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
	return s
}

// SetFailureRate configures error probability (0.0-1.0).
func (s *MockService) SetFailureRate(rate float32) *MockService {
	s.mu.Lock()
	s.failureRate = rate
	s.mu.Unlock()
	return s
}

// RequestCount returns how many calls reached the service.
func (s *MockService) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

func (s *MockService) handle(ctx context.Context, mesh *Mesh, op string, params callz.Params) (any, error) {
	s.mu.Lock()
	s.requestCount++
	latency := s.latency
	shouldFail := s.failureRate > 0 && rand.Float32() < s.failureRate
	h := s.ops[op]
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}
	if shouldFail {
		return nil, fmt.Errorf("%s: simulated failure", s.name)
	}
	if h == nil {
		return nil, nil
	}
	return h(ctx, mesh, params)
}

// SpanTree represents a hierarchical view of spans.
type SpanTree struct {
	Span     callz.Span
	Children []*SpanTree
}

// BuildSpanTree constructs a tree from flat span list.
func BuildSpanTree(spans []callz.Span) []*SpanTree {
	nodeMap := make(map[string]*SpanTree, len(spans))
	roots := make([]*SpanTree, 0)

	for i := range spans {
		nodeMap[spans[i].SpanID] = &SpanTree{Span: spans[i]}
	}

	for i := range spans {
		node := nodeMap[spans[i].SpanID]
		if spans[i].ParentID == "" {
			roots = append(roots, node)
		} else if parent, exists := nodeMap[spans[i].ParentID]; exists {
			parent.Children = append(parent.Children, node)
		}
	}

	return roots
}

// Depth returns the number of levels below and including t.
func (t *SpanTree) Depth() int {
	deepest := 0
	for _, c := range t.Children {
		if d := c.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// PrintSpanTree formats span tree for debugging.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	status := ""
	if node.Span.Errored {
		status = " !"
	}
	fmt.Fprintf(sb, "%s%s (%.2fms)%s\n",
		strings.Repeat("  ", depth), node.Span.Resource, node.Span.Duration.Seconds()*1000, status)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// SpanMatcher provides fluent assertions for spans.
type SpanMatcher struct {
	t    *testing.T
	span *callz.Span
}

// NewSpanMatcher creates a matcher for span assertions.
func NewSpanMatcher(t *testing.T, span *callz.Span) *SpanMatcher {
	return &SpanMatcher{t: t, span: span}
}

// HasTag verifies tag exists with value.
func (m *SpanMatcher) HasTag(key callz.Tag, value any) *SpanMatcher {
	m.t.Helper()
	if m.span == nil {
		return m
	}
	if actual, exists := m.span.Tags[key]; !exists {
		m.t.Errorf("Span %s missing tag '%s'", m.span.Resource, key)
	} else if actual != value {
		m.t.Errorf("Span %s tag '%s': expected %v, got %v", m.span.Resource, key, value, actual)
	}
	return m
}

// HasParent verifies parent relationship.
func (m *SpanMatcher) HasParent(parentID string) *SpanMatcher {
	m.t.Helper()
	if m.span == nil {
		return m
	}
	if m.span.ParentID != parentID {
		m.t.Errorf("Span %s wrong parent: expected %s, got %s", m.span.Resource, parentID, m.span.ParentID)
	}
	return m
}

// Failed verifies the span recorded an error with message msg.
func (m *SpanMatcher) Failed(msg string) *SpanMatcher {
	m.t.Helper()
	if m.span == nil {
		return m
	}
	if !m.span.Errored || m.span.Error == nil {
		m.t.Errorf("Span %s did not record an error", m.span.Resource)
		return m
	}
	if m.span.Error.Message != msg {
		m.t.Errorf("Span %s error message: expected %q, got %q", m.span.Resource, msg, m.span.Error.Message)
	}
	return m
}

// Succeeded verifies the span recorded no error.
func (m *SpanMatcher) Succeeded() *SpanMatcher {
	m.t.Helper()
	if m.span != nil && m.span.Errored {
		m.t.Errorf("Span %s unexpectedly errored: %+v", m.span.Resource, m.span.Error)
	}
	return m
}

// TraceAnalyzer provides trace-level assertions.
type TraceAnalyzer struct {
	byID       map[string]callz.Span
	byResource map[string][]callz.Span
	byTrace    map[string][]callz.Span
	spans      []callz.Span
	trees      []*SpanTree
}

// NewTraceAnalyzer creates an analyzer for a set of spans.
func NewTraceAnalyzer(spans []callz.Span) *TraceAnalyzer {
	a := &TraceAnalyzer{
		spans:      spans,
		byID:       make(map[string]callz.Span, len(spans)),
		byResource: make(map[string][]callz.Span),
		byTrace:    make(map[string][]callz.Span),
	}

	for i := range spans {
		span := spans[i]
		a.byID[span.SpanID] = span
		a.byResource[span.Resource] = append(a.byResource[span.Resource], span)
		a.byTrace[span.TraceID] = append(a.byTrace[span.TraceID], span)
	}

	a.trees = BuildSpanTree(spans)
	return a
}

// GetSpan retrieves span by ID.
func (a *TraceAnalyzer) GetSpan(spanID string) (callz.Span, bool) {
	span, exists := a.byID[spanID]
	return span, exists
}

// GetSpansByResource retrieves all spans of calls to action.
func (a *TraceAnalyzer) GetSpansByResource(action string) []callz.Span {
	return a.byResource[action]
}

// Traces returns spans grouped by trace ID.
func (a *TraceAnalyzer) Traces() map[string][]callz.Span {
	return a.byTrace
}

// Trees returns the root spans with their descendants.
func (a *TraceAnalyzer) Trees() []*SpanTree {
	return a.trees
}

// CountSpans returns total span count.
func (a *TraceAnalyzer) CountSpans() int {
	return len(a.spans)
}

// CountTrees returns number of root spans.
func (a *TraceAnalyzer) CountTrees() int {
	return len(a.trees)
}

// VerifyChain checks that each action was called from inside the previous one.
func (a *TraceAnalyzer) VerifyChain(actions ...string) error {
	if len(actions) < 2 {
		return fmt.Errorf("chain requires at least 2 spans")
	}

	var prev *callz.Span
	for i, action := range actions {
		spans := a.GetSpansByResource(action)
		if len(spans) == 0 {
			return fmt.Errorf("span '%s' not found", action)
		}
		span := spans[0]
		if prev != nil && span.ParentID != prev.SpanID {
			return fmt.Errorf("broken chain: %s is not child of %s", action, actions[i-1])
		}
		prev = &span
	}

	return nil
}

// GetCriticalPath returns the root-to-leaf path whose calls took longest.
func (a *TraceAnalyzer) GetCriticalPath() []callz.Span {
	var maxPath []callz.Span
	var maxDuration time.Duration

	for _, tree := range a.trees {
		path := a.findLongestPath(tree)
		if d := pathDuration(path); d > maxDuration {
			maxDuration = d
			maxPath = path
		}
	}

	return maxPath
}

func (a *TraceAnalyzer) findLongestPath(node *SpanTree) []callz.Span {
	path := []callz.Span{node.Span}

	var longest []callz.Span
	var longestDuration time.Duration
	for _, child := range node.Children {
		childPath := a.findLongestPath(child)
		if d := pathDuration(childPath); d > longestDuration {
			longestDuration = d
			longest = childPath
		}
	}

	return append(path, longest...)
}

func pathDuration(path []callz.Span) time.Duration {
	var total time.Duration
	for i := range path {
		total += path[i].Duration
	}
	return total
}
