// Package broker is a small in-process service broker: services register
// named actions and call each other through a single call function that
// callz can intercept.
package broker

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/zoobzio/callz"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Handler runs an action.
type Handler func(ctx *Context) (any, error)

// Action is one callable endpoint of a service.
type Action struct {
	Handler Handler
	// Tracing sets per-action tags and analytics used by Instrument.
	Tracing *callz.ActionConfig
}

// Service groups actions under a name. Action "get" of service "users" is
// called as "users.get".
type Service struct {
	Actions map[string]Action
	Name    string
}

// Broker routes calls to registered actions.
// Safe for concurrent use by multiple goroutines.
type Broker struct {
	actions map[string]Action
	caller  callz.Caller
	logger  *zap.Logger
	clock   clockz.Clock
	nodeID  string
	mu      sync.RWMutex
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock sets the clock used to time calls.
func WithClock(clock clockz.Clock) Option {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithNodeID names the local node. Calls pinned to another node fail.
func WithNodeID(id string) Option {
	return func(b *Broker) {
		b.nodeID = id
	}
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		actions: make(map[string]Action),
		logger:  zap.NewNop(),
		clock:   clockz.RealClock,
		nodeID:  "local",
	}
	for _, opt := range opts {
		opt(b)
	}
	b.caller = callz.CallFunc(b.dispatch)
	return b
}

// NodeID returns the name of the local node.
func (b *Broker) NodeID() string {
	return b.nodeID
}

// Clock returns the broker clock. Services use it for delays.
func (b *Broker) Clock() clockz.Clock {
	return b.clock
}

// CreateService registers every action of svc.
func (b *Broker) CreateService(svc Service) error {
	if svc.Name == "" || strings.Contains(svc.Name, ".") {
		return errors.Newf("invalid service name %q", svc.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for name, action := range svc.Actions {
		full := svc.Name + "." + name
		if action.Handler == nil {
			return errors.Newf("action %q has no handler", full)
		}
		if _, exists := b.actions[full]; exists {
			return errors.Newf("action %q already registered", full)
		}
	}
	for name, action := range svc.Actions {
		b.actions[svc.Name+"."+name] = action
	}

	b.logger.Info("service created", zap.String("service", svc.Name), zap.Int("actions", len(svc.Actions)))
	return nil
}

// Actions returns the registered action names in order.
func (b *Broker) Actions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.actions))
	for name := range b.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call calls action through the broker's current call function.
func (b *Broker) Call(ctx context.Context, action string, params callz.Params, opts ...callz.CallOptions) (any, error) {
	var o callz.CallOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return b.Caller().Call(ctx, action, params, o)
}

// Caller returns the call function every call goes through.
func (b *Broker) Caller() callz.Caller {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.caller
}

// SetCaller replaces the call function. It is how interceptors are installed.
func (b *Broker) SetCaller(c callz.Caller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.caller = c
}

// tracingConfigs returns the per-action tracing settings declared by services.
func (b *Broker) tracingConfigs() map[string]callz.ActionConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()

	configs := make(map[string]callz.ActionConfig)
	for name, action := range b.actions {
		if action.Tracing != nil {
			configs[name] = *action.Tracing
		}
	}
	return configs
}

// dispatch is the unwrapped call function.
func (b *Broker) dispatch(ctx context.Context, action string, params callz.Params, opts callz.CallOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.RLock()
	act, ok := b.actions[action]
	b.mu.RUnlock()
	if !ok {
		return nil, serviceNotFound(action)
	}
	if opts.NodeID != "" && opts.NodeID != b.nodeID {
		return nil, nodeNotAvailable(opts.NodeID, action)
	}

	ctx = callz.WithMeta(ctx, opts.Meta)
	if params == nil {
		params = callz.Params{}
	}
	call := &Context{
		Context: ctx,
		Action:  action,
		Params:  params,
		Meta:    callz.MetaFromContext(ctx),
		NodeID:  b.nodeID,
		broker:  b,
	}

	start := b.clock.Now()
	var (
		res any
		err error
	)
	if opts.Timeout > 0 {
		res, err = b.runWithTimeout(call, act.Handler, opts)
	} else {
		res, err = act.Handler(call)
	}

	fields := []zap.Field{
		zap.String("action", action),
		zap.Duration("duration", b.clock.Since(start)),
	}
	if err != nil {
		b.logger.Debug("call failed", append(fields, zap.Error(err))...)
	} else {
		b.logger.Debug("call finished", fields...)
	}
	return res, err
}

type outcome struct {
	res      any
	err      error
	panicked any
}

// runWithTimeout runs h in its own goroutine so a handler that ignores its
// context still cannot hold the caller past the deadline. A handler panic is
// re-raised on the calling goroutine.
func (b *Broker) runWithTimeout(call *Context, h Handler, opts callz.CallOptions) (any, error) {
	ctx, cancel := context.WithTimeout(call.Context, opts.Timeout)
	defer cancel()
	call.Context = ctx

	done := make(chan outcome, 1)
	callz.Go(ctx, func(context.Context) {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o.panicked = r
			}
			done <- o
		}()
		o.res, o.err = h(call)
	})

	select {
	case o := <-done:
		if o.panicked != nil {
			panic(o.panicked)
		}
		return o.res, o.err
	case <-ctx.Done():
		return nil, requestTimeout(call.Action, ctx.Err())
	}
}

// Context is what an action handler receives. Calls made through it are
// causally linked to the call being handled.
type Context struct {
	context.Context
	Params callz.Params
	Meta   map[string]any
	broker *Broker
	Action string
	NodeID string
}

// Call calls another action as part of handling this one.
func (c *Context) Call(action string, params callz.Params, opts ...callz.CallOptions) (any, error) {
	return c.broker.Call(c.Context, action, params, opts...)
}

// Broker returns the broker handling the call.
func (c *Context) Broker() *Broker {
	return c.broker
}

// Param returns the parameter at a dotted path.
func (c *Context) Param(path string) (any, bool) {
	var cur any = map[string]any(c.Params)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// IntParam returns an integer parameter, accepting any integral numeric type.
func (c *Context) IntParam(name string) (int, error) {
	v, ok := c.Params[name]
	if !ok {
		return 0, errors.Newf("missing parameter %q", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, errors.Newf("parameter %q is %T, not an integer", name, v)
}
