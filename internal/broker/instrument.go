package broker

import (
	"github.com/zoobzio/callz"
	"go.uber.org/zap"
)

// SpanType is the span.type tag of broker call spans unless cfg sets one.
const SpanType = "broker"

// Instrument installs a callz interceptor on b so every call produces a span.
// Per-action tracing declared on registered actions is merged into cfg;
// entries already present in cfg.Actions take precedence.
// Instrumenting an instrumented broker changes nothing.
func Instrument(b *Broker, tracer *callz.Tracer, cfg callz.Config) error {
	if cfg.SpanType == "" {
		cfg.SpanType = SpanType
	}
	declared := b.tracingConfigs()
	if len(declared) > 0 {
		merged := make(map[string]callz.ActionConfig, len(declared)+len(cfg.Actions))
		for name, ac := range declared {
			merged[name] = ac
		}
		for name, ac := range cfg.Actions {
			merged[name] = ac
		}
		cfg.Actions = merged
	}

	patched, err := callz.Patch(b.Caller(), tracer, cfg)
	if err != nil {
		return err
	}
	b.SetCaller(patched)
	b.logger.Debug("broker instrumented", zap.Int("traced_actions", len(cfg.Actions)))
	return nil
}

// Uninstrument removes the interceptor installed by Instrument.
// It is a no-op on a broker that is not instrumented.
func Uninstrument(b *Broker) {
	b.SetCaller(callz.Unpatch(b.Caller()))
}
