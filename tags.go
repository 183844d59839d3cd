package callz

import (
	"errors"
	"fmt"
	"strings"
)

// CallContext is the view of a call that tag resolvers work on.
type CallContext struct {
	// Params are the call parameters.
	Params Params
	// Meta is the ambient request metadata of the calling chain merged with
	// the metadata passed in the call options.
	Meta map[string]any
	// Custom carries caller-supplied values meant only for tag resolvers.
	Custom map[string]any
	// Action is the addressed action, e.g. "users.get".
	Action string
}

// TagResolver computes the tags of a call. Resolvers run synchronously
// before the call starts.
type TagResolver interface {
	ResolveTags(call CallContext) (map[Tag]any, error)
}

// TagFunc is a callback TagResolver. A panicking callback is reported as an
// error and contributes no tags.
type TagFunc func(call CallContext) map[Tag]any

// ResolveTags calls f and converts a panic into an error.
func (f TagFunc) ResolveTags(call CallContext) (tags map[Tag]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			tags = nil
			err = fmt.Errorf("%w: callback for %q panicked: %v", ErrTagResolution, call.Action, r)
		}
	}()
	return f(call), nil
}

// Rule extracts one value from a call. It reports false when the value is absent.
type Rule func(call CallContext) (any, bool)

// Param returns a Rule reading a dotted path from the call parameters.
func Param(path string) Rule {
	return func(call CallContext) (any, bool) {
		return lookup(call.Params, path)
	}
}

// Meta returns a Rule reading a dotted path from the request metadata.
func Meta(path string) Rule {
	return func(call CallContext) (any, bool) {
		return lookup(call.Meta, path)
	}
}

// Value returns a Rule yielding v for every call.
func Value(v any) Rule {
	return func(CallContext) (any, bool) {
		return v, true
	}
}

// lookup walks a dotted path through nested maps.
func lookup(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	head, rest, nested := strings.Cut(path, ".")
	v, ok := m[head]
	if !ok {
		return nil, false
	}
	if !nested {
		return v, true
	}
	switch inner := v.(type) {
	case map[string]any:
		return lookup(inner, rest)
	case map[string]string:
		s, ok := inner[rest]
		return s, ok
	default:
		return nil, false
	}
}

// StaticTags maps tag keys to extraction rules.
type StaticTags map[Tag]Rule

// ResolveTags applies every rule. Rules whose value is absent add nothing.
func (s StaticTags) ResolveTags(call CallContext) (map[Tag]any, error) {
	tags := make(map[Tag]any, len(s))
	for key, rule := range s {
		if rule == nil {
			continue
		}
		if v, ok := rule(call); ok {
			tags[key] = v
		}
	}
	return tags, nil
}

// ParseRules builds StaticTags from rule strings. A plain rule such as "id"
// reads params.id into the tag "params.id"; a rule prefixed with '#', such as
// "#loggedIn.username", reads the request metadata into "meta.loggedIn.username".
func ParseRules(rules []string) (StaticTags, error) {
	tags := make(StaticTags, len(rules))
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if path, ok := strings.CutPrefix(rule, "#"); ok {
			if path == "" {
				return nil, fmt.Errorf("%w: empty meta rule", ErrInvalidTag)
			}
			tags[TagMeta+"."+path] = Meta(path)
			continue
		}
		if rule == "" {
			return nil, fmt.Errorf("%w: empty param rule", ErrInvalidTag)
		}
		tags[TagParams+"."+rule] = Param(rule)
	}
	return tags, nil
}

// ChainTags combines resolvers. Later resolvers overwrite keys set by earlier
// ones. A failing resolver contributes no tags, the others still apply, and
// the failures are returned joined.
func ChainTags(resolvers ...TagResolver) TagResolver {
	chain := make(tagChain, 0, len(resolvers))
	for _, r := range resolvers {
		if r != nil {
			chain = append(chain, r)
		}
	}
	return chain
}

type tagChain []TagResolver

func (c tagChain) ResolveTags(call CallContext) (map[Tag]any, error) {
	var (
		merged map[Tag]any
		errs   []error
	)
	for _, r := range c {
		tags, err := r.ResolveTags(call)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(tags) == 0 {
			continue
		}
		if merged == nil {
			merged = make(map[Tag]any, len(tags))
		}
		for k, v := range tags {
			merged[k] = v
		}
	}
	return merged, errors.Join(errs...)
}
