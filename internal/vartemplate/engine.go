// Package vartemplate implements the {{KEY}} placeholder expansion engine:
// an ordered chain of value providers, recursive resolution with
// cycle-detection and depth/fan-out caps, and a bounded regex cache for the
// final batched substitution pass.
package vartemplate

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/toolbridge/core/internal/coreerr"
)

// placeholderPattern extracts unique {{KEY}} occurrences from text.
var placeholderPattern = regexp.MustCompile(`\{\{(` + `[A-Za-z0-9_:]+` + `)\}\}`)

// Provider resolves a single key to a string, or signals "not mine" via ok=false.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, key string) (value string, ok bool)
}

// Options configures engine limits. Zero values fall back to spec defaults.
type Options struct {
	MaxDepth        int
	MaxPlaceholders int
	RegexCacheSize  int
	CycleDetection  *bool // nil means enabled (spec default: on)
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 10
	}
	if o.MaxPlaceholders <= 0 {
		o.MaxPlaceholders = 100
	}
	if o.RegexCacheSize <= 0 {
		o.RegexCacheSize = 200
	}
	if o.CycleDetection == nil {
		on := true
		o.CycleDetection = &on
	}
	return o
}

// Engine expands {{KEY}} placeholders by consulting registered providers in
// priority order.
type Engine struct {
	mu        sync.RWMutex
	providers []Provider
	opts      Options
	cache     *regexCache

	onResolveError func(kind coreerr.Kind)
}

// OnResolveError registers a callback invoked whenever Resolve fails,
// carrying the error's kind. Intended for wiring a prometheus counter; nil
// by default.
func (e *Engine) OnResolveError(fn func(kind coreerr.Kind)) {
	e.onResolveError = fn
}

func (e *Engine) reportError(err error) error {
	if e.onResolveError != nil {
		if ce, ok := err.(*coreerr.Error); ok {
			e.onResolveError(ce.Kind)
		}
	}
	return err
}

// New builds an Engine with the given options.
func New(opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		opts:  opts,
		cache: newRegexCache(opts.RegexCacheSize),
	}
}

// Register appends a provider to the resolution chain. Registration order is
// the resolution priority: first match wins per key.
func (e *Engine) Register(p Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers = append(e.providers, p)
}

// Resolve expands every {{KEY}} placeholder in text. Unresolved placeholders
// (no provider claims the key) are left intact. Cycle, depth, and fan-out
// breaches fail the whole call.
func (e *Engine) Resolve(ctx context.Context, text string) (string, error) {
	keys := uniqueKeys(text)
	if len(keys) > e.opts.MaxPlaceholders {
		return "", e.reportError(coreerr.New(coreerr.KindVariableResolveError,
			fmt.Sprintf("fan-out cap exceeded: %d placeholders, max %d", len(keys), e.opts.MaxPlaceholders),
			map[string]any{"count": len(keys), "max": e.opts.MaxPlaceholders}))
	}

	resolved := make(map[string]string, len(keys))
	for _, key := range keys {
		value, found, err := e.resolveKey(ctx, key, nil)
		if err != nil {
			return "", e.reportError(err)
		}
		if found {
			resolved[key] = value
		}
	}

	return e.substitute(text, resolved), nil
}

// resolveKey resolves a single key against the provider chain, recursively
// resolving placeholders within the provider's returned value. stack is the
// chain of keys currently being resolved, used for cycle detection and depth
// counting; it is allocated per top-level Resolve call.
func (e *Engine) resolveKey(ctx context.Context, key string, stack []string) (string, bool, error) {
	if *e.opts.CycleDetection {
		for _, s := range stack {
			if s == key {
				return "", false, coreerr.New(coreerr.KindCircularDependency,
					fmt.Sprintf("circular reference detected at key %q", key),
					map[string]any{"key": key, "stack": append(append([]string{}, stack...), key)})
			}
		}
	}
	if len(stack) >= e.opts.MaxDepth {
		return "", false, coreerr.New(coreerr.KindMaxRecursionDepth,
			fmt.Sprintf("max recursion depth %d exceeded resolving %q", e.opts.MaxDepth, key),
			map[string]any{"key": key, "depth": len(stack)})
	}

	e.mu.RLock()
	providers := e.providers
	e.mu.RUnlock()

	for _, p := range providers {
		value, ok := p.Resolve(ctx, key)
		if !ok {
			continue
		}

		nestedKeys := uniqueKeys(value)
		if len(nestedKeys) == 0 {
			return value, true, nil
		}

		nestedStack := append(append([]string{}, stack...), key)
		nestedResolved := make(map[string]string, len(nestedKeys))
		for _, nk := range nestedKeys {
			nv, found, err := e.resolveKey(ctx, nk, nestedStack)
			if err != nil {
				return "", false, err
			}
			if found {
				nestedResolved[nk] = nv
			}
		}
		return e.substitute(value, nestedResolved), true, nil
	}

	return "", false, nil
}

// substitute performs batched placeholder replacement using the bounded
// regex cache, one compiled pattern per literal "{{KEY}}" string.
func (e *Engine) substitute(text string, resolved map[string]string) string {
	for key, value := range resolved {
		re := e.cache.get("{{" + key + "}}")
		text = re.ReplaceAllLiteralString(text, value)
	}
	return text
}

// uniqueKeys returns the set of distinct KEYs appearing as {{KEY}} in text,
// in first-occurrence order.
func uniqueKeys(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var keys []string
	for _, m := range matches {
		k := m[1]
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
