// Package vars expands {{namespace}} and {{namespace:arg}} placeholders in
// prompt templates. Providers register per namespace with a priority;
// expansion consults them in ascending priority order and falls through
// when a provider reports the placeholder undefined.
package vars

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skillhost/skillhost/internal/cache"
	"github.com/skillhost/skillhost/internal/observability"
)

// Priority bands. Cheap deterministic providers sit low so expensive
// backends only run when nothing else defines a placeholder.
const (
	PriorityMin = 10
	PriorityMax = 95
)

// DefaultCacheTTL bounds how long an expanded value may be reused for the
// same placeholder and request context.
const DefaultCacheTTL = 60 * time.Second

const defaultCacheSize = 512

var placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_-]*)(?::([^{}]*))?\}\}`)

// RequestContext carries the request-scoped values providers may consult.
type RequestContext struct {
	SessionID string
	Intent    string
	Values    map[string]string
}

// fingerprint produces a stable digest of the context for cache keying.
func (rc RequestContext) fingerprint() string {
	h := sha256.New()
	h.Write([]byte(rc.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(rc.Intent))
	keys := make([]string, 0, len(rc.Values))
	for k := range rc.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{1})
		h.Write([]byte(rc.Values[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Provider resolves placeholders for one namespace. Expand returns
// ok=false when the placeholder is undefined for this provider, letting a
// higher-priority provider (or verbatim passthrough) take over.
type Provider interface {
	Namespace() string
	Priority() int
	Expand(ctx context.Context, arg string, rc RequestContext) (value string, ok bool)
}

// Volatile marks providers whose values must be re-evaluated on every
// expansion. Everything else is cached for DefaultCacheTTL, keyed by the
// placeholder and the request context fingerprint.
type Volatile interface {
	Volatile() bool
}

// Result reports what an Expand call did.
type Result struct {
	Text       string   `json:"text"`
	Expanded   int      `json:"expanded"`
	Unresolved []string `json:"unresolved,omitempty"`
	Partial    bool     `json:"partial"`
}

// Engine is the placeholder expander. Safe for concurrent use.
type Engine struct {
	mu        sync.RWMutex
	providers map[string][]Provider
	cache     *cache.TTLCache
	logger    *slog.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithCacheTTL overrides how long expanded values are reused.
// Non-positive values keep the default.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl > 0 {
			e.cache = cache.New(defaultCacheSize, ttl)
		}
	}
}

// NewEngine creates an empty engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		providers: make(map[string][]Provider),
		cache:     cache.New(defaultCacheSize, DefaultCacheTTL),
		logger:    slog.Default().With("component", "vars.engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a provider. Priorities outside [10,95] are rejected. A
// provider with the same namespace and priority as an existing one
// replaces it, with a warning.
func (e *Engine) Register(p Provider) error {
	prio := p.Priority()
	if prio < PriorityMin || prio > PriorityMax {
		return fmt.Errorf("provider %s: priority %d outside [%d,%d]", p.Namespace(), prio, PriorityMin, PriorityMax)
	}
	ns := strings.ToLower(p.Namespace())
	if ns == "" {
		return fmt.Errorf("provider with empty namespace")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.providers[ns]
	for i, existing := range list {
		if existing.Priority() == prio {
			e.logger.Warn("replacing provider with duplicate priority", "namespace", ns, "priority", prio)
			list[i] = p
			return nil
		}
	}
	list = append(list, p)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority() < list[j].Priority() })
	e.providers[ns] = list
	return nil
}

// Namespaces returns every registered namespace, sorted.
func (e *Engine) Namespaces() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.providers))
	for ns := range e.providers {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Expand replaces every resolvable placeholder in text. Placeholders no
// provider defines stay verbatim and are listed in Unresolved. When ctx
// expires mid-expansion the remaining placeholders are left verbatim and
// Partial is set; Expand never fails the whole template.
func (e *Engine) Expand(ctx context.Context, text string, rc RequestContext) Result {
	res := Result{}
	fp := rc.fingerprint()

	res.Text = placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		if res.Partial {
			return match
		}
		if ctx.Err() != nil {
			res.Partial = true
			e.logger.Warn("expansion deadline reached, leaving remaining placeholders verbatim")
			return match
		}

		groups := placeholderRe.FindStringSubmatch(match)
		ns := strings.ToLower(groups[1])
		arg := groups[2]

		value, ok := e.resolve(ctx, ns, arg, rc, fp)
		if !ok {
			res.Unresolved = append(res.Unresolved, match)
			observability.VariableExpansions.WithLabelValues(ns, "unresolved").Inc()
			return match
		}
		res.Expanded++
		observability.VariableExpansions.WithLabelValues(ns, "resolved").Inc()
		return value
	})
	return res
}

func (e *Engine) resolve(ctx context.Context, ns, arg string, rc RequestContext, fp string) (string, bool) {
	key := ns + ":" + arg + "@" + fp
	if v, ok := e.cache.Get(key); ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}

	e.mu.RLock()
	providers := e.providers[ns]
	e.mu.RUnlock()

	for _, p := range providers {
		value, ok := p.Expand(ctx, arg, rc)
		if !ok {
			continue
		}
		if v, volatile := p.(Volatile); !volatile || !v.Volatile() {
			e.cache.Set(key, value)
		}
		return value, true
	}
	return "", false
}
