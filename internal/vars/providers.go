package vars

import (
	"context"
	"os"
	"strings"
	"time"
)

// Clock placeholders resolve to the current wall clock. They are volatile
// so a long-lived session never sees a stale timestamp.
type clockProvider struct {
	ns     string
	prio   int
	format string
	now    func() time.Time
}

func (c *clockProvider) Namespace() string { return c.ns }
func (c *clockProvider) Priority() int     { return c.prio }
func (c *clockProvider) Volatile() bool    { return true }

func (c *clockProvider) Expand(_ context.Context, arg string, _ RequestContext) (string, bool) {
	format := c.format
	if arg != "" {
		format = arg
	}
	return c.now().Format(format), true
}

// NewClockProviders returns the time, date, and datetime providers. An
// argument overrides the layout, e.g. {{date:2006-01}}. now may be nil.
func NewClockProviders(now func() time.Time) []Provider {
	if now == nil {
		now = time.Now
	}
	return []Provider{
		&clockProvider{ns: "time", prio: 10, format: "15:04:05", now: now},
		&clockProvider{ns: "date", prio: 15, format: "2006-01-02", now: now},
		&clockProvider{ns: "datetime", prio: 20, format: time.RFC3339, now: now},
	}
}

// EnvProvider resolves {{env:NAME}} from the process environment, limited
// to an allowlist so templates cannot read arbitrary secrets.
type EnvProvider struct {
	allowed map[string]bool
	lookup  func(string) (string, bool)
}

// NewEnvProvider creates the provider with the given allowlist.
func NewEnvProvider(allowlist []string) *EnvProvider {
	allowed := make(map[string]bool, len(allowlist))
	for _, name := range allowlist {
		allowed[name] = true
	}
	return &EnvProvider{allowed: allowed, lookup: os.LookupEnv}
}

func (e *EnvProvider) Namespace() string { return "env" }
func (e *EnvProvider) Priority() int     { return 40 }
func (e *EnvProvider) Volatile() bool    { return true }

func (e *EnvProvider) Expand(_ context.Context, arg string, _ RequestContext) (string, bool) {
	if arg == "" || !e.allowed[arg] {
		return "", false
	}
	return e.lookup(arg)
}

// SessionProvider resolves {{session}}, {{session:id}}, and
// {{session:intent}} from the request context.
type SessionProvider struct{}

func (SessionProvider) Namespace() string { return "session" }
func (SessionProvider) Priority() int     { return 40 }
func (SessionProvider) Volatile() bool    { return true }

func (SessionProvider) Expand(_ context.Context, arg string, rc RequestContext) (string, bool) {
	switch arg {
	case "", "id":
		return rc.SessionID, rc.SessionID != ""
	case "intent":
		return rc.Intent, rc.Intent != ""
	default:
		return "", false
	}
}

// VarProvider resolves {{var:key}} from the request-scoped value map.
type VarProvider struct{}

func (VarProvider) Namespace() string { return "var" }
func (VarProvider) Priority() int     { return 45 }
func (VarProvider) Volatile() bool    { return true }

func (VarProvider) Expand(_ context.Context, arg string, rc RequestContext) (string, bool) {
	v, ok := rc.Values[arg]
	return v, ok
}

// StaticProvider serves fixed values under one namespace. {{ns}} resolves
// the namespace's default value; {{ns:key}} looks up the entry map.
type StaticProvider struct {
	ns      string
	prio    int
	value   string
	entries map[string]string
}

// NewStaticProvider creates a static provider. value is the bare {{ns}}
// expansion; entries may be nil.
func NewStaticProvider(ns string, prio int, value string, entries map[string]string) *StaticProvider {
	return &StaticProvider{ns: ns, prio: prio, value: value, entries: entries}
}

func (s *StaticProvider) Namespace() string { return s.ns }
func (s *StaticProvider) Priority() int     { return s.prio }

func (s *StaticProvider) Expand(_ context.Context, arg string, _ RequestContext) (string, bool) {
	if arg == "" {
		return s.value, s.value != ""
	}
	v, ok := s.entries[arg]
	return v, ok
}

// ExpandFunc adapts a closure to the Provider interface, for backends such
// as diaries or retrieval stores that live outside this package.
type ExpandFunc struct {
	NS        string
	Prio      int
	Fn        func(ctx context.Context, arg string, rc RequestContext) (string, bool)
	NoCaching bool
}

func (f ExpandFunc) Namespace() string { return f.NS }
func (f ExpandFunc) Priority() int     { return f.Prio }
func (f ExpandFunc) Volatile() bool    { return f.NoCaching }

func (f ExpandFunc) Expand(ctx context.Context, arg string, rc RequestContext) (string, bool) {
	return f.Fn(ctx, arg, rc)
}

// CatalogRenderer is the slice of the tool description generator the tools
// provider needs.
type CatalogRenderer interface {
	Render(phase string) string
	AdaptivePhase() string
}

// ToolsProvider resolves {{tools}} to the rendered tool catalog. The
// argument selects an explicit phase; bare {{tools}} uses the adaptive
// phase for the current skill count.
type ToolsProvider struct {
	catalog CatalogRenderer
}

// NewToolsProvider wraps a catalog renderer.
func NewToolsProvider(catalog CatalogRenderer) *ToolsProvider {
	return &ToolsProvider{catalog: catalog}
}

func (t *ToolsProvider) Namespace() string { return "tools" }
func (t *ToolsProvider) Priority() int     { return 70 }
func (t *ToolsProvider) Volatile() bool    { return true }

func (t *ToolsProvider) Expand(_ context.Context, arg string, _ RequestContext) (string, bool) {
	phase := strings.ToLower(arg)
	if phase == "" {
		phase = t.catalog.AdaptivePhase()
	}
	out := t.catalog.Render(phase)
	return out, out != ""
}
