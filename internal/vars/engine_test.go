package vars

import (
	"context"
	"testing"
	"time"
)

func TestEngine_ExpandBasics(t *testing.T) {
	e := NewEngine()
	fixed := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	for _, p := range NewClockProviders(func() time.Time { return fixed }) {
		if err := e.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	res := e.Expand(context.Background(), "now {{time}} on {{date}}", RequestContext{})
	if res.Text != "now 14:30:00 on 2026-08-25" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Expanded != 2 || res.Partial || len(res.Unresolved) != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestEngine_FormatArgument(t *testing.T) {
	e := NewEngine()
	fixed := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	for _, p := range NewClockProviders(func() time.Time { return fixed }) {
		if err := e.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	res := e.Expand(context.Background(), "{{date:2006-01}}", RequestContext{})
	if res.Text != "2026-08" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestEngine_UnresolvedStaysVerbatim(t *testing.T) {
	e := NewEngine()
	res := e.Expand(context.Background(), "hello {{unknown:arg}}", RequestContext{})
	if res.Text != "hello {{unknown:arg}}" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0] != "{{unknown:arg}}" {
		t.Errorf("unresolved = %v", res.Unresolved)
	}
}

func TestEngine_PriorityOrderAndFallthrough(t *testing.T) {
	e := NewEngine()

	// The low-priority provider only defines "a"; higher priority picks up
	// what it declines.
	low := ExpandFunc{NS: "x", Prio: 20, NoCaching: true,
		Fn: func(_ context.Context, arg string, _ RequestContext) (string, bool) {
			if arg == "a" {
				return "low", true
			}
			return "", false
		}}
	high := ExpandFunc{NS: "x", Prio: 80, NoCaching: true,
		Fn: func(_ context.Context, _ string, _ RequestContext) (string, bool) {
			return "high", true
		}}
	// Register out of order; priority decides consultation order.
	if err := e.Register(high); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(low); err != nil {
		t.Fatal(err)
	}

	res := e.Expand(context.Background(), "{{x:a}} {{x:b}}", RequestContext{})
	if res.Text != "low high" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestEngine_DuplicatePriorityReplaces(t *testing.T) {
	e := NewEngine()
	first := NewStaticProvider("greet", 50, "hello", nil)
	second := NewStaticProvider("greet", 50, "bonjour", nil)
	if err := e.Register(first); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(second); err != nil {
		t.Fatal(err)
	}

	res := e.Expand(context.Background(), "{{greet}}", RequestContext{})
	if res.Text != "bonjour" {
		t.Errorf("text = %q, want later registration to win", res.Text)
	}
}

func TestEngine_PriorityBounds(t *testing.T) {
	e := NewEngine()
	if err := e.Register(NewStaticProvider("bad", 5, "x", nil)); err == nil {
		t.Error("priority 5 accepted")
	}
	if err := e.Register(NewStaticProvider("bad", 96, "x", nil)); err == nil {
		t.Error("priority 96 accepted")
	}
}

func TestEngine_DeadlineLeavesPartial(t *testing.T) {
	e := NewEngine()
	if err := e.Register(NewStaticProvider("v", 50, "ok", nil)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Expand(ctx, "{{v}} and {{v}}", RequestContext{})
	if !res.Partial {
		t.Error("partial not set")
	}
	if res.Text != "{{v}} and {{v}}" {
		t.Errorf("text = %q, want verbatim placeholders", res.Text)
	}
}

func TestEngine_CachingRespectsVolatility(t *testing.T) {
	e := NewEngine()
	calls := 0
	cached := ExpandFunc{NS: "c", Prio: 50,
		Fn: func(_ context.Context, _ string, _ RequestContext) (string, bool) {
			calls++
			return "v", true
		}}
	if err := e.Register(cached); err != nil {
		t.Fatal(err)
	}

	rc := RequestContext{SessionID: "s1"}
	e.Expand(context.Background(), "{{c}}", rc)
	e.Expand(context.Background(), "{{c}}", rc)
	if calls != 1 {
		t.Errorf("provider called %d times, want cached second call", calls)
	}

	// A different context fingerprint misses the cache.
	e.Expand(context.Background(), "{{c}}", RequestContext{SessionID: "s2"})
	if calls != 2 {
		t.Errorf("calls = %d, want distinct fingerprint to miss", calls)
	}

	volatileCalls := 0
	vol := ExpandFunc{NS: "vol", Prio: 50, NoCaching: true,
		Fn: func(_ context.Context, _ string, _ RequestContext) (string, bool) {
			volatileCalls++
			return "v", true
		}}
	if err := e.Register(vol); err != nil {
		t.Fatal(err)
	}
	e.Expand(context.Background(), "{{vol}}", rc)
	e.Expand(context.Background(), "{{vol}}", rc)
	if volatileCalls != 2 {
		t.Errorf("volatile provider called %d times, want 2", volatileCalls)
	}
}

func TestProviders_EnvAllowlist(t *testing.T) {
	p := NewEnvProvider([]string{"ALLOWED"})
	p.lookup = func(name string) (string, bool) {
		if name == "ALLOWED" {
			return "yes", true
		}
		return "sekret", true
	}

	if v, ok := p.Expand(context.Background(), "ALLOWED", RequestContext{}); !ok || v != "yes" {
		t.Errorf("allowed var = %q, %v", v, ok)
	}
	if _, ok := p.Expand(context.Background(), "SECRET", RequestContext{}); ok {
		t.Error("non-allowlisted var resolved")
	}
}

func TestProviders_SessionAndVar(t *testing.T) {
	rc := RequestContext{
		SessionID: "sess-1",
		Intent:    "roll dice",
		Values:    map[string]string{"user": "ada"},
	}

	var sp SessionProvider
	if v, ok := sp.Expand(context.Background(), "", rc); !ok || v != "sess-1" {
		t.Errorf("session = %q, %v", v, ok)
	}
	if v, ok := sp.Expand(context.Background(), "intent", rc); !ok || v != "roll dice" {
		t.Errorf("intent = %q, %v", v, ok)
	}

	var vp VarProvider
	if v, ok := vp.Expand(context.Background(), "user", rc); !ok || v != "ada" {
		t.Errorf("var = %q, %v", v, ok)
	}
	if _, ok := vp.Expand(context.Background(), "missing", rc); ok {
		t.Error("missing var resolved")
	}
}
