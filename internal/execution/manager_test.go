package execution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skillhost/skillhost/internal/cache"
	"github.com/skillhost/skillhost/internal/observability"
	"github.com/skillhost/skillhost/internal/skills"
	"github.com/skillhost/skillhost/internal/usage"
)

// writeExecSkill lays out a skill directory with a shell entry script.
func writeExecSkill(t *testing.T, root, name, descriptor, script string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}
	entry := filepath.Join(dir, "scripts", "execute")
	if err := os.WriteFile(entry, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func descriptor(name, extra string) string {
	return fmt.Sprintf(`---
name: %s
description: test skill %s
keywords: [test]
ttl: 60
%s---

# %s
`, name, name, extra, name)
}

func newTestManager(t *testing.T, skillSpecs map[string]string, opts ...ManagerOption) *Manager {
	t.Helper()
	root := t.TempDir()
	for name, script := range skillSpecs {
		writeExecSkill(t, root, name, descriptor(name, ""), script)
	}
	ix := skills.NewIndex(root, skills.LoadOptions{})
	if err := ix.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	loader := skills.NewLoader(ix, cache.NewTiers())
	return NewManager(loader, opts...)
}

func TestExecute_JSONResult(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"echo": `printf '{"rolled": 4}'`,
	})

	resp, err := m.Execute(context.Background(), Request{SkillName: "echo"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("failed: %+v", resp.Error)
	}
	if resp.Result.Format != FormatObject {
		t.Errorf("format = %q", resp.Result.Format)
	}
	data, ok := resp.Result.Data.(map[string]any)
	if !ok || data["rolled"] != float64(4) {
		t.Errorf("data = %v", resp.Result.Data)
	}
	if resp.Metadata.ExecutionType != TypeSubprocess {
		t.Errorf("executionType = %q", resp.Metadata.ExecutionType)
	}
}

func TestExecute_TextAndVoidResults(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"texty": `printf 'plain words'`,
		"quiet": `exit 0`,
		"prim":  `printf '42'`,
	})

	resp, _ := m.Execute(context.Background(), Request{SkillName: "texty"})
	if resp.Result.Format != FormatText || resp.Result.Message != "plain words" {
		t.Errorf("texty = %+v", resp.Result)
	}

	resp, _ = m.Execute(context.Background(), Request{SkillName: "quiet"})
	if resp.Result.Format != FormatVoid {
		t.Errorf("quiet = %+v", resp.Result)
	}

	resp, _ = m.Execute(context.Background(), Request{SkillName: "prim"})
	if resp.Result.Format != FormatPrimitive || resp.Result.Data != float64(42) {
		t.Errorf("prim = %+v", resp.Result)
	}
}

func TestExecute_ParametersOnArgv(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"args": `printf '%s' "$1"`,
	})

	resp, _ := m.Execute(context.Background(), Request{
		SkillName:  "args",
		Parameters: map[string]any{"sides": 6},
	})
	if !resp.Success {
		t.Fatalf("failed: %+v", resp.Error)
	}
	data, ok := resp.Result.Data.(map[string]any)
	if !ok || data["sides"] != float64(6) {
		t.Errorf("echoed params = %v", resp.Result.Data)
	}
}

func TestExecute_RunsInHostWorkDir(t *testing.T) {
	workDir := t.TempDir()
	m := newTestManager(t, map[string]string{
		"whereami": `printf '%s' "$PWD"`,
	}, WithWorkDir(workDir))

	resp, _ := m.Execute(context.Background(), Request{SkillName: "whereami"})
	if !resp.Success {
		t.Fatalf("failed: %+v", resp.Error)
	}
	got, _ := filepath.EvalSymlinks(resp.Result.Message)
	want, _ := filepath.EvalSymlinks(workDir)
	if got != want {
		t.Errorf("cwd = %q, want host workdir %q", got, want)
	}
}

func TestExecute_WorkspaceEnv(t *testing.T) {
	workDir := t.TempDir()
	m := newTestManager(t, map[string]string{
		"envy": `printf '%s %s' "$SKILLHOST_SKILL" "$SKILLHOST_WORKSPACE"`,
	}, WithWorkDir(workDir))

	resp, _ := m.Execute(context.Background(), Request{SkillName: "envy"})
	if !resp.Success {
		t.Fatalf("failed: %+v", resp.Error)
	}
	if !strings.HasPrefix(resp.Result.Message, "envy ") {
		t.Errorf("env = %q", resp.Result.Message)
	}
	if !strings.Contains(resp.Result.Message, workDir) {
		t.Errorf("workspace env missing: %q", resp.Result.Message)
	}
}

func TestExecute_SkillNotFound(t *testing.T) {
	m := newTestManager(t, nil)
	resp, err := m.Execute(context.Background(), Request{SkillName: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error.Code != CodeSkillNotFound {
		t.Errorf("resp = %+v", resp)
	}
}

func TestExecute_Timeout(t *testing.T) {
	root := t.TempDir()
	writeExecSkill(t, root, "sleeper",
		descriptor("sleeper", "security:\n  timeout_ms: 1000\n"),
		"sleep 5\n")
	ix := skills.NewIndex(root, skills.LoadOptions{})
	if err := ix.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	m := NewManager(skills.NewLoader(ix, cache.NewTiers()))

	start := time.Now()
	resp, _ := m.Execute(context.Background(), Request{SkillName: "sleeper"})
	elapsed := time.Since(start)

	if resp.Success || resp.Error.Code != CodeTimeout {
		t.Fatalf("resp = %+v", resp)
	}
	if elapsed < 900*time.Millisecond || elapsed > 2500*time.Millisecond {
		t.Errorf("elapsed = %v, want ~1s deadline plus grace", elapsed)
	}
}

func TestExecute_RuntimeError(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"broken": "echo oops >&2\nexit 3\n",
	})

	resp, _ := m.Execute(context.Background(), Request{SkillName: "broken"})
	if resp.Success || resp.Error.Code != CodeRuntimeError {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Error.Details["exitCode"] != 3 {
		t.Errorf("details = %v", resp.Error.Details)
	}
	if !strings.Contains(resp.Error.Details["stderr"].(string), "oops") {
		t.Errorf("stderr not captured: %v", resp.Error.Details)
	}
}

func TestExecute_InvalidParameters(t *testing.T) {
	root := t.TempDir()
	writeExecSkill(t, root, "strict",
		descriptor("strict", `input_schema:
  type: object
  properties:
    sides:
      type: integer
  required: [sides]
`),
		`printf '{}'`)
	ix := skills.NewIndex(root, skills.LoadOptions{})
	if err := ix.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	m := NewManager(skills.NewLoader(ix, cache.NewTiers()))

	resp, _ := m.Execute(context.Background(), Request{
		SkillName:  "strict",
		Parameters: map[string]any{"sides": "six"},
	})
	if resp.Success || resp.Error.Code != CodeInvalidParameters {
		t.Fatalf("resp = %+v", resp)
	}

	resp, _ = m.Execute(context.Background(), Request{
		SkillName:  "strict",
		Parameters: map[string]any{"sides": 6},
	})
	if !resp.Success {
		t.Fatalf("valid parameters rejected: %+v", resp.Error)
	}
}

func TestExecute_DeduplicatesConcurrentRequests(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "count")
	m := newTestManager(t, map[string]string{
		"slowcount": fmt.Sprintf("echo x >> %s\nsleep 1\nprintf '{\"done\": true}'", marker),
	})

	req := Request{SkillName: "slowcount", Parameters: map[string]any{"n": 1}}
	var wg sync.WaitGroup
	responses := make([]*Response, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 1 {
				time.Sleep(100 * time.Millisecond)
			}
			responses[i], _ = m.Execute(context.Background(), req)
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "x"); got != 1 {
		t.Errorf("subprocess ran %d times, want 1", got)
	}
	if !responses[0].Success || !responses[1].Success {
		t.Fatalf("responses = %+v, %+v", responses[0].Error, responses[1].Error)
	}
	if !responses[0].Metadata.CacheHit && !responses[1].Metadata.CacheHit {
		t.Error("neither response marked as shared")
	}
}

func TestExecute_ErrorEnvelopeCarriesDuration(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"typed": `printf '{}'`,
	})

	resp, err := m.Execute(context.Background(), Request{SkillName: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error.Code != CodeSkillNotFound {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Metadata.ExecutionTime <= 0 {
		t.Errorf("executionTime = %s, want > 0 on error responses", resp.Metadata.ExecutionTime)
	}

	resp, _ = m.Execute(context.Background(), Request{
		SkillName:  "typed",
		Parameters: map[string]any{"bad": func() {}},
	})
	if resp.Success {
		t.Fatal("unencodable parameters should fail")
	}
	if resp.Metadata.ExecutionTime <= 0 {
		t.Errorf("executionTime = %s on %s", resp.Metadata.ExecutionTime, resp.Error.Code)
	}
}

func TestExecute_RecordsUsage(t *testing.T) {
	tracker := usage.NewTracker(0)
	m := newTestManager(t, map[string]string{
		"tracked": `printf '{}'`,
	}, WithTracker(tracker))

	req := Request{
		SkillName: "tracked",
		Context:   RequestMeta{Confidence: 0.8},
	}
	if _, err := m.Execute(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	rec, ok := tracker.Get("tracked")
	if !ok || rec.ExecutionCount != 1 {
		t.Errorf("usage record = %+v, %v", rec, ok)
	}
	if rec.AverageConfidence != 0.8 {
		t.Errorf("averageConfidence = %v, want search confidence folded in", rec.AverageConfidence)
	}
	if rec.AverageExecutionTime <= 0 {
		t.Errorf("averageExecutionTime = %v", rec.AverageExecutionTime)
	}
}

func TestExecute_RecordsTimelineEvents(t *testing.T) {
	tl := observability.NewTimeline(16)
	m := newTestManager(t, map[string]string{
		"traced": `printf '{}'`,
	}, WithTimeline(tl))

	m.Execute(context.Background(), Request{SkillName: "traced"})
	m.Execute(context.Background(), Request{SkillName: "missing"})

	var types []observability.EventType
	for _, ev := range tl.Snapshot() {
		types = append(types, ev.Type)
	}
	want := []observability.EventType{
		observability.EventExecutionRequested,
		observability.EventExecutionCompleted,
		observability.EventExecutionRequested,
		observability.EventExecutionFailed,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestExecute_StatsSummary(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"ok": `printf '{}'`,
	})
	m.Execute(context.Background(), Request{SkillName: "ok"})
	m.Execute(context.Background(), Request{SkillName: "missing"})

	s := m.Stats().Summary()
	if s.Total != 1 {
		t.Errorf("total = %d, want 1 completed execution", s.Total)
	}
	if s.FailuresByCode[CodeSkillNotFound] != 1 {
		t.Errorf("failures = %v", s.FailuresByCode)
	}
}

func TestMergePolicy(t *testing.T) {
	declared := skills.SecurityPolicy{
		TimeoutMs:        3000,
		MemoryMb:         128,
		Network:          skills.NetworkAllowlist,
		NetworkAllowlist: []string{"api.example.com", "cdn.example.com"},
		Filesystem:       skills.FilesystemReadWrite,
	}

	policy, warnings := mergePolicy(declared, Request{Permissions: &PermissionOverride{
		TimeoutMs:  1000,
		MemoryMb:   64,
		Network:    skills.NetworkNone,
		Filesystem: skills.FilesystemReadOnly,
	}})
	if policy.TimeoutMs != 1000 || policy.MemoryMb != 64 {
		t.Errorf("narrowed limits = %+v", policy)
	}
	if policy.Network != skills.NetworkNone || policy.NetworkAllowlist != nil {
		t.Errorf("network = %+v", policy)
	}
	if policy.Filesystem != skills.FilesystemReadOnly {
		t.Errorf("filesystem = %q", policy.Filesystem)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}

	// Widening attempts are ignored with warnings.
	policy, warnings = mergePolicy(skills.SecurityPolicy{
		TimeoutMs:  1000,
		MemoryMb:   64,
		Network:    skills.NetworkNone,
		Filesystem: skills.FilesystemNone,
	}, Request{Permissions: &PermissionOverride{
		TimeoutMs:  5000,
		MemoryMb:   512,
		Network:    skills.NetworkAllowlist,
		Filesystem: skills.FilesystemReadWrite,
	}})
	if policy.TimeoutMs != 1000 || policy.MemoryMb != 64 ||
		policy.Network != skills.NetworkNone || policy.Filesystem != skills.FilesystemNone {
		t.Errorf("widened policy = %+v", policy)
	}
	if len(warnings) != 4 {
		t.Errorf("warnings = %v, want 4", warnings)
	}

	// Allowlist intersection.
	policy, _ = mergePolicy(declared, Request{Permissions: &PermissionOverride{
		NetworkAllowlist: []string{"api.example.com", "other.example.com"},
	}})
	if len(policy.NetworkAllowlist) != 1 || policy.NetworkAllowlist[0] != "api.example.com" {
		t.Errorf("allowlist = %v", policy.NetworkAllowlist)
	}
}

func TestNormalizeResult(t *testing.T) {
	cases := []struct {
		in     string
		format string
	}{
		{`{"a": 1}`, FormatObject},
		{`[1, 2]`, FormatPrimitive},
		{`"str"`, FormatPrimitive},
		{`true`, FormatPrimitive},
		{`not json`, FormatText},
		{``, FormatVoid},
		{"  \n ", FormatVoid},
	}
	for _, tc := range cases {
		if got := normalizeResult(tc.in); got.Format != tc.format {
			t.Errorf("normalizeResult(%q).Format = %q, want %q", tc.in, got.Format, tc.format)
		}
	}
}
