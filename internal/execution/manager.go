package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skillhost/skillhost/internal/observability"
	"github.com/skillhost/skillhost/internal/skills"
	"github.com/skillhost/skillhost/internal/usage"
)

// Default admission limits. Requests beyond MaxInFlight wait; waiters
// beyond MaxQueued are rejected with queue_full.
const (
	MaxInFlight = 16
	MaxQueued   = 64
)

// PreloadNoter observes load requests so preload hit rates can be
// measured. Implemented by the preload manager.
type PreloadNoter interface {
	NoteRequest(name string) bool
}

// Manager resolves skills, validates parameters, deduplicates identical
// concurrent requests, and runs entries through the sandbox.
type Manager struct {
	loader   *skills.Loader
	sandbox  *Sandbox
	tracker  *usage.Tracker
	stats    *Stats
	preload  PreloadNoter
	timeline *observability.Timeline
	workDir  string
	logger   *slog.Logger
	tracer   trace.Tracer

	sem       chan struct{}
	maxQueued int64
	waiting   atomic.Int64

	mu       sync.Mutex
	inflight map[string]*inflightCall

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

type inflightCall struct {
	done chan struct{}
	resp *Response
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithTracker attaches a usage tracker.
func WithTracker(t *usage.Tracker) ManagerOption {
	return func(m *Manager) { m.tracker = t }
}

// WithPreloadNoter attaches preload hit accounting.
func WithPreloadNoter(n PreloadNoter) ManagerOption {
	return func(m *Manager) { m.preload = n }
}

// SetPreloadNoter attaches preload hit accounting after construction, for
// hosts that build the preload manager later. Call before serving traffic.
func (m *Manager) SetPreloadNoter(n PreloadNoter) { m.preload = n }

// WithTimeline records execution lifecycle events on a timeline.
func WithTimeline(tl *observability.Timeline) ManagerOption {
	return func(m *Manager) { m.timeline = tl }
}

// WithWorkDir overrides the host working directory skills run in.
func WithWorkDir(dir string) ManagerOption {
	return func(m *Manager) { m.workDir = dir }
}

// WithLimits overrides the admission limits. Non-positive values keep the
// defaults.
func WithLimits(maxInFlight, maxQueued int) ManagerOption {
	return func(m *Manager) {
		if maxInFlight > 0 {
			m.sem = make(chan struct{}, maxInFlight)
		}
		if maxQueued > 0 {
			m.maxQueued = int64(maxQueued)
		}
	}
}

// NewManager creates an execution manager over a loader.
func NewManager(loader *skills.Loader, opts ...ManagerOption) *Manager {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	m := &Manager{
		loader:    loader,
		sandbox:   NewSandbox(),
		stats:     NewStats(),
		workDir:   wd,
		logger:    slog.Default().With("component", "execution.manager"),
		tracer:    otel.Tracer("skillhost/execution"),
		sem:       make(chan struct{}, MaxInFlight),
		maxQueued: MaxQueued,
		inflight:  make(map[string]*inflightCall),
		schemas:   make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stats exposes the aggregate execution counters.
func (m *Manager) Stats() *Stats { return m.stats }

// Execute runs one request end to end. Failures are encoded in the
// response with a stable error code; the error return is reserved for a
// nil or empty request.
func (m *Manager) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.SkillName == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	start := time.Now()
	meta := Metadata{Timestamp: start, ExecutionType: TypeSubprocess}

	ctx, span := m.tracer.Start(ctx, "skill.execute",
		trace.WithAttributes(attribute.String("skill.name", req.SkillName)))
	defer span.End()

	if m.preload != nil {
		m.preload.NoteRequest(req.SkillName)
	}
	if m.timeline != nil {
		m.timeline.Record(ctx, observability.EventExecutionRequested, req.SkillName, nil)
	}

	// Identical concurrent requests share one subprocess; later arrivals
	// get the same response flagged as a cache hit.
	key := dedupeKey(req)
	if resp, shared := m.joinInflight(ctx, key, start); shared {
		return resp, nil
	}
	defer m.finishInflight(key, start)

	resp := m.execute(ctx, req, meta, start)
	m.resolveInflight(key, resp)

	status := "ok"
	if !resp.Success {
		status = resp.Error.Code
	}
	if m.timeline != nil {
		typ := observability.EventExecutionCompleted
		if !resp.Success {
			typ = observability.EventExecutionFailed
		}
		m.timeline.Record(ctx, typ, req.SkillName, map[string]any{
			"status":     status,
			"durationMs": time.Since(start).Milliseconds(),
		})
	}
	observability.SkillExecutions.WithLabelValues(req.SkillName, status).Inc()
	observability.SkillExecutionDuration.WithLabelValues(req.SkillName).Observe(time.Since(start).Seconds())
	return resp, nil
}

func (m *Manager) execute(ctx context.Context, req Request, meta Metadata, start time.Time) *Response {
	m.logger.Debug("executing skill", "skill", req.SkillName, "session", req.Context.SessionID)
	profile := m.stats.StartProfile(req.SkillName)

	// Error envelopes carry the time spent up to the failure.
	fail := func(e *ExecError) *Response {
		meta.ExecutionTime = time.Since(start)
		m.stats.RecordFailure(e.Code)
		return failure(e, meta)
	}

	skill, err := m.loader.LoadSkill(req.SkillName, skills.LoadSkillOptions{})
	if err != nil {
		return fail(newError(CodeSkillNotFound, "unknown skill %q", req.SkillName))
	}
	md := skill.Metadata
	meta.CacheHit = skill.CacheHit
	profile.Mark("resolve")

	if execErr := m.validateParameters(md, req.Parameters); execErr != nil {
		return fail(execErr)
	}
	profile.Mark("validate")

	policy, warnings := mergePolicy(md.Security, req)

	if execErr := m.acquireSlot(ctx); execErr != nil {
		return fail(execErr)
	}
	defer func() { <-m.sem }()
	profile.Mark("admit")

	paramsJSON, err := json.Marshal(req.Parameters)
	if err != nil {
		return fail(newError(CodeInvalidParameters, "encode parameters: %v", err))
	}

	protocol, _ := m.loader.DetectProtocol(md.Name)
	spec := SandboxSpec{
		SkillName:  md.Name,
		SkillDir:   md.Path,
		EntryPath:  md.EntryPath(),
		WorkDir:    m.workDir,
		Protocol:   protocol,
		ParamsJSON: paramsJSON,
		Policy:     policy,
	}

	raw, execErr := m.sandbox.Run(ctx, spec)
	profile.Mark("sandbox")
	meta.ExecutionTime = time.Since(start)

	resp := m.buildResponse(md, raw, execErr, meta)
	resp.Warnings = append(resp.Warnings, warnings...)
	profile.Finish(resp.Success)

	if m.tracker != nil {
		m.tracker.RecordExecution(usage.Sample{
			SkillName:         md.Name,
			Confidence:        req.Context.Confidence,
			Duration:          meta.ExecutionTime,
			CacheHit:          meta.CacheHit,
			RequiresResources: md.Resources.Entry != "",
			ExecutionType:     meta.ExecutionType,
			Success:           resp.Success,
		})
	}
	return resp
}

func (m *Manager) buildResponse(md *skills.Metadata, raw SandboxResult, execErr *ExecError, meta Metadata) *Response {
	if execErr != nil {
		return failure(execErr, meta)
	}

	switch {
	case raw.TimedOut:
		m.stats.RecordFailure(CodeTimeout)
		return failure(newError(CodeTimeout, "skill %s exceeded its deadline", md.Name), meta)
	case raw.OOMKilled:
		m.stats.RecordFailure(CodeOOM)
		return failure(newError(CodeOOM, "skill %s exceeded its memory limit", md.Name), meta)
	case raw.ExitCode != 0:
		m.stats.RecordFailure(CodeRuntimeError)
		e := newError(CodeRuntimeError, "skill %s exited with code %d", md.Name, raw.ExitCode)
		e.Details = map[string]any{"exitCode": raw.ExitCode, "stderr": tail(raw.Stderr, 2048)}
		return failure(e, meta)
	}

	resp := &Response{Success: true, Metadata: meta, Result: normalizeResult(raw.Stdout)}
	if raw.Truncated {
		resp.Warnings = append(resp.Warnings, "output truncated at size limit")
	}
	return resp
}

// normalizeResult shapes raw stdout into the result envelope. JSON objects
// pass through structurally; other JSON values are primitives; anything
// else is plain text; empty output is void.
func normalizeResult(stdout string) *Result {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return &Result{Status: "success", Format: FormatVoid}
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		switch v.(type) {
		case map[string]any:
			return &Result{Status: "success", Format: FormatObject, Data: v}
		default:
			return &Result{Status: "success", Format: FormatPrimitive, Data: v}
		}
	}
	return &Result{Status: "success", Format: FormatText, Message: trimmed}
}

// validateParameters compiles the skill's input schema once and validates
// the request against it. Skills without a schema accept anything.
func (m *Manager) validateParameters(md *skills.Metadata, params map[string]any) *ExecError {
	if len(md.InputSchema) == 0 {
		return nil
	}
	schema, err := m.compiledSchema(md)
	if err != nil {
		return newError(CodeInvalidMetadata, "input schema for %s: %v", md.Name, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	// Round-trip so validation sees plain JSON types.
	data, err := json.Marshal(params)
	if err != nil {
		return newError(CodeInvalidParameters, "encode parameters: %v", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return newError(CodeInvalidParameters, "decode parameters: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return newError(CodeInvalidParameters, "parameters for %s: %v", md.Name, err)
	}
	return nil
}

func (m *Manager) compiledSchema(md *skills.Metadata) (*jsonschema.Schema, error) {
	m.schemaMu.Lock()
	defer m.schemaMu.Unlock()
	if s, ok := m.schemas[md.Name]; ok {
		return s, nil
	}
	raw, err := json.Marshal(md.InputSchema)
	if err != nil {
		return nil, err
	}
	schema, err := jsonschema.CompileString(md.Name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	m.schemas[md.Name] = schema
	return schema, nil
}

// acquireSlot enforces the in-flight cap and bounded queue.
func (m *Manager) acquireSlot(ctx context.Context) *ExecError {
	select {
	case m.sem <- struct{}{}:
		return nil
	default:
	}

	if m.waiting.Add(1) > m.maxQueued {
		m.waiting.Add(-1)
		return newError(CodeQueueFull, "execution queue is full")
	}
	defer m.waiting.Add(-1)

	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return newError(CodeTimeout, "request cancelled while queued")
	}
}

// joinInflight either registers this request as the leader or blocks on an
// identical in-flight one. Followers receive the leader's response with
// CacheHit set and the execution type marked cached.
func (m *Manager) joinInflight(ctx context.Context, key string, start time.Time) (*Response, bool) {
	m.mu.Lock()
	if call, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			shared := *call.resp
			shared.Metadata.CacheHit = true
			shared.Metadata.ExecutionType = TypeCached
			return &shared, true
		case <-ctx.Done():
			meta := Metadata{
				Timestamp:     start,
				ExecutionTime: time.Since(start),
				ExecutionType: TypeCached,
			}
			return failure(newError(CodeTimeout, "request cancelled while awaiting duplicate"), meta), true
		}
	}
	m.inflight[key] = &inflightCall{done: make(chan struct{})}
	m.mu.Unlock()
	return nil, false
}

func (m *Manager) resolveInflight(key string, resp *Response) {
	m.mu.Lock()
	if call, ok := m.inflight[key]; ok && call.resp == nil {
		call.resp = resp
		close(call.done)
	}
	m.mu.Unlock()
}

func (m *Manager) finishInflight(key string, start time.Time) {
	m.mu.Lock()
	if call, ok := m.inflight[key]; ok {
		if call.resp == nil {
			// Leader failed before producing a response.
			meta := Metadata{Timestamp: start, ExecutionTime: time.Since(start)}
			call.resp = failure(newError(CodeRuntimeError, "execution aborted"), meta)
			close(call.done)
		}
		delete(m.inflight, key)
	}
	m.mu.Unlock()
}

// dedupeKey fingerprints a request by skill, tool, and canonical JSON
// parameters. Map keys marshal sorted, so equal parameter sets collide.
func dedupeKey(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.SkillName))
	h.Write([]byte{0})
	h.Write([]byte(req.Tool))
	h.Write([]byte{0})
	if data, err := json.Marshal(req.Parameters); err == nil {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// mergePolicy narrows the skill's declared policy with the request's
// override. Widening attempts are dropped with a warning.
func mergePolicy(declared skills.SecurityPolicy, req Request) (skills.SecurityPolicy, []string) {
	policy := declared
	var warnings []string

	if req.TimeoutMs > 0 && req.TimeoutMs < policy.TimeoutMs {
		policy.TimeoutMs = req.TimeoutMs
	}
	o := req.Permissions
	if o == nil {
		return policy, warnings
	}

	if o.TimeoutMs > 0 {
		if o.TimeoutMs <= policy.TimeoutMs {
			policy.TimeoutMs = o.TimeoutMs
		} else {
			warnings = append(warnings, "override timeout ignored: wider than declared policy")
		}
	}
	if o.MemoryMb > 0 {
		if o.MemoryMb <= policy.MemoryMb {
			policy.MemoryMb = o.MemoryMb
		} else {
			warnings = append(warnings, "override memory limit ignored: wider than declared policy")
		}
	}
	if o.Network != "" {
		if networkRank(o.Network) <= networkRank(policy.Network) {
			policy.Network = o.Network
			if o.Network == skills.NetworkNone {
				policy.NetworkAllowlist = nil
			}
		} else {
			warnings = append(warnings, "override network policy ignored: wider than declared policy")
		}
	}
	if len(o.NetworkAllowlist) > 0 && policy.Network == skills.NetworkAllowlist {
		policy.NetworkAllowlist = intersect(policy.NetworkAllowlist, o.NetworkAllowlist)
	}
	if o.Filesystem != "" {
		if filesystemRank(o.Filesystem) <= filesystemRank(policy.Filesystem) {
			policy.Filesystem = o.Filesystem
		} else {
			warnings = append(warnings, "override filesystem policy ignored: wider than declared policy")
		}
	}
	return policy, warnings
}

func networkRank(policy string) int {
	if policy == skills.NetworkAllowlist {
		return 1
	}
	return 0
}

func filesystemRank(policy string) int {
	switch policy {
	case skills.FilesystemReadWrite:
		return 2
	case skills.FilesystemReadOnly:
		return 1
	default:
		return 0
	}
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
