// Package execution resolves skills to subprocesses and runs them inside
// resource-bounded sandboxes, with request deduplication, admission
// control, and structured results.
package execution

import "time"

// Result formats.
const (
	FormatObject    = "object"
	FormatText      = "text"
	FormatBinary    = "binary"
	FormatVoid      = "void"
	FormatPrimitive = "primitive"
)

// Execution types recorded in response metadata.
const (
	TypeSubprocess = "subprocess"
	TypeCached     = "cached"
)

// RequestMeta carries the session context an execution runs under.
type RequestMeta struct {
	SessionID string `json:"sessionId,omitempty"`
	Intent    string `json:"intent,omitempty"`
	Caller    string `json:"caller,omitempty"`

	// Confidence is the match score of the search that selected this
	// skill, when the caller went through intent search. Zero when the
	// skill was named directly.
	Confidence float64 `json:"confidence,omitempty"`
}

// Request asks for one skill execution.
type Request struct {
	SkillName  string         `json:"skillName"`
	Tool       string         `json:"tool,omitempty"`
	Parameters map[string]any `json:"parameters"`
	Context    RequestMeta    `json:"context"`

	// TimeoutMs overrides the skill's timeout; it can only narrow it.
	TimeoutMs int `json:"timeoutMs,omitempty"`

	// Permissions narrows the skill's declared security policy. Fields that
	// would widen it are ignored.
	Permissions *PermissionOverride `json:"permissions,omitempty"`
}

// PermissionOverride is the caller-supplied narrowing of a policy.
type PermissionOverride struct {
	TimeoutMs        int      `json:"timeoutMs,omitempty"`
	MemoryMb         int      `json:"memoryMb,omitempty"`
	Network          string   `json:"network,omitempty"`
	NetworkAllowlist []string `json:"networkAllowlist,omitempty"`
	Filesystem       string   `json:"filesystem,omitempty"`
}

// Result is the normalized output of a successful execution.
type Result struct {
	Status  string `json:"status"`
	Format  string `json:"format"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Metadata describes how an execution went.
type Metadata struct {
	ExecutionTime time.Duration `json:"executionTime"`
	MemoryUsage   uint64        `json:"memoryUsage,omitempty"`
	TokenUsage    int           `json:"tokenUsage,omitempty"`
	CacheHit      bool          `json:"cacheHit"`
	ExecutionType string        `json:"executionType"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Response is the full outcome of an execution request.
type Response struct {
	Success  bool       `json:"success"`
	Result   *Result    `json:"result,omitempty"`
	Error    *ExecError `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
	Warnings []string   `json:"warnings,omitempty"`
}
