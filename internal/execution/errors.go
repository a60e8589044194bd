package execution

import "fmt"

// Stable error codes. Callers and transports dispatch on these, never on
// message text.
const (
	CodeSkillNotFound     = "skill_not_found"
	CodeInvalidMetadata   = "invalid_metadata"
	CodeEntryMissing      = "entry_missing"
	CodeParseFailed       = "parse_failed"
	CodeInvalidParameters = "invalid_parameters"
	CodePermissionDenied  = "permission_denied"
	CodeQueueFull         = "queue_full"
	CodeTimeout           = "timeout"
	CodeOOM               = "oom"
	CodeSandboxFailed     = "sandbox_failed"
	CodeRuntimeError      = "runtime_error"
	CodeProviderError     = "provider_error"
)

// ExecError is a coded execution failure.
type ExecError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// newError builds a coded error.
func newError(code, format string, args ...any) *ExecError {
	return &ExecError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the failure is transient from the caller's
// point of view.
func (e *ExecError) Retryable() bool {
	switch e.Code {
	case CodeQueueFull, CodeTimeout, CodeProviderError:
		return true
	default:
		return false
	}
}

// failure wraps a coded error into a Response.
func failure(err *ExecError, meta Metadata) *Response {
	return &Response{Success: false, Error: err, Metadata: meta}
}
