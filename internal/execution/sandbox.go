package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/skillhost/skillhost/internal/skills"
)

// Invocation protocols.
const (
	ProtocolArgv  = "argv"
	ProtocolStdin = "stdin"
)

// Sandbox limits.
const (
	// GracefulStopDelay is how long a timed-out process gets between
	// SIGTERM and SIGKILL.
	GracefulStopDelay = 500 * time.Millisecond

	// MaxOutputBytes caps captured stdout and stderr, each.
	MaxOutputBytes = 1 << 20

	truncationMarker = "\n[output truncated]"
)

// Base environment variables forwarded from the host into every sandbox.
var baseEnvWhitelist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR"}

// SandboxSpec describes one subprocess run. EntryPath must be absolute;
// WorkDir is the host working directory, never the skill directory, so
// relative paths written by a skill land in the caller's workspace.
type SandboxSpec struct {
	SkillName  string
	SkillDir   string
	EntryPath  string
	WorkDir    string
	Protocol   string
	ParamsJSON []byte
	Policy     skills.SecurityPolicy
}

// SandboxResult is the raw outcome of a subprocess run.
type SandboxResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	OOMKilled bool
	Truncated bool
}

// Sandbox runs skill entries as bounded subprocesses.
type Sandbox struct {
	logger *slog.Logger
}

// NewSandbox creates a sandbox executor.
func NewSandbox() *Sandbox {
	return &Sandbox{logger: slog.Default().With("component", "execution.sandbox")}
}

// Run executes the entry and waits for completion. It returns an ExecError
// for launch and limit failures; a nonzero exit from the skill itself is
// reported in the result, not as an error.
func (s *Sandbox) Run(ctx context.Context, spec SandboxSpec) (SandboxResult, *ExecError) {
	if !filepath.IsAbs(spec.EntryPath) {
		return SandboxResult{}, newError(CodeSandboxFailed, "entry path %q is not absolute", spec.EntryPath)
	}
	if _, err := os.Stat(spec.EntryPath); err != nil {
		return SandboxResult{}, newError(CodeEntryMissing, "entry %s: %v", spec.EntryPath, err)
	}

	timeout := time.Duration(spec.Policy.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = skills.DefaultTimeoutMs * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, stdout, stderr, err := s.buildCommand(runCtx, spec)
	if err != nil {
		return SandboxResult{}, newError(CodeSandboxFailed, "build command: %v", err)
	}

	s.logger.Debug("sandbox start",
		"skill", spec.SkillName, "entry", spec.EntryPath,
		"protocol", spec.Protocol, "timeoutMs", timeout.Milliseconds(),
		"memoryMb", spec.Policy.MemoryMb)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := SandboxResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode(runErr),
		Duration:  duration,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	result.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	result.OOMKilled = !result.TimedOut && spec.Policy.MemoryMb > 0 && killedBySignal(runErr, syscall.SIGKILL)

	s.logger.Debug("sandbox exit",
		"skill", spec.SkillName, "exitCode", result.ExitCode,
		"duration", duration, "timedOut", result.TimedOut, "oom", result.OOMKilled)
	return result, nil
}

// buildCommand wraps the entry in /bin/sh so an address-space ulimit can be
// applied before exec. Parameters travel either as a single JSON argv
// element or on stdin, per the skill's protocol.
func (s *Sandbox) buildCommand(ctx context.Context, spec SandboxSpec) (*exec.Cmd, *limitedBuffer, *limitedBuffer, error) {
	var script strings.Builder
	if spec.Policy.MemoryMb > 0 {
		fmt.Fprintf(&script, "ulimit -v %d 2>/dev/null; ", spec.Policy.MemoryMb*1024)
	}
	script.WriteString(`exec "$0" "$@"`)

	args := []string{"-c", script.String(), spec.EntryPath}
	if spec.Protocol != ProtocolStdin {
		args = append(args, string(spec.ParamsJSON))
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = s.buildEnv(spec)

	// SIGTERM first so skills can flush; the wait delay escalates to kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = GracefulStopDelay

	stdout := newLimitedBuffer(MaxOutputBytes)
	stderr := newLimitedBuffer(MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if spec.Protocol == ProtocolStdin {
		cmd.Stdin = strings.NewReader(string(spec.ParamsJSON))
	}
	return cmd, stdout, stderr, nil
}

// buildEnv assembles the sandbox environment: a conservative host subset,
// the skill's declared whitelist and pinned values, the workspace marker
// variables, and the resolved security policy. Network and filesystem
// policies are advisory hints; the entry process is expected to honor
// them.
func (s *Sandbox) buildEnv(spec SandboxSpec) []string {
	env := make([]string, 0, 16)
	for _, name := range baseEnvWhitelist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	for name, pinned := range spec.Policy.Environment {
		if pinned != "" {
			env = append(env, name+"="+pinned)
			continue
		}
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	env = append(env,
		"SKILLHOST_WORKSPACE="+spec.WorkDir,
		"SKILLHOST_SKILL_DIR="+spec.SkillDir,
		"SKILLHOST_SKILL="+spec.SkillName,
		"SKILLHOST_NET_POLICY="+spec.Policy.Network,
		"SKILLHOST_FS_POLICY="+spec.Policy.Filesystem,
	)
	if spec.Policy.Network == skills.NetworkAllowlist && len(spec.Policy.NetworkAllowlist) > 0 {
		env = append(env, "SKILLHOST_NET_ALLOWLIST="+strings.Join(spec.Policy.NetworkAllowlist, ","))
	}
	return env
}

func killedBySignal(err error, sig syscall.Signal) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == sig
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer caps captured output, dropping bytes past the limit and
// remembering that it did.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		b.truncated = true
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + truncationMarker
	}
	return string(b.buf)
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
