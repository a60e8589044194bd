// Package loop adapts streaming model output to skill executions. The
// adapter buffers chunks, extracts tool calls as soon as they complete,
// runs them through the execution manager, and feeds results back to the
// conversation as tool-result turns.
package loop

import (
	"context"
	"log/slog"
	"sort"

	"github.com/skillhost/skillhost/internal/execution"
	"github.com/skillhost/skillhost/internal/observability"
	"github.com/skillhost/skillhost/internal/protocol"
)

// Executor runs one tool call. Implemented by the execution manager.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Response, error)
}

// ToolResult is one completed call injected back into the conversation.
type ToolResult struct {
	CallID   string              `json:"callId"`
	Tool     string              `json:"tool"`
	Response *execution.Response `json:"response"`
}

// Config wires an Adapter. Parser may be nil; OnText and OnToolResult may
// be nil when the caller does not consume that stream.
type Config struct {
	Parser   *protocol.Parser
	Executor Executor

	// Session identifies the conversation all executions run under.
	Session execution.RequestMeta

	// Authorize decides whether a parsed call may run. nil allows all.
	// Denied calls produce a permission_denied tool result instead of an
	// execution.
	Authorize func(ctx context.Context, call protocol.ToolCall, meta execution.RequestMeta) bool

	// OnText receives the assistant text surrounding tool calls, in order.
	OnText func(text string)

	// OnToolResult receives each completed call's result.
	OnToolResult func(result ToolResult)
}

// Adapter consumes one assistant turn of streaming output. Not safe for
// concurrent use; each conversation turn gets its own Adapter or a reset.
type Adapter struct {
	cfg    Config
	buf    string
	logger *slog.Logger
}

// New creates an adapter.
func New(cfg Config) *Adapter {
	if cfg.Parser == nil {
		cfg.Parser = protocol.NewParser()
	}
	return &Adapter{
		cfg:    cfg,
		logger: slog.Default().With("component", "loop.adapter"),
	}
}

// OnChunk feeds one streamed chunk. Complete tool calls are executed
// immediately; partial ones wait in the buffer for the next chunk.
// Completed blocks that cannot be decoded are dropped without polluting
// the text stream.
func (a *Adapter) OnChunk(ctx context.Context, chunk string) error {
	a.buf += chunk

	calls, rejected, rest := a.cfg.Parser.Scan(a.buf)
	consumed := a.buf[:len(a.buf)-len(rest)]
	a.emitSegments(consumed, blockSpans(calls, rejected))
	a.noteRejected(rejected)
	a.buf = rest

	for _, call := range calls {
		a.runCall(ctx, call)
	}
	return nil
}

// OnEnd flushes the buffer at end of turn. An unterminated tool call at
// EOF cannot complete anymore and falls back to plain text.
func (a *Adapter) OnEnd(ctx context.Context) error {
	if a.buf == "" {
		return nil
	}
	res := a.cfg.Parser.Parse(a.buf)
	if !res.Success {
		a.fallbackToText(a.buf)
		a.buf = ""
		return nil
	}
	a.emitSegments(a.buf, blockSpans(res.ToolCalls, res.Rejected))
	a.noteRejected(res.Rejected)
	a.buf = ""
	for _, call := range res.ToolCalls {
		a.runCall(ctx, call)
	}
	return nil
}

// Pending reports how much unconsumed output is buffered.
func (a *Adapter) Pending() int { return len(a.buf) }

// blockSpans merges call spans with rejected block spans in buffer order,
// so emitSegments skips every sentinel block whether or not it decoded.
func blockSpans(calls []protocol.ToolCall, rejected []protocol.Span) []protocol.Span {
	spans := make([]protocol.Span, 0, len(calls)+len(rejected))
	for _, call := range calls {
		spans = append(spans, call.SourceSpan)
	}
	spans = append(spans, rejected...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

// emitSegments delivers the text between and around sentinel block spans.
func (a *Adapter) emitSegments(text string, spans []protocol.Span) {
	if a.cfg.OnText == nil {
		return
	}
	pos := 0
	for _, span := range spans {
		if span.Start > pos {
			a.emitText(text[pos:span.Start])
		}
		pos = span.End
	}
	if pos < len(text) {
		a.emitText(text[pos:])
	}
}

func (a *Adapter) noteRejected(spans []protocol.Span) {
	if len(spans) == 0 {
		return
	}
	for range spans {
		observability.ParseFallbacks.Inc()
	}
	a.logger.Warn("dropped undecodable tool call blocks", "count", len(spans))
}

func (a *Adapter) emitText(s string) {
	if s == "" || a.cfg.OnText == nil {
		return
	}
	a.cfg.OnText(s)
}

func (a *Adapter) fallbackToText(s string) {
	observability.ParseFallbacks.Inc()
	a.logger.Warn("unrecoverable tool call, falling back to plain text", "bytes", len(s))
	a.emitText(s)
}

func (a *Adapter) runCall(ctx context.Context, call protocol.ToolCall) {
	ctx = observability.AddToolCallID(ctx, call.ID)

	if a.cfg.Authorize != nil && !a.cfg.Authorize(ctx, call, a.cfg.Session) {
		a.deliver(ToolResult{
			CallID: call.ID,
			Tool:   call.Tool,
			Response: &execution.Response{
				Success: false,
				Error:   &execution.ExecError{Code: execution.CodePermissionDenied, Message: "call not authorized"},
			},
		})
		return
	}

	resp, err := a.cfg.Executor.Execute(ctx, execution.Request{
		SkillName:  call.Tool,
		Parameters: call.Parameters,
		Context:    a.cfg.Session,
	})
	if err != nil {
		resp = &execution.Response{
			Success: false,
			Error:   &execution.ExecError{Code: execution.CodeProviderError, Message: err.Error()},
		}
	}
	a.deliver(ToolResult{CallID: call.ID, Tool: call.Tool, Response: resp})
}

func (a *Adapter) deliver(result ToolResult) {
	if a.cfg.OnToolResult != nil {
		a.cfg.OnToolResult(result)
	}
}
