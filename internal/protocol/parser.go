// Package protocol extracts structured tool calls from model output.
// Calls are delimited by sentinel tags; the payload between them is JSON,
// parsed leniently because models routinely emit trailing commas, single
// quotes, or truncated objects.
package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Sentinels delimiting a tool call in model output.
const (
	OpenTag  = "<tool_call>"
	CloseTag = "</tool_call>"
)

// FallbackPlainText marks output that contained sentinels but no
// recoverable call. The caller should treat the turn as ordinary text.
const FallbackPlainText = "plain-text"

// Span locates a call's sentinel block in the original text, open tag
// through close tag inclusive.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ToolCall is one extracted, validated call.
type ToolCall struct {
	ID         string         `json:"id"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	SourceSpan Span           `json:"sourceSpan"`
}

// ParseResult is the outcome of parsing one buffer of model output.
// Rejected lists the spans of sentinel blocks whose payload could not be
// recovered; callers should neither execute nor echo them.
type ParseResult struct {
	Success   bool       `json:"success"`
	ToolCalls []ToolCall `json:"toolCalls"`
	Rejected  []Span     `json:"rejected,omitempty"`
	Fallback  string     `json:"fallback,omitempty"`
	Err       error      `json:"-"`
}

// Parser extracts tool calls. It is stateless and safe for concurrent use;
// streaming callers keep their own buffer and use Scan.
type Parser struct {
	logger *slog.Logger
	newID  func() string
}

// NewParser creates a parser with UUID call identifiers.
func NewParser() *Parser {
	return &Parser{
		logger: slog.Default().With("component", "protocol.parser"),
		newID:  func() string { return uuid.NewString() },
	}
}

// SetIDSource overrides call ID generation. Tests only.
func (p *Parser) SetIDSource(fn func() string) { p.newID = fn }

// Parse extracts every complete tool call from text. Text without any open
// sentinel succeeds with zero calls. A block whose payload cannot be
// recovered rejects only itself; the remaining calls are kept. Only when
// no call at all is recoverable does the result fall back to plain text.
func (p *Parser) Parse(text string) ParseResult {
	calls, rejected, _, err := p.extract(text, false)
	if err != nil {
		p.logger.Warn("tool call parse failed", "error", err)
		return ParseResult{Fallback: FallbackPlainText, Err: err}
	}
	if len(calls) == 0 && len(rejected) > 0 {
		return ParseResult{Rejected: rejected, Fallback: FallbackPlainText}
	}
	return ParseResult{Success: true, ToolCalls: calls, Rejected: rejected}
}

// Scan extracts complete tool calls from a streaming buffer and returns
// the unconsumed tail. An open sentinel without its close tag is left in
// rest so the caller can retry once more output arrives; completed blocks
// that cannot be decoded are consumed and reported in rejected.
func (p *Parser) Scan(buf string) (calls []ToolCall, rejected []Span, rest string) {
	calls, rejected, consumed, _ := p.extract(buf, true)
	return calls, rejected, buf[consumed:]
}

func (p *Parser) extract(text string, streaming bool) (calls []ToolCall, rejected []Span, consumed int, err error) {
	offset := 0

	for {
		rel := strings.Index(text[offset:], OpenTag)
		if rel < 0 {
			if streaming {
				// Keep a partial open tag at the very end of the buffer.
				consumed = len(text) - partialTagLen(text)
			}
			return calls, rejected, consumed, nil
		}
		start := offset + rel

		endRel := strings.Index(text[start+len(OpenTag):], CloseTag)
		if endRel < 0 {
			if streaming {
				// Incomplete block; consume everything before it.
				return calls, rejected, start, nil
			}
			return calls, rejected, 0, fmt.Errorf("unterminated %s at offset %d", OpenTag, start)
		}
		payloadStart := start + len(OpenTag)
		end := payloadStart + endRel + len(CloseTag)

		call, decodeErr := p.decode(text[payloadStart : payloadStart+endRel])
		if decodeErr != nil {
			// A bad block rejects only itself; later calls still parse.
			p.logger.Warn("rejecting tool call", "offset", start, "error", decodeErr)
			rejected = append(rejected, Span{Start: start, End: end})
		} else {
			call.SourceSpan = Span{Start: start, End: end}
			calls = append(calls, call)
		}

		offset = end
		consumed = end
	}
}

// partialTagLen reports how many trailing bytes of text could be the start
// of an open sentinel, so streaming callers do not consume them.
func partialTagLen(text string) int {
	max := len(OpenTag) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, OpenTag[:n]) {
			return n
		}
	}
	return 0
}

type rawCall struct {
	Tool       string         `json:"tool"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
}

func (p *Parser) decode(payload string) (ToolCall, error) {
	data, err := RepairJSON(payload)
	if err != nil {
		return ToolCall{}, err
	}

	var raw rawCall
	if err := json.Unmarshal(data, &raw); err != nil {
		return ToolCall{}, fmt.Errorf("decode payload: %w", err)
	}

	// Some models emit name/arguments instead of tool/parameters.
	tool := raw.Tool
	if tool == "" {
		tool = raw.Name
	}
	params := raw.Parameters
	if params == nil {
		params = raw.Arguments
	}
	if strings.TrimSpace(tool) == "" {
		return ToolCall{}, fmt.Errorf("missing tool name")
	}
	if params == nil {
		params = map[string]any{}
	}
	return ToolCall{ID: p.newID(), Tool: tool, Parameters: params}, nil
}
