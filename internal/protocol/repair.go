package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// RepairJSON turns a model-emitted payload into valid JSON bytes. It tries
// strict JSON first, then JSON5 for single quotes, comments, and unquoted
// keys, then a bounded structural repair for truncated output. The repair
// never invents values; it only strips noise and closes what was opened.
func RepairJSON(payload string) ([]byte, error) {
	trimmed := stripNoise(payload)
	if trimmed == "" {
		return nil, fmt.Errorf("empty payload")
	}

	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}

	var v any
	if err := json5.Unmarshal([]byte(trimmed), &v); err == nil {
		return json.Marshal(v)
	}

	repaired := closeDangling(trimTrailingCommas(trimmed))
	if err := json5.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, fmt.Errorf("unrecoverable payload: %w", err)
	}
	return json.Marshal(v)
}

// stripNoise removes prose and markdown fences around the outermost JSON
// object, keeping from the first '{' to the last '}' when both exist.
func stripNoise(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	first := strings.IndexByte(s, '{')
	if first < 0 {
		return s
	}
	last := strings.LastIndexByte(s, '}')
	if last > first {
		return s[first : last+1]
	}
	// Truncated object: keep from the opening brace on.
	return s[first:]
}

// trimTrailingCommas drops a comma that directly precedes a closing brace
// or bracket, or terminates the string.
func trimTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			b.WriteByte(ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j >= len(s) || s[j] == '}' || s[j] == ']' {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// closeDangling appends the closers for any unbalanced quote, brace, or
// bracket, innermost first.
func closeDangling(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
