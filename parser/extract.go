// Package parser recognizes the tagged tool-call envelope a taught
// model emits and converts it into OpenAI tool_calls, for both a full
// response body and an incremental SSE byte stream. Recognition is
// regexp-driven: a configurable trigger token marks the start of the
// envelope, followed by a `<tool_calls>` XML block.
package parser

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"toolcall-proxy/types"
)

var (
	thinkSpanPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)
	toolCallPattern  = regexp.MustCompile(`(?s)<tool_call>\s*<name>(.*?)</name>\s*<arguments>(.*?)</arguments>\s*</tool_call>`)
)

// Extraction is the result of running the extraction algorithm over a
// complete assistant text (either a full non-streaming body or the
// fully reassembled text of a stream).
type Extraction struct {
	Content      string
	ToolCalls    []types.ToolCall
	FinishReason string
}

// Extract runs the shared extraction algorithm: strip think regions
// from trigger scanning (but keep them in the output verbatim), find
// the trigger token, and parse everything after it as a tool-call
// envelope.
func Extract(text, trigger string) Extraction {
	idx, found := findTriggerOutsideThink(text, trigger)
	if !found {
		return Extraction{Content: text, FinishReason: "stop"}
	}

	prose := text[:idx]
	envelope := text[idx+len(trigger):]

	calls := parseToolCalls(envelope)
	if len(calls) == 0 {
		// Trigger seen but nothing well-formed followed it; surface the
		// whole thing as prose rather than silently dropping content.
		return Extraction{Content: text, FinishReason: "stop"}
	}

	return Extraction{Content: prose, ToolCalls: calls, FinishReason: "tool_calls"}
}

// findTriggerOutsideThink returns the byte offset of the first
// occurrence of trigger that does not fall inside a <think>...</think>
// span, skipping any occurrence that does.
func findTriggerOutsideThink(text, trigger string) (int, bool) {
	spans := thinkSpanPattern.FindAllStringIndex(text, -1)

	search := 0
	for {
		rel := strings.Index(text[search:], trigger)
		if rel < 0 {
			return 0, false
		}
		abs := search + rel
		if insideAnySpan(abs, spans) {
			search = abs + 1
			continue
		}
		return abs, true
	}
}

func insideAnySpan(pos int, spans [][]int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}

// parseToolCalls extracts every complete <tool_call> element from the
// envelope text, in order, tolerating a missing or truncated
// <tool_calls> wrapper (best-effort extraction on a truncated stream).
func parseToolCalls(envelope string) []types.ToolCall {
	matches := toolCallPattern.FindAllStringSubmatch(envelope, -1)
	calls := make([]types.ToolCall, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		index := len(calls)
		calls = append(calls, types.ToolCall{
			ID:   newToolCallID(),
			Type: "function",
			Function: types.ToolCallFunction{
				Name:      name,
				Arguments: m[2],
			},
			Index: &index,
		})
	}
	return calls
}

// newToolCallID produces an id of the form call_<suffix>, unique within
// a response and stable across a streaming response's deltas for the
// same call (the caller assigns it once per call, not per delta).
func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}
