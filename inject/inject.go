// Package inject teaches a model without native tool-calling support to
// emit tool calls anyway, by rewriting the request's system prompt to
// describe the declared tools and a tagged text envelope the model
// should answer in, then stripping the `tools`/`tool_choice` fields the
// upstream wouldn't understand.
package inject

import (
	"encoding/json"
	"fmt"
	"strings"

	"toolcall-proxy/config"
	"toolcall-proxy/types"
)

// TriggerToken is the exact string this proxy asks a model to emit
// immediately before its tagged tool-call envelope. It is deliberately
// unlikely to appear in ordinary prose, so the parser's streaming state
// machine can recognize it without false positives.
const TriggerToken = "<<TOOL_CALL>>"

// Injector rewrites an incoming request to add function-calling
// instructions, and is idempotent: calling it twice on an
// already-injected request produces the same system prompt, not a
// doubled one.
type Injector struct{}

// New creates an Injector.
func New() *Injector {
	return &Injector{}
}

// marker prefixes the synthesized system message so a second injection
// pass can find and replace it instead of appending a duplicate.
const marker = "<!-- toolcall-proxy:injected -->"

// Inject returns a rewritten copy of req and reports whether it
// activated function-calling instructions; the caller's req is left
// untouched.
func (inj *Injector) Inject(req *types.ChatCompletionRequest, cfg *config.Config) (*types.ChatCompletionRequest, bool) {
	out := *req
	out.Messages = append([]types.Message(nil), req.Messages...)

	if cfg.Features.ConvertDeveloperToSystem {
		for i, m := range out.Messages {
			if m.Role == "developer" {
				out.Messages[i].Role = "system"
			}
		}
	}

	if !cfg.Features.EnableFunctionCalling || len(req.Tools) == 0 {
		out.Tools = nil
		out.ToolChoice = nil
		return &out, false
	}

	out.Messages = annotateToolResults(out.Messages)

	systemPrompt := renderSystemPrompt(cfg.PromptTemplate(), req.Tools)
	out.Messages = upsertSystemMessage(out.Messages, systemPrompt)

	// Tools are taught via the system prompt; the upstream model has no
	// native concept of `tools`/`tool_choice`, so neither is forwarded.
	out.Tools = nil
	out.ToolChoice = nil

	return &out, true
}

// renderSystemPrompt substitutes the tools list and trigger token into
// the configured template.
func renderSystemPrompt(tmpl string, tools []types.Tool) string {
	var list strings.Builder
	for _, t := range tools {
		list.WriteString("- ")
		list.WriteString(t.Function.Name)
		if t.Function.Description != "" {
			list.WriteString(": ")
			list.WriteString(t.Function.Description)
		}
		list.WriteString("\n")
		if len(t.Function.Parameters) > 0 {
			list.WriteString("  parameters: ")
			list.Write(t.Function.Parameters)
			list.WriteString("\n")
		}
	}

	rendered := strings.ReplaceAll(tmpl, "{tools_list}", strings.TrimRight(list.String(), "\n"))
	rendered = strings.ReplaceAll(rendered, "{trigger_signal}", TriggerToken)
	return marker + "\n" + rendered
}

// upsertSystemMessage replaces a previously injected system message (by
// marker prefix) if one exists, otherwise prepends a new one ahead of
// any other system messages the client supplied — the client's own
// system instructions still apply, they just follow the teaching
// prompt rather than precede it.
func upsertSystemMessage(messages []types.Message, systemPrompt string) []types.Message {
	for i, m := range messages {
		if m.Role == "system" && strings.HasPrefix(m.Content, marker) {
			messages[i].Content = systemPrompt
			return messages
		}
	}

	out := make([]types.Message, 0, len(messages)+1)
	out = append(out, types.Message{Role: "system", Content: systemPrompt})
	out = append(out, messages...)
	return out
}

// annotateToolResults rewrites each `tool` message so a model with no
// native memory of its own tool calls can still see what it invoked:
// it looks back for the assistant turn whose tool_calls[*].id matches
// the tool message's tool_call_id and prefixes the result with the
// invoked name and arguments. A tool message with no matching call is
// left untouched.
func annotateToolResults(messages []types.Message) []types.Message {
	for i, m := range messages {
		if m.Role != "tool" || m.ToolCallID == "" {
			continue
		}
		call, ok := findToolCall(messages[:i], m.ToolCallID)
		if !ok {
			continue
		}
		messages[i].Content = fmt.Sprintf("[Result of %s(%s)]\n%s", call.Function.Name, call.Function.Arguments, m.Content)
	}
	return messages
}

func findToolCall(prior []types.Message, id string) (types.ToolCall, bool) {
	for i := len(prior) - 1; i >= 0; i-- {
		for _, tc := range prior[i].ToolCalls {
			if tc.ID == id {
				return tc, true
			}
		}
	}
	return types.ToolCall{}, false
}

// ValidationError is returned when an inbound request cannot be parsed
// or is missing data the injector needs.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ParseRequest decodes raw JSON into a ChatCompletionRequest, wrapping
// decode failures as a ValidationError the handler can map to a 400.
func ParseRequest(raw []byte) (*types.ChatCompletionRequest, error) {
	var req types.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	if req.Model == "" {
		return nil, &ValidationError{Message: "\"model\" is required"}
	}
	if len(req.Messages) == 0 {
		return nil, &ValidationError{Message: "\"messages\" must not be empty"}
	}
	return &req, nil
}
