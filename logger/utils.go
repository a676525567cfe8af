package logger

import (
	"context"
	"encoding/json"

	"toolcall-proxy/metrics"
	"toolcall-proxy/types"
)

// Emoji constants give each event category logged by this proxy a
// distinct visual prefix, for quick scanning of the ContextLogger's
// console output.
const (
	EmojiReceived = "📨"
	EmojiTool     = "🔧"
	EmojiTarget   = "🎯"
	EmojiStream   = "🌊"
	EmojiSuccess  = "✅"
	EmojiFailover = "🔄"
	EmojiAlert    = "🚨"
	EmojiSkip     = "🚫"
	EmojiStats    = "📊"
)

// LogRequest logs an incoming chat completion request.
func LogRequest(ctx context.Context, l Logger, model string, toolCount int) {
	l.WithModel(model).Info("%s Received request for model: %s, tools: %d", EmojiReceived, model, toolCount)
}

// LogInjection logs whether function-calling prompt injection activated.
func LogInjection(ctx context.Context, l Logger, active bool, toolCount int, trigger string) {
	if active {
		l.Info("%s Function calling active: %d tools, trigger=%s", EmojiTool, toolCount, trigger)
	} else {
		l.Debug("%s Function calling inactive, passing request through", EmojiSkip)
	}
}

// LogChannelAttempt logs a single attempt against a channel.
func LogChannelAttempt(ctx context.Context, l Logger, channel string, attempt int) {
	l.Info("%s Attempt %d against channel: %s", EmojiTarget, attempt, channel)
}

// LogFailover logs moving from one channel to the next after a retryable failure.
func LogFailover(ctx context.Context, l Logger, from, to string, reason string) {
	l.Warn("%s Failing over from %s to %s: %s", EmojiFailover, from, to, reason)
}

// LogUpstreamSuccess logs a terminal successful upstream response.
func LogUpstreamSuccess(ctx context.Context, l Logger, channel string, streaming bool) {
	l.Info("%s Upstream succeeded via %s (streaming=%v)", EmojiSuccess, channel, streaming)
}

// LogUpstreamExhausted logs that every eligible channel failed.
func LogUpstreamExhausted(ctx context.Context, l Logger, attempts int) {
	l.Error("%s All %d channel attempts exhausted", EmojiAlert, attempts)
}

// LogTriggerDetected logs that the parser found the trigger token and
// records the detection in this proxy's Prometheus counters, mode being
// "streaming" or "non_streaming".
func LogTriggerDetected(ctx context.Context, l Logger, mode string, toolCallCount int) {
	l.Info("%s Trigger token detected, extracted %d tool call(s)", EmojiTarget, toolCallCount)
	metrics.RecordTriggerDetected(mode, toolCallCount)
}

// LogMalformedEnvelope logs a tool-call envelope that could not be fully parsed.
func LogMalformedEnvelope(ctx context.Context, l Logger, reason string) {
	l.Warn("%s Malformed tool-call envelope: %s", EmojiAlert, reason)
}

// LogToolCallValidation logs each schema mismatch a parser.ToolCallValidator
// found between extracted tool calls and the client's declared tool
// schemas. Purely observational: this never changes what was sent to
// the client.
func LogToolCallValidation(ctx context.Context, l Logger, name string, unknownTool bool, missingParams []string) {
	if unknownTool {
		l.Warn("%s Extracted tool call %q is not in the request's declared tools", EmojiAlert, name)
		return
	}
	l.Warn("%s Extracted tool call %q is missing required parameter(s): %v", EmojiAlert, name, missingParams)
}

// LogToolSchemas pretty-prints declared tool schemas for debugging.
func LogToolSchemas(ctx context.Context, l Logger, tools []types.Tool) {
	for i, tool := range tools {
		if toolJSON, err := json.MarshalIndent(tool, "", "  "); err == nil {
			l.Debug("%s Tool[%d] schema (%s):\n%s", EmojiTool, i, tool.Function.Name, string(toolJSON))
		}
	}
}

// LogLargeConversation logs unusually long conversations for visibility.
func LogLargeConversation(ctx context.Context, l Logger, messageCount int) {
	l.Debug("%s Large conversation: %d messages", EmojiStats, messageCount)
}

// noOpLogger is a no-operation logger used where no logger has been
// configured yet (e.g. before request context is established).
type noOpLogger struct{}

func (n *noOpLogger) Debug(format string, args ...interface{}) {}
func (n *noOpLogger) Info(format string, args ...interface{})  {}
func (n *noOpLogger) Warn(format string, args ...interface{})  {}
func (n *noOpLogger) Error(format string, args ...interface{}) {}
func (n *noOpLogger) WithField(key, value string) Logger       { return n }
func (n *noOpLogger) WithModel(model string) Logger            { return n }
func (n *noOpLogger) WithComponent(component string) Logger    { return n }
