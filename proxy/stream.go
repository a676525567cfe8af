package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"toolcall-proxy/inject"
	"toolcall-proxy/logger"
	"toolcall-proxy/parser"
	"toolcall-proxy/router"
	"toolcall-proxy/types"
)

// sseDataPrefix is the line prefix every upstream SSE event body
// carries; everything after it up to the line's end is one JSON
// payload (or the literal "[DONE]" sentinel).
const sseDataPrefix = "data: "

// serveStreaming drains result.StreamBody's upstream SSE frames and
// writes the client's own SSE stream. When function calling is
// inactive the upstream bytes are copied through unmodified; otherwise
// each upstream delta is fed through a parser.StreamParser so tool-call
// envelopes are translated into synthesized tool_calls deltas as they
// are recognized.
func (h *Handler) serveStreaming(ctx context.Context, w http.ResponseWriter, result *router.Result, clientModel string, declaredTools []types.Tool, fcActive bool) {
	defer result.StreamBody.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	l := logger.FromContext(ctx, nil)

	if !fcActive {
		copyRawStream(result.StreamBody, w, flusher)
		return
	}

	logger.LogRequest(ctx, l, clientModel, 0)

	id := "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
	sp := parser.New(inject.TriggerToken, id, clientModel)

	scanner := bufio.NewScanner(result.StreamBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	// assembled reconstructs each tool call's final name/arguments pair
	// from its streamed deltas (name arrives on its own delta, then
	// arguments on the next), purely so validateExtractedCalls can run
	// the same schema check the non-streaming path runs. The deltas
	// already written to the client are unaffected by this bookkeeping.
	assembled := map[int]*types.ToolCall{}
	recordDelta := func(out types.StreamChunk) {
		if len(out.Choices) == 0 {
			return
		}
		for _, tc := range out.Choices[0].Delta.ToolCalls {
			if tc.Index == nil {
				continue
			}
			call, ok := assembled[*tc.Index]
			if !ok {
				call = &types.ToolCall{}
				assembled[*tc.Index] = call
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Function.Arguments = tc.Function.Arguments
			}
		}
	}

	toolCallCount := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		payload := strings.TrimPrefix(line, sseDataPrefix)
		if payload == "[DONE]" {
			break
		}

		var chunk types.StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}

		for _, out := range sp.Feed(content) {
			if tc := out.Choices[0].Delta.ToolCalls; len(tc) > 0 && tc[0].Function.Name != "" {
				toolCallCount++
			}
			recordDelta(out)
			writeSSEFrame(w, flusher, out)
		}
	}

	for _, out := range sp.Close() {
		if len(out.Choices) > 0 {
			if tc := out.Choices[0].Delta.ToolCalls; len(tc) > 0 && tc[0].Function.Name != "" {
				toolCallCount++
			}
		}
		recordDelta(out)
		writeSSEFrame(w, flusher, out)
	}
	if toolCallCount > 0 {
		logger.LogTriggerDetected(ctx, l, "streaming", toolCallCount)
		validateExtractedCalls(ctx, l, declaredTools, assembledCalls(assembled))
	}

	writeSSEDone(w, flusher)
}

// assembledCalls flattens the index-keyed reconstruction map in index
// order for validation; the resulting slice has no bearing on what was
// already streamed to the client.
func assembledCalls(byIndex map[int]*types.ToolCall) []types.ToolCall {
	out := make([]types.ToolCall, 0, len(byIndex))
	for i := 0; i < len(byIndex); i++ {
		if c, ok := byIndex[i]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// copyRawStream forwards upstream SSE bytes to the client unmodified,
// flushing after every upstream read so a slow consumer still sees
// progress as it arrives (back-pressure is handled by the blocking
// Write call itself).
func copyRawStream(src io.Reader, w http.ResponseWriter, flusher http.Flusher) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, chunk types.StreamChunk) {
	body, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte(sseDataPrefix))
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSSEDone(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = w.Write([]byte(sseDataPrefix + "[DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}
