package parser

import "toolcall-proxy/types"

// ApplyNonStreaming runs the extraction algorithm over a complete
// upstream chat completion response's first choice, replacing its
// content/tool_calls/finish_reason with the extracted result. Additional
// choices (rare for these upstreams) are left untouched.
func ApplyNonStreaming(resp *types.ChatCompletionResponse, trigger string) {
	if len(resp.Choices) == 0 {
		return
	}

	result := Extract(resp.Choices[0].Message.Content, trigger)

	resp.Choices[0].Message.Content = result.Content
	resp.Choices[0].Message.ToolCalls = result.ToolCalls
	finishReason := result.FinishReason
	resp.Choices[0].FinishReason = &finishReason
}
