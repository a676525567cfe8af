package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamProseIdempotence(t *testing.T) {
	p := New(trigger, "chatcmpl-1", "gpt-4")
	var got string
	for _, chunk := range []string{"hello ", "there, ", "friend"} {
		for _, f := range p.Feed(chunk) {
			got += f.Choices[0].Delta.Content
		}
	}
	for _, f := range p.Close() {
		got += f.Choices[0].Delta.Content
	}
	assert.Equal(t, "hello there, friend", got)
}

func TestStreamNoTriggerEndsWithStop(t *testing.T) {
	p := New(trigger, "chatcmpl-1", "gpt-4")
	p.Feed("just a plain reply")
	frames := p.Close()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
}

func TestStreamTriggerNeverLeaksIntoContent(t *testing.T) {
	p := New(trigger, "chatcmpl-1", "gpt-4")
	var content string
	feedAndCollect := func(s string) {
		for _, f := range p.Feed(s) {
			content += f.Choices[0].Delta.Content
		}
	}
	feedAndCollect("before ")
	feedAndCollect(trigger)
	feedAndCollect("<tool_calls><tool_call><name>f</name><arguments>{}</arguments></tool_call></tool_calls>")
	for _, f := range p.Close() {
		content += f.Choices[0].Delta.Content
	}
	assert.NotContains(t, content, trigger)
	assert.Equal(t, "before ", content)
}

func TestStreamTriggerStraddlingChunkBoundary(t *testing.T) {
	full := "answer" + trigger + "<tool_calls><tool_call><name>ping</name><arguments>{}</arguments></tool_call></tool_calls>"

	// Split the trigger token itself across two chunks.
	mid := len("answer") + len(trigger)/2
	p := New(trigger, "chatcmpl-1", "gpt-4")

	var content string
	var sawToolCall bool
	var finishReason string

	feed := func(s string) {
		for _, f := range p.Feed(s) {
			content += f.Choices[0].Delta.Content
			if len(f.Choices[0].Delta.ToolCalls) > 0 {
				sawToolCall = true
			}
		}
	}
	feed(full[:mid])
	feed(full[mid:])
	for _, f := range p.Close() {
		content += f.Choices[0].Delta.Content
		if f.Choices[0].FinishReason != nil {
			finishReason = *f.Choices[0].FinishReason
		}
		if len(f.Choices[0].Delta.ToolCalls) > 0 {
			sawToolCall = true
		}
	}

	assert.Equal(t, "answer", content)
	assert.True(t, sawToolCall)
	assert.Equal(t, "tool_calls", finishReason)
}

func TestStreamChunkBoundaryInvariance(t *testing.T) {
	full := "prefix text " + trigger + "<tool_calls><tool_call><name>lookup</name><arguments>{\"q\":1}</arguments></tool_call></tool_calls>"

	run := func(splits []int) (string, string, []int) {
		p := New(trigger, "chatcmpl-1", "gpt-4")
		var content string
		var finish string
		var names []int

		prev := 0
		var pieces []string
		for _, s := range splits {
			pieces = append(pieces, full[prev:s])
			prev = s
		}
		pieces = append(pieces, full[prev:])

		for _, piece := range pieces {
			for _, f := range p.Feed(piece) {
				content += f.Choices[0].Delta.Content
				if f.Choices[0].Delta.ToolCalls != nil {
					for range f.Choices[0].Delta.ToolCalls {
						names = append(names, 1)
					}
				}
			}
		}
		for _, f := range p.Close() {
			content += f.Choices[0].Delta.Content
			if f.Choices[0].FinishReason != nil {
				finish = *f.Choices[0].FinishReason
			}
		}
		return content, finish, names
	}

	c1, f1, n1 := run([]int{1, 5, 20})
	c2, f2, n2 := run([]int{3})
	c3, f3, n3 := run(nil)

	assert.Equal(t, c1, c2)
	assert.Equal(t, c2, c3)
	assert.Equal(t, f1, f2)
	assert.Equal(t, f2, f3)
	assert.Equal(t, len(n1), len(n2))
	assert.Equal(t, len(n2), len(n3))
}

func TestStreamThinkTagPreservedVerbatim(t *testing.T) {
	p := New(trigger, "chatcmpl-1", "gpt-4")
	var content string
	feed := func(s string) {
		for _, f := range p.Feed(s) {
			content += f.Choices[0].Delta.Content
		}
	}
	feed("<think>about to call ")
	feed(trigger)
	feed("</think>answer")
	for _, f := range p.Close() {
		content += f.Choices[0].Delta.Content
	}

	assert.Equal(t, "<think>about to call "+trigger+"</think>answer", content)
}

func TestStreamThinkTagSplitAcrossChunks(t *testing.T) {
	full := "<think>reasoning here</think>final answer"
	p := New(trigger, "chatcmpl-1", "gpt-4")
	var content string
	feed := func(s string) {
		for _, f := range p.Feed(s) {
			content += f.Choices[0].Delta.Content
		}
	}
	// split right in the middle of the closing tag
	splitAt := len("<think>reasoning here</thi")
	feed(full[:splitAt])
	feed(full[splitAt:])
	for _, f := range p.Close() {
		content += f.Choices[0].Delta.Content
	}
	assert.Equal(t, full, content)
}

func TestStreamMultipleToolCallsIndexMonotonic(t *testing.T) {
	full := trigger + "<tool_calls>" +
		"<tool_call><name>a</name><arguments>{}</arguments></tool_call>" +
		"<tool_call><name>b</name><arguments>{}</arguments></tool_call>" +
		"<tool_call><name>c</name><arguments>{}</arguments></tool_call>" +
		"</tool_calls>"
	p := New(trigger, "chatcmpl-1", "gpt-4")

	var indices []int
	var ids []string
	for _, f := range p.Feed(full) {
		for _, tc := range f.Choices[0].Delta.ToolCalls {
			if tc.Index != nil && tc.Function.Name != "" {
				indices = append(indices, *tc.Index)
			}
			if tc.ID != "" {
				ids = append(ids, tc.ID)
			}
		}
	}
	for _, f := range p.Close() {
		for _, tc := range f.Choices[0].Delta.ToolCalls {
			if tc.Index != nil && tc.Function.Name != "" {
				indices = append(indices, *tc.Index)
			}
			if tc.ID != "" {
				ids = append(ids, tc.ID)
			}
		}
	}

	require.Len(t, indices, 3)
	assert.Equal(t, []int{0, 1, 2}, indices)

	require.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
}

func TestStreamMalformedEnvelopeNeverCompletesDegradesToStop(t *testing.T) {
	p := New(trigger, "chatcmpl-1", "gpt-4")
	p.Feed(trigger + "<tool_calls><tool_call><name>broke")
	frames := p.Close()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)

	for _, f := range frames {
		assert.NotContains(t, f.Choices[0].Delta.Content, trigger)
	}
}

func TestStreamEnvelopeExceedsCapDegradesToStop(t *testing.T) {
	p := New(trigger, "chatcmpl-1", "gpt-4")
	p.Feed(trigger + "<tool_calls><tool_call><name>x</name><arguments>")
	// Push the buffered envelope well past the cap without ever closing it.
	huge := make([]byte, maxEnvelopeBytes+1)
	for i := range huge {
		huge[i] = 'a'
	}
	p.Feed(string(huge))

	frames := p.Close()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
}

func TestStreamRoleSentOnlyOnFirstDelta(t *testing.T) {
	p := New(trigger, "chatcmpl-1", "gpt-4")
	var roles []string
	for _, chunk := range []string{"a", "b", "c"} {
		for _, f := range p.Feed(chunk) {
			roles = append(roles, f.Choices[0].Delta.Role)
		}
	}
	for _, f := range p.Close() {
		roles = append(roles, f.Choices[0].Delta.Role)
	}
	require.NotEmpty(t, roles)
	assert.Equal(t, "assistant", roles[0])
	for _, r := range roles[1:] {
		assert.Empty(t, r)
	}
}

func TestStreamClosedParserReturnsNilAfterClose(t *testing.T) {
	p := New(trigger, "chatcmpl-1", "gpt-4")
	p.Feed("hello")
	p.Close()
	assert.Nil(t, p.Feed("more"))
	assert.Nil(t, p.Close())
}
