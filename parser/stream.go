package parser

import (
	"strings"
	"time"

	"toolcall-proxy/types"
)

// State names the streaming parser's position in the extraction state
// machine described for this proxy's response pipeline. PartialTrigger
// marks that Prose is holding back a possible partial trigger; it is
// handled by the same code path as Prose rather than a separately
// dispatched one.
type State int

const (
	StateProse State = iota
	StatePartialTrigger
	StateInThink
	StateInEnvelope
	StateTerminal
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
	// maxEnvelopeBytes bounds how much text this parser will accumulate
	// after a trigger token before giving up and treating the envelope
	// as malformed, so a upstream that never closes its envelope cannot
	// grow this parser's buffer without bound.
	maxEnvelopeBytes = 256 * 1024
)

// StreamParser is a per-response stream transducer: Feed consumes
// upstream byte chunks and returns zero or more fully-formed
// chat.completion.chunk frames to write downstream; Close flushes
// whatever remains buffered at end of stream. It holds all state
// needed to recognize the trigger token and the tool-call envelope
// across arbitrary chunk boundaries.
type StreamParser struct {
	trigger string
	id      string
	model   string
	created int64

	state State
	buf   []byte

	nextIndex        int
	toolCallsEmitted int
	closed           bool

	// roleSent tracks whether the first delta (carrying role=assistant)
	// has already been emitted.
	roleSent bool
}

// New creates a StreamParser for one response. id and model populate
// every emitted chunk's `id`/`model` fields.
func New(trigger, id, model string) *StreamParser {
	return &StreamParser{
		trigger: trigger,
		id:      id,
		model:   model,
		created: time.Now().Unix(),
		state:   StateProse,
	}
}

// Feed consumes one upstream chunk of assistant text and returns the
// chunks that are now safe to emit downstream.
func (p *StreamParser) Feed(chunk string) []types.StreamChunk {
	if p.closed || p.state == StateTerminal {
		return nil
	}
	p.buf = append(p.buf, chunk...)

	var out []types.StreamChunk
	for {
		progressed, frames := p.step()
		out = append(out, frames...)
		if !progressed {
			break
		}
	}
	return out
}

// step performs one state transition if the buffer currently holds
// enough information to do so, returning whether it made progress (so
// Feed can keep draining the buffer within one call).
func (p *StreamParser) step() (bool, []types.StreamChunk) {
	switch p.state {
	case StateProse, StatePartialTrigger:
		return p.stepProse()
	case StateInThink:
		return p.stepThink()
	case StateInEnvelope:
		return p.stepEnvelope()
	default:
		return false, nil
	}
}

func (p *StreamParser) stepProse() (bool, []types.StreamChunk) {
	text := string(p.buf)

	if idx := strings.Index(text, thinkOpen); idx >= 0 {
		// Only honor a think-open that appears before any trigger match;
		// if the trigger appears first, tool-call detection wins.
		triggerIdx := strings.Index(text, p.trigger)
		if triggerIdx < 0 || idx < triggerIdx {
			end := idx + len(thinkOpen)
			out := []types.StreamChunk{p.contentChunk(text[:end])}
			p.buf = []byte(text[end:])
			p.state = StateInThink
			return true, out
		}
	}

	if idx := strings.Index(text, p.trigger); idx >= 0 {
		var out []types.StreamChunk
		if idx > 0 {
			out = append(out, p.contentChunk(text[:idx]))
		}
		p.buf = []byte(text[idx+len(p.trigger):])
		p.state = StateInEnvelope
		return true, out
	}

	safe := safeEmitLength(text, p.trigger, thinkOpen)
	if safe == 0 {
		if len(text) > 0 && p.state != StatePartialTrigger {
			p.state = StatePartialTrigger
		}
		return false, nil
	}

	out := []types.StreamChunk{p.contentChunk(text[:safe])}
	p.buf = []byte(text[safe:])
	p.state = StateProse
	return true, out
}

func (p *StreamParser) stepThink() (bool, []types.StreamChunk) {
	text := string(p.buf)
	idx := strings.Index(text, thinkClose)
	if idx < 0 {
		// Hold back a possible partial "</think>" at the tail; everything
		// before that is safe to flush verbatim.
		safe := safeEmitLength(text, thinkClose, thinkClose)
		if safe == 0 {
			return false, nil
		}
		p.buf = []byte(text[safe:])
		return true, []types.StreamChunk{p.contentChunk(text[:safe])}
	}

	end := idx + len(thinkClose)
	p.buf = []byte(text[end:])
	p.state = StateProse
	return true, []types.StreamChunk{p.contentChunk(text[:end])}
}

func (p *StreamParser) stepEnvelope() (bool, []types.StreamChunk) {
	text := string(p.buf)

	if len(p.buf) > maxEnvelopeBytes {
		// Malformed: give up on the envelope and surface nothing further;
		// unless tool calls were already emitted, Close will flush
		// whatever was collected as prose.
		p.state = StateTerminal
		return false, nil
	}

	match := toolCallPattern.FindStringSubmatchIndex(text)
	if match == nil {
		if closeIdx := strings.Index(text, "</tool_calls>"); closeIdx >= 0 {
			p.buf = []byte(text[closeIdx+len("</tool_calls>"):])
			p.state = StateTerminal
			return false, nil
		}
		return false, nil
	}

	name := strings.TrimSpace(text[match[2]:match[3]])
	args := text[match[4]:match[5]]
	p.buf = []byte(text[match[1]:])

	index := p.nextIndex
	p.nextIndex++
	p.toolCallsEmitted++

	id := newToolCallID()
	nameDelta := types.StreamChunk{
		ID: p.id, Object: "chat.completion.chunk", Created: p.created, Model: p.model,
		Choices: []types.StreamChoice{{
			Index: 0,
			Delta: types.StreamDelta{ToolCalls: []types.ToolCall{{
				ID: id, Type: "function", Index: intPtr(index),
				Function: types.ToolCallFunction{Name: name},
			}}},
		}},
	}
	argsDelta := types.StreamChunk{
		ID: p.id, Object: "chat.completion.chunk", Created: p.created, Model: p.model,
		Choices: []types.StreamChoice{{
			Index: 0,
			Delta: types.StreamDelta{ToolCalls: []types.ToolCall{{
				Index: intPtr(index),
				Function: types.ToolCallFunction{Arguments: args},
			}}},
		}},
	}

	return true, []types.StreamChunk{nameDelta, argsDelta}
}

// Close flushes any remaining buffered bytes at end of upstream stream
// and returns the final chunk(s), including the terminal finish-reason
// chunk. It must be called exactly once per response.
func (p *StreamParser) Close() []types.StreamChunk {
	if p.closed {
		return nil
	}
	p.closed = true

	var out []types.StreamChunk

	switch p.state {
	case StateProse, StatePartialTrigger, StateInThink:
		if len(p.buf) > 0 {
			out = append(out, p.contentChunk(string(p.buf)))
			p.buf = nil
		}
		out = append(out, p.finishChunk("stop"))

	case StateInEnvelope:
		// Drain any remaining complete tool_call elements before closing.
		for {
			progressed, frames := p.stepEnvelope()
			out = append(out, frames...)
			if !progressed {
				break
			}
		}
		if p.toolCallsEmitted > 0 {
			out = append(out, p.finishChunk("tool_calls"))
		} else {
			// Trigger seen but no well-formed tool_call ever completed;
			// the trigger itself is never forwarded, but whatever trailed
			// it is surfaced so the client isn't left with silent content.
			if len(p.buf) > 0 {
				out = append([]types.StreamChunk{p.contentChunk(string(p.buf))}, out...)
			}
			out = append(out, p.finishChunk("stop"))
		}

	case StateTerminal:
		if p.toolCallsEmitted > 0 {
			out = append(out, p.finishChunk("tool_calls"))
		} else {
			if len(p.buf) > 0 {
				out = append(out, p.contentChunk(string(p.buf)))
				p.buf = nil
			}
			out = append(out, p.finishChunk("stop"))
		}
	}

	return out
}

func (p *StreamParser) contentChunk(content string) types.StreamChunk {
	delta := types.StreamDelta{Content: content}
	if !p.roleSent {
		delta.Role = "assistant"
		p.roleSent = true
	}
	return types.StreamChunk{
		ID: p.id, Object: "chat.completion.chunk", Created: p.created, Model: p.model,
		Choices: []types.StreamChoice{{Index: 0, Delta: delta}},
	}
}

func (p *StreamParser) finishChunk(reason string) types.StreamChunk {
	r := reason
	return types.StreamChunk{
		ID: p.id, Object: "chat.completion.chunk", Created: p.created, Model: p.model,
		Choices: []types.StreamChoice{{Index: 0, Delta: types.StreamDelta{}, FinishReason: &r}},
	}
}

func intPtr(i int) *int { return &i }

// safeEmitLength returns how many leading bytes of text are guaranteed
// not to be part of either needle's occurrence once more bytes arrive,
// i.e. text's length minus the longest suffix of text that is also a
// proper prefix of needle1 or needle2.
func safeEmitLength(text, needle1, needle2 string) int {
	overlap := maxOverlap(text, needle1)
	if o2 := maxOverlap(text, needle2); o2 > overlap {
		overlap = o2
	}
	return len(text) - overlap
}

// maxOverlap returns the length of the longest suffix of text that is
// also a proper prefix of needle (0 if none, capped at len(needle)-1).
func maxOverlap(text, needle string) int {
	max := len(needle) - 1
	if max > len(text) {
		max = len(text)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(text, needle[:l]) {
			return l
		}
	}
	return 0
}
