package cloudcode

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
)

// Transcoder converts Cloud Code SSE chunks into the Anthropic event
// sequence. Feed returns the events produced by one upstream chunk; Finish
// closes any open block and emits the terminal events. It buffers nothing
// beyond the current block's identity.
type Transcoder struct {
	model string
	msgID string

	started    bool
	blockIndex int
	blockOpen  bool
	blockType  string
	sigSeen    bool

	sawToolUse   bool
	finishReason string
	inputTokens  int
	outputTokens int
}

// NewTranscoder creates a transcoder for the given response model.
func NewTranscoder(model string) *Transcoder {
	return &Transcoder{
		model:      model,
		msgID:      claude.GenerateMessageID(),
		blockIndex: -1,
	}
}

// Feed consumes one upstream chunk and returns the Anthropic events it maps
// to.
func (t *Transcoder) Feed(chunk []byte) []claude.StreamEvent {
	var events []claude.StreamEvent

	if !t.started {
		t.started = true
		events = append(events, claude.StreamEvent{
			Type: "message_start",
			Data: claude.MessageStartEvent{
				Type: "message_start",
				Message: claude.MessageStartMessage{
					ID:      t.msgID,
					Type:    "message",
					Role:    "assistant",
					Model:   t.model,
					Content: []any{},
				},
			},
		})
	}

	root := gjson.ParseBytes(chunk)
	resp := root.Get("response")
	if !resp.Exists() {
		resp = root
	}

	candidate := resp.Get("candidates.0")
	for _, p := range candidate.Get("content.parts").Array() {
		events = append(events, t.feedPart(p)...)
	}

	if reason := candidate.Get("finishReason").String(); reason != "" {
		t.finishReason = reason
	}
	if usage := resp.Get("usageMetadata"); usage.Exists() {
		if n := usage.Get("promptTokenCount"); n.Exists() {
			t.inputTokens = int(n.Int())
		}
		if n := usage.Get("candidatesTokenCount"); n.Exists() {
			t.outputTokens = int(n.Int())
		}
	}

	return events
}

func (t *Transcoder) feedPart(p gjson.Result) []claude.StreamEvent {
	var events []claude.StreamEvent

	if fc := p.Get("functionCall"); fc.Exists() {
		t.sawToolUse = true
		events = append(events, t.closeBlock()...)

		t.blockIndex++
		id := fc.Get("id").String()
		if id == "" {
			id = "toolu_" + claude.GenerateMessageID()[4:]
		}
		args := fc.Get("args").Raw
		if args == "" {
			args = "{}"
		}

		events = append(events,
			claude.StreamEvent{
				Type: "content_block_start",
				Data: claude.ContentBlockStartEvent{
					Type:  "content_block_start",
					Index: t.blockIndex,
					ContentBlock: claude.ContentStart{
						Type:  "tool_use",
						ID:    id,
						Name:  fc.Get("name").String(),
						Input: map[string]any{},
					},
				},
			},
			claude.StreamEvent{
				Type: "content_block_delta",
				Data: claude.ContentBlockDeltaEvent{
					Type:  "content_block_delta",
					Index: t.blockIndex,
					Delta: claude.DeltaBlock{Type: "input_json_delta", PartialJSON: args},
				},
			},
			claude.StreamEvent{
				Type: "content_block_stop",
				Data: claude.ContentBlockStopEvent{Type: "content_block_stop", Index: t.blockIndex},
			},
		)
		return events
	}

	text := p.Get("text").String()
	sig := signatureOf(p)
	if text == "" && sig == "" {
		return nil
	}

	kind := "text"
	if p.Get("thought").Bool() {
		kind = "thinking"
	}

	if t.blockOpen && t.blockType != kind {
		events = append(events, t.closeBlock()...)
	}
	if !t.blockOpen {
		t.blockIndex++
		t.blockOpen = true
		t.blockType = kind
		t.sigSeen = false
		events = append(events, claude.StreamEvent{
			Type: "content_block_start",
			Data: claude.ContentBlockStartEvent{
				Type:         "content_block_start",
				Index:        t.blockIndex,
				ContentBlock: claude.ContentStart{Type: kind},
			},
		})
	}

	if text != "" {
		delta := claude.DeltaBlock{Type: "text_delta", Text: text}
		if kind == "thinking" {
			delta = claude.DeltaBlock{Type: "thinking_delta", Thinking: text}
		}
		events = append(events, claude.StreamEvent{
			Type: "content_block_delta",
			Data: claude.ContentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: t.blockIndex,
				Delta: delta,
			},
		})
	}

	if kind == "thinking" && sig != "" {
		t.sigSeen = true
		events = append(events, claude.StreamEvent{
			Type: "content_block_delta",
			Data: claude.ContentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: t.blockIndex,
				Delta: claude.DeltaBlock{Type: "signature_delta", Signature: normalizeSignature(sig)},
			},
		})
	}

	return events
}

// closeBlock emits content_block_stop for the open block. A thinking block
// closing without any signature gets the sentinel so the next turn passes
// validation.
func (t *Transcoder) closeBlock() []claude.StreamEvent {
	if !t.blockOpen {
		return nil
	}
	t.blockOpen = false

	var events []claude.StreamEvent
	if t.blockType == "thinking" && !t.sigSeen {
		events = append(events, claude.StreamEvent{
			Type: "content_block_delta",
			Data: claude.ContentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: t.blockIndex,
				Delta: claude.DeltaBlock{Type: "signature_delta", Signature: SignatureSentinel},
			},
		})
	}
	events = append(events, claude.StreamEvent{
		Type: "content_block_stop",
		Data: claude.ContentBlockStopEvent{Type: "content_block_stop", Index: t.blockIndex},
	})
	return events
}

// Finish closes any open block and emits message_delta and message_stop.
func (t *Transcoder) Finish() []claude.StreamEvent {
	events := t.closeBlock()

	events = append(events,
		claude.StreamEvent{
			Type: "message_delta",
			Data: claude.MessageDeltaEvent{
				Type:  "message_delta",
				Delta: claude.MessageDeltaData{StopReason: t.stopReason()},
				Usage: claude.Usage{InputTokens: t.inputTokens, OutputTokens: t.outputTokens},
			},
		},
		claude.StreamEvent{
			Type: "message_stop",
			Data: claude.MessageStopEvent{Type: "message_stop"},
		},
	)
	return events
}

func (t *Transcoder) stopReason() string {
	if t.sawToolUse {
		return "tool_use"
	}
	switch t.finishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

func signatureOf(p gjson.Result) string {
	if sig := p.Get("thoughtSignature").String(); sig != "" {
		return sig
	}
	return p.Get("thought_signature").String()
}

// Aggregator accumulates upstream chunks into a single Anthropic response.
// Used for non-streaming callers of thinking models, which the backend only
// serves over SSE.
type Aggregator struct {
	model string

	blocks       []claude.ContentBlock
	sawToolUse   bool
	finishReason string
	inputTokens  int
	outputTokens int
}

// NewAggregator creates an aggregator for the given response model.
func NewAggregator(model string) *Aggregator {
	return &Aggregator{model: model}
}

// Feed consumes one upstream chunk (SSE event or whole JSON body).
func (a *Aggregator) Feed(chunk []byte) {
	root := gjson.ParseBytes(chunk)
	resp := root.Get("response")
	if !resp.Exists() {
		resp = root
	}

	candidate := resp.Get("candidates.0")
	for _, p := range candidate.Get("content.parts").Array() {
		a.feedPart(p)
	}

	if reason := candidate.Get("finishReason").String(); reason != "" {
		a.finishReason = reason
	}
	if usage := resp.Get("usageMetadata"); usage.Exists() {
		if n := usage.Get("promptTokenCount"); n.Exists() {
			a.inputTokens = int(n.Int())
		}
		if n := usage.Get("candidatesTokenCount"); n.Exists() {
			a.outputTokens = int(n.Int())
		}
	}
}

func (a *Aggregator) feedPart(p gjson.Result) {
	if fc := p.Get("functionCall"); fc.Exists() {
		a.sawToolUse = true
		id := fc.Get("id").String()
		if id == "" {
			id = "toolu_" + claude.GenerateMessageID()[4:]
		}
		args := fc.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		a.blocks = append(a.blocks, claude.ContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  fc.Get("name").String(),
			Input: json.RawMessage(args),
		})
		return
	}

	text := p.Get("text").String()
	sig := signatureOf(p)
	if text == "" && sig == "" {
		return
	}

	if p.Get("thought").Bool() {
		if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == "thinking" {
			a.blocks[n-1].Thinking += text
			if sig != "" {
				a.blocks[n-1].Signature = normalizeSignature(sig)
			}
			return
		}
		block := claude.ContentBlock{Type: "thinking", Thinking: text}
		if sig != "" {
			block.Signature = normalizeSignature(sig)
		}
		a.blocks = append(a.blocks, block)
		return
	}

	if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == "text" {
		a.blocks[n-1].Text += text
		return
	}
	a.blocks = append(a.blocks, claude.ContentBlock{Type: "text", Text: text})
}

// Result builds the aggregated response.
func (a *Aggregator) Result() *claude.MessageResponse {
	blocks := a.blocks
	if blocks == nil {
		blocks = []claude.ContentBlock{}
	}
	for i := range blocks {
		if blocks[i].Type == "thinking" && blocks[i].Signature == "" {
			blocks[i].Signature = SignatureSentinel
		}
	}

	stopReason := "end_turn"
	if a.sawToolUse {
		stopReason = "tool_use"
	} else if a.finishReason == "MAX_TOKENS" {
		stopReason = "max_tokens"
	}

	return &claude.MessageResponse{
		ID:         claude.GenerateMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      a.model,
		StopReason: stopReason,
		Usage:      claude.Usage{InputTokens: a.inputTokens, OutputTokens: a.outputTokens},
	}
}

// ParseResponse converts a complete (non-streaming) upstream JSON body into
// the Anthropic response shape.
func ParseResponse(body []byte, model string) *claude.MessageResponse {
	agg := NewAggregator(model)
	agg.Feed(body)
	return agg.Result()
}
