// Package claude provides Anthropic-compatible API types and errors.
package claude

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// MessageRequest represents an Anthropic-compatible request payload.
type MessageRequest struct {
	// Required
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// Optional
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	System        json.RawMessage `json:"system,omitempty"` // string or []ContentBlock
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`

	// Extended thinking
	Thinking *ThinkingConfig `json:"thinking,omitempty"`

	// Tools
	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`
}

// Message represents a message in the conversation.
type Message struct {
	Role    string          `json:"role"`    // "user" or "assistant"
	Content json.RawMessage `json:"content"` // string or []ContentBlock
}

// ContentBlock represents a content block in a message.
type ContentBlock struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result", "thinking"

	// For type=text
	Text string `json:"text,omitempty"`

	// For type=tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For type=tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or nested blocks
	IsError   bool            `json:"is_error,omitempty"`

	// For type=thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ThinkingConfig configures extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Tool represents a tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice represents tool selection preference.
type ToolChoice struct {
	Type string `json:"type"` // "auto", "any", "tool"
	Name string `json:"name,omitempty"`
}

// MessageResponse represents a complete response for non-streaming requests.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage represents token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// GenerateMessageID generates a unique message ID in Anthropic format.
func GenerateMessageID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return "msg_" + hex.EncodeToString(b)
}

// GetSystemString extracts text from a system field (string or []ContentBlock).
func (req *MessageRequest) GetSystemString() string {
	if len(req.System) == 0 {
		return ""
	}

	var str string
	if err := json.Unmarshal(req.System, &str); err == nil {
		return str
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.System, &blocks); err == nil {
		var result string
		for _, block := range blocks {
			if block.Type == "text" {
				result += block.Text
			}
		}
		return result
	}

	return ""
}

// Blocks returns the message content as content blocks. Plain-string content
// is wrapped in a single text block.
func (m *Message) Blocks() []ContentBlock {
	var str string
	if err := json.Unmarshal(m.Content, &str); err == nil {
		return []ContentBlock{{Type: "text", Text: str}}
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}

	return nil
}

// GetContentString extracts the concatenated text content from a message.
func (m *Message) GetContentString() string {
	var result string
	for _, block := range m.Blocks() {
		if block.Type == "text" {
			result += block.Text
		}
	}
	return result
}

// ===========================================================================
// SSE event types
// ===========================================================================

// StreamEvent pairs an SSE event name with its payload.
type StreamEvent struct {
	Type string
	Data any
}

// MessageStartEvent represents a message_start SSE event.
type MessageStartEvent struct {
	Type    string              `json:"type"` // Always "message_start"
	Message MessageStartMessage `json:"message"`
}

// MessageStartMessage is the message object in message_start events.
type MessageStartMessage struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // Always "message"
	Role    string `json:"role"` // Always "assistant"
	Model   string `json:"model"`
	Content []any  `json:"content"` // Empty array
	Usage   Usage  `json:"usage"`
}

// ContentBlockStartEvent represents a content_block_start SSE event.
type ContentBlockStartEvent struct {
	Type         string       `json:"type"` // Always "content_block_start"
	Index        int          `json:"index"`
	ContentBlock ContentStart `json:"content_block"`
}

// ContentStart is the content_block object in content_block_start events.
type ContentStart struct {
	Type     string `json:"type"` // "text", "tool_use", "thinking"
	Text     string `json:"text,omitempty"`
	ID       string `json:"id,omitempty"`   // For tool_use
	Name     string `json:"name,omitempty"` // For tool_use
	Input    any    `json:"input,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ContentBlockDeltaEvent represents a content_block_delta SSE event.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"` // Always "content_block_delta"
	Index int        `json:"index"`
	Delta DeltaBlock `json:"delta"`
}

// DeltaBlock is the delta object in content_block_delta events.
type DeltaBlock struct {
	Type        string `json:"type"` // "text_delta", "thinking_delta", "signature_delta", "input_json_delta"
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockStopEvent represents a content_block_stop SSE event.
type ContentBlockStopEvent struct {
	Type  string `json:"type"` // Always "content_block_stop"
	Index int    `json:"index"`
}

// MessageDeltaEvent represents a message_delta SSE event.
type MessageDeltaEvent struct {
	Type  string           `json:"type"` // Always "message_delta"
	Delta MessageDeltaData `json:"delta"`
	Usage Usage            `json:"usage"`
}

// MessageDeltaData is the delta object in message_delta events.
type MessageDeltaData struct {
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// MessageStopEvent represents a message_stop SSE event.
type MessageStopEvent struct {
	Type string `json:"type"` // Always "message_stop"
}

// PingEvent represents a ping SSE event.
type PingEvent struct {
	Type string `json:"type"` // Always "ping"
}

// ErrorEvent represents an error SSE event.
type ErrorEvent struct {
	Type  string     `json:"type"` // Always "error"
	Error ErrorBlock `json:"error"`
}

// ErrorBlock is the error object in error events.
type ErrorBlock struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
