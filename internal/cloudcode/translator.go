package cloudcode

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
)

const (
	// SignatureSentinel replaces thinking signatures that are too short or
	// missing, telling the backend to skip signature validation.
	SignatureSentinel = "skip_thought_signature_validator"

	// MinValidSignatureLen is the minimum length for a thinking signature to
	// be forwarded as-is.
	MinValidSignatureLen = 50

	defaultMaxOutputTokens = 64000
)

// Payload is the wrapped request body for the v1internal generate endpoints.
type Payload struct {
	Project   string          `json:"project"`
	Model     string          `json:"model"`
	Request   json.RawMessage `json:"request"`
	UserAgent string          `json:"userAgent"`
	RequestID string          `json:"requestId"`
}

// generateRequest is the Gemini-shaped inner request.
type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []toolDecl        `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SessionID         string            `json:"sessionId"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
	FunctionCall     *functionCall   `json:"functionCall,omitempty"`
	FunctionResponse *functionResp   `json:"functionResponse,omitempty"`
	InlineData       json.RawMessage `json:"inlineData,omitempty"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResp struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type toolDecl struct {
	FunctionDeclarations []json.RawMessage `json:"functionDeclarations"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// BuildPayload translates an Anthropic-shaped request into the wrapped Cloud
// Code payload for the given project.
func BuildPayload(req *claude.MessageRequest, project string) ([]byte, error) {
	inner, err := translateRequest(req)
	if err != nil {
		return nil, err
	}

	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	payload := Payload{
		Project:   project,
		Model:     req.Model,
		Request:   innerJSON,
		UserAgent: "antigravity",
		RequestID: "agent-" + uuid.NewString(),
	}

	return json.Marshal(payload)
}

func translateRequest(req *claude.MessageRequest) (*generateRequest, error) {
	out := &generateRequest{
		SessionID: SessionID(req),
	}

	if system := req.GetSystemString(); system != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	// functionCall ids are dropped on the wire; responses reference tools by
	// name, so remember the mapping while walking the conversation.
	toolNames := map[string]string{}

	for i := range req.Messages {
		msg := &req.Messages[i]
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []part
		for _, block := range msg.Blocks() {
			switch block.Type {
			case "text":
				if block.Text != "" {
					parts = append(parts, part{Text: block.Text})
				}
			case "thinking":
				parts = append(parts, part{
					Text:             block.Thinking,
					Thought:          true,
					ThoughtSignature: normalizeSignature(block.Signature),
				})
			case "tool_use":
				toolNames[block.ID] = block.Name
				parts = append(parts, part{FunctionCall: &functionCall{
					ID:   block.ID,
					Name: block.Name,
					Args: block.Input,
				}})
			case "tool_result":
				name := toolNames[block.ToolUseID]
				if name == "" {
					name = block.ToolUseID
				}
				parts = append(parts, part{FunctionResponse: &functionResp{
					ID:   block.ToolUseID,
					Name: name,
					Response: map[string]any{
						"output": toolResultText(block.Content),
					},
				}})
			}
		}

		if len(parts) > 0 {
			out.Contents = append(out.Contents, content{Role: role, Parts: parts})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]json.RawMessage, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decl, err := buildFunctionDeclaration(tool)
			if err != nil {
				return nil, err
			}
			decls = append(decls, decl)
		}
		out.Tools = []toolDecl{{FunctionDeclarations: decls}}
		out.ToolConfig = buildToolConfig(req.ToolChoice)
	}

	out.GenerationConfig = buildGenerationConfig(req)

	return out, nil
}

// SessionID derives a stable session id from the first user message so that
// retries and follow-up turns of the same conversation hit the same backend
// session. The format is a negative decimal string matching what the editor
// sends.
func SessionID(req *claude.MessageRequest) string {
	var seed string
	for i := range req.Messages {
		if req.Messages[i].Role == "user" {
			seed = req.Messages[i].GetContentString()
			break
		}
	}

	sum := sha256.Sum256([]byte(seed))
	n := int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
	return fmt.Sprintf("-%d", n)
}

func normalizeSignature(sig string) string {
	if len(sig) < MinValidSignatureLen {
		return SignatureSentinel
	}
	return sig
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}

	var out string
	for _, block := range gjson.ParseBytes(raw).Array() {
		if block.Get("type").String() == "text" {
			out += block.Get("text").String()
		}
	}
	return out
}

// buildFunctionDeclaration converts an Anthropic tool definition into a
// Gemini functionDeclaration, stripping JSON Schema keywords the backend
// rejects.
func buildFunctionDeclaration(tool claude.Tool) (json.RawMessage, error) {
	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	schema, _ = sjson.DeleteBytes(schema, `\$schema`)
	schema, _ = sjson.DeleteBytes(schema, "additionalProperties")

	decl, err := json.Marshal(map[string]any{
		"name":        tool.Name,
		"description": tool.Description,
		"parameters":  json.RawMessage(schema),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tool %q: %w", tool.Name, err)
	}
	return decl, nil
}

func buildToolConfig(choice *claude.ToolChoice) *toolConfig {
	cfg := &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "VALIDATED"}}
	if choice == nil {
		return cfg
	}
	switch choice.Type {
	case "any":
		cfg.FunctionCallingConfig.Mode = "ANY"
	case "tool":
		cfg.FunctionCallingConfig.Mode = "ANY"
		cfg.FunctionCallingConfig.AllowedFunctionNames = []string{choice.Name}
	}
	return cfg
}

func buildGenerationConfig(req *claude.MessageRequest) *generationConfig {
	cfg := &generationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSequences,
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = defaultMaxOutputTokens
	}

	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		cfg.ThinkingConfig = &thinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  req.Thinking.BudgetTokens,
		}
	} else if IsThinkingModel(req.Model) && FamilyOf(req.Model) == FamilyGemini {
		// Gemini 3+ always thinks; ask for the thoughts so streaming carries
		// them through.
		cfg.ThinkingConfig = &thinkingConfig{IncludeThoughts: true}
	}

	return cfg
}
