package cloudcode

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
)

func simpleRequest(model, text string) *claude.MessageRequest {
	return &claude.MessageRequest{
		Model: model,
		Messages: []claude.Message{
			{Role: "user", Content: json.RawMessage(`"` + text + `"`)},
		},
	}
}

func TestBuildPayloadShape(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5", "hello")
	req.MaxTokens = 1024

	payload, err := BuildPayload(req, "my-project")
	require.NoError(t, err)

	root := gjson.ParseBytes(payload)
	assert.Equal(t, "my-project", root.Get("project").String())
	assert.Equal(t, "claude-sonnet-4-5", root.Get("model").String())
	assert.Equal(t, "antigravity", root.Get("userAgent").String())
	assert.True(t, strings.HasPrefix(root.Get("requestId").String(), "agent-"))

	inner := root.Get("request")
	assert.Equal(t, "user", inner.Get("contents.0.role").String())
	assert.Equal(t, "hello", inner.Get("contents.0.parts.0.text").String())
	assert.Equal(t, int64(1024), inner.Get("generationConfig.maxOutputTokens").Int())
	assert.True(t, strings.HasPrefix(inner.Get("sessionId").String(), "-"))
}

func TestSessionIDStableAcrossRetries(t *testing.T) {
	first := SessionID(simpleRequest("m", "same question"))
	second := SessionID(simpleRequest("m", "same question"))
	other := SessionID(simpleRequest("m", "different question"))

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.True(t, strings.HasPrefix(first, "-"))
}

func TestSessionIDUsesFirstUserMessage(t *testing.T) {
	multi := &claude.MessageRequest{
		Model: "m",
		Messages: []claude.Message{
			{Role: "user", Content: json.RawMessage(`"first"`)},
			{Role: "assistant", Content: json.RawMessage(`"reply"`)},
			{Role: "user", Content: json.RawMessage(`"second"`)},
		},
	}

	assert.Equal(t, SessionID(simpleRequest("m", "first")), SessionID(multi))
}

func TestTranslateSystemPrompt(t *testing.T) {
	req := simpleRequest("m", "hi")
	req.System = json.RawMessage(`"be helpful"`)

	payload, err := BuildPayload(req, "p")
	require.NoError(t, err)

	inner := gjson.GetBytes(payload, "request")
	assert.Equal(t, "be helpful", inner.Get("systemInstruction.parts.0.text").String())
}

func TestTranslateAssistantRole(t *testing.T) {
	req := &claude.MessageRequest{
		Model: "m",
		Messages: []claude.Message{
			{Role: "user", Content: json.RawMessage(`"q"`)},
			{Role: "assistant", Content: json.RawMessage(`"a"`)},
		},
	}

	payload, err := BuildPayload(req, "p")
	require.NoError(t, err)

	inner := gjson.GetBytes(payload, "request")
	assert.Equal(t, "model", inner.Get("contents.1.role").String())
}

func TestTranslateToolsAndToolChoice(t *testing.T) {
	req := simpleRequest("m", "weather?")
	req.Tools = []claude.Tool{{
		Name:        "get_weather",
		Description: "Look up weather",
		InputSchema: json.RawMessage(`{"$schema":"http://json-schema.org/draft-07/schema#","type":"object","properties":{"city":{"type":"string"}},"additionalProperties":false}`),
	}}
	req.ToolChoice = &claude.ToolChoice{Type: "tool", Name: "get_weather"}

	payload, err := BuildPayload(req, "p")
	require.NoError(t, err)

	inner := gjson.GetBytes(payload, "request")
	decl := inner.Get("tools.0.functionDeclarations.0")
	assert.Equal(t, "get_weather", decl.Get("name").String())
	assert.False(t, decl.Get("parameters.\\$schema").Exists())
	assert.False(t, decl.Get("parameters.additionalProperties").Exists())
	assert.Equal(t, "string", decl.Get("parameters.properties.city.type").String())

	fcc := inner.Get("toolConfig.functionCallingConfig")
	assert.Equal(t, "ANY", fcc.Get("mode").String())
	assert.Equal(t, "get_weather", fcc.Get("allowedFunctionNames.0").String())
}

func TestTranslateToolUseAndResult(t *testing.T) {
	req := &claude.MessageRequest{
		Model: "m",
		Messages: []claude.Message{
			{Role: "user", Content: json.RawMessage(`"weather in Oslo?"`)},
			{Role: "assistant", Content: json.RawMessage(`[{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Oslo"}}]`)},
			{Role: "user", Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"toolu_1","content":"12C, cloudy"}]`)},
		},
	}

	payload, err := BuildPayload(req, "p")
	require.NoError(t, err)

	inner := gjson.GetBytes(payload, "request")
	call := inner.Get("contents.1.parts.0.functionCall")
	assert.Equal(t, "get_weather", call.Get("name").String())
	assert.Equal(t, "Oslo", call.Get("args.city").String())

	result := inner.Get("contents.2.parts.0.functionResponse")
	assert.Equal(t, "get_weather", result.Get("name").String())
	assert.Equal(t, "12C, cloudy", result.Get("response.output").String())
}

func TestTranslateThinkingBlocks(t *testing.T) {
	longSig := strings.Repeat("x", 64)
	req := &claude.MessageRequest{
		Model: "claude-opus-4-5-thinking",
		Messages: []claude.Message{
			{Role: "user", Content: json.RawMessage(`"q"`)},
			{Role: "assistant", Content: json.RawMessage(`[{"type":"thinking","thinking":"let me think","signature":"` + longSig + `"},{"type":"text","text":"answer"}]`)},
		},
	}

	payload, err := BuildPayload(req, "p")
	require.NoError(t, err)

	parts := gjson.GetBytes(payload, "request.contents.1.parts")
	assert.True(t, parts.Get("0.thought").Bool())
	assert.Equal(t, "let me think", parts.Get("0.text").String())
	assert.Equal(t, longSig, parts.Get("0.thoughtSignature").String())
	assert.Equal(t, "answer", parts.Get("1.text").String())
}

func TestShortSignatureReplacedWithSentinel(t *testing.T) {
	req := &claude.MessageRequest{
		Model: "gemini-3-pro-high",
		Messages: []claude.Message{
			{Role: "user", Content: json.RawMessage(`"q"`)},
			{Role: "assistant", Content: json.RawMessage(`[{"type":"thinking","thinking":"hmm","signature":"short"}]`)},
		},
	}

	payload, err := BuildPayload(req, "p")
	require.NoError(t, err)

	sig := gjson.GetBytes(payload, "request.contents.1.parts.0.thoughtSignature").String()
	assert.Equal(t, SignatureSentinel, sig)
}

func TestThinkingConfigFromRequest(t *testing.T) {
	req := simpleRequest("claude-opus-4-5-thinking", "q")
	req.Thinking = &claude.ThinkingConfig{Type: "enabled", BudgetTokens: 8000}

	payload, err := BuildPayload(req, "p")
	require.NoError(t, err)

	tc := gjson.GetBytes(payload, "request.generationConfig.thinkingConfig")
	assert.True(t, tc.Get("includeThoughts").Bool())
	assert.Equal(t, int64(8000), tc.Get("thinkingBudget").Int())
}

func TestGemini3AlwaysRequestsThoughts(t *testing.T) {
	payload, err := BuildPayload(simpleRequest("gemini-3-pro-high", "q"), "p")
	require.NoError(t, err)

	tc := gjson.GetBytes(payload, "request.generationConfig.thinkingConfig")
	assert.True(t, tc.Get("includeThoughts").Bool())
}
