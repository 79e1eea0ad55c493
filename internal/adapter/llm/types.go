package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/xiaot623/localapi/internal/domain"
)

// ChatCompletionRequest represents the OpenAI chat completion request.
type ChatCompletionRequest struct {
	Model          string                 `json:"model"`
	Messages       []ChatMessage          `json:"messages"`
	Temperature    *float64               `json:"temperature,omitempty"`
	MaxTokens      *int                   `json:"max_tokens,omitempty"`
	Stream         bool                   `json:"stream,omitempty"`
	StreamOptions  *StreamOptions         `json:"stream_options,omitempty"`
	TopP           *float64               `json:"top_p,omitempty"`
	Stop           interface{}            `json:"stop,omitempty"`
	Tools          []Tool                 `json:"tools,omitempty"`
	ToolChoice     interface{}            `json:"tool_choice,omitempty"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

// StreamOptions asks the backend for a trailing usage chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatMessage represents a chat message.
type ChatMessage struct {
	Role       domain.Role    `json:"role"`
	Content    domain.Content `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// TokenContent exposes the content for token estimation. Tool call
// arguments count as content.
func (m ChatMessage) TokenContent() domain.Content {
	if len(m.ToolCalls) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content.PlainText())
	for _, tc := range m.ToolCalls {
		b.WriteString(tc.Function.Name)
		b.WriteString(string(tc.Function.Arguments))
	}
	return domain.TextContent(b.String())
}

// FirstToolCall returns the first tool call of the message, if any.
func (m *ChatMessage) FirstToolCall() (ToolCall, bool) {
	if m == nil || len(m.ToolCalls) == 0 {
		return ToolCall{}, false
	}
	return m.ToolCalls[0], true
}

// Tool represents a tool definition.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction represents a function definition.
type ToolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

// ToolCall represents a tool call from the assistant. Index is only set on
// streamed deltas.
type ToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction represents the function in a tool call.
type ToolCallFunction struct {
	Name      string    `json:"name,omitempty"`
	Arguments Arguments `json:"arguments"`
}

// Arguments is the raw JSON text of tool call arguments. OpenAI sends it as
// a JSON string; some local backends send a bare object. Both decode.
type Arguments string

// MarshalJSON always emits a JSON string.
func (a Arguments) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Arguments) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*a = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Arguments(s)
	default:
		*a = Arguments(data)
	}
	return nil
}

// Map decodes the arguments as a JSON object. Empty or malformed
// arguments yield an empty map and ok=false for malformed input.
func (a Arguments) Map() (args map[string]any, ok bool) {
	if strings.TrimSpace(string(a)) == "" {
		return map[string]any{}, true
	}
	if err := json.Unmarshal([]byte(a), &args); err != nil || args == nil {
		return map[string]any{}, false
	}
	return args, true
}

// ChatCompletionResponse represents the OpenAI chat completion response.
type ChatCompletionResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// FirstMessage returns the message of the first choice.
func (r *ChatCompletionResponse) FirstMessage() (*ChatMessage, bool) {
	if r == nil || len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return nil, false
	}
	return r.Choices[0].Message, true
}

// Text returns the first choice's text, or "".
func (r *ChatCompletionResponse) Text() string {
	if m, ok := r.FirstMessage(); ok {
		return m.Content.PlainText()
	}
	return ""
}

// Choice represents a completion choice.
type Choice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Domain converts to the domain usage. A nil usage is zero.
func (u *Usage) Domain() domain.Usage {
	if u == nil {
		return domain.Usage{}
	}
	out := domain.NewUsage(u.PromptTokens, u.CompletionTokens)
	if u.TotalTokens > 0 {
		out.TotalTokens = u.TotalTokens
	}
	return out
}

func (u *Usage) empty() bool {
	return u == nil || (u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0)
}

// StreamChunk represents a single SSE chunk from the stream.
type StreamChunk struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Text returns the incremental text of the first choice: its delta content,
// or the message content for backends that send a terminal message.
func (c *StreamChunk) Text() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	ch := c.Choices[0]
	if ch.Delta != nil {
		return ch.Delta.Content.PlainText()
	}
	if ch.Message != nil {
		return ch.Message.Content.PlainText()
	}
	return ""
}

// ToolCallDeltas returns the tool call fragments of the first choice.
func (c *StreamChunk) ToolCallDeltas() []ToolCall {
	if c == nil || len(c.Choices) == 0 {
		return nil
	}
	ch := c.Choices[0]
	if ch.Delta != nil {
		return ch.Delta.ToolCalls
	}
	if ch.Message != nil {
		return ch.Message.ToolCalls
	}
	return nil
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError represents the error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// Model represents a model from the models list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse represents the response from /models.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
