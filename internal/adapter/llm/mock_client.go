package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/localapi/internal/domain"
	"github.com/xiaot623/localapi/internal/tokens"
)

// MockClient answers without a backend. It echoes the last user message.
type MockClient struct {
	estimator tokens.Estimator
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{estimator: tokens.NewEstimator()}
}

// Ensure MockClient implements LLMClient interface.
var _ LLMClient = (*MockClient)(nil)

// CreateChatCompletion returns a mock response.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	responseContent := m.generateMockResponse(req)

	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChatMessage{
					Role:    domain.RoleAssistant,
					Content: domain.TextContent(responseContent),
				},
				FinishReason: "stop",
			},
		},
		Usage:             m.usage(req, responseContent),
		SystemFingerprint: "mock-fp",
	}, nil
}

// CreateChatCompletionStream simulates a streaming response.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	responseContent := m.generateMockResponse(req)
	id := fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()

	chunks := splitIntoChunks(responseContent, 10)
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		finishReason := ""
		if i == len(chunks)-1 {
			finishReason = "stop"
		}

		streamChunk := &StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []Choice{
				{
					Index: 0,
					Delta: &ChatMessage{
						Role:    domain.RoleAssistant,
						Content: domain.TextContent(chunk),
					},
					FinishReason: finishReason,
				},
			},
			SystemFingerprint: "mock-fp",
		}

		if err := callback(streamChunk); err != nil {
			return nil, err
		}
	}

	return m.usage(req, responseContent), nil
}

// ListModels returns a list of mock models.
func (m *MockClient) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{
		{ID: "mock-chat", Object: "model", Created: time.Now().Unix(), OwnedBy: "mock"},
		{ID: "mock-vision", Object: "model", Created: time.Now().Unix(), OwnedBy: "mock"},
	}, nil
}

func (m *MockClient) generateMockResponse(req *ChatCompletionRequest) string {
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			lastUserMessage = req.Messages[i].Content.PlainText()
			break
		}
	}

	if lastUserMessage == "" {
		return "[MOCK] This is a mock response from the LLM client."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

func (m *MockClient) usage(req *ChatCompletionRequest, completion string) *Usage {
	prompt := tokens.Count(m.estimator, req.Messages)
	comp := m.estimator.Text(completion)
	return &Usage{PromptTokens: prompt, CompletionTokens: comp, TotalTokens: prompt + comp}
}

func splitIntoChunks(s string, chunkSize int) []string {
	r := []rune(s)
	if len(r) == 0 {
		return []string{""}
	}
	var chunks []string
	for i := 0; i < len(r); i += chunkSize {
		chunks = append(chunks, string(r[i:min(i+chunkSize, len(r))]))
	}
	return chunks
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
