package helpers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/domain"
)

// ErrScriptExhausted is returned when a ScriptedLLM runs out of replies.
var ErrScriptExhausted = errors.New("scripted llm: no reply queued")

// Reply is one scripted backend answer.
type Reply struct {
	Text      string
	ToolCalls []llm.ToolCall
	Usage     *llm.Usage
	// Err fails the call before anything is produced.
	Err error
	// Chunks overrides how Text is split when streamed.
	Chunks []string
	// StreamErr fails a stream after all chunks were delivered.
	StreamErr error
}

// TextReply answers with plain text.
func TextReply(text string) Reply {
	return Reply{Text: text}
}

// ToolCallReply asks for one tool call.
func ToolCallReply(name, arguments string) Reply {
	return Reply{ToolCalls: []llm.ToolCall{{
		ID:       "call_test",
		Type:     "function",
		Function: llm.ToolCallFunction{Name: name, Arguments: llm.Arguments(arguments)},
	}}}
}

// ErrorReply fails the call.
func ErrorReply(err error) Reply {
	return Reply{Err: err}
}

// ScriptedLLM is an llm.LLMClient that replays queued replies and records
// every request it receives.
type ScriptedLLM struct {
	mu       sync.Mutex
	replies  []Reply
	requests []llm.ChatCompletionRequest

	// Route, when set, answers requests it recognizes before the queue is
	// consulted.
	Route func(req *llm.ChatCompletionRequest) (Reply, bool)
}

var _ llm.LLMClient = (*ScriptedLLM)(nil)

// NewScriptedLLM queues replies in order.
func NewScriptedLLM(replies ...Reply) *ScriptedLLM {
	return &ScriptedLLM{replies: replies}
}

// Push queues more replies.
func (s *ScriptedLLM) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Calls returns how many requests were made.
func (s *ScriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the recorded requests.
func (s *ScriptedLLM) Requests() []llm.ChatCompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.ChatCompletionRequest(nil), s.requests...)
}

func (s *ScriptedLLM) next(req *llm.ChatCompletionRequest) Reply {
	s.mu.Lock()
	cp := *req
	cp.Messages = append([]llm.ChatMessage(nil), req.Messages...)
	s.requests = append(s.requests, cp)
	route := s.Route
	s.mu.Unlock()

	if route != nil {
		if r, ok := route(req); ok {
			return r
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return Reply{Err: ErrScriptExhausted}
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r
}

func (r Reply) usage() *llm.Usage {
	if r.Usage != nil {
		u := *r.Usage
		return &u
	}
	return &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
}

// CreateChatCompletion implements llm.LLMClient.
func (s *ScriptedLLM) CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	r := s.next(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.ChatCompletionResponse{
		ID:     fmt.Sprintf("scripted-%d", s.Calls()),
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []llm.Choice{{
			Message: &llm.ChatMessage{
				Role:      domain.RoleAssistant,
				Content:   domain.TextContent(r.Text),
				ToolCalls: r.ToolCalls,
			},
			FinishReason: "stop",
		}},
		Usage: r.usage(),
	}, nil
}

// CreateChatCompletionStream implements llm.LLMClient.
func (s *ScriptedLLM) CreateChatCompletionStream(ctx context.Context, req *llm.ChatCompletionRequest, callback llm.StreamCallback) (*llm.Usage, error) {
	r := s.next(req)
	if r.Err != nil {
		return nil, r.Err
	}
	chunks := r.Chunks
	if chunks == nil && r.Text != "" {
		chunks = []string{r.Text}
	}
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := &llm.StreamChunk{Choices: []llm.Choice{{
			Delta: &llm.ChatMessage{Role: domain.RoleAssistant, Content: domain.TextContent(c)},
		}}}
		if err := callback(chunk); err != nil {
			return nil, err
		}
	}
	for i, tc := range r.ToolCalls {
		idx := i
		tc.Index = &idx
		chunk := &llm.StreamChunk{Choices: []llm.Choice{{
			Delta: &llm.ChatMessage{Role: domain.RoleAssistant, ToolCalls: []llm.ToolCall{tc}},
		}}}
		if err := callback(chunk); err != nil {
			return nil, err
		}
	}
	if r.StreamErr != nil {
		return r.usage(), r.StreamErr
	}
	return r.usage(), nil
}

// ListModels implements llm.LLMClient.
func (s *ScriptedLLM) ListModels(ctx context.Context) ([]llm.Model, error) {
	return []llm.Model{{ID: "scripted", Object: "model", OwnedBy: "test"}}, nil
}
