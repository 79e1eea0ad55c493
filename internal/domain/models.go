package domain

import "time"

// Thread is a conversation.
type Thread struct {
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is an immutable entry in a thread's history.
type Message struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenContent exposes the content for token estimation.
func (m Message) TokenContent() Content {
	return m.Content
}

// Summary is the folded form of a thread's older history.
type Summary struct {
	ThreadID  string    `json:"thread_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fact is a durable key/value about the user.
type Fact struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usage is token accounting for one turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a usage whose total is prompt + completion.
// Negative inputs are clamped to zero.
func NewUsage(prompt, completion int) Usage {
	prompt = max(prompt, 0)
	completion = max(completion, 0)
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Response records the outcome of one turn.
type Response struct {
	ResponseID       string         `json:"response_id"`
	ThreadID         string         `json:"thread_id"`
	RequestMessageID string         `json:"request_message_id,omitempty"`
	OutputMessageID  string         `json:"output_message_id,omitempty"`
	Status           ResponseStatus `json:"status"`
	Usage            Usage          `json:"usage"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ResponseDetail is a response joined with its output text.
type ResponseDetail struct {
	ResponseID string         `json:"response_id"`
	ThreadID   string         `json:"thread_id"`
	Status     ResponseStatus `json:"status"`
	OutputText string         `json:"output_text"`
	Usage      Usage          `json:"usage"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ContextEntry describes one message of an assembled prompt.
type ContextEntry struct {
	Index   int    `json:"index"`
	Role    Role   `json:"role"`
	Tokens  int    `json:"tokens"`
	Preview string `json:"preview"`
}

// ContextReport is the debug view of a thread's prompt assembly.
type ContextReport struct {
	ThreadID     string         `json:"thread_id"`
	WindowTokens int            `json:"window_tokens"`
	Budget       int            `json:"budget"`
	Used         int            `json:"used"`
	Remaining    int            `json:"remaining"`
	PreFoldUsed  int            `json:"pre_fold_used,omitempty"`
	K            int            `json:"k"`
	Folded       bool           `json:"folded"`
	HasSummary   bool           `json:"has_summary"`
	FactCount    int            `json:"fact_count"`
	Messages     []ContextEntry `json:"messages"`
}
