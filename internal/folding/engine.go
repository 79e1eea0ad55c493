// Package folding compresses a thread's history into a bounded summary.
package folding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/domain"
)

const (
	DefaultWindowMessages = 200
	DefaultMaxChars       = 1000
	defaultMaxTokens      = 400

	ellipsis = "…"
)

// ErrNothingToFold is returned when the thread has no replayable messages.
// The stored summary is left untouched and no backend call is made.
var ErrNothingToFold = errors.New("nothing to fold")

// Store is the persistence the engine needs.
type Store interface {
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]domain.Message, error)
	GetSummary(ctx context.Context, threadID string) (*domain.Summary, error)
	UpsertSummary(ctx context.Context, threadID, content string) error
}

// Config tunes the engine.
type Config struct {
	WindowMessages int
	MaxChars       int
	Model          string
}

// Engine folds threads. Concurrent folds of one thread share a single
// backend call.
type Engine struct {
	store  Store
	client llm.LLMClient
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group
}

// NewEngine creates a folding engine.
func NewEngine(store Store, client llm.LLMClient, cfg Config, logger *zap.Logger) *Engine {
	if cfg.WindowMessages <= 0 {
		cfg.WindowMessages = DefaultWindowMessages
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, client: client, cfg: cfg, logger: logger}
}

// Fold summarizes the thread and replaces its summary. On failure the
// prior summary is left as is and the error is returned.
func (e *Engine) Fold(ctx context.Context, threadID string) (string, error) {
	v, err, _ := e.group.Do(threadID, func() (interface{}, error) {
		return e.fold(ctx, threadID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Engine) fold(ctx context.Context, threadID string) (string, error) {
	start := time.Now()
	log := e.logger.With(zap.String("thread_id", threadID))

	messages, err := e.store.GetThreadMessages(ctx, threadID, e.cfg.WindowMessages)
	if err != nil {
		return "", fmt.Errorf("failed to load messages: %w", err)
	}
	transcript := Transcript(messages)
	if transcript == "" {
		return "", ErrNothingToFold
	}
	prior, err := e.store.GetSummary(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("failed to load summary: %w", err)
	}

	temperature := 0.0
	maxTokens := defaultMaxTokens
	resp, err := e.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model:       e.cfg.Model,
		Messages:    e.prompt(prior, transcript),
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		log.Warn("fold_failed", zap.Error(err))
		return "", fmt.Errorf("summarize thread: %w", err)
	}

	summary := Truncate(resp.Text(), e.cfg.MaxChars)
	if summary == "" {
		log.Warn("fold_failed", zap.String("reason", "empty summary"))
		return "", fmt.Errorf("summarize thread: backend returned an empty summary")
	}
	if err := e.store.UpsertSummary(ctx, threadID, summary); err != nil {
		return "", fmt.Errorf("failed to store summary: %w", err)
	}

	log.Info("fold",
		zap.Int("messages", len(messages)),
		zap.Int("summary_chars", len([]rune(summary))),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()))
	return summary, nil
}

func (e *Engine) prompt(prior *domain.Summary, transcript string) []llm.ChatMessage {
	instruction := fmt.Sprintf("Summarize the conversation below for your own future reference. "+
		"Use short sections, omitting empty ones: Facts, Tasks, Files, Open questions. "+
		"Stay under %d characters. Reply with the summary only.", e.cfg.MaxChars)

	var b strings.Builder
	if prior != nil && prior.Content != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(prior.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	b.WriteString(transcript)

	return []llm.ChatMessage{
		{Role: domain.RoleSystem, Content: domain.TextContent(instruction)},
		{Role: domain.RoleUser, Content: domain.TextContent(b.String())},
	}
}

// Transcript renders messages as "{role}: {content}" lines. Tool messages
// are skipped.
func Transcript(messages []domain.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleTool {
			continue
		}
		text := strings.TrimSpace(m.Content.PlainText())
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, text))
	}
	return strings.Join(lines, "\n")
}

// Truncate trims s and caps it at maxChars runes, ending in an ellipsis
// when cut.
func Truncate(s string, maxChars int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars-1]) + ellipsis
}
