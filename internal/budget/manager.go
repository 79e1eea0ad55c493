// Package budget assembles the prompt for a turn within a token budget.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/domain"
	"github.com/xiaot623/localapi/internal/folding"
	"github.com/xiaot623/localapi/internal/tokens"
)

const (
	DefaultSystemPrompt      = "You are a helpful assistant. Be concise."
	DefaultWindowTokens      = 8192
	DefaultPromptBudgetRatio = 0.75
	DefaultHysteresisTokens  = 256
	DefaultMaxMessages       = 20
	DefaultShrinkFactor      = 0.7

	previewRunes = 80
)

// Store is the persistence the manager reads.
type Store interface {
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]domain.Message, error)
	GetSummary(ctx context.Context, threadID string) (*domain.Summary, error)
	ListFacts(ctx context.Context) ([]domain.Fact, error)
}

// Folder folds a thread's history into its summary.
type Folder interface {
	Fold(ctx context.Context, threadID string) (string, error)
}

// Config tunes prompt assembly.
type Config struct {
	SystemPrompt      string
	WindowTokens      int
	PromptBudgetRatio float64
	HysteresisTokens  int
	MaxMessages       int
	ShrinkFactor      float64
}

// Budget is the token allowance for the prompt.
func (c Config) Budget() int {
	return int(float64(c.WindowTokens) * c.PromptBudgetRatio)
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.WindowTokens <= 0 {
		c.WindowTokens = DefaultWindowTokens
	}
	if c.PromptBudgetRatio <= 0 || c.PromptBudgetRatio > 1 {
		c.PromptBudgetRatio = DefaultPromptBudgetRatio
	}
	if c.HysteresisTokens < 0 {
		c.HysteresisTokens = 0
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = DefaultShrinkFactor
	}
	return c
}

// Request describes one assembly.
type Request struct {
	ThreadID string
	// Turn is the new user message, appended last and counted against the
	// budget. Nil for inspection.
	Turn *llm.ChatMessage
	// ExcludeMessageID drops an already stored copy of Turn from history.
	ExcludeMessageID string
	// NoFold reports the assembly without folding.
	NoFold bool
}

// Result is the assembled prompt and how it was reached.
type Result struct {
	Messages    []llm.ChatMessage
	Budget      int
	Used        int
	PreFoldUsed int
	K           int
	Folded      bool
	HasSummary  bool
	FactCount   int
	Breakdown   []domain.ContextEntry
}

// Manager builds bounded prompts: fold once when far over budget, then
// shrink the history window until the prompt fits or one message is left.
type Manager struct {
	cfg       Config
	store     Store
	folder    Folder
	estimator tokens.Estimator
	logger    *zap.Logger
}

// NewManager creates a manager. folder may be nil to disable folding.
func NewManager(store Store, folder Folder, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		store:     store,
		folder:    folder,
		estimator: tokens.NewEstimator(),
		logger:    logger,
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Build assembles the prompt for req.
func (m *Manager) Build(ctx context.Context, req Request) (*Result, error) {
	log := m.logger.With(zap.String("thread_id", req.ThreadID))
	budget := m.cfg.Budget()
	k := m.cfg.MaxMessages

	facts, err := m.store.ListFacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}
	summary, err := m.summary(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	history, err := m.history(ctx, req.ThreadID, k, req.ExcludeMessageID)
	if err != nil {
		return nil, err
	}

	res := &Result{Budget: budget, FactCount: len(facts)}
	msgs := m.assemble(facts, summary, history, k, req.Turn)
	used := tokens.Count(m.estimator, msgs)

	// Folding only helps when the history is what pushes the prompt over.
	limit := budget + m.cfg.HysteresisTokens
	if used > limit && m.folder != nil && !req.NoFold && m.fixedUsed(facts, summary, req.Turn) <= limit {
		res.PreFoldUsed = used
		prior := summary
		_, err := m.folder.Fold(ctx, req.ThreadID)
		switch {
		case errors.Is(err, folding.ErrNothingToFold):
		case err != nil:
			log.Warn("fold_failed", zap.Int("used", used), zap.Int("budget", budget), zap.Error(err))
		default:
			res.Folded = true
			if summary, err = m.summary(ctx, req.ThreadID); err != nil {
				return nil, err
			}
		}

		folded, foldedUsed, foldedK := m.shrink(facts, summary, history, k, req.Turn, budget)
		if res.Folded && foldedUsed > res.PreFoldUsed {
			// The new summary outweighs the history it replaced.
			summary = prior
			msgs, used, k = m.shrink(facts, prior, history, k, req.Turn, budget)
		} else {
			msgs, used, k = folded, foldedUsed, foldedK
		}
	} else {
		msgs, used, k = m.shrink(facts, summary, history, k, req.Turn, budget)
	}
	if used > budget {
		log.Debug("context over budget at minimum window", zap.Int("used", used), zap.Int("budget", budget))
	}

	res.Messages = msgs
	res.Used = used
	res.K = k
	res.HasSummary = summary != ""
	res.Breakdown = m.breakdown(msgs)
	return res, nil
}

// shrink narrows the history window by ShrinkFactor until the prompt fits
// the budget or a single message is left.
func (m *Manager) shrink(facts []domain.Fact, summary string, history []domain.Message, k int, turn *llm.ChatMessage, budget int) ([]llm.ChatMessage, int, int) {
	msgs := m.assemble(facts, summary, history, k, turn)
	used := tokens.Count(m.estimator, msgs)
	for used > budget && k > 1 {
		k = max(1, int(math.Floor(float64(k)*m.cfg.ShrinkFactor)))
		msgs = m.assemble(facts, summary, history, k, turn)
		used = tokens.Count(m.estimator, msgs)
	}
	return msgs, used, k
}

// fixedUsed counts the prompt without any history.
func (m *Manager) fixedUsed(facts []domain.Fact, summary string, turn *llm.ChatMessage) int {
	return tokens.Count(m.estimator, m.assemble(facts, summary, nil, 0, turn))
}

// Report renders a result for the debug endpoint.
func (m *Manager) Report(threadID string, res *Result) *domain.ContextReport {
	return &domain.ContextReport{
		ThreadID:     threadID,
		WindowTokens: m.cfg.WindowTokens,
		Budget:       res.Budget,
		Used:         res.Used,
		Remaining:    max(0, res.Budget-res.Used),
		PreFoldUsed:  res.PreFoldUsed,
		K:            res.K,
		Folded:       res.Folded,
		HasSummary:   res.HasSummary,
		FactCount:    res.FactCount,
		Messages:     res.Breakdown,
	}
}

func (m *Manager) summary(ctx context.Context, threadID string) (string, error) {
	s, err := m.store.GetSummary(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("failed to load summary: %w", err)
	}
	if s == nil {
		return "", nil
	}
	return s.Content, nil
}

// history loads up to k replayable messages, oldest first.
func (m *Manager) history(ctx context.Context, threadID string, k int, exclude string) ([]domain.Message, error) {
	limit := k
	if exclude != "" {
		limit++
	}
	stored, err := m.store.GetThreadMessages(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	out := make([]domain.Message, 0, len(stored))
	for _, msg := range stored {
		if msg.MessageID == exclude && exclude != "" {
			continue
		}
		if msg.Role == domain.RoleTool {
			continue
		}
		out = append(out, msg)
	}
	if len(out) > k {
		out = out[len(out)-k:]
	}
	return out, nil
}

func (m *Manager) assemble(facts []domain.Fact, summary string, history []domain.Message, k int, turn *llm.ChatMessage) []llm.ChatMessage {
	msgs := make([]llm.ChatMessage, 0, k+4)
	msgs = append(msgs, llm.ChatMessage{Role: domain.RoleSystem, Content: domain.TextContent(m.cfg.SystemPrompt)})

	if len(facts) > 0 {
		pairs := make([]string, len(facts))
		for i, f := range facts {
			pairs[i] = f.Key + " = " + f.Value
		}
		msgs = append(msgs, llm.ChatMessage{
			Role:    domain.RoleSystem,
			Content: domain.TextContent("Known facts about the user: " + strings.Join(pairs, "; ")),
		})
	}
	if summary != "" {
		msgs = append(msgs, llm.ChatMessage{Role: domain.RoleSystem, Content: domain.TextContent("Thread summary: " + summary)})
	}

	if len(history) > k {
		history = history[len(history)-k:]
	}
	for _, h := range history {
		msgs = append(msgs, llm.ChatMessage{Role: h.Role, Content: h.Content})
	}
	if turn != nil {
		msgs = append(msgs, *turn)
	}
	return msgs
}

func (m *Manager) breakdown(msgs []llm.ChatMessage) []domain.ContextEntry {
	entries := make([]domain.ContextEntry, len(msgs))
	for i, msg := range msgs {
		entries[i] = domain.ContextEntry{
			Index:   i,
			Role:    msg.Role,
			Tokens:  m.estimator.Message(msg.TokenContent()),
			Preview: msg.Content.Preview(previewRunes),
		}
	}
	return entries
}
