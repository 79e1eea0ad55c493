package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/budget"
	"github.com/xiaot623/localapi/internal/domain"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 500
)

// GetResponse returns a response with its output text.
func (s *Service) GetResponse(ctx context.Context, responseID string) (*domain.ResponseDetail, error) {
	detail, err := s.store.GetResponseDetail(ctx, responseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	if detail == nil {
		return nil, fmt.Errorf("response %s: %w", responseID, domain.ErrNotFound)
	}
	return detail, nil
}

// GetThreadMessages returns up to limit of the thread's latest messages,
// oldest first. limit is clamped to 1..MaxMessageLimit.
func (s *Service) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]domain.Message, error) {
	if err := s.requireThread(ctx, threadID); err != nil {
		return nil, err
	}
	limit = min(max(limit, 1), MaxMessageLimit)
	msgs, err := s.store.GetThreadMessages(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// GetSummary returns the thread summary; Content is empty when the thread
// was never folded.
func (s *Service) GetSummary(ctx context.Context, threadID string) (*domain.Summary, error) {
	if err := s.requireThread(ctx, threadID); err != nil {
		return nil, err
	}
	summary, err := s.store.GetSummary(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	if summary == nil {
		return &domain.Summary{ThreadID: threadID}, nil
	}
	return summary, nil
}

// InspectContext reports how the next prompt for the thread would be
// assembled, without folding.
func (s *Service) InspectContext(ctx context.Context, threadID string) (*domain.ContextReport, error) {
	if err := s.requireThread(ctx, threadID); err != nil {
		return nil, err
	}
	res, err := s.budget.Build(ctx, budget.Request{ThreadID: threadID, NoFold: true})
	if err != nil {
		return nil, fmt.Errorf("failed to build context: %w", err)
	}
	return s.budget.Report(threadID, res), nil
}

// ListModels lists the chat backend's models.
func (s *Service) ListModels(ctx context.Context) ([]llm.Model, error) {
	models, err := s.llmClient.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return models, nil
}

// ToolNames lists the registered tools.
func (s *Service) ToolNames() []string {
	return s.registry.Names()
}
