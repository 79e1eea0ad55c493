package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/domain"
	"github.com/xiaot623/localapi/internal/folding"
)

// Summarize folds the thread now and returns the new summary. A thread
// with nothing to fold keeps its current summary.
func (s *Service) Summarize(ctx context.Context, threadID string) (string, error) {
	if err := s.requireThread(ctx, threadID); err != nil {
		return "", err
	}
	summary, err := s.folder.Fold(ctx, threadID)
	if errors.Is(err, folding.ErrNothingToFold) {
		current, err := s.GetSummary(ctx, threadID)
		if err != nil {
			return "", err
		}
		return current.Content, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to summarize thread %s: %w", threadID, err)
	}
	return summary, nil
}

// maybeScheduleFold starts a background fold when the last added messages
// pushed the thread's message count across a multiple of
// SummarizeAfterMessages.
func (s *Service) maybeScheduleFold(ctx context.Context, threadID string, added int) {
	every := s.config.SummarizeAfterMessages
	if every <= 0 {
		return
	}
	count, err := s.store.CountThreadMessages(ctx, threadID)
	if err != nil {
		s.logger.Warn("failed to count thread messages", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	if count/every <= max(count-added, 0)/every {
		return
	}
	s.scheduleFold(threadID)
}

func (s *Service) scheduleFold(threadID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.FoldTimeout)
		defer cancel()
		if _, err := s.folder.Fold(ctx, threadID); err != nil && !errors.Is(err, folding.ErrNothingToFold) {
			s.logger.Warn("fold_failed", zap.String("thread_id", threadID), zap.Bool("background", true), zap.Error(err))
		}
	}()
}

func (s *Service) requireThread(ctx context.Context, threadID string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to get thread: %w", err)
	}
	if thread == nil {
		return fmt.Errorf("thread %s: %w", threadID, domain.ErrNotFound)
	}
	return nil
}
