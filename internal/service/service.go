// Package service runs conversational turns: thread resolution, prompt
// assembly, the backend call with at most one tool hop, and persistence.
package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/budget"
	"github.com/xiaot623/localapi/internal/config"
	"github.com/xiaot623/localapi/internal/facts"
	"github.com/xiaot623/localapi/internal/folding"
	"github.com/xiaot623/localapi/internal/repository"
	"github.com/xiaot623/localapi/internal/tools"
)

type Service struct {
	store       repository.Store
	llmClient   llm.LLMClient
	registry    *tools.Registry
	interceptor *ToolCallInterceptor
	budget      *budget.Manager
	folder      *folding.Engine
	facts       *facts.Extractor
	config      *config.Config
	logger      *zap.Logger
	locks       *threadLocks

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func New(store repository.Store, llmClient llm.LLMClient, registry *tools.Registry, policyEngine PolicyEvaluator, cfg *config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	folder := folding.NewEngine(store, llmClient, folding.Config{
		WindowMessages: cfg.FoldWindowMessages,
		MaxChars:       cfg.SummaryMaxChars,
		Model:          cfg.LLMModel,
	}, logger.Named("folding"))

	return &Service{
		store:       store,
		llmClient:   llmClient,
		registry:    registry,
		interceptor: NewToolCallInterceptor(registry, policyEngine, cfg.ToolTimeout, logger.Named("tools")),
		budget: budget.NewManager(store, folder, budget.Config{
			SystemPrompt:      cfg.SystemPrompt,
			WindowTokens:      cfg.ContextWindowTokens,
			PromptBudgetRatio: cfg.PromptBudgetRatio,
			HysteresisTokens:  cfg.HysteresisTokens,
			MaxMessages:       cfg.MaxContextMessages,
		}, logger.Named("budget")),
		folder: folder,
		facts:  facts.NewExtractor(store, logger.Named("facts")),
		config: cfg,
		logger: logger,
		locks:  newThreadLocks(),
	}
}

// Close waits for background folds. Turns started after Close do not
// schedule new folds.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pending.Wait()
}
