package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/budget"
	"github.com/xiaot623/localapi/internal/domain"
)

// turn is the state shared by the steps of one conversational turn.
type turn struct {
	traceID  string
	threadID string
	store    bool
	// userMsg is nil when the turn is not stored.
	userMsg *domain.Message
	prompt  []llm.ChatMessage
	log     *zap.Logger
	unlock  func()
}

// Respond runs one non-streaming turn.
func (s *Service) Respond(ctx context.Context, req domain.TurnRequest) (*domain.TurnResult, error) {
	t, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer t.unlock()

	text, usage, err := s.generate(ctx, t)
	if err != nil {
		t.log.Error("turn failed", zap.Error(err))
		return nil, &domain.TurnError{Kind: domain.TurnErrorBackend, TraceID: t.traceID, Err: err}
	}

	responseID := domain.NewResponseID()
	if err := s.finish(ctx, t, responseID, text, usage); err != nil {
		t.log.Error("failed to persist turn", zap.String("response_id", responseID), zap.Error(err))
		// Only hand out an id the client can poll.
		if !s.fail(t, responseID, usage, err) {
			responseID = ""
		}
		return nil, &domain.TurnError{Kind: domain.TurnErrorPersistence, TraceID: t.traceID, ResponseID: responseID, Err: err}
	}

	return &domain.TurnResult{
		ResponseID: responseID,
		ThreadID:   t.threadID,
		OutputText: text,
		Status:     domain.ResponseStatusCompleted,
		Usage:      usage,
	}, nil
}

// begin validates the request, resolves and locks the thread, records the
// user message and assembles the prompt. The caller must call t.unlock.
func (s *Service) begin(ctx context.Context, req domain.TurnRequest) (*turn, error) {
	traceID := domain.NewTraceID()
	log := s.logger.With(zap.String("trace_id", traceID))

	if err := req.Validate(); err != nil {
		return nil, &domain.TurnError{Kind: domain.TurnErrorInvalid, TraceID: traceID, Err: err}
	}
	persistErr := func(err error) error {
		log.Error("turn setup failed", zap.Error(err))
		return &domain.TurnError{Kind: domain.TurnErrorPersistence, TraceID: traceID, Err: err}
	}

	threadID, err := s.store.ResolveThread(ctx, req.PreviousResponseID, req.ThreadID)
	if err != nil {
		return nil, persistErr(fmt.Errorf("failed to resolve thread: %w", err))
	}
	log = log.With(zap.String("thread_id", threadID))

	unlock, err := s.locks.Lock(ctx, threadID)
	if err != nil {
		return nil, &domain.TurnError{Kind: domain.TurnErrorBackend, TraceID: traceID, Err: err}
	}

	t := &turn{traceID: traceID, threadID: threadID, store: req.ShouldStore(), log: log, unlock: unlock}
	if err := s.prepare(ctx, t, req); err != nil {
		unlock()
		return nil, persistErr(err)
	}
	return t, nil
}

func (s *Service) prepare(ctx context.Context, t *turn, req domain.TurnRequest) error {
	if req.InputText != "" {
		s.facts.Extract(ctx, req.InputText)
	}

	content := req.Content()
	exclude := ""
	if t.store {
		t.userMsg = &domain.Message{
			MessageID: domain.NewMessageID(),
			ThreadID:  t.threadID,
			Role:      domain.RoleUser,
			Content:   content,
		}
		if err := s.store.InsertMessage(ctx, t.userMsg); err != nil {
			return fmt.Errorf("failed to store user message: %w", err)
		}
		exclude = t.userMsg.MessageID
	}

	res, err := s.budget.Build(ctx, budget.Request{
		ThreadID:         t.threadID,
		Turn:             &llm.ChatMessage{Role: domain.RoleUser, Content: content},
		ExcludeMessageID: exclude,
	})
	if err != nil {
		return fmt.Errorf("failed to build context: %w", err)
	}
	t.log.Debug("context built",
		zap.Int("budget", res.Budget),
		zap.Int("used", res.Used),
		zap.Int("k", res.K),
		zap.Bool("folded", res.Folded))
	t.prompt = res.Messages
	return nil
}

// generate calls the backend, runs at most one tool and, if one ran, makes
// exactly one follow-up call. Usage is summed over both calls.
func (s *Service) generate(ctx context.Context, t *turn) (string, domain.Usage, error) {
	resp, err := s.complete(ctx, t, s.chatRequest(t.prompt, false))
	if err != nil {
		return "", domain.Usage{}, err
	}
	usage := resp.Usage.Domain()
	reply, ok := resp.FirstMessage()
	if !ok {
		return "", usage, errors.New("backend returned no choices")
	}

	state, extra := s.interceptor.Intercept(ctx, t.threadID, reply)
	if state == ToolStateNone {
		return reply.Content.PlainText(), usage, nil
	}

	follow, err := s.complete(ctx, t, s.chatRequest(slices.Concat(t.prompt, extra), true))
	if err != nil {
		return "", usage, err
	}
	return follow.Text(), usage.Add(follow.Usage.Domain()), nil
}

func (s *Service) complete(ctx context.Context, t *turn, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	start := time.Now()
	resp, err := s.llmClient.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	t.log.Info("llm_response", zap.Int64("latency_ms", time.Since(start).Milliseconds()))
	return resp, nil
}

// chatRequest builds a backend request. The follow-up after a tool call
// still advertises the tools but forbids calling them.
func (s *Service) chatRequest(messages []llm.ChatMessage, followUp bool) *llm.ChatCompletionRequest {
	req := &llm.ChatCompletionRequest{
		Model:    s.config.LLMModel,
		Messages: messages,
		Tools:    s.registry.Definitions(),
	}
	if followUp && len(req.Tools) > 0 {
		req.ToolChoice = "none"
	}
	return req
}

// finish stores the assistant message and the completed response in one
// transaction, then schedules a fold when the thread crossed the threshold.
func (s *Service) finish(ctx context.Context, t *turn, responseID, text string, usage domain.Usage) error {
	resp := &domain.Response{
		ResponseID: responseID,
		ThreadID:   t.threadID,
		Status:     domain.ResponseStatusCompleted,
		Usage:      usage,
	}
	var output *domain.Message
	if t.userMsg != nil {
		resp.RequestMessageID = t.userMsg.MessageID
		output = &domain.Message{
			MessageID: domain.NewMessageID(),
			ThreadID:  t.threadID,
			Role:      domain.RoleAssistant,
			Content:   domain.TextContent(text),
		}
	}
	if err := s.store.CompleteTurn(ctx, output, resp); err != nil {
		return err
	}
	if t.store {
		s.maybeScheduleFold(ctx, t.threadID, 2)
	}
	return nil
}

// fail records a failed response under responseID and reports whether it
// was stored. Best effort.
func (s *Service) fail(t *turn, responseID string, usage domain.Usage, cause error) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := &domain.Response{
		ResponseID: responseID,
		ThreadID:   t.threadID,
		Status:     domain.ResponseStatusError,
		Usage:      usage,
		Error:      cause.Error(),
	}
	if t.userMsg != nil {
		resp.RequestMessageID = t.userMsg.MessageID
	}
	if err := s.store.InsertResponse(ctx, resp); err != nil {
		t.log.Warn("failed to record error response", zap.String("response_id", responseID), zap.Error(err))
		return false
	}
	return true
}
