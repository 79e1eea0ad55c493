package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/domain"
)

// EmitFunc delivers one stream event to the client. An error means the
// client is gone and aborts the turn.
type EmitFunc func(event domain.StreamEvent) error

// errClientGone marks an emit failure.
var errClientGone = errors.New("stream client gone")

// RespondStream runs one streaming turn. Errors before the start event are
// returned without emitting anything. After start, a failure emits an
// error event, records a failed response and is returned as a TurnError
// carrying the response id. Cancellation persists nothing beyond the user
// message.
func (s *Service) RespondStream(ctx context.Context, req domain.TurnRequest, emit EmitFunc) error {
	t, err := s.begin(ctx, req)
	if err != nil {
		return err
	}
	defer t.unlock()

	responseID := domain.NewResponseID()
	t.log = t.log.With(zap.String("response_id", responseID))
	if err := emit(domain.StartEvent(responseID, t.threadID)); err != nil {
		return ctxOr(ctx, errClientGone)
	}

	var out strings.Builder
	deliver := func(text string) error {
		out.WriteString(text)
		if err := emit(domain.DeltaEvent(text)); err != nil {
			return errClientGone
		}
		return nil
	}

	usage, err := s.generateStream(ctx, t, deliver)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errClientGone) {
			t.log.Info("stream aborted", zap.Error(err))
			return ctxOr(ctx, err)
		}
		t.log.Error("turn failed", zap.Error(err))
		s.fail(t, responseID, usage, err)
		_ = emit(domain.ErrorEvent("internal error", t.traceID))
		return &domain.TurnError{Kind: domain.TurnErrorBackend, TraceID: t.traceID, ResponseID: responseID, Err: err}
	}

	if err := s.finish(ctx, t, responseID, out.String(), usage); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.log.Error("failed to persist turn", zap.Error(err))
		s.fail(t, responseID, usage, err)
		_ = emit(domain.ErrorEvent("internal error", t.traceID))
		return &domain.TurnError{Kind: domain.TurnErrorPersistence, TraceID: t.traceID, ResponseID: responseID, Err: err}
	}

	if err := emit(domain.EndEvent(usage)); err != nil {
		return ctxOr(ctx, errClientGone)
	}
	return nil
}

// generateStream streams the first reply, collecting tool-call deltas. When
// a known tool ran, one follow-up stream is made. The output is every
// delta delivered to the client.
func (s *Service) generateStream(ctx context.Context, t *turn, deliver func(string) error) (domain.Usage, error) {
	var (
		acc   llm.ToolCallAccumulator
		first strings.Builder
	)
	u, err := s.stream(ctx, t, s.chatRequest(t.prompt, false), func(chunk *llm.StreamChunk) error {
		acc.Add(chunk.ToolCallDeltas())
		if text := chunk.Text(); text != "" {
			first.WriteString(text)
			return deliver(text)
		}
		return nil
	})
	usage := u.Domain()
	if err != nil || acc.Len() == 0 {
		return usage, err
	}

	reply := &llm.ChatMessage{
		Role:      domain.RoleAssistant,
		Content:   domain.TextContent(first.String()),
		ToolCalls: acc.ToolCalls(),
	}
	state, extra := s.interceptor.Intercept(ctx, t.threadID, reply)
	if state == ToolStateNone {
		return usage, nil
	}

	u, err = s.stream(ctx, t, s.chatRequest(slices.Concat(t.prompt, extra), true), func(chunk *llm.StreamChunk) error {
		if text := chunk.Text(); text != "" {
			return deliver(text)
		}
		return nil
	})
	return usage.Add(u.Domain()), err
}

func (s *Service) stream(ctx context.Context, t *turn, req *llm.ChatCompletionRequest, callback llm.StreamCallback) (*llm.Usage, error) {
	start := time.Now()
	req.Stream = true
	usage, err := s.llmClient.CreateChatCompletionStream(ctx, req, callback)
	if err != nil {
		return usage, err
	}
	t.log.Info("llm_response", zap.Bool("stream", true), zap.Int64("latency_ms", time.Since(start).Milliseconds()))
	return usage, nil
}

func ctxOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
