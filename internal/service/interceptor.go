package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/domain"
	"github.com/xiaot623/localapi/internal/policy"
	"github.com/xiaot623/localapi/internal/tools"
)

// ToolState is the outcome of inspecting a model reply for tool calls.
type ToolState int

const (
	// ToolStateNone means no tool ran; the reply is final.
	ToolStateNone ToolState = iota
	// ToolStateRequested means one tool ran and a follow-up call is due.
	ToolStateRequested
)

func (s ToolState) String() string {
	if s == ToolStateRequested {
		return "requested"
	}
	return "none"
}

// PolicyEvaluator decides whether a tool call may run.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (decision, reason string, err error)
}

// ToolCallInterceptor executes at most one tool call per model reply.
type ToolCallInterceptor struct {
	registry *tools.Registry
	policy   PolicyEvaluator
	timeout  time.Duration
	logger   *zap.Logger
}

// NewToolCallInterceptor creates an interceptor. policy may be nil to allow
// every call; timeout <= 0 disables the per-call deadline.
func NewToolCallInterceptor(registry *tools.Registry, policy PolicyEvaluator, timeout time.Duration, logger *zap.Logger) *ToolCallInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolCallInterceptor{registry: registry, policy: policy, timeout: timeout, logger: logger}
}

// Intercept runs the first tool call of reply, if it names a known tool.
// On ToolStateRequested it returns the assistant message carrying that call
// followed by exactly one tool message with the result or {"error": ...}.
func (i *ToolCallInterceptor) Intercept(ctx context.Context, threadID string, reply *llm.ChatMessage) (ToolState, []llm.ChatMessage) {
	call, ok := reply.FirstToolCall()
	if !ok {
		return ToolStateNone, nil
	}
	name := call.Function.Name
	log := i.logger.With(zap.String("thread_id", threadID), zap.String("tool", name))

	args, ok := call.Function.Arguments.Map()
	tool, validated, err := i.registry.Prepare(name, args)
	if errors.Is(err, tools.ErrToolNotFound) {
		log.Warn("tool_not_found")
		return ToolStateNone, nil
	}
	if !ok {
		log.Debug("malformed tool arguments, using {}", zap.String("arguments", string(call.Function.Arguments)))
	}

	start := time.Now()
	var result any
	if err == nil {
		result, err = i.run(ctx, threadID, tool, validated)
	}
	content, err := toolContent(result, err)
	status := "ok"
	if err != nil {
		status = "error"
	}
	log.Info("tool_call",
		zap.String("status", status),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		zap.Error(err))

	if call.ID == "" {
		call.ID = domain.NewToolCallID()
	}
	call.Index = nil
	if call.Type == "" {
		call.Type = "function"
	}

	return ToolStateRequested, []llm.ChatMessage{
		{Role: domain.RoleAssistant, Content: reply.Content, ToolCalls: []llm.ToolCall{call}},
		{Role: domain.RoleTool, Name: name, ToolCallID: call.ID, Content: domain.TextContent(content)},
	}
}

// run applies the policy to validated arguments and invokes the tool under
// the tool timeout.
func (i *ToolCallInterceptor) run(ctx context.Context, threadID string, tool tools.Tool, validated map[string]any) (any, error) {
	if i.policy != nil {
		decision, reason, err := i.policy.Evaluate(ctx, policy.Input{ToolName: tool.Name(), Args: validated, ThreadID: threadID})
		if err != nil {
			return nil, fmt.Errorf("policy evaluation failed: %w", err)
		}
		if decision == policy.DecisionBlock {
			if reason == "" {
				reason = "not allowed"
			}
			return nil, fmt.Errorf("tool call blocked by policy: %s", reason)
		}
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	result, err := tool.Invoke(ctx, validated)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("tool timed out after %s", i.timeout)
	}
	return result, err
}

// toolContent renders the tool message body. A result that cannot be
// encoded is reported as an error.
func toolContent(result any, err error) (string, error) {
	if err == nil {
		data, merr := json.Marshal(result)
		if merr == nil {
			return string(data), nil
		}
		err = fmt.Errorf("failed to encode tool result: %w", merr)
	}
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data), err
}
