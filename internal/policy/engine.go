// Package policy gates tool invocations with an OPA rego policy.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// Input is what the policy sees for one tool call.
type Input struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	ThreadID string         `json:"thread_id,omitempty"`
}

// NewEngine creates a new policy engine with the given policy content.
// The module must live in package tool_policy and define result.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.result"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or DefaultPolicy when path
// is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the tool policy.
// Returns: decision (allow, block), reason (optional), error
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	if input.Args == nil {
		input.Args = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines its own defaults; an undefined result allows.
		return DecisionAllow, "default", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]interface{}:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			decision = DecisionAllow
		}
		return decision, reason, nil
	}
	return DecisionAllow, "unexpected return type", nil
}

// DefaultPolicy only lets vision_describe fetch http(s) and inline images.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

default reason = ""

decision = "block" {
	input.tool_name == "vision_describe"
	not allowed_image_url
}

reason = "image_url must be an http(s) URL or an inline data:image URL" {
	decision == "block"
}

allowed_image_url {
	startswith(input.args.image_url, "http://")
}

allowed_image_url {
	startswith(input.args.image_url, "https://")
}

allowed_image_url {
	startswith(input.args.image_url, "data:image/")
}

result = {"decision": decision, "reason": reason}
`
