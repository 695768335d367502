// Package policy evaluates which tool invocations need human approval
// before they may proceed. Policies are written in rego and evaluated with
// the embedded OPA engine.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by Evaluate.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionBlock           = "block"
)

// Input describes one tool invocation for policy evaluation.
type Input struct {
	ToolName string      `json:"tool_name"`
	Args     interface{} `json:"args,omitempty"`
	ThreadID string      `json:"thread_id,omitempty"`
}

// Engine is a prepared rego query over the approval policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given rego policy. The policy must define
// data.approval.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.approval.decision"),
		rego.Module("approval.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the decision for one tool invocation. An unparseable or
// non-string result falls back to allow; the policy is expected to define a
// default.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// DefaultPolicy allows everything except a blocklist and requires approval
// for sensitive tools.
const DefaultPolicy = `
package approval

default decision = "allow"

decision = "block" {
	input.tool_name == "shell.exec"
}

decision = "require_approval" {
	input.tool_name == "payments.transfer"
}

decision = "require_approval" {
	input.tool_name == "email.send"
}
`
