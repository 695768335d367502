package policy

import (
	"context"
	"testing"
)

func TestDefaultPolicyDecisions(t *testing.T) {
	eng, err := NewEngine(context.Background(), DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to compile policy: %v", err)
	}

	tests := []struct {
		tool string
		want string
	}{
		{"search.web", DecisionAllow},
		{"calculator.eval", DecisionAllow},
		{"payments.transfer", DecisionRequireApproval},
		{"email.send", DecisionRequireApproval},
		{"shell.exec", DecisionBlock},
	}
	for _, tt := range tests {
		got, err := eng.Evaluate(context.Background(), Input{ToolName: tt.tool, ThreadID: "t1"})
		if err != nil {
			t.Fatalf("Evaluate(%s) failed: %v", tt.tool, err)
		}
		if got != tt.want {
			t.Errorf("Evaluate(%s) = %s, want %s", tt.tool, got, tt.want)
		}
	}
}

func TestCustomPolicyWithArgs(t *testing.T) {
	const content = `
package approval

default decision = "allow"

decision = "require_approval" {
	input.tool_name == "payments.transfer"
	input.args.amount > 100
}
`
	eng, err := NewEngine(context.Background(), content)
	if err != nil {
		t.Fatalf("failed to compile policy: %v", err)
	}

	small, err := eng.Evaluate(context.Background(), Input{
		ToolName: "payments.transfer",
		Args:     map[string]interface{}{"amount": 50},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if small != DecisionAllow {
		t.Fatalf("small transfer should be allowed, got %s", small)
	}

	large, err := eng.Evaluate(context.Background(), Input{
		ToolName: "payments.transfer",
		Args:     map[string]interface{}{"amount": 500},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if large != DecisionRequireApproval {
		t.Fatalf("large transfer should need approval, got %s", large)
	}
}

func TestInvalidPolicyRejected(t *testing.T) {
	if _, err := NewEngine(context.Background(), "package approval\ndecision ="); err == nil {
		t.Fatal("expected compile error for malformed rego")
	}
}
