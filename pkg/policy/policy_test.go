package policy

import (
	"testing"

	"github.com/wmag/kernel/pkg/kernel"
)

func testRegistry() *kernel.Registry {
	return &kernel.Registry{
		Actions: []kernel.Action{
			{ActionID: "send_email", Tool: "mcp:email", CostUnits: 2},
			{ActionID: "read_record", Tool: "mcp:crm"},
		},
		Policies: []kernel.Policy{
			{
				PolicyID: "deny-refunds",
				Priority: 10,
				Phase:    "exec",
				When:     kernel.Condition{Action: "refund_*"},
				Effect:   kernel.PolicyEffect{Deny: true},
			},
			{
				PolicyID: "approve-email",
				Priority: 5,
				Phase:    "exec",
				When:     kernel.Condition{Tool: "mcp:email"},
				Effect:   kernel.PolicyEffect{RequireApproval: true},
			},
		},
	}
}

func TestEvaluateStepRequiresApprovalFromPolicy(t *testing.T) {
	reg := testRegistry()
	step := kernel.Step{StepID: "s1", ActionID: "send_email"}
	action, _ := reg.FindAction("send_email")

	d := EvaluateStep(step, *action, []string{"support_agent"}, reg, "exec")
	if !d.Allowed {
		t.Fatal("expected step to be allowed")
	}
	if !d.RequiresApproval {
		t.Fatal("expected policy to require approval for email tool")
	}
	if len(d.PolicyIDs) != 1 || d.PolicyIDs[0] != "approve-email" {
		t.Fatalf("unexpected matched policy ids: %v", d.PolicyIDs)
	}
}

func TestEvaluateStepDeniesByGlob(t *testing.T) {
	reg := testRegistry()
	reg.Actions = append(reg.Actions, kernel.Action{ActionID: "refund_payment", Tool: "mcp:billing"})
	step := kernel.Step{StepID: "s1", ActionID: "refund_payment"}
	action, _ := reg.FindAction("refund_payment")

	d := EvaluateStep(step, *action, nil, reg, "exec")
	if d.Allowed {
		t.Fatal("expected refund_* to be denied")
	}
	if d.DenyReason == nil || d.DenyReason.Class != kernel.ErrPolicy {
		t.Fatalf("expected POLICY deny reason, got %+v", d.DenyReason)
	}
}

func TestEvaluateStepRBACDeny(t *testing.T) {
	reg := testRegistry()
	reg.Actions[1].Security = &kernel.ActionSecurity{AllowedRoles: []string{"admin"}}
	step := kernel.Step{StepID: "s1", ActionID: "read_record"}
	action, _ := reg.FindAction("read_record")

	d := EvaluateStep(step, *action, []string{"support_agent"}, reg, "exec")
	if d.Allowed {
		t.Fatal("expected RBAC deny for missing role")
	}
	if d.DenyReason.Class != kernel.ErrRBAC {
		t.Fatalf("expected RBAC class, got %s", d.DenyReason.Class)
	}
}

func TestGatePlanNeedsApprovalWhenAnyStepDoes(t *testing.T) {
	reg := testRegistry()
	plan := &kernel.Plan{
		Steps: []kernel.Step{
			{StepID: "s1", ActionID: "read_record"},
			{StepID: "s2", ActionID: "send_email"},
		},
	}
	report := GatePlan(plan, reg, []string{"support_agent"})
	if report.Verdict != kernel.GateNeedApproval {
		t.Fatalf("expected need_approval, got %s", report.Verdict)
	}
	if !plan.Steps[1].RequiresApproval {
		t.Fatal("expected send_email step to be marked requires_approval")
	}
}

func TestGatePlanFatalWhenAllStepsDenied(t *testing.T) {
	reg := testRegistry()
	reg.Actions = append(reg.Actions, kernel.Action{ActionID: "refund_x", Tool: "mcp:billing"})
	plan := &kernel.Plan{
		Steps: []kernel.Step{{StepID: "s1", ActionID: "refund_x"}},
	}
	report := GatePlan(plan, reg, nil)
	if report.Verdict != kernel.GateFatal {
		t.Fatalf("expected fatal, got %s", report.Verdict)
	}
}

func TestGatePlanDedupesObligations(t *testing.T) {
	reg := testRegistry()
	ob := kernel.Obligation{Type: "must_emit_artifact", ArtifactType: "audit_log"}
	reg.Policies = append(reg.Policies, kernel.Policy{
		PolicyID: "require-audit",
		Phase:    "exec",
		When:     kernel.Condition{Tool: "mcp:email"},
		Effect:   kernel.PolicyEffect{Obligations: []kernel.Obligation{ob}},
	})
	plan := &kernel.Plan{
		Steps: []kernel.Step{
			{StepID: "s1", ActionID: "send_email"},
			{StepID: "s2", ActionID: "send_email"},
		},
	}
	report := GatePlan(plan, reg, nil)
	if len(report.Obligations) != 1 {
		t.Fatalf("expected obligations deduped to 1, got %d", len(report.Obligations))
	}
}

func TestEffectiveLimitsRegistryWins(t *testing.T) {
	tenant := map[string]any{"max_tool_calls": 10}
	registry := map[string]any{"max_tool_calls": 5}
	out := EffectiveLimits(tenant, registry)
	if out["max_tool_calls"] != 5 {
		t.Fatalf("expected registry override to win, got %v", out["max_tool_calls"])
	}
}
