// Package stub is a deterministic, non-LLM Planner used for local runs,
// tests, and environments with no planner service configured.
//
// Grounded on original/kernel/adapters/planner_llm_stub.py's StubPlanner:
// a fixed node selection and a fixed refund-flow Plan, expressed here
// against kernel.Plan/kernel.Step instead of the original's raw dicts.
package stub

import (
	"context"

	"github.com/wmag/kernel/pkg/kernel"
	"github.com/wmag/kernel/pkg/planner"
)

// Planner always returns the same three-node selection and the same
// six-step refund plan, regardless of input, except for requires_approval
// which is conditioned on the tenant id (matching the teacher's demo-tenant
// special case).
type Planner struct {
	// ApprovalTenantID is the tenant id that gets Controls.RequiresApproval
	// set true, mirroring the original's tenant_demo special case.
	ApprovalTenantID string
}

var _ planner.Planner = (*Planner)(nil)

// New builds a stub planner that requires approval only for the given
// tenant id.
func New(approvalTenantID string) *Planner {
	return &Planner{ApprovalTenantID: approvalTenantID}
}

func (p *Planner) SelectNodes(ctx context.Context, userMessage string, candidateNodeIDs []string, policySnippets []kernel.Policy) ([]string, error) {
	return []string{
		"SUPPORT/KB/Refunds",
		"SUPPORT/PLAYBOOKS/RefundFlow",
		"CUSTOMERS/cust_123",
	}, nil
}

func (p *Planner) BuildPlan(ctx context.Context, pack planner.ContextPack) (kernel.Plan, error) {
	tenantID := pack.TenantID
	requiresApproval := p.ApprovalTenantID != "" && tenantID == p.ApprovalTenantID

	idemTicketCreate := "idem:ticket:create:" + tenantID + ":cust_123:ord_778"
	idemTicketComment := "idem:ticket:comment:" + tenantID + ":$s3.output.ticket_id:refund"
	idemEmail := "idem:email:refund:" + tenantID + ":cust_123:ord_778"

	return kernel.Plan{
		Type: "plan",
		Goal: "Refund request: reply + ticket + email",
		Controls: kernel.PlanControls{
			RequiresApproval: requiresApproval,
			MaxToolCalls:     12,
			AllowedTools: []string{
				"crm.get_customer",
				"memory.search",
				"ticket.create",
				"ticket.add_comment",
				"internal.llm.draft_reply",
				"email.send",
			},
		},
		Steps: []kernel.Step{
			{
				StepID:   "s1",
				ActionID: "act_crm_get_customer_v1",
				Args: map[string]any{
					"customer_id": "cust_123",
				},
			},
			{
				StepID:   "s2",
				ActionID: "act_memory_search_v1",
				Args: map[string]any{
					"query": "refund defective unit within 14 days",
					"top_k": 5,
				},
			},
			{
				StepID:   "s3",
				ActionID: "act_ticket_create_v1",
				Args: map[string]any{
					"customer_id":      "cust_123",
					"subject":          "Refund - defective product",
					"description":      "Product non-functional. Request proof and propose resolution.",
					"priority":        "normal",
					"idempotency_key": idemTicketCreate,
				},
			},
			{
				StepID:   "s4",
				ActionID: "act_ticket_add_comment_v1",
				Args: map[string]any{
					"ticket_id":       "$s3.output.ticket_id",
					"comment":         "Policy summary + next steps",
					"public":          false,
					"idempotency_key": idemTicketComment,
				},
				DependsOn: []string{"s3"},
			},
			{
				StepID:   "s5",
				ActionID: "act_draft_reply_v1",
				Args: map[string]any{
					"language": "en-US",
					"tone":     "support_pro",
					"facts": map[string]any{
						"ticket_id": "$s3.output.ticket_id",
					},
					"policy_snippets": "$s2.output.matches",
				},
				DependsOn: []string{"s1", "s2", "s3", "s4"},
			},
			{
				StepID:   "s6",
				ActionID: "act_email_send_v1",
				Args: map[string]any{
					"to":              "$s1.output.email",
					"subject":         "We're handling your request (ticket $s3.output.ticket_id)",
					"body":            "$s5.output.body",
					"idempotency_key": idemEmail,
				},
				DependsOn: []string{"s5"},
			},
		},
	}, nil
}
