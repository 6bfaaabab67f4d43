package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/wmag/kernel/pkg/approval"
	"github.com/wmag/kernel/pkg/budget"
	"github.com/wmag/kernel/pkg/kernel"
	"github.com/wmag/kernel/pkg/tool"
)

func testRegistry() *kernel.Registry {
	return &kernel.Registry{
		Actions: []kernel.Action{
			{ActionID: "act_lookup", Tool: "mcp:crm/get_customer", CostUnits: 1,
				Idempotency: kernel.IdempotencySpec{Mode: kernel.IdempotencyHashArgs}},
			{ActionID: "act_send_email", Tool: "mcp:email/send", CostUnits: 1, SideEffect: true,
				Idempotency: kernel.IdempotencySpec{Mode: kernel.IdempotencyExplicit}},
		},
		Limits: map[string]any{"max_tool_calls": 50},
	}
}

func newExecutor(call tool.InvokerFunc) *Executor {
	return New(call, budget.NewMemStore(), approval.NewMemStepCache(), approval.NewMemStore())
}

func TestRunResolvesArgsAndRunsInOrder(t *testing.T) {
	reg := testRegistry()
	plan := &kernel.Plan{Steps: []kernel.Step{
		{StepID: "s1", ActionID: "act_lookup", Args: map[string]any{"customer_id": "cust_1"}},
		{StepID: "s2", ActionID: "act_send_email", Args: map[string]any{
			"to": "$s1.output.email", "idempotency_key": "idem:email:1",
		}},
	}}

	calls := 0
	exec := newExecutor(func(ctx context.Context, req tool.Request) (map[string]any, error) {
		calls++
		if req.ActionID == "act_lookup" {
			return map[string]any{"email": "cust@example.com"}, nil
		}
		if req.Args["to"] != "cust@example.com" {
			t.Fatalf("expected resolved arg, got %v", req.Args["to"])
		}
		return map[string]any{"sent": true}, nil
	})

	results, err := exec.Run(context.Background(), "run-1", kernel.Task{TenantID: "t1"}, plan, reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || calls != 2 {
		t.Fatalf("expected 2 steps/calls, got %d results %d calls", len(results), calls)
	}
	if results[1].Status != kernel.StepSucceeded {
		t.Fatalf("expected s2 to succeed, got %+v", results[1])
	}
}

func TestRunFailsSideEffectWithoutIdempotencyKey(t *testing.T) {
	reg := testRegistry()
	plan := &kernel.Plan{Steps: []kernel.Step{
		{StepID: "s1", ActionID: "act_send_email", Args: map[string]any{"to": "a@b.com"}},
	}}
	exec := newExecutor(func(ctx context.Context, req tool.Request) (map[string]any, error) {
		t.Fatal("tool should never be called")
		return nil, nil
	})

	results, err := exec.Run(context.Background(), "run-1", kernel.Task{TenantID: "t1"}, plan, reg)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != kernel.StepFailed || results[0].Error.Class != kernel.ErrIdempotency {
		t.Fatalf("expected IDEMPOTENCY failure, got %+v", results[0])
	}
}

func TestRunEnforcesMaxToolCalls(t *testing.T) {
	reg := testRegistry()
	reg.Limits["max_tool_calls"] = 1
	plan := &kernel.Plan{Steps: []kernel.Step{
		{StepID: "s1", ActionID: "act_lookup", Args: map[string]any{"customer_id": "1"}},
		{StepID: "s2", ActionID: "act_lookup", Args: map[string]any{"customer_id": "2"}},
	}}
	exec := newExecutor(func(ctx context.Context, req tool.Request) (map[string]any, error) {
		return map[string]any{}, nil
	})

	results, err := exec.Run(context.Background(), "run-1", kernel.Task{TenantID: "t1"}, plan, reg)
	if err != nil {
		t.Fatal(err)
	}
	if results[1].Status != kernel.StepFailed || results[1].Error.Class != kernel.ErrBudget {
		t.Fatalf("expected second step to fail on BUDGET, got %+v", results[1])
	}
}

func TestRunCachesByIdempotencyKeyAcrossReplay(t *testing.T) {
	reg := testRegistry()
	plan := &kernel.Plan{Steps: []kernel.Step{
		{StepID: "s1", ActionID: "act_lookup", Args: map[string]any{"customer_id": "cust_1"}},
	}}
	calls := 0
	invoke := tool.InvokerFunc(func(ctx context.Context, req tool.Request) (map[string]any, error) {
		calls++
		return map[string]any{"email": "cust@example.com"}, nil
	})
	budgetStore := budget.NewMemStore()
	cache := approval.NewMemStepCache()
	approvals := approval.NewMemStore()
	exec := New(invoke, budgetStore, cache, approvals)

	if _, err := exec.Run(context.Background(), "run-1", kernel.Task{TenantID: "t1"}, plan, reg); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.Run(context.Background(), "run-1", kernel.Task{TenantID: "t1"}, plan, reg); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected tool invoked exactly once across replay, got %d", calls)
	}
}

func TestRunFailsOnUnknownAction(t *testing.T) {
	reg := testRegistry()
	plan := &kernel.Plan{Steps: []kernel.Step{{StepID: "s1", ActionID: "does_not_exist"}}}
	exec := newExecutor(func(ctx context.Context, req tool.Request) (map[string]any, error) { return nil, nil })

	_, err := exec.Run(context.Background(), "run-1", kernel.Task{TenantID: "t1"}, plan, reg)
	if err == nil {
		t.Fatal("expected error for unknown action_id")
	}
}

func TestRunSimulatesCrashAfterConfiguredStep(t *testing.T) {
	reg := testRegistry()
	plan := &kernel.Plan{Steps: []kernel.Step{
		{StepID: "s1", ActionID: "act_lookup", Args: map[string]any{"customer_id": "1"}},
		{StepID: "s2", ActionID: "act_lookup", Args: map[string]any{"customer_id": "2"}},
	}}
	exec := newExecutor(func(ctx context.Context, req tool.Request) (map[string]any, error) {
		return map[string]any{}, nil
	})

	task := kernel.Task{TenantID: "t1", Metadata: map[string]any{"crash_after_step": "s1"}}
	results, err := exec.Run(context.Background(), "run-1", task, plan, reg)
	var crashErr *CrashError
	if !errors.As(err, &crashErr) {
		t.Fatalf("expected CrashError, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected only s1 to have run before the crash, got %d results", len(results))
	}
}

func TestRunRequiresApprovalAndFailsOnDenial(t *testing.T) {
	reg := testRegistry()
	reg.Actions[0].Security = &kernel.ActionSecurity{RequiresApproval: true}
	plan := &kernel.Plan{Steps: []kernel.Step{
		{StepID: "s1", ActionID: "act_lookup", Args: map[string]any{"customer_id": "1"}},
	}}
	exec := newExecutor(func(ctx context.Context, req tool.Request) (map[string]any, error) {
		t.Fatal("tool should not be called before approval resolves")
		return nil, nil
	})

	// Deny immediately instead of waiting the full default hour.
	go func() {
		_ = exec.Approvals.Decide(context.Background(), "run-1", kernel.Decision{Decision: kernel.DecisionDenied, By: "bob"})
	}()

	results, err := exec.Run(context.Background(), "run-1", kernel.Task{TenantID: "t1"}, plan, reg)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != kernel.StepFailed || results[0].Error.Class != kernel.ErrApprovalDenied {
		t.Fatalf("expected APPROVAL_DENIED, got %+v", results[0])
	}
}
