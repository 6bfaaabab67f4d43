// Package executor runs an already-gated Plan step by step, enforcing the
// side-effect/approval/budget/idempotency/retry discipline described in
// spec.md §4.4.
//
// Grounded on original/.../storage_postgres.py's execute_plan (the full
// ten-step per-step sequence: resolve action, resolve args, side-effect
// guard, approval interlock, budget/quota check, idempotency lookup,
// retry-wrapped invocation, error classification, save, crash
// simulation) and spec.md's restatement of the same ten steps.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wmag/kernel/pkg/approval"
	"github.com/wmag/kernel/pkg/budget"
	"github.com/wmag/kernel/pkg/idempotency"
	"github.com/wmag/kernel/pkg/kernel"
	"github.com/wmag/kernel/pkg/retry"
	"github.com/wmag/kernel/pkg/tool"
)

// CrashError is raised by the crash-simulation hook (step 10) to let a
// caller (job worker, test) observe a deliberate mid-plan abort. It is
// never classified into a StepResult; it unwinds Run instead.
type CrashError struct {
	AfterStep string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("executor: simulated crash after step %q", e.AfterStep)
}

// Executor runs a Plan's steps in order against a Registry, using an
// Invoker to actually call tools.
type Executor struct {
	Tools     tool.Invoker
	Budget    budget.Store
	Cache     approval.StepCache
	Approvals approval.Store
}

// New wires the four collaborators the executor needs.
func New(tools tool.Invoker, budgetStore budget.Store, cache approval.StepCache, approvals approval.Store) *Executor {
	return &Executor{Tools: tools, Budget: budgetStore, Cache: cache, Approvals: approvals}
}

// Run executes every step of plan in order, returning one StepResult per
// step. It never returns an error for an ordinary step failure — that's
// recorded on the StepResult. It does return an error for an unknown
// action_id, for a depends_on id that does not name an earlier step, and
// for an approval store failure, and *CrashError unwinds immediately to
// simulate a mid-plan crash for replay testing.
func (e *Executor) Run(ctx context.Context, runID string, task kernel.Task, plan *kernel.Plan, registry *kernel.Registry) ([]kernel.StepResult, error) {
	limits := registry.Limits
	maxCalls := limitInt(limits, "max_tool_calls", 50)
	perTool := asIntMap(limits["per_tool"])
	perAction := asIntMap(limits["per_action"])

	toolCounts := map[string]int{}
	actionCounts := map[string]int{}
	toolCallsUsed := 0
	outputs := map[string]map[string]any{}
	seen := map[string]bool{}

	var results []kernel.StepResult

	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return results, fmt.Errorf("executor: step %q depends_on %q, which is not an earlier step", step.StepID, dep)
			}
		}
		seen[step.StepID] = true

		action, ok := registry.FindAction(step.ActionID)
		if !ok {
			return results, fmt.Errorf("executor: unknown action_id %q for step %q", step.ActionID, step.StepID)
		}

		args := resolveArgs(step.Args, outputs)
		tool_ := action.Tool
		sideEffect := kernel.IsSideEffecting(step.ActionID, tool_, action.SideEffect)

		if sideEffect {
			key, _ := args["idempotency_key"].(string)
			if key == "" {
				res := failResult(step, action, kernel.ErrIdempotency, "missing args.idempotency_key for side-effect action")
				results = append(results, res)
				continue
			}
		}

		requiresApproval := step.RequiresApproval || (action.Security != nil && action.Security.RequiresApproval)
		if requiresApproval {
			approvalID, err := e.Approvals.Create(ctx, runID, map[string]any{
				"step_id": step.StepID, "action_id": step.ActionID, "tool": tool_, "args": args,
			})
			if err != nil {
				return results, fmt.Errorf("executor: create approval for step %s: %w", step.StepID, err)
			}
			decision, err := e.Approvals.Wait(ctx, approvalID, approval.DefaultWaitTimeout)
			if err != nil {
				return results, fmt.Errorf("executor: wait for approval on step %s: %w", step.StepID, err)
			}
			if decision.Decision != kernel.DecisionApproved {
				results = append(results, failResult(step, action, kernel.ErrApprovalDenied, "approval denied"))
				continue
			}
		}

		costUnits := action.CostUnits
		if costUnits == 0 {
			costUnits = 1
		}
		if step.CostUnitsOverride != nil {
			costUnits = *step.CostUnitsOverride
		}

		toolCounts[tool_]++
		actionCounts[step.ActionID]++
		toolCallsUsed++
		if toolCallsUsed > maxCalls {
			results = append(results, failResult(step, action, kernel.ErrBudget, "max tool calls exceeded"))
			continue
		}
		if limit, ok := perTool[tool_]; ok && toolCounts[tool_] > limit {
			results = append(results, failResult(step, action, kernel.ErrBudget, "per-tool budget exceeded"))
			continue
		}
		if limit, ok := perAction[step.ActionID]; ok && actionCounts[step.ActionID] > limit {
			results = append(results, failResult(step, action, kernel.ErrBudget, "per-action budget exceeded"))
			continue
		}

		if e.Budget != nil {
			if _, err := e.Budget.Consume(ctx, runID, budget.Delta{ToolCalls: 1, CostUnits: costUnits}, limits); err != nil {
				results = append(results, failResult(step, action, kernel.ErrBudget, err.Error()))
				continue
			}
		}

		idemKey := idempotencyKeyFor(action, task.TenantID, runID, step.StepID, step.ActionID, args)

		if cached, ok, err := e.Cache.Get(ctx, idemKey); err == nil && ok {
			cached.CacheHit = true
			results = append(results, cached)
			outputs[step.StepID] = cached.Output
			continue
		}

		call := func(ctx context.Context) (map[string]any, error) {
			return e.Tools.Call(ctx, tool.Request{
				TenantID: task.TenantID, ActionID: step.ActionID, Tool: tool_, Args: args,
				TimeoutMS: action.EffectiveTimeout(),
			})
		}
		retryCfg := registry.FindRetryClass(action.RetryClass)
		outcome := retry.Run(ctx, call, retryCfg)

		var res kernel.StepResult
		if outcome.Error == nil {
			res = kernel.StepResult{
				StepID: step.StepID, ActionID: step.ActionID, Tool: tool_,
				Status: kernel.StepSucceeded, Attempts: outcome.Attempts,
				IdempotencyKey: idemKey, Output: outcome.Output, PolicyIDs: step.PolicyIDs,
			}
			outputs[step.StepID] = outcome.Output
		} else {
			res = kernel.StepResult{
				StepID: step.StepID, ActionID: step.ActionID, Tool: tool_,
				Status: kernel.StepFailed, Attempts: outcome.Attempts,
				IdempotencyKey: idemKey,
				Error:          outcome.Error,
				PolicyIDs:      step.PolicyIDs,
			}
		}
		if e.Cache != nil {
			_ = e.Cache.Put(ctx, idemKey, res)
		}
		results = append(results, res)

		if after := task.CrashAfterStep(); after != "" && after == step.StepID {
			return results, &CrashError{AfterStep: step.StepID}
		}
	}

	return results, nil
}

func failResult(step kernel.Step, action kernel.Action, class kernel.ErrorClass, message string) kernel.StepResult {
	return kernel.StepResult{
		StepID: step.StepID, ActionID: step.ActionID, Tool: action.Tool,
		Status: kernel.StepFailed, Error: &kernel.StepError{Class: class, Message: message},
		PolicyIDs: step.PolicyIDs,
	}
}

// idempotencyKeyFor applies the action's idempotency mode (spec.md §4.4
// step 6): explicit_key requires args.idempotency_key; hash_args derives
// the key from the step's addressing fields.
func idempotencyKeyFor(action kernel.Action, tenantID, runID, stepID, actionID string, args map[string]any) string {
	if action.Idempotency.Mode == kernel.IdempotencyExplicit {
		if key, _ := args["idempotency_key"].(string); key != "" {
			return idempotency.Explicit(key)
		}
	}
	return idempotency.Key(tenantID, runID, stepID, actionID, args)
}

// resolveArgs substitutes "$s<id>.output.<field>" string values from
// prior step outputs; an unresolved reference becomes nil.
func resolveArgs(args map[string]any, outputs map[string]map[string]any) map[string]any {
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		resolved[k] = resolveValue(v, outputs)
	}
	return resolved
}

func resolveValue(v any, outputs map[string]map[string]any) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$s") {
		return v
	}
	parts := strings.Split(s, ".")
	if len(parts) < 3 || parts[1] != "output" {
		return v
	}
	stepRef := parts[0][1:]
	field := parts[len(parts)-1]
	out, ok := outputs[stepRef]
	if !ok {
		return nil
	}
	val, ok := out[field]
	if !ok {
		return nil
	}
	return val
}

func limitInt(limits map[string]any, key string, def int) int {
	if limits == nil {
		return def
	}
	v, ok := limits[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

func asIntMap(v any) map[string]int {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, raw := range m {
		out[k] = limitInt(map[string]any{"v": raw}, "v", 0)
	}
	return out
}
