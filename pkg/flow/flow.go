// Package flow drives one Run through the staged pipeline: receive_task
// -> load_tenant -> load_registry -> load_trees -> select_nodes ->
// hydrate_context -> plan -> gate -> (request_approval ->
// wait_for_approval ->)? execute -> commit -> complete -> done|fatal.
//
// Grounded on original/.../kernel/flow.py's Kernel._task_send_subscribe_legacy
// (the same sequential stage order, the same persist-before-yield
// discipline, the same gate/approval/execute control flow) and the
// pocketflow node set it falls back from (kernel/pocketflow_flow.py,
// kernel/nodes/*.py: one prep/exec/post function per stage, string-labeled
// transitions). Generalized here into a tagged transition table — a plain
// map from stage name to Stage func returning the next tag — so the
// identical Engine can be driven directly (RunInline) or by a
// pkg/queue.Worker, exactly as a pocketflow Flow can be stepped manually
// or run to completion.
package flow

import (
	"context"
	"fmt"

	"github.com/wmag/kernel/pkg/approval"
	"github.com/wmag/kernel/pkg/budget"
	"github.com/wmag/kernel/pkg/eventlog"
	"github.com/wmag/kernel/pkg/executor"
	"github.com/wmag/kernel/pkg/kernel"
	"github.com/wmag/kernel/pkg/planner"
	"github.com/wmag/kernel/pkg/policy"
	"github.com/wmag/kernel/pkg/quota"
)

// TenantContext is the per-tenant document the original loads via
// load_tenant_context: limits, llm quotas, and org/user overlay ids.
type TenantContext struct {
	Limits     map[string]any
	LLMQuotas  quota.Limits
	OrgID      string
	OverlayIDs []string // org/tenant/user overlay ids applied in order
}

// RunStore creates/loads a Run and tracks its lifecycle state, and
// resolves a tenant's context document.
type RunStore interface {
	CreateOrLoadRun(ctx context.Context, taskID, tenantID string) (kernel.Run, error)
	SetRunState(ctx context.Context, runID string, state kernel.RunState) error
	LoadTenantContext(ctx context.Context, tenantID string) (TenantContext, error)
}

// RegistryProvider resolves the effective Registry document for a task,
// already overlaid for the task's org/tenant/user (pkg/registry.Apply +
// ApplyTenantOverride).
type RegistryProvider interface {
	LoadRegistry(ctx context.Context, task kernel.Task) (kernel.Registry, error)
}

// WorldIndex resolves candidate node ids for a tenant's world-index trees
// (spec.md §4.5's load_trees stage).
type WorldIndex interface {
	LoadTrees(ctx context.Context, tenantID string, domains []string) ([]string, error)
}

// Hydrator turns a node selection into a ContextPack for BuildPlan.
type Hydrator interface {
	Hydrate(ctx context.Context, tenantID, userMessage string, nodeIDs []string, reg kernel.Registry) (planner.ContextPack, error)
}

// Clock supplies "today" for quota day-keying, so the stages never call
// time.Now themselves; NewSystemClock is the wall-clock implementation.
type Clock interface {
	Today() string
}

// Engine wires every collaborator the staged pipeline needs.
type Engine struct {
	Events    eventlog.Store
	Runs      RunStore
	Registry  RegistryProvider
	Index     WorldIndex
	Planner   planner.Planner
	Hydrator  Hydrator
	Executor  *executor.Executor
	Budget    budget.Store
	Quota     quota.Store
	Approvals approval.Store
	Clock     Clock
}

// domains is the fixed set of world-index trees load_trees resolves,
// matching the original's hardcoded ["support", "customers"].
var domains = []string{"support", "customers"}

// Shared is the single mutable context threaded through every Stage of one
// Run, standing in for the original's per-task local variables
// (run, registry, node_list, context_pack, plan, ...) that
// _task_send_subscribe_legacy closes over across its sequential awaits.
type Shared struct {
	*Engine

	Task      kernel.Task
	RunID     string
	TenantCtx TenantContext
	Day       string
	Reg       kernel.Registry
	NodeIDs   []string
	Pack      planner.ContextPack
	Plan      kernel.Plan
	Gate      kernel.GateReport
	Results   []kernel.StepResult

	FinalState kernel.RunState
}

// Stage is one named step of the pipeline. It reports the next stage's tag
// (or the terminal "done"/"fatal") and may mutate sh in place.
type Stage func(ctx context.Context, sh *Shared) (next string, err error)

// stageTable is the tagged transition table driving Engine.Run, matching
// the stage order named in spec.md §4.5.
var stageTable = map[string]Stage{
	"receive_task":       stageReceiveTask,
	"load_tenant":        stageLoadTenant,
	"load_registry":      stageLoadRegistry,
	"load_trees":         stageLoadTrees,
	"select_nodes":       stageSelectNodes,
	"hydrate_context":    stageHydrateContext,
	"plan":               stagePlan,
	"gate":               stageGate,
	"request_approval":   stageRequestApproval,
	"wait_for_approval":  stageWaitForApproval,
	"execute":            stageExecute,
	"commit":             stageCommit,
	"complete":           stageComplete,
}

// Run drives task through stageTable starting at "receive_task" until a
// terminal tag ("done" or "fatal") is reached, and returns the run's final
// state. It never returns an error for an ordinary pipeline failure
// (policy deny, approval denial, budget/quota exhaustion, obligation
// miss) — those terminate the run in a failed/canceled state instead;
// only an unrecoverable collaborator error (storage down, malformed
// stage table, etc.) is returned.
func (e *Engine) Run(ctx context.Context, task kernel.Task) (kernel.RunState, error) {
	sh := &Shared{Engine: e, Task: task}
	tag := "receive_task"
	for tag != "done" && tag != "fatal" {
		stage, ok := stageTable[tag]
		if !ok {
			return "", fmt.Errorf("flow: no stage registered for tag %q", tag)
		}
		next, err := stage(ctx, sh)
		if err != nil {
			return "", err
		}
		tag = next
	}
	return sh.FinalState, nil
}

// RunInline runs e's stage table directly against task, the in-memory
// profile's entrypoint. The durable profile instead hands e.Run to a
// pkg/queue.Worker, which drives the same table one Job at a time.
func RunInline(ctx context.Context, e *Engine, task kernel.Task) (kernel.RunState, error) {
	return e.Run(ctx, task)
}

func stageReceiveTask(ctx context.Context, sh *Shared) (string, error) {
	run, err := sh.Runs.CreateOrLoadRun(ctx, sh.Task.TaskID, sh.Task.TenantID)
	if err != nil {
		return "", fmt.Errorf("flow: create_or_load_run: %w", err)
	}
	sh.RunID = run.RunID

	if err := sh.emitStatus(ctx, kernel.RunSubmitted, "Task accepted", nil); err != nil {
		return "", err
	}
	if err := sh.Runs.SetRunState(ctx, sh.RunID, kernel.RunWorking); err != nil {
		return "", fmt.Errorf("flow: set_run_state working: %w", err)
	}
	if err := sh.emitStatus(ctx, kernel.RunWorking, "Running", nil); err != nil {
		return "", err
	}
	return "load_tenant", nil
}

func stageLoadTenant(ctx context.Context, sh *Shared) (string, error) {
	tc, err := sh.Runs.LoadTenantContext(ctx, sh.Task.TenantID)
	if err != nil {
		return "", fmt.Errorf("flow: load_tenant_context: %w", err)
	}
	sh.TenantCtx = tc
	if sh.Clock != nil {
		sh.Day = sh.Clock.Today()
	}
	return "load_registry", nil
}

func stageLoadRegistry(ctx context.Context, sh *Shared) (string, error) {
	reg, err := sh.Engine.Registry.LoadRegistry(ctx, sh.Task)
	if err != nil {
		return "", fmt.Errorf("flow: load_registry: %w", err)
	}
	sh.Reg = reg
	return "load_trees", nil
}

func stageLoadTrees(ctx context.Context, sh *Shared) (string, error) {
	nodeIDs, err := sh.Index.LoadTrees(ctx, sh.Task.TenantID, domains)
	if err != nil {
		return "", fmt.Errorf("flow: load_trees: %w", err)
	}
	sh.NodeIDs = nodeIDs
	return "select_nodes", nil
}

func stageSelectNodes(ctx context.Context, sh *Shared) (string, error) {
	if terminal, err := sh.chargeLLM(ctx, "llm:select_nodes", 5); terminal || err != nil {
		return "fatal", err
	}
	selected, err := sh.Planner.SelectNodes(ctx, sh.Task.UserMessage, sh.NodeIDs, sh.Reg.Policies)
	if err != nil {
		return sh.failf(ctx, "select_nodes failed: %v", err)
	}
	sh.NodeIDs = selected
	return "hydrate_context", nil
}

func stageHydrateContext(ctx context.Context, sh *Shared) (string, error) {
	pack, err := sh.Hydrator.Hydrate(ctx, sh.Task.TenantID, sh.Task.UserMessage, sh.NodeIDs, sh.Reg)
	if err != nil {
		return sh.failf(ctx, "hydrate failed: %v", err)
	}
	sh.Pack = pack
	return "plan", nil
}

func stagePlan(ctx context.Context, sh *Shared) (string, error) {
	if terminal, err := sh.chargeLLM(ctx, "llm:build_plan", 10); terminal || err != nil {
		return "fatal", err
	}
	plan, err := sh.Planner.BuildPlan(ctx, sh.Pack)
	if err != nil {
		return sh.failf(ctx, "build_plan failed: %v", err)
	}
	sh.Plan = plan
	if err := sh.emitArtifact(ctx, "plan", sh.Plan); err != nil {
		return "", err
	}
	return "gate", nil
}

func stageGate(ctx context.Context, sh *Shared) (string, error) {
	sh.Gate = policy.GatePlan(&sh.Plan, &sh.Reg, sh.Task.Roles)

	if sh.Gate.Verdict == kernel.GateFatal {
		if err := sh.emitStatus(ctx, kernel.RunFailed, "Policy gate failed", gateMeta(sh.Gate)); err != nil {
			return "", err
		}
		sh.FinalState = kernel.RunFailed
		return "fatal", nil
	}
	if sh.Gate.Verdict == kernel.GateNeedApproval {
		return "request_approval", nil
	}
	return "execute", nil
}

func stageRequestApproval(ctx context.Context, sh *Shared) (string, error) {
	if err := sh.emitStatus(ctx, kernel.RunInputRequired, "Approval required", gateMeta(sh.Gate)); err != nil {
		return "", err
	}
	if _, err := sh.Approvals.Create(ctx, sh.RunID, map[string]any{"plan": sh.Plan, "report": sh.Gate}); err != nil {
		return "", fmt.Errorf("flow: create_approval_request: %w", err)
	}
	return "wait_for_approval", nil
}

func stageWaitForApproval(ctx context.Context, sh *Shared) (string, error) {
	approvalID := kernel.ApprovalIDFor(sh.RunID)
	decision, err := sh.Approvals.Wait(ctx, approvalID, approval.DefaultWaitTimeout)
	if err != nil {
		return "", fmt.Errorf("flow: wait_for_approval: %w", err)
	}
	if decision.Decision != kernel.DecisionApproved {
		if err := sh.emitStatus(ctx, kernel.RunCanceled, "Approval denied", nil); err != nil {
			return "", err
		}
		sh.FinalState = kernel.RunCanceled
		return "done", nil
	}
	if err := sh.emitStatus(ctx, kernel.RunWorking, "Approved, continuing", nil); err != nil {
		return "", err
	}
	return "execute", nil
}

func stageExecute(ctx context.Context, sh *Shared) (string, error) {
	results, err := sh.Executor.Run(ctx, sh.RunID, sh.Task, &sh.Plan, &sh.Reg)
	if err != nil {
		if err := sh.emitStatus(ctx, kernel.RunFailed, fmt.Sprintf("kernel crashed: %v", err), nil); err != nil {
			return "", err
		}
		sh.FinalState = kernel.RunFailed
		return "fatal", nil
	}
	sh.Results = results
	for _, r := range results {
		if err := sh.emitArtifact(ctx, "step_result", r); err != nil {
			return "", err
		}
	}
	return "commit", nil
}

func stageCommit(ctx context.Context, sh *Shared) (string, error) {
	anyFailed := false
	for _, r := range sh.Results {
		if r.Status == kernel.StepFailed {
			anyFailed = true
			break
		}
	}

	if !anyFailed {
		if miss := unmetObligations(sh.Plan.Obligations, sh.Results, emittedArtifactTypes(sh.Results)); len(miss) > 0 {
			if err := sh.emitArtifact(ctx, "policy_obligations_failed", miss); err != nil {
				return "", err
			}
			if err := sh.emitStatus(ctx, kernel.RunFailed, "Obligations not satisfied", nil); err != nil {
				return "", err
			}
			sh.FinalState = kernel.RunFailed
			return "fatal", nil
		}
	}

	sh.FinalState = kernel.RunCompleted
	if anyFailed {
		sh.FinalState = kernel.RunFailed
	}
	return "complete", nil
}

func stageComplete(ctx context.Context, sh *Shared) (string, error) {
	if err := sh.emitStatus(ctx, sh.FinalState, "Done", nil); err != nil {
		return "", err
	}
	return "done", nil
}

// chargeLLM debits the run budget and the tenant's llm quota for one LLM
// stage, emitting a failed status and reporting terminal=true if either
// ceiling is crossed.
func (sh *Shared) chargeLLM(ctx context.Context, actionID string, defaultCost int) (terminal bool, err error) {
	cost := defaultCost
	if v, ok := sh.TenantCtx.Limits["llm_call_cost_units"]; ok {
		if n, ok := v.(int); ok {
			cost = n
		}
	}
	if sh.Budget != nil {
		if _, err := sh.Budget.Consume(ctx, sh.RunID, budget.Delta{LLMCalls: 1, CostUnits: cost}, sh.TenantCtx.Limits); err != nil {
			if e := sh.emitStatus(ctx, kernel.RunFailed, fmt.Sprintf("%s: %v", actionID, err), nil); e != nil {
				return true, e
			}
			sh.FinalState = kernel.RunFailed
			return true, nil
		}
	}
	if sh.Quota != nil {
		req := quota.ConsumeRequest{
			TenantID: sh.Task.TenantID, OrgID: sh.TenantCtx.OrgID, UserID: sh.Task.UserID,
			RunID: sh.RunID, Kind: actionID, Day: sh.Day,
			Usage: quota.Usage{Model: "default", CostUnits: cost}, Limits: sh.TenantCtx.LLMQuotas,
		}
		if _, err := sh.Quota.Consume(ctx, req); err != nil {
			if e := sh.emitStatus(ctx, kernel.RunFailed, fmt.Sprintf("%s: %v", actionID, err), nil); e != nil {
				return true, e
			}
			sh.FinalState = kernel.RunFailed
			return true, nil
		}
	}
	return false, nil
}

// failf emits a failed status with a formatted message and moves the
// pipeline to the fatal terminal tag.
func (sh *Shared) failf(ctx context.Context, format string, args ...any) (string, error) {
	if err := sh.emitStatus(ctx, kernel.RunFailed, fmt.Sprintf(format, args...), nil); err != nil {
		return "", err
	}
	sh.FinalState = kernel.RunFailed
	return "fatal", nil
}

// emitStatus and emitArtifact are the persist-before-emit helper: every
// event is persisted through sh.Events first; the caller never observes
// an event that wasn't durably recorded.
func (sh *Shared) emitStatus(ctx context.Context, state kernel.RunState, message string, meta map[string]any) error {
	ev := kernel.Event{
		Type: kernel.EventTaskStatusUpdate, TaskID: sh.Task.TaskID, RunID: sh.RunID,
		State: state, Message: message, Meta: meta,
	}
	_, err := sh.Events.Persist(ctx, sh.RunID, ev)
	if err != nil {
		return fmt.Errorf("flow: persist status event: %w", err)
	}
	return nil
}

func (sh *Shared) emitArtifact(ctx context.Context, artifactType string, artifact any) error {
	ev := kernel.Event{
		Type: kernel.EventTaskArtifactUpdate, TaskID: sh.Task.TaskID, RunID: sh.RunID,
		ArtifactType: artifactType, Artifact: artifact,
	}
	_, err := sh.Events.Persist(ctx, sh.RunID, ev)
	if err != nil {
		return fmt.Errorf("flow: persist artifact event: %w", err)
	}
	return nil
}

func gateMeta(report kernel.GateReport) map[string]any {
	return map[string]any{
		"verdict":            report.Verdict,
		"matched_policy_ids": report.MatchedPolicyIDs,
		"obligations":        report.Obligations,
	}
}

func emittedArtifactTypes(results []kernel.StepResult) map[string]bool {
	// step_result artifacts are always emitted per result; must_emit_artifact
	// obligations referring to "step_result" are trivially satisfied whenever
	// there is at least one result. Obligations naming any other artifact
	// type (e.g. a planner-emitted "reply_draft") are checked against the
	// steps' own outputs carrying an "_artifact_type" marker field, the
	// convention registry authors use to tag a step's output as an artifact.
	types := map[string]bool{}
	if len(results) > 0 {
		types["step_result"] = true
	}
	for _, r := range results {
		if t, ok := r.Output["_artifact_type"].(string); ok {
			types[t] = true
		}
	}
	return types
}

func unmetObligations(obligations []kernel.Obligation, results []kernel.StepResult, emitted map[string]bool) []kernel.Obligation {
	var miss []kernel.Obligation
	for _, o := range obligations {
		switch o.Type {
		case "must_emit_artifact":
			if !emitted[o.ArtifactType] {
				miss = append(miss, o)
			}
		case "must_reference_policy_id":
			ok := true
			for _, r := range results {
				if !kernel.IsSideEffecting(r.ActionID, r.Tool, false) {
					continue
				}
				if !containsString(r.PolicyIDs, o.PolicyID) {
					ok = false
					break
				}
			}
			if !ok {
				miss = append(miss, o)
			}
		default:
			// Unrecognized kinds are neither checked nor reported here,
			// and never make the run fail.
		}
	}
	return miss
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
