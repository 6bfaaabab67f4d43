// Package policy implements the composable condition language and
// per-step rule evaluation that the FlowEngine's gate stage runs every
// plan step through before execution.
//
// Grounded on original/.../kernel/runtime/policy_engine.py
// (_match/_cond_matches/_normalize_policies/evaluate_step_policy/
// compile_effective_limits) and original/.../kernel/runtime/policy.py
// (policy_gate_plan, apply_tenant_overrides). The condition shapes are
// wire-exact with kernel.Condition in pkg/kernel/registry.go.
package policy

import (
	"path/filepath"
	"sort"

	"github.com/wmag/kernel/pkg/kernel"
)

// match mirrors the reference's _match: exact equality, or a shell glob
// match (fnmatch in Python, filepath.Match in Go — both support * and ?).
func match(val, pattern string) bool {
	if val == pattern {
		return true
	}
	ok, err := filepath.Match(pattern, val)
	return err == nil && ok
}

// stepFacts is the subset of a plan step + submitter roles a Condition can
// test against.
type stepFacts struct {
	ActionID string
	Tool     string
	Roles    []string
}

func condMatches(cond kernel.Condition, facts stepFacts) bool {
	if len(cond.All) > 0 {
		for _, c := range cond.All {
			if !condMatches(c, facts) {
				return false
			}
		}
		return true
	}
	if len(cond.Any) > 0 {
		for _, c := range cond.Any {
			if condMatches(c, facts) {
				return true
			}
		}
		return false
	}
	if cond.Not != nil {
		return !condMatches(*cond.Not, facts)
	}

	if cond.Action != "" && !match(facts.ActionID, cond.Action) {
		return false
	}
	if cond.Tool != "" && !match(facts.Tool, cond.Tool) {
		return false
	}
	if len(cond.RolesAny) > 0 && !intersects(facts.Roles, cond.RolesAny) {
		return false
	}
	if len(cond.RolesAll) > 0 && !subset(cond.RolesAll, facts.Roles) {
		return false
	}
	return true
}

func intersects(a, b []string) bool {
	set := toSet(a)
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

func subset(needle, haystack []string) bool {
	set := toSet(haystack)
	for _, v := range needle {
		if !set[v] {
			return false
		}
	}
	return true
}

func toSet(vals []string) map[string]bool {
	s := make(map[string]bool, len(vals))
	for _, v := range vals {
		s[v] = true
	}
	return s
}

// normalizePolicies returns policies sorted by descending priority, the
// order in which evaluateStepPolicy applies them.
func normalizePolicies(policies []kernel.Policy) []kernel.Policy {
	out := make([]kernel.Policy, len(policies))
	copy(out, policies)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// EffectiveLimits merges tenant-level limits with any registry-level
// override, registry values winning (compile_effective_limits).
func EffectiveLimits(tenantLimits, registryLimits map[string]any) map[string]any {
	out := make(map[string]any, len(tenantLimits)+len(registryLimits))
	for k, v := range tenantLimits {
		out[k] = v
	}
	for k, v := range registryLimits {
		out[k] = v
	}
	return out
}

// Decision is the per-step outcome of evaluateStepPolicy: whether the step
// is allowed, and the accumulated patch to apply if so.
type Decision struct {
	Allowed          bool
	DenyReason       *kernel.StepError
	RequiresApproval bool
	CostUnitsOverride *int
	PolicyIDs        []string
	Obligations      []kernel.Obligation
}

// EvaluateStep applies step-local RBAC first, then every phase-matching
// registry policy in priority order, stopping at the first deny.
func EvaluateStep(step kernel.Step, action kernel.Action, userRoles []string, registry *kernel.Registry, phase string) Decision {
	var d Decision
	d.Allowed = true

	facts := stepFacts{ActionID: step.ActionID, Tool: action.Tool, Roles: userRoles}

	if action.Security != nil && len(action.Security.AllowedRoles) > 0 && !intersects(userRoles, action.Security.AllowedRoles) {
		d.Allowed = false
		d.DenyReason = &kernel.StepError{Class: kernel.ErrRBAC, Message: "role not allowed"}
		return d
	}
	if action.Security != nil && action.Security.RequiresApproval {
		d.RequiresApproval = true
	}

	var matchedIDs []string
	var obligations []kernel.Obligation

	for _, rule := range normalizePolicies(registry.Policies) {
		if rule.Phase != "" && rule.Phase != phase {
			continue
		}
		if !condMatches(rule.When, facts) {
			continue
		}

		matchedIDs = append(matchedIDs, rule.PolicyID)
		eff := rule.Effect

		if eff.Deny {
			d.Allowed = false
			if eff.DenyReason != nil {
				d.DenyReason = eff.DenyReason
			} else {
				d.DenyReason = &kernel.StepError{Class: kernel.ErrPolicy, Message: "denied by " + rule.PolicyID}
			}
			d.PolicyIDs = matchedIDs
			return d
		}

		if eff.RequireApproval {
			d.RequiresApproval = true
		}
		if eff.SetCostUnits != nil {
			d.CostUnitsOverride = eff.SetCostUnits
		}
		obligations = append(obligations, eff.Obligations...)
	}

	d.PolicyIDs = matchedIDs
	d.Obligations = obligations
	return d
}

// dedupeKey returns a canonical key used to deduplicate obligations across
// steps, matching the reference's json.dumps(ob, sort_keys=True) dedup.
func dedupeKey(o kernel.Obligation) string {
	return o.CanonicalKey()
}

// GatePlan runs EvaluateStep over every step in plan, producing the report
// the gate stage emits as a TaskArtifactUpdateEvent, plus the
// policy-patched steps to execute. Denied steps are marked failed and
// excluded from obligation collection; if every step is denied, or any
// step carries a deny verdict that is configured as fatal for the whole
// plan, callers are expected to set GateFatal (spec.md leaves per-plan vs
// per-step denial granularity to the caller — see DESIGN.md Open
// Questions).
func GatePlan(plan *kernel.Plan, registry *kernel.Registry, userRoles []string) kernel.GateReport {
	report := kernel.GateReport{
		StepEffects: make(map[string]kernel.PolicyEffect),
	}

	var allMatched []string
	var allObligations []kernel.Obligation
	anyDenied := false
	anyAllowed := false
	anyApproval := plan.Controls.RequiresApproval

	for i := range plan.Steps {
		step := &plan.Steps[i]
		action, ok := registry.FindAction(step.ActionID)
		if !ok {
			report.Verdict = kernel.GateFatal
			report.DenyReason = &kernel.StepError{Class: kernel.ErrValidation, Message: "unknown action_id: " + step.ActionID}
			return report
		}

		decision := EvaluateStep(*step, *action, userRoles, registry, "exec")
		allMatched = append(allMatched, decision.PolicyIDs...)

		if !decision.Allowed {
			anyDenied = true
			report.StepEffects[step.StepID] = kernel.PolicyEffect{Deny: true, DenyReason: decision.DenyReason}
			continue
		}
		anyAllowed = true

		if decision.RequiresApproval {
			step.RequiresApproval = true
			anyApproval = true
		}
		if decision.CostUnitsOverride != nil {
			step.CostUnitsOverride = decision.CostUnitsOverride
		}
		if len(decision.PolicyIDs) > 0 {
			step.PolicyIDs = decision.PolicyIDs
		}
		allObligations = append(allObligations, decision.Obligations...)
	}

	plan.Obligations = append(plan.Obligations, dedupeObligations(allObligations)...)
	report.MatchedPolicyIDs = dedupeStrings(allMatched)
	report.Obligations = plan.Obligations

	switch {
	case anyDenied && !anyAllowed && len(plan.Steps) > 0:
		// Every step was denied — nothing left to execute, so the whole
		// plan is fatal rather than proceeding with zero work.
		report.Verdict = kernel.GateFatal
	case anyApproval:
		report.Verdict = kernel.GateNeedApproval
	default:
		report.Verdict = kernel.GateOK
	}
	return report
}

func dedupeObligations(obs []kernel.Obligation) []kernel.Obligation {
	seen := make(map[string]bool, len(obs))
	var out []kernel.Obligation
	for _, o := range obs {
		key := dedupeKey(o)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, o)
	}
	return out
}

func dedupeStrings(vals []string) []string {
	seen := make(map[string]bool, len(vals))
	var out []string
	for _, v := range vals {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
