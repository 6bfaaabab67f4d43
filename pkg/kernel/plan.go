package kernel

// PlanControls bounds what a plan is allowed to do before any step-level
// policy is consulted.
type PlanControls struct {
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	MaxToolCalls     int      `json:"max_tool_calls,omitempty"`
	AllowedTools     []string `json:"allowed_tools,omitempty"`
}

// Step is one unit of planned work. DependsOn step ids must all appear
// earlier in Steps; the executor currently runs steps strictly in slice
// order (see DESIGN.md Open Question i) but still validates the ordering
// invariant.
type Step struct {
	StepID            string         `json:"step_id"`
	ActionID          string         `json:"action_id"`
	Args              map[string]any `json:"args,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	RequiresApproval  bool           `json:"requires_approval,omitempty"`
	CostUnitsOverride *int           `json:"cost_units_override,omitempty"`
	PolicyIDs         []string       `json:"policy_ids,omitempty"`
}

// Plan is the planner's output: a goal restated, the controls bounding it,
// an ordered step list, and obligations the executed plan must satisfy.
type Plan struct {
	Type        string       `json:"type"`
	Goal        string       `json:"goal"`
	Controls    PlanControls `json:"controls"`
	Steps       []Step       `json:"steps"`
	Obligations []Obligation `json:"obligations,omitempty"`
}

// FindStep looks up a step by id.
func (p *Plan) FindStep(stepID string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].StepID == stepID {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// GateVerdict is the outcome of the policy gate stage: ok (proceed),
// need_approval (create an Approval and pause), or fatal (deny, fail the
// run).
type GateVerdict string

const (
	GateOK            GateVerdict = "ok"
	GateNeedApproval  GateVerdict = "need_approval"
	GateFatal         GateVerdict = "fatal"
)

// GateReport is emitted as a TaskArtifactUpdateEvent artifact after the
// policy gate runs (spec.md §4.3 / original ValidatePlanAndPolicyGateNode).
type GateReport struct {
	Verdict        GateVerdict       `json:"verdict"`
	MatchedPolicyIDs []string        `json:"matched_policy_ids,omitempty"`
	Obligations    []Obligation      `json:"obligations,omitempty"`
	StepEffects    map[string]PolicyEffect `json:"step_effects,omitempty"`
	DenyReason     *StepError        `json:"deny_reason,omitempty"`
}
