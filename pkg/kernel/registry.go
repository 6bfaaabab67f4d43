package kernel

// Tool describes a callable external tool surfaced through the registry.
type Tool struct {
	ToolID      string `json:"tool_id" validate:"required"`
	Description string `json:"description,omitempty"`
}

// IdempotencyMode selects how a step's idempotency key is derived.
type IdempotencyMode string

const (
	IdempotencyHashArgs   IdempotencyMode = "hash_args"
	IdempotencyExplicit   IdempotencyMode = "explicit_key"
)

// IdempotencySpec names the mode an action uses to derive its key.
type IdempotencySpec struct {
	Mode IdempotencyMode `json:"mode" yaml:"mode" validate:"required,oneof=hash_args explicit_key"`
}

// ActionSecurity gates an action by role and/or mandatory approval.
type ActionSecurity struct {
	AllowedRoles     []string `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
}

// Action binds an action_id to a tool with timeout/retry/idempotency/cost
// policy.
type Action struct {
	ActionID       string          `json:"action_id" yaml:"action_id" validate:"required"`
	Tool           string          `json:"tool" yaml:"tool" validate:"required"`
	TimeoutMS      int             `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RetryClass     string          `json:"retry_class,omitempty" yaml:"retry_class,omitempty"`
	Idempotency    IdempotencySpec `json:"idempotency" yaml:"idempotency"`
	CostUnits      int             `json:"cost_units,omitempty" yaml:"cost_units,omitempty"`
	SideEffect     bool            `json:"side_effect,omitempty" yaml:"side_effect,omitempty"`
	Security       *ActionSecurity `json:"security,omitempty" yaml:"security,omitempty"`
}

// EffectiveTimeout returns the action's timeout, defaulting to 15s per
// spec.md §4.4 step 7.
func (a Action) EffectiveTimeout() int {
	if a.TimeoutMS > 0 {
		return a.TimeoutMS
	}
	return 15000
}

// PolicyEffect is the patch a matched policy rule applies to a step.
type PolicyEffect struct {
	Deny             bool             `json:"deny,omitempty" yaml:"deny,omitempty"`
	DenyReason       *StepError       `json:"deny_reason,omitempty" yaml:"deny_reason,omitempty"`
	RequireApproval  bool             `json:"require_approval,omitempty" yaml:"require_approval,omitempty"`
	SetCostUnits     *int             `json:"set_cost_units,omitempty" yaml:"set_cost_units,omitempty"`
	Obligations      []Obligation     `json:"obligations,omitempty" yaml:"obligations,omitempty"`
}

// Condition is a leaf or composite predicate over a plan step and the
// submitter's roles (spec.md §4.3).
type Condition struct {
	Action   string      `json:"action,omitempty" yaml:"action,omitempty"`
	Tool     string      `json:"tool,omitempty" yaml:"tool,omitempty"`
	RolesAny []string    `json:"roles_any,omitempty" yaml:"roles_any,omitempty"`
	RolesAll []string    `json:"roles_all,omitempty" yaml:"roles_all,omitempty"`
	All      []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any      []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not      *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
}

// Policy is a rule with a condition and an effect.
type Policy struct {
	PolicyID string       `json:"policy_id" yaml:"policy_id" validate:"required"`
	Priority int          `json:"priority,omitempty" yaml:"priority,omitempty"`
	Phase    string       `json:"phase,omitempty" yaml:"phase,omitempty"`
	When     Condition    `json:"when" yaml:"when"`
	Effect   PolicyEffect `json:"effect" yaml:"effect"`
}

// Obligation is a plan-wide assertion checked after execution.
type Obligation struct {
	Type         string `json:"type" yaml:"type"`
	ArtifactType string `json:"artifact_type,omitempty" yaml:"artifact_type,omitempty"`
	PolicyID     string `json:"policy_id,omitempty" yaml:"policy_id,omitempty"`
}

// CanonicalKey returns a stable string for obligation dedup.
func (o Obligation) CanonicalKey() string {
	return o.Type + "|" + o.ArtifactType + "|" + o.PolicyID
}

// RetryClassSpec names the retry policy an action's retry_class points to.
type RetryClassSpec struct {
	Name        string  `json:"name" yaml:"name" validate:"required"`
	MaxAttempts int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffMS   []int   `json:"backoff_ms,omitempty" yaml:"backoff_ms,omitempty"`
	RetryOn     []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// SecurityOverridePatch applies a JSON-pointer-like patch to an action's
// security block from a tenant override (spec.md §4.2 / original
// apply_tenant_overrides).
type SecurityOverridePatch struct {
	ActionID string                 `json:"action_id" yaml:"action_id"`
	Set      []SecurityOverrideSet  `json:"set" yaml:"set"`
}

// SecurityOverrideSet is one {path, value} patch entry.
type SecurityOverrideSet struct {
	Path  string `json:"path" yaml:"path"`
	Value any    `json:"value" yaml:"value"`
}

// TenantOverride narrows the enabled tool/action surface and can patch
// action security for one tenant.
type TenantOverride struct {
	EnabledTools      []string                `json:"enabled_tools,omitempty" yaml:"enabled_tools,omitempty"`
	EnabledActions    []string                `json:"enabled_actions,omitempty" yaml:"enabled_actions,omitempty"`
	SecurityOverrides []SecurityOverridePatch `json:"security_overrides,omitempty" yaml:"security_overrides,omitempty"`
}

// Registry is the effective, per-task configuration document: the merged
// result of base + org/tenant/user overlays.
type Registry struct {
	RegistryID      string                     `json:"registry_id" yaml:"registry_id"`
	SchemaVersion   string                     `json:"schema_version" yaml:"schema_version"`
	Tools           []Tool                     `json:"tools" yaml:"tools"`
	Actions         []Action                   `json:"actions" yaml:"actions"`
	Policies        []Policy                   `json:"policies" yaml:"policies"`
	RetryClasses    []RetryClassSpec           `json:"retry_classes" yaml:"retry_classes"`
	Roles           map[string][]string        `json:"roles,omitempty" yaml:"roles,omitempty"`
	Limits          map[string]any             `json:"limits,omitempty" yaml:"limits,omitempty"`
	TenantOverrides map[string]TenantOverride  `json:"tenant_overrides,omitempty" yaml:"tenant_overrides,omitempty"`
}

// FindAction looks up an action by id.
func (r *Registry) FindAction(actionID string) (*Action, bool) {
	for i := range r.Actions {
		if r.Actions[i].ActionID == actionID {
			return &r.Actions[i], true
		}
	}
	return nil, false
}

// FindRetryClass looks up a retry class by name, defaulting to a single
// non-retrying attempt when absent.
func (r *Registry) FindRetryClass(name string) RetryClassSpec {
	for _, rc := range r.RetryClasses {
		if rc.Name == name {
			return rc
		}
	}
	return RetryClassSpec{Name: name, MaxAttempts: 1}
}
