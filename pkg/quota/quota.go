// Package quota enforces per-model daily LLM usage ceilings at the
// tenant, org, and user scope, and records the billing ledger entries
// those calls produce.
//
// Grounded on original/.../storage_postgres.py's consume_llm_quota (three
// scope checks in order: tenant, org, user, each a SELECT ... FOR UPDATE
// daily counter keyed by (scope, scope_id, day, model)) and its paired
// billing_daily ledger insert.
package quota

import (
	"context"
	"fmt"

	"github.com/wmag/kernel/pkg/kernel"
)

// Scope is one of the three levels an LLMQuotas document can bound.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeOrg    Scope = "org"
	ScopeUser   Scope = "user"
)

// Usage is the delta one LLM call consumes against a scope's daily
// counter.
type Usage struct {
	Model     string
	Tokens    int
	CostUnits int
}

// ScopeLimits bounds one scope's per-model daily usage. A zero field means
// unbounded for that dimension.
type ScopeLimits struct {
	MaxTokensPerDay    int
	MaxCostUnitsPerDay int
	MaxCallsPerDay     int
}

// Limits is the full llm_quotas document: per-scope, per-model limits.
type Limits struct {
	Tenant map[string]ScopeLimits // keyed by model
	Org    map[string]ScopeLimits
	User   map[string]ScopeLimits
}

// ExceededError names the scope and model whose daily quota would be
// crossed.
type ExceededError struct {
	Scope Scope
	Model string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s model=%s", e.Scope, e.Model)
}

// ConsumeRequest is one LLM call's scope identities plus usage to charge.
// Day is the caller-supplied current day key (e.g. "2026-07-31"); neither
// Store implementation calls time.Now itself, so the FlowEngine's clock is
// the single source of truth for "today".
type ConsumeRequest struct {
	TenantID string
	OrgID    string // empty if not applicable
	UserID   string // empty if not applicable
	RunID    string
	StepID   string
	Kind     string // e.g. "select_nodes", "build_plan"
	Day      string
	Usage    Usage
	Limits   Limits
}

// Store atomically charges an LLM call against tenant/org/user daily
// quotas (in that order, each independently enforced) and appends a
// billing ledger entry.
type Store interface {
	// Consume enforces daily per-model quotas at every scope with a
	// non-empty id, in tenant -> org -> user order, stopping at the first
	// scope that would be exceeded. On success it appends a
	// BillingLedgerEntry and returns it.
	Consume(ctx context.Context, req ConsumeRequest) (kernel.BillingLedgerEntry, error)
}

func limitsFor(scope Scope, l Limits, model string) ScopeLimits {
	var m map[string]ScopeLimits
	switch scope {
	case ScopeTenant:
		m = l.Tenant
	case ScopeOrg:
		m = l.Org
	case ScopeUser:
		m = l.User
	}
	if m == nil {
		return ScopeLimits{}
	}
	return m[model]
}

func within(used, delta int, max int) bool {
	if max <= 0 {
		return true
	}
	return used+delta <= max
}
