// Package budget enforces per-run tool_calls/llm_calls/cost_units ceilings
// with atomic check-then-increment semantics.
//
// Grounded on original/.../storage_postgres.py's consume_budget (SELECT
// ... FOR UPDATE inside a transaction, compare against limits, then
// UPDATE).
package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/wmag/kernel/pkg/kernel"
)

// Delta is the increment to apply to a Run's BudgetUsed.
type Delta struct {
	ToolCalls int
	LLMCalls  int
	CostUnits int
}

// ErrExceeded is wrapped with the limit name that was exceeded.
var ErrExceeded = errors.New("budget exceeded")

// ExceededError names which limit tripped, for error-class mapping in the
// executor (always kernel.ErrBudget).
type ExceededError struct {
	Limit string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: %s", ErrExceeded, e.Limit)
}

func (e *ExceededError) Unwrap() error { return ErrExceeded }

// Store atomically checks and increments a run's budget counters against
// limits.
type Store interface {
	// Consume increments used by delta, failing with *ExceededError if any
	// of limits' max_tool_calls/max_llm_calls/max_cost_units would be
	// exceeded. On success the new totals are returned.
	Consume(ctx context.Context, runID string, delta Delta, limits map[string]any) (kernel.BudgetUsed, error)
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
	}
	return def
}

const unbounded = 1 << 30
