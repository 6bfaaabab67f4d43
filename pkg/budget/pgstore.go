package budget

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmag/kernel/pkg/kernel"
)

// PGStore is a Store backed by Postgres, using SELECT ... FOR UPDATE to
// serialize concurrent consumers of the same run's budget row.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing pool. The caller owns pool's lifecycle.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) Consume(ctx context.Context, runID string, delta Delta, limits map[string]any) (kernel.BudgetUsed, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return kernel.BudgetUsed{}, fmt.Errorf("budget: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT budget_used FROM runs WHERE run_id=$1 FOR UPDATE`, runID).Scan(&raw); err != nil {
		return kernel.BudgetUsed{}, fmt.Errorf("budget: load run %s: %w", runID, err)
	}
	var used kernel.BudgetUsed
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &used); err != nil {
			return kernel.BudgetUsed{}, fmt.Errorf("budget: decode budget_used: %w", err)
		}
	}

	toolCalls := used.ToolCalls + delta.ToolCalls
	llmCalls := used.LLMCalls + delta.LLMCalls
	costUnits := used.CostUnits + delta.CostUnits

	maxTool := limitInt(limits, "max_tool_calls", unbounded)
	maxLLM := limitInt(limits, "max_llm_calls", unbounded)
	maxCost := limitInt(limits, "max_cost_units", unbounded)

	if toolCalls > maxTool {
		return used, &ExceededError{Limit: "max_tool_calls"}
	}
	if llmCalls > maxLLM {
		return used, &ExceededError{Limit: "max_llm_calls"}
	}
	if costUnits > maxCost {
		return used, &ExceededError{Limit: "max_cost_units"}
	}

	next := kernel.BudgetUsed{ToolCalls: toolCalls, LLMCalls: llmCalls, CostUnits: costUnits}
	encoded, err := json.Marshal(next)
	if err != nil {
		return kernel.BudgetUsed{}, fmt.Errorf("budget: encode budget_used: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE runs SET budget_used=$1::jsonb, updated_at=now() WHERE run_id=$2`, encoded, runID); err != nil {
		return kernel.BudgetUsed{}, fmt.Errorf("budget: update run %s: %w", runID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return kernel.BudgetUsed{}, fmt.Errorf("budget: commit: %w", err)
	}
	return next, nil
}
