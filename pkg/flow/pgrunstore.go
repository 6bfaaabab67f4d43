package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmag/kernel/pkg/kernel"
	"github.com/wmag/kernel/pkg/quota"
)

// PGRunStore is the Postgres-backed RunStore used by the durable profile,
// grounded on original/.../storage_postgres.py's create_or_load_run /
// set_run_state / load_tenant_context, adapted from asyncpg to pgx/v5 in
// the style of pkg/eventlog/pgstore.
type PGRunStore struct {
	pool *pgxpool.Pool
}

// NewPGRunStore wraps an already-migrated pool. The caller owns the pool's
// lifecycle.
func NewPGRunStore(pool *pgxpool.Pool) *PGRunStore {
	return &PGRunStore{pool: pool}
}

var _ RunStore = (*PGRunStore)(nil)

func (s *PGRunStore) CreateOrLoadRun(ctx context.Context, taskID, tenantID string) (kernel.Run, error) {
	var run kernel.Run
	var budgetRaw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, task_id, tenant_id, state, title, budget_used
		 FROM runs WHERE task_id=$1`, taskID,
	).Scan(&run.RunID, &run.TaskID, &run.TenantID, &run.State, &run.Title, &budgetRaw)
	if err == nil {
		if len(budgetRaw) > 0 {
			_ = json.Unmarshal(budgetRaw, &run.BudgetUsed)
		}
		return run, nil
	}
	if err != pgx.ErrNoRows {
		return kernel.Run{}, fmt.Errorf("flow: load run for task %s: %w", taskID, err)
	}

	run = kernel.Run{
		RunID:    "run_" + taskID,
		TaskID:   taskID,
		TenantID: tenantID,
		State:    kernel.RunSubmitted,
	}
	budgetRaw, err = json.Marshal(run.BudgetUsed)
	if err != nil {
		return kernel.Run{}, fmt.Errorf("flow: encode initial budget: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs(run_id, task_id, tenant_id, state, budget_used, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5::jsonb, now(), now())
		 ON CONFLICT (task_id) DO NOTHING`,
		run.RunID, run.TaskID, run.TenantID, run.State, budgetRaw,
	)
	if err != nil {
		return kernel.Run{}, fmt.Errorf("flow: create run for task %s: %w", taskID, err)
	}
	return run, nil
}

func (s *PGRunStore) SetRunState(ctx context.Context, runID string, state kernel.RunState) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET state=$1, updated_at=now() WHERE run_id=$2`, state, runID,
	)
	if err != nil {
		return fmt.Errorf("flow: set run state %s: %w", runID, err)
	}
	return nil
}

func (s *PGRunStore) LoadTenantContext(ctx context.Context, tenantID string) (TenantContext, error) {
	var orgID string
	var limitsRaw, quotasRaw, overlayIDs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT org_id, limits, llm_quotas, overlay_ids FROM tenants WHERE tenant_id=$1`, tenantID,
	).Scan(&orgID, &limitsRaw, &quotasRaw, &overlayIDs)
	if err == pgx.ErrNoRows {
		return TenantContext{Limits: map[string]any{"max_tool_calls": 50}}, nil
	}
	if err != nil {
		return TenantContext{}, fmt.Errorf("flow: load tenant %s: %w", tenantID, err)
	}

	tc := TenantContext{OrgID: orgID}
	if len(limitsRaw) > 0 {
		if err := json.Unmarshal(limitsRaw, &tc.Limits); err != nil {
			return TenantContext{}, fmt.Errorf("flow: decode tenant limits %s: %w", tenantID, err)
		}
	}
	if len(quotasRaw) > 0 {
		var q quota.Limits
		if err := json.Unmarshal(quotasRaw, &q); err != nil {
			return TenantContext{}, fmt.Errorf("flow: decode tenant quotas %s: %w", tenantID, err)
		}
		tc.LLMQuotas = q
	}
	if len(overlayIDs) > 0 {
		if err := json.Unmarshal(overlayIDs, &tc.OverlayIDs); err != nil {
			return TenantContext{}, fmt.Errorf("flow: decode tenant overlay ids %s: %w", tenantID, err)
		}
	}
	return tc, nil
}
