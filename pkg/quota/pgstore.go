package quota

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmag/kernel/pkg/kernel"
)

// PGStore is a Store backed by Postgres' llm_usage_daily and
// billing_ledger tables.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing pool. The caller owns pool's lifecycle.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) Consume(ctx context.Context, req ConsumeRequest) (kernel.BillingLedgerEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return kernel.BillingLedgerEntry{}, fmt.Errorf("quota: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	hits := []struct {
		scope Scope
		id    string
	}{
		{ScopeTenant, req.TenantID},
		{ScopeOrg, req.OrgID},
		{ScopeUser, req.UserID},
	}

	for _, h := range hits {
		if h.id == "" {
			continue
		}
		lim := limitsFor(h.scope, req.Limits, req.Usage.Model)

		var tokens, costUnits, calls int
		err := tx.QueryRow(ctx,
			`SELECT tokens, cost_units, calls FROM llm_usage_daily
			 WHERE scope=$1 AND scope_id=$2 AND day=$3 AND model=$4 FOR UPDATE`,
			h.scope, h.id, req.Day, req.Usage.Model,
		).Scan(&tokens, &costUnits, &calls)

		switch {
		case err == pgx.ErrNoRows:
			if !within(0, req.Usage.Tokens, lim.MaxTokensPerDay) ||
				!within(0, req.Usage.CostUnits, lim.MaxCostUnitsPerDay) ||
				!within(0, 1, lim.MaxCallsPerDay) {
				return kernel.BillingLedgerEntry{}, &ExceededError{Scope: h.scope, Model: req.Usage.Model}
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO llm_usage_daily(scope, scope_id, day, model, tokens, cost_units, calls)
				 VALUES($1,$2,$3,$4,$5,$6,1)`,
				h.scope, h.id, req.Day, req.Usage.Model, req.Usage.Tokens, req.Usage.CostUnits,
			); err != nil {
				return kernel.BillingLedgerEntry{}, fmt.Errorf("quota: insert daily counter: %w", err)
			}
		case err != nil:
			return kernel.BillingLedgerEntry{}, fmt.Errorf("quota: load daily counter: %w", err)
		default:
			if !within(tokens, req.Usage.Tokens, lim.MaxTokensPerDay) ||
				!within(costUnits, req.Usage.CostUnits, lim.MaxCostUnitsPerDay) ||
				!within(calls, 1, lim.MaxCallsPerDay) {
				return kernel.BillingLedgerEntry{}, &ExceededError{Scope: h.scope, Model: req.Usage.Model}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE llm_usage_daily SET tokens=$1, cost_units=$2, calls=$3, updated_at=now()
				 WHERE scope=$4 AND scope_id=$5 AND day=$6 AND model=$7`,
				tokens+req.Usage.Tokens, costUnits+req.Usage.CostUnits, calls+1,
				h.scope, h.id, req.Day, req.Usage.Model,
			); err != nil {
				return kernel.BillingLedgerEntry{}, fmt.Errorf("quota: update daily counter: %w", err)
			}
		}
	}

	var entryID string
	if err := tx.QueryRow(ctx,
		`INSERT INTO billing_ledger(tenant_id, run_id, step_id, cost_units, created_at)
		 VALUES($1,$2,$3,$4, now()) RETURNING entry_id`,
		req.TenantID, req.RunID, req.StepID, req.Usage.CostUnits,
	).Scan(&entryID); err != nil {
		return kernel.BillingLedgerEntry{}, fmt.Errorf("quota: insert billing ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return kernel.BillingLedgerEntry{}, fmt.Errorf("quota: commit: %w", err)
	}

	return kernel.BillingLedgerEntry{
		EntryID:   entryID,
		TenantID:  req.TenantID,
		RunID:     req.RunID,
		StepID:    req.StepID,
		CostUnits: req.Usage.CostUnits,
	}, nil
}
