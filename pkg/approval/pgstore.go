package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmag/kernel/pkg/kernel"
)

// PGStepCache is a StepCache backed by Postgres' step_cache table.
type PGStepCache struct {
	pool *pgxpool.Pool
}

// NewPGStepCache wraps an existing pool. The caller owns pool's lifecycle.
func NewPGStepCache(pool *pgxpool.Pool) *PGStepCache {
	return &PGStepCache{pool: pool}
}

var _ StepCache = (*PGStepCache)(nil)

func (c *PGStepCache) Get(ctx context.Context, idemKey string) (kernel.StepResult, bool, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx, `SELECT payload FROM step_cache WHERE idem_key=$1`, idemKey).Scan(&raw)
	if err == pgx.ErrNoRows {
		return kernel.StepResult{}, false, nil
	}
	if err != nil {
		return kernel.StepResult{}, false, fmt.Errorf("approval: load step_cache %s: %w", idemKey, err)
	}
	var r kernel.StepResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return kernel.StepResult{}, false, fmt.Errorf("approval: decode step_cache %s: %w", idemKey, err)
	}
	return r, true, nil
}

func (c *PGStepCache) Put(ctx context.Context, idemKey string, result kernel.StepResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("approval: encode step result: %w", err)
	}
	_, err = c.pool.Exec(ctx,
		`INSERT INTO step_cache(idem_key, payload) VALUES($1,$2::jsonb)
		 ON CONFLICT (idem_key) DO UPDATE SET payload=EXCLUDED.payload`,
		idemKey, encoded,
	)
	if err != nil {
		return fmt.Errorf("approval: save step_cache %s: %w", idemKey, err)
	}
	return nil
}

// pgPollInterval mirrors the original's asyncio.sleep(0.5) between polls
// of the approvals row.
const pgPollInterval = 500 * time.Millisecond

// PGStore is an approval Store backed by Postgres' approvals table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing pool. The caller owns pool's lifecycle.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) Create(ctx context.Context, runID string, payload map[string]any) (string, error) {
	id := kernel.ApprovalIDFor(runID)
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("approval: encode payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO approvals(approval_id, run_id, payload) VALUES($1,$2,$3::jsonb)
		 ON CONFLICT (approval_id) DO UPDATE SET payload=EXCLUDED.payload`,
		id, runID, encoded,
	)
	if err != nil {
		return "", fmt.Errorf("approval: create %s: %w", id, err)
	}
	return id, nil
}

func (s *PGStore) Decide(ctx context.Context, runID string, decision kernel.Decision) error {
	id := kernel.ApprovalIDFor(runID)
	encoded, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("approval: encode decision: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE approvals SET decision=$1::jsonb, decided_at=now() WHERE approval_id=$2`,
		encoded, id,
	)
	if err != nil {
		return fmt.Errorf("approval: decide %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) Wait(ctx context.Context, approvalID string, timeout time.Duration) (kernel.Decision, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pgPollInterval)
	defer ticker.Stop()

	for {
		var raw []byte
		err := s.pool.QueryRow(ctx, `SELECT decision FROM approvals WHERE approval_id=$1`, approvalID).Scan(&raw)
		if err != nil && err != pgx.ErrNoRows {
			return kernel.Decision{}, fmt.Errorf("approval: poll %s: %w", approvalID, err)
		}
		if len(raw) > 0 {
			var d kernel.Decision
			if err := json.Unmarshal(raw, &d); err != nil {
				return kernel.Decision{}, fmt.Errorf("approval: decode decision %s: %w", approvalID, err)
			}
			return d, nil
		}
		if time.Now().After(deadline) {
			return timeoutDecision(), nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return kernel.Decision{}, ctx.Err()
		}
	}
}
