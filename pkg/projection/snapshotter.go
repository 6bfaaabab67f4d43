// Package projection maintains the kernel's read-side projections: the
// per-run run_snapshots row and the runs_mv/approvals_mv materialized views
// (spec.md §4.7), grounded on original/.../storage_postgres.py's
// upsert_snapshot/refresh_materialized_views and SNAPSHOT_EVERY/
// REFRESH_MV_EVERY constants.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmag/kernel/pkg/eventlog"
	"github.com/wmag/kernel/pkg/kernel"
)

// DefaultSnapshotEvery mirrors the original's SNAPSHOT_EVERY=25 default.
const DefaultSnapshotEvery = 25

// Snapshotter decorates an eventlog.Store, upserting run_snapshots every
// SnapshotEvery persisted events and on every terminal state transition, so
// readers never have to replay the full run_events chain to answer "what's
// the run's current state".
type Snapshotter struct {
	eventlog.Store
	pool          *pgxpool.Pool
	snapshotEvery int64
}

// NewSnapshotter wraps store; snapshotEvery <= 0 uses DefaultSnapshotEvery.
func NewSnapshotter(store eventlog.Store, pool *pgxpool.Pool, snapshotEvery int64) *Snapshotter {
	if snapshotEvery <= 0 {
		snapshotEvery = DefaultSnapshotEvery
	}
	return &Snapshotter{Store: store, pool: pool, snapshotEvery: snapshotEvery}
}

// Persist appends the event via the wrapped store, then upserts a snapshot
// if seq has crossed a SnapshotEvery boundary or the event carries a
// terminal run state.
func (s *Snapshotter) Persist(ctx context.Context, runID string, ev kernel.Event) (kernel.PersistedEvent, error) {
	persisted, err := s.Store.Persist(ctx, runID, ev)
	if err != nil {
		return persisted, err
	}

	if persisted.Seq%s.snapshotEvery == 0 || ev.State.IsTerminal() {
		if err := s.UpsertSnapshot(ctx, runID); err != nil {
			// Snapshotting is a read-side optimization; a failure must never
			// fail the write path that already committed the event.
			slog.Warn("snapshot upsert failed", "run_id", runID, "error", err)
		}
	}

	return persisted, nil
}

// UpsertSnapshot recomputes run_snapshots for runID from the current runs
// row and the event log's latest seq.
func (s *Snapshotter) UpsertSnapshot(ctx context.Context, runID string) error {
	var (
		tenantID, state, title string
		tagsRaw, budgetRaw      []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, state, title, tags, budget_used FROM runs WHERE run_id=$1`, runID,
	).Scan(&tenantID, &state, &title, &tagsRaw, &budgetRaw)
	if err != nil {
		return fmt.Errorf("projection: load run %s: %w", runID, err)
	}

	var lastSeq int64
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id=$1`, runID,
	).Scan(&lastSeq)
	if err != nil {
		return fmt.Errorf("projection: load last seq for %s: %w", runID, err)
	}

	if len(tagsRaw) == 0 {
		tagsRaw = []byte("[]")
	}
	if len(budgetRaw) == 0 {
		budgetRaw = []byte("{}")
	}
	// Round-trip through json to reject malformed JSONB before it reaches the upsert.
	var probe json.RawMessage
	if err := json.Unmarshal(tagsRaw, &probe); err != nil {
		return fmt.Errorf("projection: decode tags for %s: %w", runID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_snapshots(run_id, last_seq, state, title, tags, budget_used, updated_at)
		 VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb, now())
		 ON CONFLICT (run_id) DO UPDATE
		   SET last_seq=EXCLUDED.last_seq, state=EXCLUDED.state, title=EXCLUDED.title,
		       tags=EXCLUDED.tags, budget_used=EXCLUDED.budget_used, updated_at=now()`,
		runID, lastSeq, state, title, tagsRaw, budgetRaw,
	)
	if err != nil {
		return fmt.Errorf("projection: upsert snapshot for %s: %w", runID, err)
	}
	return nil
}

var _ eventlog.Store = (*Snapshotter)(nil)
