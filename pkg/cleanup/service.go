// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmag/kernel/pkg/config"
)

// Service periodically enforces retention policy on terminal runs and
// their dispatch/working-state rows. It never touches run_events: the
// audit log is append-only and outlives the run it describes (spec.md's
// event log is the system of record, not a cache).
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	db     *pgxpool.Pool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, db *pgxpool.Pool) *Service {
	return &Service{config: cfg, db: db}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"session_retention_days", s.config.SessionRetentionDays,
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneTerminalRuns(ctx)
	s.pruneStaleJobs(ctx)
}

// pruneTerminalRuns deletes runs that reached a terminal state more than
// SessionRetentionDays ago, along with their run_snapshots/approvals/jobs
// rows. run_events for the run is left in place, and step_cache is not
// touched: its rows are keyed by idempotency key and carry no run_id.
func (s *Service) pruneTerminalRuns(ctx context.Context) {
	if s.config.SessionRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.config.SessionRetentionDays) * 24 * time.Hour)

	var runIDs []string
	rows, err := s.db.Query(ctx,
		`SELECT run_id FROM runs
		 WHERE state IN ('completed','failed','canceled') AND updated_at < $1`,
		cutoff)
	if err != nil {
		slog.Error("Retention: select terminal runs failed", "error", err)
		return
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			slog.Error("Retention: scan terminal run id failed", "error", err)
			return
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		slog.Error("Retention: iterate terminal runs failed", "error", err)
		return
	}
	if len(runIDs) == 0 {
		return
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		slog.Error("Retention: begin prune tx failed", "error", err)
		return
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM run_snapshots WHERE run_id = ANY($1)`,
		`DELETE FROM approvals WHERE run_id = ANY($1)`,
		`DELETE FROM jobs WHERE run_id = ANY($1)`,
		`DELETE FROM runs WHERE run_id = ANY($1)`,
	} {
		if _, err := tx.Exec(ctx, stmt, runIDs); err != nil {
			slog.Error("Retention: prune terminal runs failed", "error", err, "stmt", stmt)
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		slog.Error("Retention: commit prune tx failed", "error", err)
		return
	}
	slog.Info("Retention: pruned terminal runs", "count", len(runIDs))
}

// pruneStaleJobs removes jobs left in a terminal dispatch status
// (succeeded/failed) past EventTTL — these are dispatch-record exhaust,
// not the audit trail, so EventTTL (not SessionRetentionDays) governs how
// long they linger for operational debugging.
func (s *Service) pruneStaleJobs(ctx context.Context) {
	if s.config.EventTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.config.EventTTL)
	tag, err := s.db.Exec(ctx,
		`DELETE FROM jobs
		 WHERE status IN ('succeeded','failed') AND updated_at < $1`,
		cutoff)
	if err != nil {
		slog.Error("Retention: prune stale jobs failed", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("Retention: pruned stale jobs", "count", n)
	}
}
