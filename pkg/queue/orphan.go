package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wmag/kernel/pkg/kernel"
)

// orphanState tracks the orphan scan's own health for reporting via
// PoolHealth, mirroring the teacher's orphanState.
type orphanState struct {
	mu               sync.RWMutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

func (o *orphanState) lastScan() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastOrphanScan
}

func (o *orphanState) recoveredCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.orphansRecovered
}

func (o *orphanState) record(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastOrphanScan = time.Now()
	o.orphansRecovered += n
}

// runOrphanDetection periodically resets jobs whose heartbeat has gone
// stale back to queued so another worker (possibly on another pod, after
// this one crashed) can claim them.
func (p *Pool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.detectAndRecoverOrphans(ctx)
			if err != nil {
				slog.Error("orphan detection failed", "error", err)
				continue
			}
			p.orphans.record(n)
			if n > 0 {
				slog.Info("recovered orphaned jobs", "count", n)
			}
		}
	}
}

// detectAndRecoverOrphans resets running jobs whose heartbeat_at is older
// than OrphanThreshold back to queued, available immediately, so they are
// re-claimed rather than stuck forever behind a dead worker.
func (p *Pool) detectAndRecoverOrphans(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-p.config.OrphanThreshold)
	tag, err := p.db.Exec(ctx,
		`UPDATE jobs SET status=$1, available_at=now(), updated_at=now()
		 WHERE status=$2 AND heartbeat_at < $3`,
		string(kernel.JobQueued), string(kernel.JobRunning), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CleanupStartupOrphans resets any job this pod claimed in a previous,
// crashed process before the pool begins polling, so stale claimed_by rows
// left from an unclean shutdown don't linger until the next scan interval.
func (p *Pool) CleanupStartupOrphans(ctx context.Context) (int, error) {
	tag, err := p.db.Exec(ctx,
		`UPDATE jobs SET status=$1, available_at=now(), updated_at=now()
		 WHERE status=$2 AND claimed_by=$3`,
		string(kernel.JobQueued), string(kernel.JobRunning), p.podID,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup startup orphans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
