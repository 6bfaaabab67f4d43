package projection

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultRefreshInterval is the background refresh cadence when no explicit
// interval is configured. The original instead counts events
// (REFRESH_MV_EVERY=50) and refreshes inline with a write; pkg/projection
// moves this off the write path onto a ticker so a slow REFRESH MATERIALIZED
// VIEW never blocks a caller persisting an event.
const DefaultRefreshInterval = 30 * time.Second

// Refresher periodically refreshes runs_mv and approvals_mv with
// exponential backoff on failure, capped at MaxBackoff.
type Refresher struct {
	pool        *pgxpool.Pool
	interval    time.Duration
	concurrently bool

	MaxBackoff time.Duration
}

// NewRefresher builds a Refresher. interval <= 0 uses DefaultRefreshInterval.
// concurrently selects REFRESH MATERIALIZED VIEW CONCURRENTLY, which
// requires the unique indexes created alongside each view (see
// 0002_materialized_views.up.sql) but avoids blocking concurrent reads.
func NewRefresher(pool *pgxpool.Pool, interval time.Duration, concurrently bool) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{pool: pool, interval: interval, concurrently: concurrently, MaxBackoff: 5 * time.Minute}
}

// Run blocks, refreshing on the configured interval until ctx is canceled.
// A failed refresh backs off exponentially (doubling, capped at
// MaxBackoff) instead of retrying at the normal cadence, so a stuck
// Postgres doesn't get hammered with REFRESH MATERIALIZED VIEW calls.
func (r *Refresher) Run(ctx context.Context) {
	backoff := r.interval
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := r.refreshOnce(ctx); err != nil {
				slog.Warn("materialized view refresh failed", "error", err, "backoff", backoff)
				backoff *= 2
				if backoff > r.MaxBackoff {
					backoff = r.MaxBackoff
				}
				timer.Reset(backoff)
				continue
			}
			backoff = r.interval
			timer.Reset(r.interval)
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	stmt := "REFRESH MATERIALIZED VIEW runs_mv"
	if r.concurrently {
		stmt = "REFRESH MATERIALIZED VIEW CONCURRENTLY runs_mv"
	}
	if _, err := r.pool.Exec(ctx, stmt); err != nil {
		return err
	}

	stmt = "REFRESH MATERIALIZED VIEW approvals_mv"
	if r.concurrently {
		stmt = "REFRESH MATERIALIZED VIEW CONCURRENTLY approvals_mv"
	}
	if _, err := r.pool.Exec(ctx, stmt); err != nil {
		return err
	}
	return nil
}
