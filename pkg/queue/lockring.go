package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// lockRing bounds per-tenant concurrency with Postgres session-scoped
// advisory locks. Each tenant gets `slots` numbered locks
// (hash(tenant_id)+slot); a worker holds one slot for the duration of one
// claimed job, so at most `slots` jobs for a given tenant run at once
// regardless of how many pods/workers are polling. This generalizes the
// teacher's pool-wide MaxConcurrentSessions check (a single COUNT(*) query)
// to a per-tenant limit — the teacher has no equivalent, since it bounds
// concurrency globally only.
//
// Advisory locks are scoped to the physical connection that acquired them,
// so every acquire/release pair must run on the same *pgxpool.Conn obtained
// via pool.Acquire — never through pool-level Exec, which may hop
// connections between calls.
type lockRing struct {
	pool  *pgxpool.Pool
	slots int

	mu   sync.Mutex
	held map[string]*pgxpool.Conn // "tenantID/slot" -> conn holding the lock
}

func newLockRing(pool *pgxpool.Pool, slots int) *lockRing {
	if slots < 1 {
		slots = 1
	}
	return &lockRing{pool: pool, slots: slots, held: make(map[string]*pgxpool.Conn)}
}

// tryAcquire attempts to claim any free slot for tenantID. On success it
// returns the dedicated connection holding the advisory lock and the slot
// index; the caller must pass both to release when the job completes.
func (r *lockRing) tryAcquire(ctx context.Context, tenantID string) (*pgxpool.Conn, int, bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, 0, false, fmt.Errorf("queue: acquire conn for advisory lock: %w", err)
	}

	for slot := 0; slot < r.slots; slot++ {
		var acquired bool
		key := advisoryKey(tenantID, slot)
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
			conn.Release()
			return nil, 0, false, fmt.Errorf("queue: pg_try_advisory_lock: %w", err)
		}
		if acquired {
			r.mu.Lock()
			r.held[ringKey(tenantID, slot)] = conn
			r.mu.Unlock()
			return conn, slot, true, nil
		}
	}

	conn.Release()
	return nil, 0, false, nil
}

// release unlocks the advisory lock and returns the connection to the pool.
func (r *lockRing) release(ctx context.Context, tenantID string, slot int, conn *pgxpool.Conn) {
	key := advisoryKey(tenantID, slot)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
		// The connection is in an unknown state; drop it from the pool
		// rather than risk handing out a still-locked slot.
		conn.Conn().Close(ctx)
	}
	r.mu.Lock()
	delete(r.held, ringKey(tenantID, slot))
	r.mu.Unlock()
	conn.Release()
}

func ringKey(tenantID string, slot int) string {
	return fmt.Sprintf("%s/%d", tenantID, slot)
}

// advisoryKey derives a bigint lock key from tenant+slot. fnv32a keeps the
// key well within Postgres's bigint advisory-lock key space while still
// spreading tenants across the keyspace.
func advisoryKey(tenantID string, slot int) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return int64(h.Sum32())*1000 + int64(slot)
}
