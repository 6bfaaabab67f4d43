package queue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmag/kernel/pkg/config"
)

// Pool owns a fixed set of Workers plus the orphan-detection loop, mirroring
// the teacher's WorkerPool shape with ent.Client swapped for a pgxpool.Pool
// and SessionExecutor swapped for Runner.
type Pool struct {
	podID  string
	db     *pgxpool.Pool
	config *config.QueueConfig
	runner Runner
	locks  *lockRing

	workers []*Worker
	stopCh  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.Mutex
	activeJobs map[string]context.CancelFunc
	started    bool

	orphans orphanState
}

// NewPool constructs a Pool of cfg.WorkerCount workers. podID identifies this
// process in claimed_by for orphan attribution.
func NewPool(podID string, db *pgxpool.Pool, cfg *config.QueueConfig, runner Runner) *Pool {
	return &Pool{
		podID:      podID,
		db:         db,
		config:     cfg,
		runner:     runner,
		locks:      newLockRing(db, cfg.MaxConcurrentPerTenant),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start spawns the configured worker count plus the orphan-detection
// goroutine. Safe to call once; a second call is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.config.WorkerCount; i++ {
		w := NewWorker(workerID(p.podID, i), p.podID, p.db, p.config, p.runner, p.locks, p)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("queue pool started", "pod_id", p.podID, "workers", p.config.WorkerCount)
}

// Stop signals every worker and the orphan loop to exit and waits for them,
// bounded by GracefulShutdownTimeout.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		for _, w := range p.workers {
			w.Stop()
		}
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.GracefulShutdownTimeout):
		slog.Warn("queue pool shutdown timed out waiting for workers", "pod_id", p.podID)
	}
}

// RegisterJob records a cancel func for API-triggered cancellation.
func (p *Pool) RegisterJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// UnregisterJob removes a completed job's cancel func.
func (p *Pool) UnregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// CancelJob cancels an in-flight job's context, if this pod owns it.
func (p *Pool) CancelJob(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.activeJobs[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Health reports pool-wide and per-worker status.
func (p *Pool) Health(ctx context.Context) *PoolHealth {
	health := &PoolHealth{
		PodID:            p.podID,
		TotalWorkers:     len(p.workers),
		DBReachable:      true,
		LastOrphanScan:   p.orphans.lastScan(),
		OrphansRecovered: p.orphans.recoveredCount(),
	}

	var depth int
	err := p.db.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status=$1`, "queued").Scan(&depth)
	if err != nil {
		health.DBReachable = false
		health.DBError = err.Error()
	}
	health.QueueDepth = depth

	for _, w := range p.workers {
		wh := w.Health()
		health.WorkerStats = append(health.WorkerStats, wh)
		if wh.Status == WorkerStatusWorking {
			health.ActiveWorkers++
		}
	}

	health.IsHealthy = health.DBReachable
	return health
}

func workerID(podID string, i int) string {
	return podID + "-worker-" + strconv.Itoa(i)
}
