package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmag/kernel/pkg/config"
	"github.com/wmag/kernel/pkg/kernel"
)

// Worker is a single queue worker that polls the jobs table, claims one job
// at a time under a per-tenant advisory-lock slot, and drives it through a
// Runner. Structurally this is the teacher's Worker with *ent.Client swapped
// for a pgxpool.Pool and SessionExecutor swapped for Runner.
type Worker struct {
	id       string
	podID    string
	db       *pgxpool.Pool
	config   *config.QueueConfig
	runner   Runner
	locks    *lockRing
	registry JobRegistry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, db *pgxpool.Pool, cfg *config.QueueConfig, runner Runner, locks *lockRing, registry JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		db:           db,
		config:       cfg,
		runner:       runner,
		locks:        locks,
		registry:     registry,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. Safe to call
// multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks pod-wide capacity, claims a job, and drives it to
// completion.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	var activeCount int
	err := w.db.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status=$1`, string(kernel.JobRunning)).
		Scan(&activeCount)
	if err != nil {
		return fmt.Errorf("checking active jobs: %w", err)
	}
	if activeCount >= w.config.MaxConcurrentSessions {
		return ErrAtCapacity
	}

	job, conn, slot, err := w.claimNextJob(ctx)
	if err != nil {
		return err
	}
	defer w.locks.release(context.Background(), job.TenantID, slot, conn)

	log := slog.With("job_id", job.JobID, "run_id", job.RunID, "worker_id", w.id)
	log.Info("job claimed")

	w.setStatus(WorkerStatusWorking, job.JobID)
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.SessionTimeout)
	defer cancelJob()

	w.registry.RegisterJob(job.JobID, cancelJob)
	defer w.registry.UnregisterJob(job.JobID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	go w.runHeartbeat(heartbeatCtx, job.JobID)

	state, runErr := w.runner.Run(jobCtx, job)
	cancelHeartbeat()

	switch {
	case runErr == nil:
		// use the run's returned state
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		state, runErr = kernel.RunFailed, fmt.Errorf("job timed out after %v", w.config.SessionTimeout)
	case errors.Is(jobCtx.Err(), context.Canceled):
		state, runErr = kernel.RunCanceled, context.Canceled
	}

	if err := w.updateJobTerminalStatus(context.Background(), job, state, runErr); err != nil {
		log.Error("failed to update job terminal status", "error", err)
		return err
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("job processing complete", "state", state)
	return nil
}

// claimNextJob claims the highest-priority queued job whose tenant still
// has a free advisory-lock slot. It scans a bounded batch of queued rows
// under FOR UPDATE SKIP LOCKED so concurrent workers never contend for the
// same row, and tries the per-tenant lock ring for each candidate in order
// until one succeeds.
func (w *Worker) claimNextJob(ctx context.Context) (kernel.Job, *pgxpool.Conn, int, error) {
	const batchSize = 20

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return kernel.Job{}, nil, 0, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT job_id, run_id, tenant_id, status, attempts
		 FROM jobs
		 WHERE status=$1 AND available_at <= now()
		 ORDER BY available_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		string(kernel.JobQueued), batchSize,
	)
	if err != nil {
		return kernel.Job{}, nil, 0, fmt.Errorf("query claimable jobs: %w", err)
	}

	var candidates []kernel.Job
	for rows.Next() {
		var j kernel.Job
		if err := rows.Scan(&j.JobID, &j.RunID, &j.TenantID, &j.Status, &j.Attempts); err != nil {
			rows.Close()
			return kernel.Job{}, nil, 0, fmt.Errorf("scan claimable job: %w", err)
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return kernel.Job{}, nil, 0, fmt.Errorf("iterate claimable jobs: %w", err)
	}

	for _, job := range candidates {
		conn, slot, ok, err := w.locks.tryAcquire(ctx, job.TenantID)
		if err != nil {
			return kernel.Job{}, nil, 0, err
		}
		if !ok {
			continue
		}

		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET status=$1, attempts=attempts+1, claimed_by=$2, claimed_at=now(),
			 heartbeat_at=now(), updated_at=now() WHERE job_id=$3`,
			string(kernel.JobRunning), w.podID, job.JobID,
		)
		if err != nil {
			w.locks.release(ctx, job.TenantID, slot, conn)
			return kernel.Job{}, nil, 0, fmt.Errorf("claim job %s: %w", job.JobID, err)
		}
		if tag.RowsAffected() == 0 {
			w.locks.release(ctx, job.TenantID, slot, conn)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			w.locks.release(ctx, job.TenantID, slot, conn)
			return kernel.Job{}, nil, 0, fmt.Errorf("commit claim: %w", err)
		}

		job.Status = kernel.JobRunning
		job.Attempts++
		job.ClaimedBy = w.podID
		return job, conn, slot, nil
	}

	return kernel.Job{}, nil, 0, ErrNoJobsAvailable
}

// runHeartbeat periodically bumps heartbeat_at so the orphan scan can tell
// this job is still actively being worked.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.db.Exec(ctx, `UPDATE jobs SET heartbeat_at=now() WHERE job_id=$1`, jobID); err != nil {
				slog.Warn("heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// updateJobTerminalStatus writes the final job status: failed when Run
// returned an error or a failed state, succeeded otherwise. A failed job is
// not requeued here; only the raw outcome is recorded.
func (w *Worker) updateJobTerminalStatus(ctx context.Context, job kernel.Job, state kernel.RunState, runErr error) error {
	status := kernel.JobSucceeded
	if runErr != nil || state == kernel.RunFailed {
		status = kernel.JobFailed
	}
	_, err := w.db.Exec(ctx,
		`UPDATE jobs SET status=$1, updated_at=now() WHERE job_id=$2`,
		string(status), job.JobID,
	)
	return err
}

// pollInterval returns the poll duration with jitter, as the teacher does.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
