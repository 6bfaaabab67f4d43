// Package queue implements the dispatcher (spec.md §4.6): a Postgres-backed
// claimable work queue over the jobs table, with a per-tenant
// advisory-lock slot ring bounding concurrency alongside the pod-wide
// worker count.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/wmag/kernel/pkg/kernel"
)

// ErrNoJobsAvailable is returned by claimNextJob when the jobs table has no
// claimable row (none queued, or every candidate's tenant slot ring is full).
var ErrNoJobsAvailable = errors.New("queue: no jobs available")

// ErrAtCapacity is returned when the pod-wide concurrent job limit is
// already saturated, before a claim is even attempted.
var ErrAtCapacity = errors.New("queue: at capacity")

// Runner drives one claimed Job's Run and returns its final state (an
// approval wait blocks inside Run). Implementations wrap a *flow.Engine; the queue package only knows
// about kernel.Job, never flow.Engine, so it can be tested without a live
// planner/tool stack — the same separation the teacher draws between Worker
// and its SessionExecutor.
type Runner interface {
	Run(ctx context.Context, job kernel.Job) (kernel.RunState, error)
}

// JobRegistry is the subset of Pool a Worker uses to register/cancel
// in-flight jobs for API-triggered cancellation.
type JobRegistry interface {
	RegisterJob(jobID string, cancel context.CancelFunc)
	UnregisterJob(jobID string)
}

// WorkerStatus is the current activity state of a Worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth reports one worker's point-in-time status.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// PoolHealth aggregates the pool's own liveness plus every worker's health.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}
