//go:build integration

package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wmag/kernel/pkg/config"
	"github.com/wmag/kernel/pkg/database"
	"github.com/wmag/kernel/pkg/kernel"
)

// blockingRunner runs every job until release is closed, tracking how many
// jobs are concurrently in Run at once — used to assert the per-tenant
// advisory-lock ring actually bounds concurrency.
type blockingRunner struct {
	running  atomic.Int32
	maxSeen  atomic.Int32
	release  chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, job kernel.Job) (kernel.RunState, error) {
	n := r.running.Add(1)
	for {
		old := r.maxSeen.Load()
		if n <= old || r.maxSeen.CompareAndSwap(old, n) {
			break
		}
	}
	defer r.running.Add(-1)

	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return kernel.RunCompleted, nil
}

func setupQueueDB(t *testing.T) *database.Client {
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("kernel_queue_test"),
		postgres.WithUsername("kernel"),
		postgres.WithPassword("kernel"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgContainer) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "kernel", Password: "kernel",
		Database: "kernel_queue_test", SSLMode: "disable",
		MaxOpenConns: 20, MaxIdleConns: 10,
		ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func seedJob(t *testing.T, client *database.Client, jobID, runID, tenantID string) {
	ctx := context.Background()
	_, err := client.Pool.Exec(ctx,
		`INSERT INTO tenants(tenant_id) VALUES ($1) ON CONFLICT DO NOTHING`, tenantID)
	require.NoError(t, err)
	_, err = client.Pool.Exec(ctx,
		`INSERT INTO runs(run_id, task_id, tenant_id, state) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (task_id) DO NOTHING`,
		runID, runID, tenantID, string(kernel.RunSubmitted))
	require.NoError(t, err)
	_, err = client.Pool.Exec(ctx,
		`INSERT INTO jobs(job_id, run_id, tenant_id, status) VALUES ($1,$2,$3,$4)`,
		jobID, runID, tenantID, string(kernel.JobQueued))
	require.NoError(t, err)
}

func TestPool_ClaimsAndCompletesJob(t *testing.T) {
	client := setupQueueDB(t)
	seedJob(t, client, "job-1", "run-1", "tenant-1")

	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release) // let the run return immediately

	cfg := &config.QueueConfig{
		WorkerCount:             1,
		MaxConcurrentSessions:   5,
		MaxConcurrentPerTenant:  1,
		PollInterval:            50 * time.Millisecond,
		SessionTimeout:          5 * time.Second,
		GracefulShutdownTimeout: 2 * time.Second,
		OrphanDetectionInterval: time.Hour,
		OrphanThreshold:         time.Hour,
		HeartbeatInterval:       time.Second,
	}

	pool := NewPool("pod-test", client.Pool, cfg, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		var status string
		err := client.Pool.QueryRow(context.Background(),
			`SELECT status FROM jobs WHERE job_id=$1`, "job-1").Scan(&status)
		return err == nil && status == string(kernel.JobSucceeded)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPool_PerTenantAdvisoryLock_BoundsConcurrency(t *testing.T) {
	client := setupQueueDB(t)
	seedJob(t, client, "job-a", "run-a", "tenant-x")
	seedJob(t, client, "job-b", "run-b", "tenant-x")
	seedJob(t, client, "job-c", "run-c", "tenant-x")

	runner := &blockingRunner{release: make(chan struct{})}

	cfg := &config.QueueConfig{
		WorkerCount:             3,
		MaxConcurrentSessions:   10,
		MaxConcurrentPerTenant:  1,
		PollInterval:            20 * time.Millisecond,
		SessionTimeout:          5 * time.Second,
		GracefulShutdownTimeout: 2 * time.Second,
		OrphanDetectionInterval: time.Hour,
		OrphanThreshold:         time.Hour,
		HeartbeatInterval:       time.Second,
	}

	pool := NewPool("pod-test", client.Pool, cfg, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	time.Sleep(500 * time.Millisecond)
	close(runner.release)
	pool.Stop()

	require.Equal(t, int32(1), runner.maxSeen.Load(),
		"tenant-x's advisory-lock slot ring (size 1) must serialize its three jobs")
}
