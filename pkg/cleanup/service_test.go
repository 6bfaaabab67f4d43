//go:build integration

package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wmag/kernel/pkg/config"
	"github.com/wmag/kernel/pkg/database"
)

func setupCleanupDB(t *testing.T) *database.Client {
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("kernel_cleanup_test"),
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
		Database: "kernel_cleanup_test", SSLMode: "disable",
		MaxOpenConns: 10, MaxIdleConns: 5,
		ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func seedTerminalRun(t *testing.T, client *database.Client, runID string, updatedAt time.Time) {
	ctx := context.Background()
	_, err := client.Pool.Exec(ctx,
		`INSERT INTO tenants(tenant_id) VALUES ($1) ON CONFLICT DO NOTHING`, "tenant-"+runID)
	require.NoError(t, err)
	_, err = client.Pool.Exec(ctx,
		`INSERT INTO runs(run_id, task_id, tenant_id, state, updated_at)
		 VALUES ($1, $2, $3, 'completed', $4)`,
		runID, "task-"+runID, "tenant-"+runID, updatedAt)
	require.NoError(t, err)
	_, err = client.Pool.Exec(ctx,
		`INSERT INTO run_snapshots(run_id, state) VALUES ($1, 'completed')`, runID)
	require.NoError(t, err)
	_, err = client.Pool.Exec(ctx,
		`INSERT INTO run_events(run_id, seq, event, canonical, hash, key_id)
		 VALUES ($1, 1, '{}', '{}', 'h', 'k0')`, runID)
	require.NoError(t, err)
}

func TestPruneTerminalRuns_DeletesOldRunButKeepsEvents(t *testing.T) {
	client := setupCleanupDB(t)
	ctx := context.Background()

	seedTerminalRun(t, client, "run-old", time.Now().Add(-48*time.Hour))
	seedTerminalRun(t, client, "run-fresh", time.Now())

	svc := NewService(&config.RetentionConfig{SessionRetentionDays: 1}, client.Pool)
	svc.pruneTerminalRuns(ctx)

	var count int
	require.NoError(t, client.Pool.QueryRow(ctx, `SELECT count(*) FROM runs WHERE run_id='run-old'`).Scan(&count))
	require.Equal(t, 0, count)

	require.NoError(t, client.Pool.QueryRow(ctx, `SELECT count(*) FROM runs WHERE run_id='run-fresh'`).Scan(&count))
	require.Equal(t, 1, count)

	require.NoError(t, client.Pool.QueryRow(ctx, `SELECT count(*) FROM run_events WHERE run_id='run-old'`).Scan(&count))
	require.Equal(t, 1, count, "run_events must survive retention pruning")
}

func TestPruneStaleJobs_DeletesOldTerminalJobsOnly(t *testing.T) {
	client := setupCleanupDB(t)
	ctx := context.Background()

	seedTerminalRun(t, client, "run-a", time.Now())
	_, err := client.Pool.Exec(ctx,
		`INSERT INTO jobs(job_id, run_id, tenant_id, status, updated_at)
		 VALUES ('job-old', 'run-a', 'tenant-run-a', 'succeeded', $1)`,
		time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = client.Pool.Exec(ctx,
		`INSERT INTO jobs(job_id, run_id, tenant_id, status, updated_at)
		 VALUES ('job-running', 'run-a', 'tenant-run-a', 'running', $1)`,
		time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	svc := NewService(&config.RetentionConfig{EventTTL: time.Hour}, client.Pool)
	svc.pruneStaleJobs(ctx)

	var count int
	require.NoError(t, client.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE job_id='job-old'`).Scan(&count))
	require.Equal(t, 0, count)

	require.NoError(t, client.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE job_id='job-running'`).Scan(&count))
	require.Equal(t, 1, count, "non-terminal jobs are never pruned regardless of age")
}

func TestStartStop(t *testing.T) {
	client := setupCleanupDB(t)
	svc := NewService(&config.RetentionConfig{
		SessionRetentionDays: 365,
		EventTTL:             time.Hour,
		CleanupInterval:      time.Hour,
	}, client.Pool)

	svc.Start(context.Background())
	svc.Start(context.Background()) // second Start is a no-op
	svc.Stop()
}
