// Command kernel runs the orchestration kernel's durable profile: a pool of
// queue workers that each claim a job, drive its Run through pkg/flow's
// staged pipeline against Postgres-backed collaborators, and heartbeat
// until the run returns (an approval wait blocks inside the run).
//
// Grounded on the teacher's cmd/tarsy/main.go (flag/env parsing, .env
// loading via godotenv, config.Initialize -> database.NewClient sequencing)
// with the teacher's gin HTTP server and service layer dropped — this
// process has no HTTP surface (spec.md's Non-goals exclude a REST/WS API;
// job submission and approval decisions arrive through the jobs/approvals
// tables directly, the same boundary original/.../kernel/flow.py draws
// between the kernel and its FastAPI front door).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/wmag/kernel/pkg/approval"
	"github.com/wmag/kernel/pkg/budget"
	"github.com/wmag/kernel/pkg/cleanup"
	"github.com/wmag/kernel/pkg/config"
	"github.com/wmag/kernel/pkg/database"
	"github.com/wmag/kernel/pkg/eventlog"
	"github.com/wmag/kernel/pkg/eventlog/pgstore"
	"github.com/wmag/kernel/pkg/executor"
	"github.com/wmag/kernel/pkg/flow"
	"github.com/wmag/kernel/pkg/kernel"
	"github.com/wmag/kernel/pkg/planner"
	"github.com/wmag/kernel/pkg/planner/grpcplanner"
	"github.com/wmag/kernel/pkg/planner/stub"
	"github.com/wmag/kernel/pkg/projection"
	"github.com/wmag/kernel/pkg/queue"
	"github.com/wmag/kernel/pkg/quota"
	"github.com/wmag/kernel/pkg/tool"
	"github.com/wmag/kernel/pkg/tool/mcpinvoker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	podID := flag.String("pod-id", getEnv("POD_ID", hostnameOrFallback()), "Identity claimed_by stamps on jobs this process owns")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting kernel (pod_id=%s config_dir=%s)", *podID, *configDir)

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("connected to PostgreSQL, schema migrated")

	keyring, err := eventlog.LoadKeyringFromEnv()
	if err != nil {
		log.Fatalf("Failed to load audit keyring: %v", err)
	}

	events := pgstore.New(dbClient.Pool, keyring)
	snapshotter := projection.NewSnapshotter(events, dbClient.Pool, projection.DefaultSnapshotEvery)

	eng := &flow.Engine{
		Events:    snapshotter,
		Runs:      flow.NewPGRunStore(dbClient.Pool),
		Registry:  flow.NewFSRegistryProvider(),
		Index:     flow.NewMemWorldIndex(),
		Hydrator:  flow.NewStubHydrator(),
		Planner:   newPlanner(),
		Executor:  executor.New(newToolInvoker(), budget.NewPGStore(dbClient.Pool), approval.NewPGStepCache(dbClient.Pool), approval.NewPGStore(dbClient.Pool)),
		Budget:    budget.NewPGStore(dbClient.Pool),
		Quota:     quota.NewPGStore(dbClient.Pool),
		Approvals: approval.NewPGStore(dbClient.Pool),
		Clock:     flow.NewSystemClock(),
	}

	runner := &engineRunner{engine: eng, pool: dbClient.Pool}
	pool := queue.NewPool(*podID, dbClient.Pool, cfg.Queue, runner)

	recovered, err := pool.CleanupStartupOrphans(ctx)
	if err != nil {
		log.Printf("Warning: startup orphan cleanup failed: %v", err)
	} else if recovered > 0 {
		log.Printf("Recovered %d orphaned job(s) from a previous crash", recovered)
	}

	refresher := projection.NewRefresher(dbClient.Pool, projection.DefaultRefreshInterval, false)
	go refresher.Run(ctx)

	cleanupSvc := cleanup.NewService(cfg.Retention, dbClient.Pool)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	pool.Start(ctx)
	log.Printf("queue pool started: workers=%d max_concurrent_per_tenant=%d", cfg.Queue.WorkerCount, cfg.Queue.MaxConcurrentPerTenant)

	<-ctx.Done()
	log.Println("shutdown signal received, draining workers")
	pool.Stop()
	log.Println("kernel stopped")
}

func hostnameOrFallback() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "kernel-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// newPlanner selects a grpcplanner when PLANNER_GRPC_ADDR is set, falling
// back to the deterministic stub used for local runs and environments with
// no planner service deployed — the same fallback the original's
// planner_llm_stub.py exists to provide.
func newPlanner() planner.Planner {
	if addr := os.Getenv("PLANNER_GRPC_ADDR"); addr != "" {
		p, err := grpcplanner.New(addr)
		if err != nil {
			log.Fatalf("Failed to dial planner at %s: %v", addr, err)
		}
		return p
	}
	return stub.New(os.Getenv("PLANNER_APPROVAL_TENANT_ID"))
}

// mcpServerEnv is one entry of MCP_SERVERS_JSON: either a stdio command or
// a streamable-HTTP endpoint, mirroring the teacher's TransportConfig without
// carrying its YAML-driven registry.
type mcpServerEnv struct {
	ID      string   `json:"id"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// newToolInvoker builds an mcpinvoker.Invoker from MCP_SERVERS_JSON, the
// kernel's analogue of the teacher's config-driven MCP server registry.
// No servers configured just means every "mcp:*" tool call fails at
// invocation time instead of at startup.
func newToolInvoker() tool.Invoker {
	var servers []mcpinvoker.ServerConfig

	if raw := os.Getenv("MCP_SERVERS_JSON"); raw != "" {
		var entries []mcpServerEnv
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			log.Fatalf("Failed to parse MCP_SERVERS_JSON: %v", err)
		}
		for _, e := range entries {
			transport, err := mcpTransportFor(e)
			if err != nil {
				log.Fatalf("Invalid MCP server %q: %v", e.ID, err)
			}
			servers = append(servers, mcpinvoker.ServerConfig{ID: e.ID, Transport: transport})
		}
	}

	impl := &mcpsdk.Implementation{Name: "kernel", Version: "0.1.0"}
	return mcpinvoker.New(impl, servers)
}

func mcpTransportFor(e mcpServerEnv) (mcpsdk.Transport, error) {
	switch {
	case e.Command != "":
		return &mcpsdk.CommandTransport{Command: exec.Command(e.Command, e.Args...)}, nil
	case e.URL != "":
		return &mcpsdk.StreamableClientTransport{Endpoint: e.URL}, nil
	default:
		return nil, fmt.Errorf("server %q needs either command or url", e.ID)
	}
}

// engineRunner adapts flow.Engine to queue.Runner: it reconstructs the
// kernel.Task a Job's run was originally submitted with (task_id, tenant_id
// and the JSON task_input the submitter recorded) and hands it to
// Engine.Run, which resumes the run from wherever its stage table left off
// (flow.PGRunStore.CreateOrLoadRun is idempotent on task_id).
type engineRunner struct {
	engine *flow.Engine
	pool   *pgxpool.Pool
}

var _ queue.Runner = (*engineRunner)(nil)

func (r *engineRunner) Run(ctx context.Context, job kernel.Job) (kernel.RunState, error) {
	task, err := r.loadTask(ctx, job)
	if err != nil {
		return "", fmt.Errorf("cmd/kernel: load task for job %s: %w", job.JobID, err)
	}
	return r.engine.Run(ctx, task)
}

func (r *engineRunner) loadTask(ctx context.Context, job kernel.Job) (kernel.Task, error) {
	var taskID, tenantID string
	var taskInputRaw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT task_id, tenant_id, task_input FROM runs WHERE run_id=$1`, job.RunID,
	).Scan(&taskID, &tenantID, &taskInputRaw)
	if err != nil {
		return kernel.Task{}, err
	}

	task := kernel.Task{TaskID: taskID, TenantID: tenantID}
	if len(taskInputRaw) > 0 {
		if err := json.Unmarshal(taskInputRaw, &task.Metadata); err != nil {
			return kernel.Task{}, fmt.Errorf("decode task_input: %w", err)
		}
		if msg, ok := task.Metadata["user_message"].(string); ok {
			task.UserMessage = msg
		}
		if userID, ok := task.Metadata["user_id"].(string); ok {
			task.UserID = userID
		}
		if orgID, ok := task.Metadata["org_id"].(string); ok {
			task.OrgID = orgID
		}
	}
	return task, nil
}
