package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wmag/kernel/pkg/kernel"
	"github.com/wmag/kernel/pkg/planner"
	"github.com/wmag/kernel/pkg/registry"
)

// MemRunStore is the in-memory, single-process RunStore used by the
// in-memory profile and by tests. Grounded on
// original/.../storage_inmemory.py's create_or_load_run/set_run_state/
// load_tenant_context.
type MemRunStore struct {
	mu       sync.Mutex
	byTask   map[string]*kernel.Run
	byRun    map[string]*kernel.Run
	tenants  map[string]TenantContext
}

// NewMemRunStore seeds the two demo tenants the original ships
// (tenant_demo, tenant_enterprise_eu); any other tenant id gets default
// limits of max_tool_calls 50.
func NewMemRunStore() *MemRunStore {
	return &MemRunStore{
		byTask: map[string]*kernel.Run{},
		byRun:  map[string]*kernel.Run{},
		tenants: map[string]TenantContext{
			"tenant_demo":          {Limits: map[string]any{"max_tool_calls": 50}, OrgID: "org_demo"},
			"tenant_enterprise_eu": {Limits: map[string]any{"max_tool_calls": 50}, OrgID: "org_enterprise"},
		},
	}
}

func (s *MemRunStore) CreateOrLoadRun(ctx context.Context, taskID, tenantID string) (kernel.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.byTask[taskID]; ok {
		return *run, nil
	}
	run := &kernel.Run{
		RunID: "run_" + taskID, TaskID: taskID, TenantID: tenantID,
		State: kernel.RunSubmitted,
	}
	s.byTask[taskID] = run
	s.byRun[run.RunID] = run
	return *run, nil
}

func (s *MemRunStore) SetRunState(ctx context.Context, runID string, state kernel.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.byRun[runID]
	if !ok {
		return fmt.Errorf("flow: unknown run %q", runID)
	}
	run.State = state
	return nil
}

func (s *MemRunStore) LoadTenantContext(ctx context.Context, tenantID string) (TenantContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc, ok := s.tenants[tenantID]; ok {
		return tc, nil
	}
	return TenantContext{Limits: map[string]any{"max_tool_calls": 50}}, nil
}

// MemWorldIndex returns a fixed demo tree, matching
// original/.../index_inmemory.py's InMemoryIndexProvider.
type MemWorldIndex struct{}

func NewMemWorldIndex() MemWorldIndex { return MemWorldIndex{} }

func (MemWorldIndex) LoadTrees(ctx context.Context, tenantID string, domains []string) ([]string, error) {
	return []string{"SUPPORT/KB/Refunds", "SUPPORT/PLAYBOOKS/RefundFlow", "CUSTOMERS/cust_123"}, nil
}

// StubHydrator packs the selected node ids straight into a ContextPack
// without any retrieval, matching original/.../hydrator_stub.py.
type StubHydrator struct{}

func NewStubHydrator() StubHydrator { return StubHydrator{} }

func (StubHydrator) Hydrate(ctx context.Context, tenantID, userMessage string, nodeIDs []string, reg kernel.Registry) (planner.ContextPack, error) {
	return planner.ContextPack{
		TenantID:    tenantID,
		UserMessage: userMessage,
		NodeIDs:     nodeIDs,
		Nodes:       nil,
	}, nil
}

// FSRegistryProvider reads a base registry document plus org/tenant/user
// override layers from disk and applies them with pkg/registry.Apply,
// then pkg/registry.ApplyTenantOverride. Grounded on
// original/.../registry_fs.py's FSRegistryProvider (load_registry_for,
// _override_paths) with the ad hoc deep_merge/merge_indexed_list
// replaced by the shared overlay package the rest of the kernel uses.
type FSRegistryProvider struct {
	BasePath   string
	LayersDir  string
}

// NewFSRegistryProvider mirrors from_env: REGISTRY_PATH and
// REGISTRY_LAYERS_DIR, defaulting to the support registry shipped under
// ./registry and ./config respectively.
func NewFSRegistryProvider() *FSRegistryProvider {
	base := os.Getenv("REGISTRY_PATH")
	if base == "" {
		base = "./registry/registry_support_v1.json"
	}
	layers := os.Getenv("REGISTRY_LAYERS_DIR")
	if layers == "" {
		layers = "./config"
	}
	return &FSRegistryProvider{BasePath: base, LayersDir: layers}
}

func (p *FSRegistryProvider) LoadRegistry(ctx context.Context, task kernel.Task) (kernel.Registry, error) {
	base, err := readRegistry(p.BasePath)
	if err != nil {
		return kernel.Registry{}, fmt.Errorf("flow: load base registry: %w", err)
	}

	var overlays []registry.Overlay
	for _, path := range p.overridePaths(task) {
		ov, ok, err := readOverlay(path)
		if err != nil {
			return kernel.Registry{}, fmt.Errorf("flow: load registry override %s: %w", path, err)
		}
		if ok {
			overlays = append(overlays, ov)
		}
	}

	merged, err := registry.Apply(base, overlays...)
	if err != nil {
		return kernel.Registry{}, err
	}
	return registry.ApplyTenantOverride(merged, task.TenantID), nil
}

func (p *FSRegistryProvider) overridePaths(task kernel.Task) []string {
	var paths []string
	if task.OrgID != "" {
		paths = append(paths, filepath.Join(p.LayersDir, "orgs", task.OrgID, "registry_override.json"))
	}
	if task.TenantID != "" {
		paths = append(paths, filepath.Join(p.LayersDir, "tenants", task.TenantID, "registry_override.json"))
	}
	if task.UserID != "" {
		paths = append(paths, filepath.Join(p.LayersDir, "users", task.UserID, "registry_override.json"))
	}
	return paths
}

func readRegistry(path string) (kernel.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kernel.Registry{RegistryID: "missing", SchemaVersion: "0"}, nil
		}
		return kernel.Registry{}, err
	}
	var reg kernel.Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return kernel.Registry{}, err
	}
	return reg, nil
}

func readOverlay(path string) (registry.Overlay, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return registry.Overlay{}, false, nil
		}
		return registry.Overlay{}, false, err
	}
	var ov registry.Overlay
	if err := json.Unmarshal(data, &ov); err != nil {
		return registry.Overlay{}, false, err
	}
	return ov, true, nil
}

// systemClock supplies "today" in UTC as the FlowEngine's Clock.
type systemClock struct{}

// NewSystemClock returns the default wall-clock Clock for production use;
// tests and replays should instead supply a fixed Clock.
func NewSystemClock() Clock { return systemClock{} }

func (systemClock) Today() string { return time.Now().UTC().Format("2006-01-02") }
