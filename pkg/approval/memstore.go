package approval

import (
	"context"
	"sync"
	"time"

	"github.com/wmag/kernel/pkg/kernel"
)

// MemStepCache is an in-memory StepCache for tests and single-process runs.
type MemStepCache struct {
	mu    sync.Mutex
	cache map[string]kernel.StepResult
}

// NewMemStepCache builds an empty in-memory step cache.
func NewMemStepCache() *MemStepCache {
	return &MemStepCache{cache: make(map[string]kernel.StepResult)}
}

var _ StepCache = (*MemStepCache)(nil)

func (c *MemStepCache) Get(ctx context.Context, idemKey string) (kernel.StepResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.cache[idemKey]
	return r, ok, nil
}

func (c *MemStepCache) Put(ctx context.Context, idemKey string, result kernel.StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[idemKey] = result
	return nil
}

// pollInterval is MemStore's polling cadence, kept short since it only
// ever runs in tests.
const pollInterval = 10 * time.Millisecond

// MemStore is an in-memory approval Store for tests and single-process
// runs, polling its map on pollInterval (much shorter than the Postgres
// store's pgPollInterval).
type MemStore struct {
	mu        sync.Mutex
	approvals map[string]*kernel.Approval
}

// NewMemStore builds an empty in-memory approval store.
func NewMemStore() *MemStore {
	return &MemStore{approvals: make(map[string]*kernel.Approval)}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Create(ctx context.Context, runID string, payload map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := kernel.ApprovalIDFor(runID)
	s.approvals[id] = &kernel.Approval{ApprovalID: id, RunID: runID, Payload: payload}
	return id, nil
}

func (s *MemStore) Decide(ctx context.Context, runID string, decision kernel.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := kernel.ApprovalIDFor(runID)
	a, ok := s.approvals[id]
	if !ok {
		a = &kernel.Approval{ApprovalID: id, RunID: runID}
		s.approvals[id] = a
	}
	d := decision
	a.Decision = &d
	return nil
}

func (s *MemStore) decisionOf(approvalID string) *kernel.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.approvals[approvalID]; ok {
		return a.Decision
	}
	return nil
}

// Wait polls the in-memory map on pollInterval until the approval is
// decided, ctx is canceled, or timeout elapses.
func (s *MemStore) Wait(ctx context.Context, approvalID string, timeout time.Duration) (kernel.Decision, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if d := s.decisionOf(approvalID); d != nil {
			return *d, nil
		}
		if time.Now().After(deadline) {
			return timeoutDecision(), nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return kernel.Decision{}, ctx.Err()
		}
	}
}
