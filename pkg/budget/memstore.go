package budget

import (
	"context"
	"sync"

	"github.com/wmag/kernel/pkg/kernel"
)

// MemStore is an in-memory Store for tests and single-process runs.
type MemStore struct {
	mu   sync.Mutex
	used map[string]kernel.BudgetUsed
}

// NewMemStore builds an empty in-memory budget store.
func NewMemStore() *MemStore {
	return &MemStore{used: make(map[string]kernel.BudgetUsed)}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) Consume(ctx context.Context, runID string, delta Delta, limits map[string]any) (kernel.BudgetUsed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.used[runID]

	toolCalls := used.ToolCalls + delta.ToolCalls
	llmCalls := used.LLMCalls + delta.LLMCalls
	costUnits := used.CostUnits + delta.CostUnits

	maxTool := limitInt(limits, "max_tool_calls", unbounded)
	maxLLM := limitInt(limits, "max_llm_calls", unbounded)
	maxCost := limitInt(limits, "max_cost_units", unbounded)

	if toolCalls > maxTool {
		return used, &ExceededError{Limit: "max_tool_calls"}
	}
	if llmCalls > maxLLM {
		return used, &ExceededError{Limit: "max_llm_calls"}
	}
	if costUnits > maxCost {
		return used, &ExceededError{Limit: "max_cost_units"}
	}

	next := kernel.BudgetUsed{ToolCalls: toolCalls, LLMCalls: llmCalls, CostUnits: costUnits}
	m.used[runID] = next
	return next, nil
}

// Reset clears all tracked usage; used by tests between runs.
func (m *MemStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = make(map[string]kernel.BudgetUsed)
}
