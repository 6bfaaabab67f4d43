package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/wmag/kernel/pkg/kernel"
)

type dailyCounter struct {
	tokens    int
	costUnits int
	calls     int
}

type counterKey struct {
	scope   Scope
	scopeID string
	day     string
	model   string
}

// MemStore is an in-memory Store for tests and single-process runs.
type MemStore struct {
	mu       sync.Mutex
	counters map[counterKey]dailyCounter
	ledger   []kernel.BillingLedgerEntry
	seq      int
}

// NewMemStore builds an empty in-memory quota store.
func NewMemStore() *MemStore {
	return &MemStore{counters: make(map[counterKey]dailyCounter)}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) Consume(ctx context.Context, req ConsumeRequest) (kernel.BillingLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := []struct {
		scope Scope
		id    string
	}{
		{ScopeTenant, req.TenantID},
		{ScopeOrg, req.OrgID},
		{ScopeUser, req.UserID},
	}

	// Validate every scope before committing any, so a later scope's
	// rejection doesn't leave an earlier scope double-charged.
	for _, h := range hits {
		if h.id == "" {
			continue
		}
		lim := limitsFor(h.scope, req.Limits, req.Usage.Model)
		key := counterKey{scope: h.scope, scopeID: h.id, day: req.Day, model: req.Usage.Model}
		cur := m.counters[key]
		if !within(cur.tokens, req.Usage.Tokens, lim.MaxTokensPerDay) ||
			!within(cur.costUnits, req.Usage.CostUnits, lim.MaxCostUnitsPerDay) ||
			!within(cur.calls, 1, lim.MaxCallsPerDay) {
			return kernel.BillingLedgerEntry{}, &ExceededError{Scope: h.scope, Model: req.Usage.Model}
		}
	}

	for _, h := range hits {
		if h.id == "" {
			continue
		}
		key := counterKey{scope: h.scope, scopeID: h.id, day: req.Day, model: req.Usage.Model}
		cur := m.counters[key]
		cur.tokens += req.Usage.Tokens
		cur.costUnits += req.Usage.CostUnits
		cur.calls++
		m.counters[key] = cur
	}

	m.seq++
	entry := kernel.BillingLedgerEntry{
		EntryID:   fmt.Sprintf("bill_%d", m.seq),
		TenantID:  req.TenantID,
		RunID:     req.RunID,
		StepID:    req.StepID,
		CostUnits: req.Usage.CostUnits,
	}
	m.ledger = append(m.ledger, entry)
	return entry, nil
}

// Ledger returns a copy of every recorded entry, for test assertions.
func (m *MemStore) Ledger() []kernel.BillingLedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kernel.BillingLedgerEntry, len(m.ledger))
	copy(out, m.ledger)
	return out
}
