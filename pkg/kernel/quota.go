package kernel

// QuotaPeriod is the rolling window a QuotaCounter accumulates over.
type QuotaPeriod string

const (
	QuotaPerRun   QuotaPeriod = "per_run"
	QuotaDaily    QuotaPeriod = "daily"
	QuotaMonthly  QuotaPeriod = "monthly"
)

// QuotaCounter is one tenant/period/metric accumulator. No store in this
// module reads or writes it: pkg/quota keeps its own per-day counters
// (llm_usage_daily) and the per-run budget lives in pkg/budget.
type QuotaCounter struct {
	TenantID string      `json:"tenant_id"`
	Period   QuotaPeriod `json:"period"`
	Metric   string      `json:"metric"`
	Window   string      `json:"window"`
	Used     int         `json:"used"`
	Limit    int         `json:"limit"`
}

// Exceeded reports whether consuming delta would cross Limit. A Limit of 0
// or less means unbounded.
func (q QuotaCounter) Exceeded(delta int) bool {
	if q.Limit <= 0 {
		return false
	}
	return q.Used+delta > q.Limit
}

// BillingLedgerEntry records one cost-unit charge against a tenant for a
// run and step. Each quota Consume appends a new entry; entries are not
// deduplicated across replays, and the quota stores leave IdempotencyKey
// empty.
type BillingLedgerEntry struct {
	EntryID        string `json:"entry_id"`
	TenantID       string `json:"tenant_id"`
	RunID          string `json:"run_id"`
	StepID         string `json:"step_id"`
	IdempotencyKey string `json:"idempotency_key"`
	CostUnits      int    `json:"cost_units"`
	CreatedAt      string `json:"created_at"`
}
