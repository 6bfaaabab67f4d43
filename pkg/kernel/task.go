// Package kernel defines the core data model shared by every subsystem of
// the orchestration kernel: tasks, runs, events, plans, step results,
// approvals, the registry document, jobs, and quota/billing records.
//
// Shapes here are wire-exact with the spec's JSON field names (snake_case)
// so that a Task or Plan decoded from an external planner or submitted by a
// caller round-trips without translation.
package kernel

// Task is an immutable submission. task_id uniquely identifies a Run.
type Task struct {
	TaskID      string         `json:"task_id"`
	TenantID    string         `json:"tenant_id"`
	UserMessage string         `json:"user_message"`
	UserID      string         `json:"user_id,omitempty"`
	OrgID       string         `json:"org_id,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CrashAfterStep returns the step id that metadata.crash_after_step names,
// for the crash-simulation hook in the step executor (spec.md §4.4 step 10).
func (t *Task) CrashAfterStep() string {
	if t == nil || t.Metadata == nil {
		return ""
	}
	v, _ := t.Metadata["crash_after_step"].(string)
	return v
}

// RunState is the lifecycle state of a Run. Transitions are monotone except
// for working <-> input-required.
type RunState string

const (
	RunSubmitted      RunState = "submitted"
	RunWorking        RunState = "working"
	RunInputRequired  RunState = "input-required"
	RunCompleted      RunState = "completed"
	RunFailed         RunState = "failed"
	RunCanceled       RunState = "canceled"
)

// IsTerminal reports whether state is one from which no further transition
// occurs.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// BudgetUsed tracks consumption against a Run's budget.
type BudgetUsed struct {
	ToolCalls  int            `json:"tool_calls"`
	LLMCalls   int            `json:"llm_calls"`
	CostUnits  int            `json:"cost_units"`
	PerTool    map[string]int `json:"per_tool,omitempty"`
	PerAction  map[string]int `json:"per_action,omitempty"`
}

// Run is the durable, mutable record of one executable task instance.
// task_id -> run_id is 1:1.
type Run struct {
	RunID      string         `json:"run_id"`
	TaskID     string         `json:"task_id"`
	TenantID   string         `json:"tenant_id"`
	State      RunState       `json:"state"`
	Title      string         `json:"title,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	BudgetUsed BudgetUsed     `json:"budget_used"`
	TaskInput  map[string]any `json:"task_input,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}
