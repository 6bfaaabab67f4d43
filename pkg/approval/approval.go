// Package approval provides the idempotency-keyed step result cache and
// the human-in-the-loop approval gate the executor blocks on.
//
// Grounded on original/.../storage_postgres.py's get_step_result /
// save_step_result (idem_key -> payload cache) and
// create_approval_request / set_approval_decision / wait_for_approval
// (one outstanding Approval per run, polled until decided or a 1-hour
// deadline elapses, at which point it's synthesized as denied).
package approval

import (
	"context"
	"time"

	"github.com/wmag/kernel/pkg/kernel"
)

// DefaultWaitTimeout mirrors the original's hardcoded 3600-second
// deadline (see DESIGN.md Open Question decisions).
const DefaultWaitTimeout = time.Hour

// StepCache looks up and stores StepResults by idempotency key, giving a
// replayed run's steps the same outcome without re-invoking the tool.
type StepCache interface {
	Get(ctx context.Context, idemKey string) (kernel.StepResult, bool, error)
	Put(ctx context.Context, idemKey string, result kernel.StepResult) error
}

// Store creates, decides, and waits on Approvals. One outstanding
// Approval exists per run at a time (ApprovalID = "apr_"+run_id).
type Store interface {
	// Create upserts the pending approval for runID with payload describing
	// the step awaiting a decision, returning its id.
	Create(ctx context.Context, runID string, payload map[string]any) (string, error)

	// Decide records an external decision against runID's approval.
	Decide(ctx context.Context, runID string, decision kernel.Decision) error

	// Wait blocks until approvalID is decided or timeout elapses, in which
	// case it synthesizes a denied decision attributed to "system".
	Wait(ctx context.Context, approvalID string, timeout time.Duration) (kernel.Decision, error)
}

// timeoutDecision is the decision Wait returns when its deadline or ctx
// elapses before an external decision arrives.
func timeoutDecision() kernel.Decision {
	return kernel.Decision{Decision: kernel.DecisionDenied, By: "system", TS: "timeout"}
}
