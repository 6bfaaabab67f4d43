package kernel

import "strings"

// StepStatus is the terminal outcome of a single step execution.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// ErrorClass is the taxonomy used to classify tool/transport failures
// (spec.md §7). Non-retryable classes are listed in NonRetryable.
type ErrorClass string

const (
	ErrAuth            ErrorClass = "AUTH"
	ErrPermission      ErrorClass = "PERMISSION"
	ErrRateLimit       ErrorClass = "RATE_LIMIT"
	ErrValidation      ErrorClass = "VALIDATION"
	ErrNotFound        ErrorClass = "NOT_FOUND"
	ErrConflict        ErrorClass = "CONFLICT"
	ErrTransient       ErrorClass = "TRANSIENT"
	ErrTimeout         ErrorClass = "TIMEOUT"
	ErrUpstream        ErrorClass = "UPSTREAM"
	ErrBudget          ErrorClass = "BUDGET"
	ErrQuota           ErrorClass = "QUOTA"
	ErrIdempotency     ErrorClass = "IDEMPOTENCY"
	ErrApprovalDenied  ErrorClass = "APPROVAL_DENIED"
	ErrPolicy          ErrorClass = "POLICY"
	ErrRBAC            ErrorClass = "RBAC"
	ErrUnknown         ErrorClass = "UNKNOWN"
)

// NonRetryable is the set of error classes the retry runner must never
// retry, regardless of the action's retry_class.
var NonRetryable = map[ErrorClass]bool{
	ErrAuth:           true,
	ErrPermission:     true,
	ErrValidation:     true,
	ErrBudget:         true,
	ErrQuota:          true,
	ErrIdempotency:    true,
	ErrApprovalDenied: true,
	ErrPolicy:         true,
	ErrRBAC:           true,
}

// StepError is the classified failure recorded on a StepResult.
type StepError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

// StepResult is cached by idempotency key and recorded for obligation
// checks and policy-id propagation.
type StepResult struct {
	StepID         string         `json:"step_id"`
	ActionID       string         `json:"action_id"`
	Tool           string         `json:"tool"`
	Status         StepStatus     `json:"status"`
	Attempts       int            `json:"attempts"`
	IdempotencyKey string         `json:"idempotency_key"`
	Output         map[string]any `json:"output,omitempty"`
	Error          *StepError     `json:"error,omitempty"`
	PolicyIDs      []string       `json:"policy_ids,omitempty"`
	CacheHit       bool           `json:"cache_hit,omitempty"`
}

// IsSideEffecting reports whether an action is side-effecting per the rule
// in spec.md §4.4 step 3: flagged side_effect, or its action_id/tool
// contains one of the listed verbs/domains.
func IsSideEffecting(actionID, tool string, flagged bool) bool {
	if flagged {
		return true
	}
	lowerAction := strings.ToLower(actionID)
	for _, kw := range []string{"send", "create", "write", "delete", "update", "charge", "refund"} {
		if strings.Contains(lowerAction, kw) {
			return true
		}
	}
	lowerTool := strings.ToLower(tool)
	for _, kw := range []string{"email", "gmail", "calendar", "crm"} {
		if strings.Contains(lowerTool, kw) {
			return true
		}
	}
	return false
}
