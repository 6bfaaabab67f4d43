package retry

import (
	"context"
	"time"

	"github.com/wmag/kernel/pkg/kernel"
)

// Call is the operation a Run attempt executes. It returns the raw error so
// Run can classify it; callers never see an unclassified error.
type Call func(ctx context.Context) (map[string]any, error)

// Result is the outcome of Run: exactly one of Output or Error is set,
// along with the number of attempts actually made.
type Result struct {
	Output   map[string]any
	Error    *kernel.StepError
	Attempts int
}

// defaultBackoff is used when a retry class names no backoff schedule.
const defaultBackoff = 250 * time.Millisecond

// Run drives call through up to cfg.MaxAttempts tries, classifying each
// failure and stopping as soon as the error is non-retryable, unlisted in
// cfg.RetryOn, or attempts are exhausted. Grounded on
// original/.../kernel/runtime/retry.py run_with_retry.
func Run(ctx context.Context, call Call, cfg kernel.RetryClassSpec) Result {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryOn := make(map[kernel.ErrorClass]bool, len(cfg.RetryOn))
	for _, c := range cfg.RetryOn {
		retryOn[kernel.ErrorClass(c)] = true
	}

	var lastErr *kernel.StepError
	attempts := 0

	for attempts < maxAttempts {
		attempts++
		out, err := call(ctx)
		if err == nil {
			return Result{Output: out, Attempts: attempts}
		}

		class := Classify(err)
		lastErr = &kernel.StepError{Class: class, Message: err.Error()}

		if kernel.NonRetryable[class] {
			return Result{Error: lastErr, Attempts: attempts}
		}
		if !retryOn[class] || attempts >= maxAttempts {
			return Result{Error: lastErr, Attempts: attempts}
		}

		delay := defaultBackoff
		if len(cfg.BackoffMS) > 0 {
			idx := attempts - 1
			if idx >= len(cfg.BackoffMS) {
				idx = len(cfg.BackoffMS) - 1
			}
			delay = time.Duration(cfg.BackoffMS[idx]) * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return Result{Error: &kernel.StepError{Class: kernel.ErrTimeout, Message: ctx.Err().Error()}, Attempts: attempts}
		case <-time.After(delay):
		}
	}

	return Result{Error: lastErr, Attempts: attempts}
}
