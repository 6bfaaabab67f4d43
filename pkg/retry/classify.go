// Package retry classifies tool-call failures into the kernel's error
// taxonomy and drives the bounded-attempt, backoff-scheduled retry loop
// the step executor runs every tool invocation through.
//
// Grounded on original/.../kernel/runtime/errors.py (classify_error,
// string-fingerprint match over exception class name + message) and the
// teacher's pkg/mcp/recovery.go (ClassifyError: typed-error-first, then a
// string-fallback second pass). This package keeps both layers: known Go
// error types (net.Error, context deadline/cancel, MCP jsonrpc.Error) are
// checked first, and only unrecognized errors fall through to the
// fingerprint match.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/wmag/kernel/pkg/kernel"
)

// Classify maps a tool-invocation error to the taxonomy in spec.md §7.
// BUDGET, QUOTA, IDEMPOTENCY, APPROVAL_DENIED, POLICY, and RBAC are never
// produced here — the executor and policy gate raise those directly as
// typed StepErrors before a tool is ever called.
func Classify(err error) kernel.ErrorClass {
	if err == nil {
		return kernel.ErrUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return kernel.ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return kernel.ErrTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return kernel.ErrTimeout
		}
		return kernel.ErrTransient
	}

	var wireErr *jsonrpc.Error
	if errors.As(err, &wireErr) {
		switch wireErr.Code {
		case jsonrpc.CodeInvalidParams:
			return kernel.ErrValidation
		case jsonrpc.CodeMethodNotFound:
			return kernel.ErrNotFound
		default:
			return kernel.ErrUpstream
		}
	}

	return classifyByMessage(err)
}

// classifyByMessage is the fallback fingerprint match for errors with no
// recognized Go type, mirroring the original's classify_error.
func classifyByMessage(err error) kernel.ErrorClass {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "auth"):
		return kernel.ErrAuth
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "permission"):
		return kernel.ErrPermission
	case strings.Contains(msg, "rate") || strings.Contains(msg, "429"):
		return kernel.ErrRateLimit
	case strings.Contains(msg, "timeout"):
		return kernel.ErrTimeout
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return kernel.ErrNotFound
	case strings.Contains(msg, "conflict") || strings.Contains(msg, "409"):
		return kernel.ErrConflict
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return kernel.ErrValidation
	case strings.Contains(msg, "upstream") || strings.Contains(msg, "5xx"):
		return kernel.ErrUpstream
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return kernel.ErrTransient
	default:
		return kernel.ErrUnknown
	}
}
