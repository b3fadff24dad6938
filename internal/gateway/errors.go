package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Rejection reasons the gateway reports for disbursements.
const (
	ReasonInvalidAccount      = "invalid_account"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonRejected            = "rejected"
	ReasonRateLimited         = "rate_limited"
	ReasonTimeout             = "timeout"
	ReasonUnavailable         = "temporarily_unavailable"
)

var (
	ErrNotFound      = errors.New("gateway_not_found")
	ErrInvalidConfig = errors.New("invalid_gateway_config")
)

// Error is a failed call to the gateway.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.StatusCode != 0:
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Code)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	default:
		return "gateway " + e.Op + " failed"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// GatewayFailure marks the error for job reason classification.
func (e *Error) GatewayFailure() bool { return true }

type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureRetryable
	FailureTerminal
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureRetryable:
		return "retryable"
	case FailureTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classify decides whether a failed disbursement attempt may be retried.
// Timeouts (including 408), 5xx and 429 are retryable; invalid account,
// insufficient balance, explicit rejections and other 4xx are terminal.
// Unrecognized transport errors are retryable: the idempotency key makes a
// repeat safe.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureRetryable
	}
	if errors.Is(err, context.Canceled) {
		return FailureRetryable
	}

	var gwErr *Error
	if errors.As(err, &gwErr) {
		if kind, ok := classifyReason(gwErr.Code); ok {
			return kind
		}
		switch {
		case gwErr.StatusCode == http.StatusRequestTimeout,
			gwErr.StatusCode == http.StatusTooManyRequests:
			return FailureRetryable
		case gwErr.StatusCode >= http.StatusInternalServerError:
			return FailureRetryable
		case gwErr.StatusCode >= http.StatusBadRequest:
			return FailureTerminal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureRetryable
	}
	return FailureRetryable
}

// ClassifyResult maps a completed disbursement call. A rejection is terminal
// unless its reason is a transient one.
func ClassifyResult(result DisbursementResult) FailureKind {
	if result.Accepted {
		return FailureNone
	}
	return ClassifyRejection(result.Reason)
}

// ClassifyRejection maps a rejection reason; unknown reasons are terminal.
func ClassifyRejection(reason string) FailureKind {
	if kind, ok := classifyReason(reason); ok {
		return kind
	}
	return FailureTerminal
}

func classifyReason(reason string) (FailureKind, bool) {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case ReasonRateLimited, ReasonTimeout, ReasonUnavailable:
		return FailureRetryable, true
	case ReasonInvalidAccount, ReasonInsufficientBalance, ReasonRejected:
		return FailureTerminal, true
	default:
		return FailureNone, false
	}
}
