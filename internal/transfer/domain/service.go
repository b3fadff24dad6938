package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Execute runs one disbursement attempt for a QUEUED (or due retryable)
	// transfer. Terminal transfers are returned unchanged.
	Execute(ctx context.Context, transferID snowflake.ID) (*Transfer, error)
	// ProcessDue claims due transfers and executes them, returning how many were attempted.
	ProcessDue(ctx context.Context, limit int) (int, error)
	// ResolveInFlight asks the gateway what became of a stuck IN_FLIGHT attempt.
	ResolveInFlight(ctx context.Context, transferID snowflake.ID) (*Transfer, error)
	Cancel(ctx context.Context, transferID snowflake.ID, reason string) (*Transfer, error)

	Get(ctx context.Context, transferID snowflake.ID) (*Transfer, error)
	ListByPayment(ctx context.Context, paymentID snowflake.ID) ([]Transfer, error)
	ListStuckInFlight(ctx context.Context, cutoff time.Time, limit int) ([]Transfer, error)
}

var (
	ErrInvalidID        = errors.New("invalid_id")
	ErrNotFound         = errors.New("transfer_not_found")
	ErrAttemptInFlight  = errors.New("transfer_attempt_in_flight")
	ErrNotDue           = errors.New("transfer_not_due")
	ErrCannotCancel     = errors.New("transfer_cannot_cancel")
	ErrConcurrentUpdate = errors.New("concurrent_update")
)
