package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
)

type Service interface {
	// Schedule creates the QUEUED transfer for a PAID payment, or returns the
	// existing active one. Safe to call any number of times per payment.
	Schedule(ctx context.Context, paymentID snowflake.ID) (*transferdomain.Transfer, error)
}

var (
	ErrInvalidID               = errors.New("invalid_id")
	ErrPaymentNotFound         = errors.New("payment_not_found")
	ErrPaymentNotPaid          = errors.New("payment_not_paid")
	ErrPaymentUnderReview      = errors.New("payment_under_review")
	ErrNoPayoutMethod          = errors.New("no_payout_method")
	ErrInvariantViolation      = errors.New("transfer_invariant_violation")
	ErrDuplicateActiveTransfer = errors.New("duplicate_active_transfer")
)
