package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/pkg/db/pagination"
)

type InitiateRequest struct {
	RenterID    snowflake.ID `json:"renter_id"`
	OwnerID     snowflake.ID `json:"owner_id"`
	RoomID      snowflake.ID `json:"room_id"`
	GrossAmount int64        `json:"gross_amount"`
}

// Settlement carries the gateway confirmation for AWAITING_GATEWAY -> PAID.
type Settlement struct {
	PaymentID     snowflake.ID
	TransactionID string
	Source        Source
}

// TransferOutcome is appended to the payment history when a transfer changes state.
type TransferOutcome struct {
	PaymentID  snowflake.ID
	TransferID snowflake.ID
	Status     string
	Note       string
}

type ListRequest struct {
	pagination.Pagination
}

type ListResponse struct {
	pagination.PageInfo
	Payments []Payment `json:"payments"`
}

type Service interface {
	Initiate(ctx context.Context, req InitiateRequest) (*Payment, error)
	AttachInvoice(ctx context.Context, paymentID snowflake.ID, invoiceID string, source Source) (*Payment, error)
	MarkPaid(ctx context.Context, settlement Settlement) (*Payment, error)
	MarkFailed(ctx context.Context, paymentID snowflake.ID, transactionID string, source Source) (*Payment, error)
	MarkExpired(ctx context.Context, paymentID snowflake.ID, source Source) (*Payment, error)

	FlagForReview(ctx context.Context, paymentID snowflake.ID, reason string, note string) error
	ResolveReview(ctx context.Context, paymentID snowflake.ID, note string) (*Payment, error)
	RecordTransferOutcome(ctx context.Context, outcome TransferOutcome) error

	Get(ctx context.Context, id snowflake.ID) (*Payment, error)
	GetByInvoiceID(ctx context.Context, invoiceID string) (*Payment, error)
	History(ctx context.Context, id snowflake.ID) ([]StatusHistory, error)
	ListByRenter(ctx context.Context, renterID snowflake.ID, req ListRequest) (ListResponse, error)
	ListByOwner(ctx context.Context, ownerID snowflake.ID, req ListRequest) (ListResponse, error)
	ListStuckAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]Payment, error)
	ListPaidWithoutTransfer(ctx context.Context, limit int) ([]Payment, error)
}

// SettlementPublisher is notified after a payment commits as PAID.
type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, payment Payment)
}

var (
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidID            = errors.New("invalid_id")
	ErrInvalidInvoice       = errors.New("invalid_invoice")
	ErrInvalidTransaction   = errors.New("invalid_transaction")
	ErrInvalidReviewReason  = errors.New("invalid_review_reason")
	ErrNotFound             = errors.New("payment_not_found")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrLedgerConflict       = errors.New("ledger_conflict")
	ErrTransactionClaimed   = errors.New("transaction_already_claimed")
	ErrInvoiceAlreadyExists = errors.New("invoice_already_attached")
	ErrConcurrentUpdate     = errors.New("concurrent_update")
	ErrNotUnderReview       = errors.New("not_under_review")
)
