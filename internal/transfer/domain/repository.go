package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, transfer *Transfer) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transfer, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transfer, error)
	FindActiveByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*Transfer, error)
	ListByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]Transfer, error)

	// SumCommitted totals transfers that still count toward the owner amount,
	// and separately those already settled.
	SumCommitted(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (committed int64, settled int64, err error)

	// UpdateState persists the mutable fields only while the row is still in
	// fromStatus at expectedVersion; otherwise ErrConcurrentUpdate.
	UpdateState(ctx context.Context, db *gorm.DB, transfer *Transfer, fromStatus Status, expectedVersion int64) error

	// ListDueForUpdate locks due QUEUED and RETRYABLE_FAILURE rows, skipping
	// rows another worker already holds.
	ListDueForUpdate(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Transfer, error)
	ListStuckInFlight(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Transfer, error)
}
