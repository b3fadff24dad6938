package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	// FindByIDForUpdate must run inside a transaction; it holds the row lock until commit.
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByInvoiceID(ctx context.Context, db *gorm.DB, invoiceID string) (*Payment, error)
	// UpdateState persists a transition guarded by expectedVersion and returns
	// ErrConcurrentUpdate when the row moved underneath the caller.
	UpdateState(ctx context.Context, db *gorm.DB, payment *Payment, expectedVersion int64) error
	UpdateReviewReason(ctx context.Context, db *gorm.DB, id snowflake.ID, reason *string, now time.Time) error
	UpdatePayoutHold(ctx context.Context, db *gorm.DB, id snowflake.ID, reason *string, now time.Time) error

	InsertHistory(ctx context.Context, db *gorm.DB, entry *StatusHistory) error
	ListHistory(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]StatusHistory, error)

	ListByRenter(ctx context.Context, db *gorm.DB, renterID snowflake.ID, cursor *pagination.Cursor, limit int) ([]Payment, error)
	ListByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, cursor *pagination.Cursor, limit int) ([]Payment, error)
	ListAwaitingBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Payment, error)
	ListPaidWithoutTransfer(ctx context.Context, db *gorm.DB, limit int) ([]Payment, error)
}
