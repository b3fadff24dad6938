package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/payment/domain"
	"github.com/smallbiznis/rentflow/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, renter_id, owner_id, room_id, gross_amount, status,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.RenterID,
		payment.OwnerID,
		payment.RoomID,
		payment.GrossAmount,
		payment.Status,
		payment.Version,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	return found(&item, err)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&item).Error
	return found(&item, err)
}

func (r *repo) FindByInvoiceID(ctx context.Context, db *gorm.DB, invoiceID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Where("gateway_invoice_id = ?", invoiceID).Take(&item).Error
	return found(&item, err)
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, payment *domain.Payment, expectedVersion int64) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, gateway_invoice_id = ?, gateway_transaction_id = ?,
			platform_fee = ?, owner_amount = ?, fee_percent = ?,
			paid_at = ?, failed_at = ?, expired_at = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		payment.Status,
		payment.GatewayInvoiceID,
		payment.GatewayTransactionID,
		payment.PlatformFee,
		payment.OwnerAmount,
		payment.FeePercent,
		payment.PaidAt,
		payment.FailedAt,
		payment.ExpiredAt,
		payment.UpdatedAt,
		payment.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	payment.Version = expectedVersion + 1
	return nil
}

func (r *repo) UpdateReviewReason(ctx context.Context, db *gorm.DB, id snowflake.ID, reason *string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments SET review_reason = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		reason,
		now,
		id,
	).Error
}

func (r *repo) UpdatePayoutHold(ctx context.Context, db *gorm.DB, id snowflake.ID, reason *string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments SET payout_hold_reason = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		reason,
		now,
		id,
	).Error
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, entry *domain.StatusHistory) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_status_history (
			id, payment_id, from_status, to_status, source, transfer_id, note, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.PaymentID,
		entry.FromStatus,
		entry.ToStatus,
		entry.Source,
		entry.TransferID,
		entry.Note,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]domain.StatusHistory, error) {
	var items []domain.StatusHistory
	err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at asc, id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByRenter(ctx context.Context, db *gorm.DB, renterID snowflake.ID, cursor *pagination.Cursor, limit int) ([]domain.Payment, error) {
	return r.listBy(ctx, db, "renter_id", renterID, cursor, limit)
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, cursor *pagination.Cursor, limit int) ([]domain.Payment, error) {
	return r.listBy(ctx, db, "owner_id", ownerID, cursor, limit)
}

func (r *repo) listBy(ctx context.Context, db *gorm.DB, column string, id snowflake.ID, cursor *pagination.Cursor, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	stmt := db.WithContext(ctx).Model(&domain.Payment{}).Where(column+" = ?", id)
	if cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt,
			cursor.CreatedAt,
			cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if limit > 0 {
		stmt = stmt.Limit(limit + 1)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListAwaitingBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.StatusAwaitingGateway, cutoff).
		Order("updated_at asc, id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListPaidWithoutTransfer(ctx context.Context, db *gorm.DB, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("status = ? AND review_reason IS NULL", domain.StatusPaid).
		Where("NOT EXISTS (SELECT 1 FROM transfers t WHERE t.payment_id = payments.id)").
		Order("paid_at asc, id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func found(item *domain.Payment, err error) (*domain.Payment, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}
