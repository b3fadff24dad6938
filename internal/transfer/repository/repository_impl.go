package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/transfer/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, transfer *domain.Transfer) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transfers (
			id, payment_id, payout_method_id, amount, status, attempt_count,
			next_attempt_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.ID,
		transfer.PaymentID,
		transfer.PayoutMethodID,
		transfer.Amount,
		transfer.Status,
		transfer.AttemptCount,
		transfer.NextAttemptAt,
		transfer.Version,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transfer, error) {
	var item domain.Transfer
	err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	return found(&item, err)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transfer, error) {
	var item domain.Transfer
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&item).Error
	return found(&item, err)
}

func (r *repo) FindActiveByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*domain.Transfer, error) {
	var item domain.Transfer
	err := db.WithContext(ctx).
		Where("payment_id = ? AND status IN ?", paymentID, []domain.Status{
			domain.StatusQueued,
			domain.StatusInFlight,
			domain.StatusRetryableFailure,
		}).
		Take(&item).Error
	return found(&item, err)
}

func (r *repo) ListByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]domain.Transfer, error) {
	var items []domain.Transfer
	err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at asc, id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SumCommitted(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, int64, error) {
	var row struct {
		Committed int64
		Settled   int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN status NOT IN (?, ?) THEN amount ELSE 0 END), 0) AS committed,
			COALESCE(SUM(CASE WHEN status = ? THEN amount ELSE 0 END), 0) AS settled
		 FROM transfers
		 WHERE payment_id = ?`,
		domain.StatusTerminalFailure,
		domain.StatusCancelled,
		domain.StatusSettled,
		paymentID,
	).Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Committed, row.Settled, nil
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, transfer *domain.Transfer, fromStatus domain.Status, expectedVersion int64) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE transfers
		 SET status = ?, attempt_count = ?, next_attempt_at = ?, last_failure_reason = ?,
			external_ref = ?, processed_at = ?, cancelled_at = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND version = ?`,
		transfer.Status,
		transfer.AttemptCount,
		transfer.NextAttemptAt,
		transfer.LastFailureReason,
		transfer.ExternalRef,
		transfer.ProcessedAt,
		transfer.CancelledAt,
		transfer.UpdatedAt,
		transfer.ID,
		fromStatus,
		expectedVersion,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	transfer.Version = expectedVersion + 1
	return nil
}

func (r *repo) ListDueForUpdate(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Transfer, error) {
	var items []domain.Transfer
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status IN ? AND next_attempt_at <= ?", []domain.Status{
			domain.StatusQueued,
			domain.StatusRetryableFailure,
		}, now).
		Order("next_attempt_at asc, id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListStuckInFlight(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Transfer, error) {
	var items []domain.Transfer
	err := db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.StatusInFlight, cutoff).
		Order("updated_at asc, id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func found(item *domain.Transfer, err error) (*domain.Transfer, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}
