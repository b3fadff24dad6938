package dbtest

import (
	"testing"
	"time"

	"gorm.io/gorm"
)

// PaidPayment inserts a settled payment with frozen fee fields.
type PaidPayment struct {
	ID            int64
	OwnerID       int64
	GrossAmount   int64
	PlatformFee   int64
	TransactionID string
	PaidAt        time.Time
}

func SeedPaidPayment(t testing.TB, db *gorm.DB, p PaidPayment) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO payments (
			id, renter_id, owner_id, room_id, gross_amount, platform_fee, owner_amount,
			fee_percent, gateway_invoice_id, gateway_transaction_id, status, paid_at,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, 1, p.OwnerID, 1, p.GrossAmount, p.PlatformFee, p.GrossAmount-p.PlatformFee,
		"10", "inv-"+p.TransactionID, p.TransactionID, "PAID", p.PaidAt,
		2, p.PaidAt, p.PaidAt,
	).Error
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
}

// PayoutMethod inserts an owner payout method.
type PayoutMethod struct {
	ID        int64
	OwnerID   int64
	Type      string
	Account   string
	IsPrimary bool
	IsActive  bool
	At        time.Time
}

func SeedPayoutMethod(t testing.TB, db *gorm.DB, m PayoutMethod) {
	t.Helper()
	if m.Type == "" {
		m.Type = "bank_account"
	}
	if m.Account == "" {
		m.Account = "0012345678"
	}
	err := db.Exec(
		`INSERT INTO payout_methods (
			id, owner_id, type, account_identifier, account_name, bank_code,
			is_primary, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerID, m.Type, m.Account, "Owner Account", "014",
		m.IsPrimary, m.IsActive, m.At, m.At,
	).Error
	if err != nil {
		t.Fatalf("seed payout method: %v", err)
	}
}

// Transfer inserts a transfer row in an arbitrary state.
type Transfer struct {
	ID             int64
	PaymentID      int64
	PayoutMethodID int64
	Amount         int64
	Status         string
	AttemptCount   int
	NextAttemptAt  *time.Time
	At             time.Time
}

func SeedTransfer(t testing.TB, db *gorm.DB, tr Transfer) {
	t.Helper()
	if tr.Status == "" {
		tr.Status = "QUEUED"
	}
	if tr.NextAttemptAt == nil && tr.Status == "QUEUED" {
		at := tr.At
		tr.NextAttemptAt = &at
	}
	err := db.Exec(
		`INSERT INTO transfers (
			id, payment_id, payout_method_id, amount, status, attempt_count,
			next_attempt_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.PaymentID, tr.PayoutMethodID, tr.Amount, tr.Status, tr.AttemptCount,
		tr.NextAttemptAt, 0, tr.At, tr.At,
	).Error
	if err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
}
