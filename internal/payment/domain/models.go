package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusInitiated       Status = "INITIATED"
	StatusAwaitingGateway Status = "AWAITING_GATEWAY"
	StatusPaid            Status = "PAID"
	StatusFailed          Status = "FAILED"
	StatusExpired         Status = "EXPIRED"
)

// IsTerminal reports whether no further ledger transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Source identifies what drove a transition.
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourcePoll     Source = "poll"
	SourceSweeper  Source = "sweeper"
	SourceOperator Source = "operator"
	SourceSystem   Source = "system"
	SourceTransfer Source = "transfer"
)

const (
	ReviewReasonAmountMismatch      = "amount_mismatch"
	ReviewReasonLedgerConflict      = "ledger_conflict"
	ReviewReasonTransactionConflict = "transaction_conflict"

	HoldReasonNoPayoutMethod = "no_payout_method"
)

// Payment is one renter to platform charge for one room-period.
// PlatformFee, OwnerAmount and FeePercent are written once, on settlement.
type Payment struct {
	ID                   snowflake.ID `gorm:"primaryKey" json:"id"`
	RenterID             snowflake.ID `gorm:"not null;index" json:"renter_id"`
	OwnerID              snowflake.ID `gorm:"not null;index" json:"owner_id"`
	RoomID               snowflake.ID `gorm:"not null" json:"room_id"`
	GrossAmount          int64        `gorm:"not null" json:"gross_amount"`
	PlatformFee          *int64       `json:"platform_fee"`
	OwnerAmount          *int64       `json:"owner_amount"`
	FeePercent           *string      `gorm:"type:text" json:"fee_percent"`
	GatewayInvoiceID     *string      `gorm:"type:text;uniqueIndex" json:"gateway_invoice_id"`
	GatewayTransactionID *string      `gorm:"type:text;uniqueIndex" json:"gateway_transaction_id"`
	Status               Status       `gorm:"type:text;not null" json:"status"`
	PaidAt               *time.Time   `json:"paid_at"`
	FailedAt             *time.Time   `json:"failed_at"`
	ExpiredAt            *time.Time   `json:"expired_at"`
	ReviewReason         *string      `gorm:"type:text" json:"review_reason"`
	PayoutHoldReason     *string      `gorm:"type:text" json:"payout_hold_reason"`
	Version              int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt            time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time    `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// Settled reports whether fee fields have been frozen.
func (p *Payment) Settled() bool {
	return p != nil && p.PlatformFee != nil && p.OwnerAmount != nil
}

// StatusHistory is the append-only trail of ledger transitions and transfer outcomes.
type StatusHistory struct {
	ID         snowflake.ID  `gorm:"primaryKey" json:"id"`
	PaymentID  snowflake.ID  `gorm:"not null;index" json:"payment_id"`
	FromStatus *string       `gorm:"type:text" json:"from_status"`
	ToStatus   string        `gorm:"type:text;not null" json:"to_status"`
	Source     Source        `gorm:"type:text;not null" json:"source"`
	TransferID *snowflake.ID `json:"transfer_id,omitempty"`
	Note       string        `gorm:"type:text" json:"note,omitempty"`
	CreatedAt  time.Time     `gorm:"not null" json:"created_at"`
}

func (StatusHistory) TableName() string { return "payment_status_history" }
