package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusQueued           Status = "QUEUED"
	StatusInFlight         Status = "IN_FLIGHT"
	StatusSettled          Status = "SETTLED"
	StatusRetryableFailure Status = "RETRYABLE_FAILURE"
	StatusTerminalFailure  Status = "TERMINAL_FAILURE"
	StatusCancelled        Status = "CANCELLED"
)

// IsTerminal reports whether the transfer can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusTerminalFailure, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive matches the statuses covered by ux_transfers_active_payment.
func (s Status) IsActive() bool {
	switch s {
	case StatusQueued, StatusInFlight, StatusRetryableFailure:
		return true
	default:
		return false
	}
}

// Committed reports whether the amount counts against the payment's owner amount.
func (s Status) Committed() bool {
	return s != StatusTerminalFailure && s != StatusCancelled
}

// Failure reasons recorded by the executor itself.
const (
	ReasonMaxAttempts         = "max_attempts_exceeded"
	ReasonPayoutMethodMissing = "payout_method_missing"
	ReasonDisbursementMissing = "disbursement_not_found"
	ReasonTimeout             = "timeout"
	ReasonTransport           = "transport_error"
)

// Transfer moves one payment's owner amount to one payout method.
type Transfer struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	PaymentID         snowflake.ID `gorm:"not null;index" json:"payment_id"`
	PayoutMethodID    snowflake.ID `gorm:"not null" json:"payout_method_id"`
	Amount            int64        `gorm:"not null" json:"amount"`
	Status            Status       `gorm:"type:text;not null" json:"status"`
	AttemptCount      int          `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt     *time.Time   `json:"next_attempt_at"`
	LastFailureReason *string      `gorm:"type:text" json:"last_failure_reason"`
	ExternalRef       *string      `gorm:"type:text" json:"external_ref"`
	ProcessedAt       *time.Time   `json:"processed_at"`
	CancelledAt       *time.Time   `json:"cancelled_at"`
	Version           int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

func (Transfer) TableName() string { return "transfers" }
