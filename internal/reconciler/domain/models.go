package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// GatewayEvent is the dedup record for one (transaction_id, status) pair.
type GatewayEvent struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	TransactionID string         `gorm:"type:text;not null" json:"transaction_id"`
	InvoiceID     string         `gorm:"type:text;not null" json:"invoice_id"`
	Status        string         `gorm:"type:text;not null" json:"status"`
	Amount        int64          `gorm:"not null" json:"amount"`
	Source        Source         `gorm:"type:text;not null" json:"source"`
	Payload       datatypes.JSON `json:"payload,omitempty"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
}

func (GatewayEvent) TableName() string { return "gateway_events" }

// Result reports what an event did to the ledger.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultPending   Result = "pending"
	ResultNoop      Result = "noop"
)
