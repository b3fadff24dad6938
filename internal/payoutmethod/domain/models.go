package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/gateway"
	"gorm.io/gorm"
)

// PayoutMethod is an owner's registered destination. It is maintained by
// owner management; this service only reads it.
type PayoutMethod struct {
	ID                snowflake.ID       `gorm:"primaryKey" json:"id"`
	OwnerID           snowflake.ID       `gorm:"not null;index" json:"owner_id"`
	Type              gateway.MethodType `gorm:"type:text;not null" json:"type"`
	AccountIdentifier string             `gorm:"type:text;not null" json:"-"`
	AccountName       string             `gorm:"type:text;not null" json:"account_name"`
	BankCode          *string            `gorm:"type:text" json:"bank_code,omitempty"`
	IsPrimary         bool               `gorm:"not null" json:"is_primary"`
	IsActive          bool               `gorm:"not null" json:"is_active"`
	CreatedAt         time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"not null" json:"updated_at"`
}

func (PayoutMethod) TableName() string { return "payout_methods" }

// Destination converts the method into the gateway disbursement target.
func (m PayoutMethod) Destination() gateway.Destination {
	dest := gateway.Destination{
		Type:              m.Type,
		AccountIdentifier: m.AccountIdentifier,
		AccountName:       m.AccountName,
	}
	if m.BankCode != nil {
		dest.BankCode = *m.BankCode
	}
	return dest
}

type Repository interface {
	// FindPrimaryActiveForUpdate locks the owner's primary active method for the
	// surrounding transaction so a concurrent deactivation cannot interleave.
	FindPrimaryActiveForUpdate(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (*PayoutMethod, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PayoutMethod, error)
}
