package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert reports false when the (transaction_id, status) pair already exists.
	Insert(ctx context.Context, db *gorm.DB, event *GatewayEvent) (bool, error)
	Find(ctx context.Context, db *gorm.DB, transactionID string, status string) (*GatewayEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}
