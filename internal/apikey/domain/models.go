package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Role is the coarse permission level carried by an operator key.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleSystem   Role = "system"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleViewer, RoleOperator, RoleSystem:
		return Role(raw), true
	default:
		return "", false
	}
}

// APIKey stores a hashed operator credential. The secret is never persisted.
type APIKey struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	KeyID      string       `gorm:"column:key_id;type:text;not null;uniqueIndex"`
	Name       string       `gorm:"type:text;not null"`
	Role       Role         `gorm:"type:text;not null"`
	KeyHash    string       `gorm:"column:key_hash;type:text;not null"`
	IsActive   bool         `gorm:"column:is_active;not null;default:true"`
	CreatedAt  time.Time    `gorm:"not null"`
	UpdatedAt  time.Time    `gorm:"not null"`
	LastUsedAt *time.Time   `gorm:"column:last_used_at"`
	ExpiresAt  *time.Time   `gorm:"column:expires_at"`
	RevokedAt  *time.Time   `gorm:"column:revoked_at"`
}

func (APIKey) TableName() string { return "api_keys" }

// Usable reports whether the key may authenticate at now.
func (k *APIKey) Usable(now time.Time) bool {
	if k == nil || !k.IsActive || k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	KeyID string `json:"key_id"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}
