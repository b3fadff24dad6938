package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	List(ctx context.Context) ([]Response, error)
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	Revoke(ctx context.Context, keyID string) error
	// Authenticate resolves a raw "rf_op_<key_id>_<secret>" credential.
	Authenticate(ctx context.Context, raw string) (*Principal, error)
}

type CreateRequest struct {
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type Response struct {
	KeyID      string     `json:"key_id"`
	Name       string     `json:"name"`
	Role       Role       `json:"role"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
}

// SecretResponse carries the plaintext key. It is returned exactly once.
type SecretResponse struct {
	KeyID  string `json:"key_id"`
	Role   Role   `json:"role"`
	APIKey string `json:"api_key"`
}

var (
	ErrInvalidName    = errors.New("invalid_name")
	ErrInvalidRole    = errors.New("invalid_role")
	ErrInvalidKeyID   = errors.New("invalid_key_id")
	ErrInvalidExpiry  = errors.New("invalid_expiry")
	ErrNotFound       = errors.New("api_key_not_found")
	ErrInvalidAPIKey  = errors.New("invalid_api_key")
	ErrAlreadyRevoked = errors.New("api_key_revoked")
)
