package authorization

import (
	"context"
	"errors"
)

const (
	ObjectPayment  = "payment"
	ObjectTransfer = "transfer"
	ObjectAuditLog = "audit_log"
	ObjectAPIKey   = "api_key"
)

const (
	ActionView     = "view"
	ActionInitiate = "initiate"
	ActionPoll     = "poll"
	ActionPayout   = "payout"
	ActionResolve  = "resolve"
	ActionCancel   = "cancel"
	ActionCreate   = "create"
	ActionRevoke   = "revoke"
)

// Subject is the authenticated caller being checked.
type Subject struct {
	KeyID string
	Role  string
}

type Service interface {
	Authorize(ctx context.Context, subject Subject, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
