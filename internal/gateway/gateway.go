// Package gateway talks to the payment service provider that collects rent
// and disburses owner payouts.
package gateway

import (
	"context"
	"errors"
	"strings"
)

// Status is the settlement status reported for a renter charge.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPending Status = "PENDING"
	StatusFailed  Status = "FAILED"
	StatusExpired Status = "EXPIRED"
)

var ErrUnknownStatus = errors.New("unknown_status")

// ParseStatus accepts only the four documented statuses. Case and surrounding
// spaces are normalized; anything else is rejected.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusPending:
		return StatusPending, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusExpired:
		return StatusExpired, nil
	default:
		return "", ErrUnknownStatus
	}
}

// Event is the normalized shape of a webhook push or a status poll response.
type Event struct {
	TransactionID string `json:"transaction_id"`
	InvoiceID     string `json:"invoice_id"`
	Status        Status `json:"status"`
	Amount        int64  `json:"amount"`
}

// StatusQuery looks a charge up by transaction id, falling back to invoice id.
type StatusQuery struct {
	TransactionID string
	InvoiceID     string
}

type MethodType string

const (
	MethodBankAccount MethodType = "bank_account"
	MethodEWallet     MethodType = "ewallet"
)

// Destination is the owner account a disbursement is sent to.
type Destination struct {
	Type              MethodType `json:"type"`
	AccountIdentifier string     `json:"account_identifier"`
	AccountName       string     `json:"account_name"`
	BankCode          string     `json:"bank_code,omitempty"`
}

type DisbursementRequest struct {
	Reference      string      `json:"reference"`
	IdempotencyKey string      `json:"-"`
	Amount         int64       `json:"amount"`
	Destination    Destination `json:"destination"`
}

// DisbursementResult is accepted with an external reference, or rejected with a reason.
type DisbursementResult struct {
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
}

type DisbursementStatus string

const (
	DisbursementSettled  DisbursementStatus = "settled"
	DisbursementPending  DisbursementStatus = "pending"
	DisbursementRejected DisbursementStatus = "rejected"
	DisbursementNotFound DisbursementStatus = "not_found"
)

type DisbursementState struct {
	Status      DisbursementStatus `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	ExternalRef string             `json:"external_ref,omitempty"`
}

//go:generate mockgen -source=gateway.go -destination=mock/client_mock.go -package=mock

// Client is the outbound surface of the gateway.
type Client interface {
	QueryStatus(ctx context.Context, query StatusQuery) (Event, error)
	Disburse(ctx context.Context, req DisbursementRequest) (DisbursementResult, error)
	DisbursementStatus(ctx context.Context, reference string) (DisbursementState, error)
}
