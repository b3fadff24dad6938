package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/gateway"
)

type Service interface {
	// HandleWebhook verifies the signature over body before anything else.
	HandleWebhook(ctx context.Context, body []byte, signature string) (Result, error)
	// ApplyPolled feeds a status obtained from an authenticated outbound query.
	ApplyPolled(ctx context.Context, event gateway.Event) (Result, error)
	// PollPayment asks the gateway for the payment's status and applies it.
	PollPayment(ctx context.Context, paymentID snowflake.ID) (Result, error)
}

var (
	ErrAuthenticationFailure = errors.New("authentication_failure")
	ErrMalformedPayload      = errors.New("malformed_payload")
	ErrUnknownStatus         = gateway.ErrUnknownStatus
	ErrUnknownInvoice        = errors.New("unknown_invoice")
	ErrAmountMismatch        = errors.New("amount_mismatch")
	ErrNoInvoice             = errors.New("payment_has_no_invoice")
)
