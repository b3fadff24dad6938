package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"SUCCESS":   StatusSuccess,
		" pending ": StatusPending,
		"failed":    StatusFailed,
		"EXPIRED":   StatusExpired,
	}
	for raw, want := range cases {
		got, err := ParseStatus(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}

	for _, raw := range []string{"", "PAID", "SETTLED", "succes"} {
		_, err := ParseStatus(raw)
		assert.ErrorIs(t, err, ErrUnknownStatus, raw)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FailureNone, Classify(nil))
	assert.Equal(t, FailureRetryable, Classify(context.DeadlineExceeded))
	assert.Equal(t, FailureRetryable, Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, FailureRetryable, Classify(&Error{Op: "disburse", StatusCode: http.StatusServiceUnavailable}))
	assert.Equal(t, FailureRetryable, Classify(&Error{Op: "disburse", StatusCode: http.StatusTooManyRequests}))
	assert.Equal(t, FailureTerminal, Classify(&Error{Op: "disburse", StatusCode: http.StatusUnprocessableEntity, Code: ReasonInvalidAccount}))
	assert.Equal(t, FailureTerminal, Classify(&Error{Op: "disburse", StatusCode: http.StatusPaymentRequired, Code: ReasonInsufficientBalance}))
	assert.Equal(t, FailureTerminal, Classify(&Error{Op: "disburse", StatusCode: http.StatusBadRequest}))
	assert.Equal(t, FailureRetryable, Classify(&Error{Op: "disburse", StatusCode: http.StatusRequestTimeout}))
	assert.Equal(t, FailureRetryable, Classify(&Error{Op: "disburse", StatusCode: http.StatusBadRequest, Code: ReasonRateLimited}))
	assert.Equal(t, FailureRetryable, Classify(errors.New("connection reset by peer")))

	assert.Equal(t, FailureNone, ClassifyResult(DisbursementResult{Accepted: true}))
	assert.Equal(t, FailureTerminal, ClassifyResult(DisbursementResult{Reason: ReasonInvalidAccount}))
	assert.Equal(t, FailureTerminal, ClassifyResult(DisbursementResult{Reason: "account_closed"}))
	assert.Equal(t, FailureRetryable, ClassifyResult(DisbursementResult{Reason: ReasonRateLimited}))
	assert.Equal(t, FailureRetryable, ClassifyResult(DisbursementResult{Reason: " TIMEOUT "}))
	assert.Equal(t, FailureRetryable, ClassifyRejection(ReasonUnavailable))
}

func TestSignature(t *testing.T) {
	body := []byte(`{"transaction_id":"tx-1"}`)
	sig := Sign("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("s3cret", append(body, ' '), sig))
	assert.False(t, VerifySignature("s3cret", body, "not-hex"))
	assert.False(t, VerifySignature("", body, Sign("", body)))
}

func TestHTTPClientQueryAndDisburse(t *testing.T) {
	var idempotencyKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transactions/tx-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"transaction_id": "tx-1", "invoice_id": "inv-1", "status": "SUCCESS", "amount": 1000,
			})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/invoices/inv-2/status":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"transaction_id": "tx-2", "invoice_id": "inv-2", "status": "BOGUS", "amount": 1000,
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/disbursements":
			idempotencyKey = r.Header.Get("Idempotency-Key")
			var req DisbursementRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Destination.AccountIdentifier == "busy" {
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "rejected", "reason": ReasonRateLimited})
				return
			}
			if req.Destination.AccountIdentifier == "bad" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_ = json.NewEncoder(w).Encode(map[string]string{"error_code": ReasonInvalidAccount})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "external_ref": "ext-9"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/invoices/inv-none/status":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error_code": "invoice_not_found"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/disbursements/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL, "key-1", 0, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	event, err := client.QueryStatus(ctx, StatusQuery{TransactionID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, Event{TransactionID: "tx-1", InvoiceID: "inv-1", Status: StatusSuccess, Amount: 1000}, event)

	_, err = client.QueryStatus(ctx, StatusQuery{InvoiceID: "inv-2"})
	assert.ErrorIs(t, err, ErrUnknownStatus)

	_, err = client.QueryStatus(ctx, StatusQuery{InvoiceID: "inv-none"})
	assert.ErrorIs(t, err, ErrNotFound)

	busy, err := client.Disburse(ctx, DisbursementRequest{Reference: "t-3", Amount: 900, Destination: Destination{AccountIdentifier: "busy"}})
	require.NoError(t, err)
	assert.False(t, busy.Accepted)
	assert.Equal(t, FailureRetryable, ClassifyResult(busy))

	result, err := client.Disburse(ctx, DisbursementRequest{Reference: "t-1", IdempotencyKey: "t-1", Amount: 900})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "ext-9", result.ExternalRef)
	assert.Equal(t, "t-1", idempotencyKey)

	_, err = client.Disburse(ctx, DisbursementRequest{Reference: "t-2", Amount: 900, Destination: Destination{AccountIdentifier: "bad"}})
	require.Error(t, err)
	assert.Equal(t, FailureTerminal, Classify(err))

	state, err := client.DisbursementStatus(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, DisbursementNotFound, state.Status)

	_, err = client.DisbursementStatus(ctx, "flaky")
	require.Error(t, err)
	assert.Equal(t, FailureRetryable, Classify(err))
}

func TestNewHTTPClientRequiresConfig(t *testing.T) {
	_, err := NewHTTPClient("", "key", 0, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewHTTPClient("http://gw", " ", 0, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFakeScriptAndIdempotency(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()
	fake.QueueDisbursement(FailWithStatus(http.StatusServiceUnavailable), RejectWith(ReasonInvalidAccount))

	_, err := fake.Disburse(ctx, DisbursementRequest{Reference: "a", IdempotencyKey: "a"})
	assert.Equal(t, FailureRetryable, Classify(err))

	rejected, err := fake.Disburse(ctx, DisbursementRequest{Reference: "a", IdempotencyKey: "a"})
	require.NoError(t, err)
	assert.False(t, rejected.Accepted)

	again, err := fake.Disburse(ctx, DisbursementRequest{Reference: "a", IdempotencyKey: "a"})
	require.NoError(t, err)
	assert.Equal(t, rejected, again)
	assert.Equal(t, 3, fake.DisburseCalls())

	accepted, err := fake.Disburse(ctx, DisbursementRequest{Reference: "b", IdempotencyKey: "b"})
	require.NoError(t, err)
	assert.True(t, accepted.Accepted)
	state, err := fake.DisbursementStatus(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, DisbursementSettled, state.Status)
	assert.Equal(t, accepted.ExternalRef, state.ExternalRef)

	fake.SetCharge(Event{TransactionID: "tx", InvoiceID: "inv", Status: StatusPending, Amount: 5})
	event, err := fake.QueryStatus(ctx, StatusQuery{InvoiceID: "inv"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, event.Status)
	_, err = fake.QueryStatus(ctx, StatusQuery{TransactionID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}
