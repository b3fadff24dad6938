package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/rentflow/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20
)

// HTTPClient calls the gateway REST API with a bearer API key.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" || strings.TrimSpace(apiKey) == "" {
		return nil, ErrInvalidConfig
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		log:        log.Named("gateway.http"),
	}, nil
}

type eventPayload struct {
	TransactionID string `json:"transaction_id"`
	InvoiceID     string `json:"invoice_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
}

func (c *HTTPClient) QueryStatus(ctx context.Context, query StatusQuery) (Event, error) {
	var path string
	switch {
	case strings.TrimSpace(query.TransactionID) != "":
		path = "/v1/transactions/" + url.PathEscape(strings.TrimSpace(query.TransactionID))
	case strings.TrimSpace(query.InvoiceID) != "":
		path = "/v1/invoices/" + url.PathEscape(strings.TrimSpace(query.InvoiceID)) + "/status"
	default:
		return Event{}, &Error{Op: "query_status", Err: ErrNotFound}
	}

	var payload eventPayload
	if err := c.do(ctx, "query_status", http.MethodGet, path, nil, "", &payload); err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound {
			return Event{}, &Error{Op: "query_status", StatusCode: http.StatusNotFound, Code: gwErr.Code, Err: ErrNotFound}
		}
		return Event{}, err
	}
	status, err := ParseStatus(payload.Status)
	if err != nil {
		return Event{}, err
	}
	return Event{
		TransactionID: payload.TransactionID,
		InvoiceID:     payload.InvoiceID,
		Status:        status,
		Amount:        payload.Amount,
	}, nil
}

type disbursementResponse struct {
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	ExternalRef string `json:"external_ref"`
}

func (c *HTTPClient) Disburse(ctx context.Context, req DisbursementRequest) (DisbursementResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return DisbursementResult{}, err
	}

	var resp disbursementResponse
	if err := c.do(ctx, "disburse", http.MethodPost, "/v1/disbursements", body, req.IdempotencyKey, &resp); err != nil {
		return DisbursementResult{}, err
	}

	switch strings.ToLower(resp.Status) {
	case "accepted", "settled":
		return DisbursementResult{Accepted: true, ExternalRef: resp.ExternalRef}, nil
	case "rejected":
		reason := resp.Reason
		if reason == "" {
			reason = ReasonRejected
		}
		return DisbursementResult{Reason: reason}, nil
	default:
		return DisbursementResult{}, &Error{Op: "disburse", Code: "unexpected_status_" + resp.Status}
	}
}

func (c *HTTPClient) DisbursementStatus(ctx context.Context, reference string) (DisbursementState, error) {
	var resp disbursementResponse
	err := c.do(ctx, "disbursement_status", http.MethodGet, "/v1/disbursements/"+url.PathEscape(reference), nil, "", &resp)
	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound {
			return DisbursementState{Status: DisbursementNotFound}, nil
		}
		return DisbursementState{}, err
	}

	switch strings.ToLower(resp.Status) {
	case "accepted", "settled":
		return DisbursementState{Status: DisbursementSettled, ExternalRef: resp.ExternalRef}, nil
	case "pending", "processing":
		return DisbursementState{Status: DisbursementPending}, nil
	case "rejected":
		return DisbursementState{Status: DisbursementRejected, Reason: resp.Reason}, nil
	default:
		return DisbursementState{}, &Error{Op: "disbursement_status", Code: "unexpected_status_" + resp.Status}
	}
}

type errorResponse struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("gateway call failed", zap.String("op", op), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		c.log.Warn("gateway returned error",
			zap.String("op", op),
			zap.Int("status_code", resp.StatusCode),
			zap.String("error_code", apiErr.Code),
		)
		return &Error{Op: op, StatusCode: resp.StatusCode, Code: apiErr.Code}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
