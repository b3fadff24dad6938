package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	apikeydomain "github.com/smallbiznis/rentflow/internal/apikey/domain"
	apikeyrepo "github.com/smallbiznis/rentflow/internal/apikey/repository"
	apikeyservice "github.com/smallbiznis/rentflow/internal/apikey/service"
	auditrepo "github.com/smallbiznis/rentflow/internal/audit/repository"
	auditservice "github.com/smallbiznis/rentflow/internal/audit/service"
	"github.com/smallbiznis/rentflow/internal/authorization"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/fee"
	"github.com/smallbiznis/rentflow/internal/gateway"
	"github.com/smallbiznis/rentflow/internal/lock"
	"github.com/smallbiznis/rentflow/internal/observability"
	obsmetrics "github.com/smallbiznis/rentflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/rentflow/internal/payment/repository"
	paymentservice "github.com/smallbiznis/rentflow/internal/payment/service"
	payoutservice "github.com/smallbiznis/rentflow/internal/payout/service"
	payoutmethodrepo "github.com/smallbiznis/rentflow/internal/payoutmethod/repository"
	reconcilerrepo "github.com/smallbiznis/rentflow/internal/reconciler/repository"
	reconcilerservice "github.com/smallbiznis/rentflow/internal/reconciler/service"
	"github.com/smallbiznis/rentflow/internal/remittance"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	transferrepo "github.com/smallbiznis/rentflow/internal/transfer/repository"
	transferservice "github.com/smallbiznis/rentflow/internal/transfer/service"
	"github.com/smallbiznis/rentflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

type testServer struct {
	db        *gorm.DB
	registry  *prometheus.Registry
	clock     *clock.FakeClock
	gateway   *gateway.Fake
	payments  paymentdomain.Service
	transfers transferdomain.Service
	server    *Server
	keys      map[apikeydomain.Role]string
	keyIDs    map[apikeydomain.Role]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := prometheus.NewRegistry()
	oldRegisterer, oldGatherer := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer, prometheus.DefaultGatherer = registry, registry
	obsmetrics.ResetSweeperMetricsForTest()
	t.Cleanup(func() {
		prometheus.DefaultRegisterer, prometheus.DefaultGatherer = oldRegisterer, oldGatherer
		obsmetrics.ResetSweeperMetricsForTest()
	})

	db := dbtest.Open(t)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	gw := gateway.NewFake()

	cfg := config.Config{
		Gateway: config.GatewayConfig{WebhookSecret: webhookSecret},
		Transfer: config.TransferConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Second,
			LockTTL:     time.Minute,
		},
	}

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: clk,
	})
	apiKeySvc := apikeyservice.New(apikeyservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     apikeyrepo.Provide(),
		AuditSvc: auditSvc,
		Clock:    clk,
	})
	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)
	authzSvc := authorization.NewService(authorization.Params{
		Log:      zap.NewNop(),
		Enforcer: enforcer,
		AuditSvc: auditSvc,
	})
	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		PaymentRepo:  paymentrepo.Provide(),
		TransferRepo: transferrepo.Provide(),
		MethodRepo:   payoutmethodrepo.Provide(),
		Clock:        clk,
	})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     paymentrepo.Provide(),
		Fees:     config.NewStaticFeeConfigHolder(fee.MustPolicy("10")),
		AuditSvc: auditSvc,
		Clock:    clk,
	})
	reconciler := reconcilerservice.NewService(reconcilerservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Config:     cfg,
		Repo:       reconcilerrepo.Provide(),
		PaymentSvc: paymentSvc,
		Gateway:    gw,
		Clock:      clk,
	})
	transferSvc := transferservice.NewService(transferservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		Config:     cfg,
		Repo:       transferrepo.Provide(),
		MethodRepo: payoutmethodrepo.Provide(),
		PaymentSvc: paymentSvc,
		AuditSvc:   auditSvc,
		Gateway:    gw,
		Locker:     lock.NewMemoryLocker(clk),
		Clock:      clk,
	})

	remittanceSvc := remittance.NewService(remittance.Params{
		DB:          db,
		Log:         zap.NewNop(),
		TransferSvc: transferSvc,
		PaymentSvc:  paymentSvc,
		MethodRepo:  payoutmethodrepo.Provide(),
	})

	engine := NewEngine(observability.Config{Environment: "test"}, obsmetrics.NewHTTPMetrics(obsmetrics.Config{ServiceName: "rentflow"}))
	srv := NewServer(ServerParams{
		Gin:         engine,
		Cfg:         cfg,
		Log:         zap.NewNop(),
		APIKeySvc:   apiKeySvc,
		AuthzSvc:    authzSvc,
		AuditSvc:    auditSvc,
		PaymentSvc:  paymentSvc,
		TransferSvc: transferSvc,
		PayoutSvc:   payoutSvc,
		Reconciler:  reconciler,
		Remittance:  remittanceSvc,
	})

	ts := &testServer{
		db:        db,
		registry:  registry,
		clock:     clk,
		gateway:   gw,
		payments:  paymentSvc,
		transfers: transferSvc,
		server:    srv,
		keys:      map[apikeydomain.Role]string{},
		keyIDs:    map[apikeydomain.Role]string{},
	}
	for _, role := range []apikeydomain.Role{apikeydomain.RoleViewer, apikeydomain.RoleOperator, apikeydomain.RoleSystem} {
		created, err := apiKeySvc.Create(context.Background(), apikeydomain.CreateRequest{Name: string(role) + " key", Role: string(role)})
		require.NoError(t, err)
		ts.keys[role] = created.APIKey
		ts.keyIDs[role] = created.KeyID
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, role apikeydomain.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key := ts.keys[role]; key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) webhook(t *testing.T, payload map[string]any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderGatewaySignature, gateway.Sign(secret, body))
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) awaiting(t *testing.T, invoiceID string) *paymentdomain.Payment {
	t.Helper()
	ctx := context.Background()
	payment, err := ts.payments.Initiate(ctx, paymentdomain.InitiateRequest{
		RenterID:    21,
		OwnerID:     404,
		RoomID:      22,
		GrossAmount: 1_000_000,
	})
	require.NoError(t, err)
	payment, err = ts.payments.AttachInvoice(ctx, payment.ID, invoiceID, paymentdomain.SourceSystem)
	require.NoError(t, err)
	return payment
}

func (ts *testServer) authFailures(t *testing.T, surface string) float64 {
	t.Helper()
	families, err := ts.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "rentflow_auth_failures_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "surface" && label.GetValue() == surface {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGatewayWebhookResponses(t *testing.T) {
	ts := newTestServer(t)
	payment := ts.awaiting(t, "inv-hook")

	success := map[string]any{
		"transaction_id": "txn-hook",
		"invoice_id":     "inv-hook",
		"status":         "SUCCESS",
		"amount":         1_000_000,
	}

	rec := ts.webhook(t, success, webhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := ts.payments.Get(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusPaid, stored.Status)

	rec = ts.webhook(t, success, webhookSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate"`)

	rec = ts.webhook(t, success, "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, float64(1), ts.authFailures(t, "webhook"))

	rec = ts.webhook(t, map[string]any{
		"transaction_id": "txn-other",
		"invoice_id":     "inv-missing",
		"status":         "SUCCESS",
		"amount":         1_000_000,
	}, webhookSecret)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.webhook(t, map[string]any{
		"transaction_id": "txn-hook",
		"invoice_id":     "inv-hook",
		"status":         "REFUNDED",
		"amount":         1_000_000,
	}, webhookSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.webhook(t, map[string]any{"invoice_id": "inv-hook"}, webhookSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayWebhookAcknowledgesAmountMismatch(t *testing.T) {
	ts := newTestServer(t)
	payment := ts.awaiting(t, "inv-short")

	rec := ts.webhook(t, map[string]any{
		"transaction_id": "txn-short",
		"invoice_id":     "inv-short",
		"status":         "SUCCESS",
		"amount":         999_000,
	}, webhookSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	stored, err := ts.payments.Get(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusAwaitingGateway, stored.Status)
	require.NotNil(t, stored.ReviewReason)
}

func TestAPIKeyRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/payments/1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/payments/1", nil)
	req.Header.Set("Authorization", "Bearer rf_op_kbogus_00ff")
	rec = httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	assert.Equal(t, float64(2), ts.authFailures(t, "operator"))
}

func TestRoleEnforcement(t *testing.T) {
	ts := newTestServer(t)
	payment := ts.awaiting(t, "inv-roles")
	path := "/api/payments/" + payment.ID.String()

	rec := ts.do(t, http.MethodGet, path, apikeydomain.RoleViewer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, path+"/poll", apikeydomain.RoleViewer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/payments", apikeydomain.RoleOperator, paymentdomain.InitiateRequest{
		RenterID: 1, OwnerID: 2, RoomID: 3, GrossAmount: 100,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/audit-logs", apikeydomain.RoleSystem, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChargeIntake(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/payments", apikeydomain.RoleSystem, paymentdomain.InitiateRequest{
		RenterID: 31, OwnerID: 404, RoomID: 32, GrossAmount: 750_000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data paymentdomain.Payment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, paymentdomain.StatusInitiated, created.Data.Status)

	path := "/api/payments/" + created.Data.ID.String() + "/invoice"
	rec = ts.do(t, http.MethodPost, path, apikeydomain.RoleSystem, attachInvoiceRequest{InvoiceID: "inv-intake"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, path, apikeydomain.RoleSystem, attachInvoiceRequest{InvoiceID: "inv-other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/payments", apikeydomain.RoleSystem, paymentdomain.InitiateRequest{
		RenterID: 31, OwnerID: 404, RoomID: 32, GrossAmount: 0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)
}

func TestOperatorPollIsAudited(t *testing.T) {
	ts := newTestServer(t)
	payment := ts.awaiting(t, "inv-poll")
	ts.gateway.SetCharge(gateway.Event{
		TransactionID: "txn-poll",
		InvoiceID:     "inv-poll",
		Status:        gateway.StatusPending,
		Amount:        1_000_000,
	})

	rec := ts.do(t, http.MethodPost, "/api/payments/"+payment.ID.String()+"/poll", apikeydomain.RoleOperator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pending"`)

	rec = ts.do(t, http.MethodGet, "/api/audit-logs?action=payment.poll_requested", apikeydomain.RoleOperator, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []struct {
			ActorType string  `json:"actor_type"`
			ActorID   *string `json:"actor_id"`
			TargetID  *string `json:"target_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "operator", resp.Data[0].ActorType)
	require.NotNil(t, resp.Data[0].ActorID)
	assert.Equal(t, ts.keyIDs[apikeydomain.RoleOperator], *resp.Data[0].ActorID)
	require.NotNil(t, resp.Data[0].TargetID)
	assert.Equal(t, payment.ID.String(), *resp.Data[0].TargetID)
}

func TestCancelTransfer(t *testing.T) {
	ts := newTestServer(t)
	now := ts.clock.Now()
	dbtest.SeedPaidPayment(t, ts.db, dbtest.PaidPayment{
		ID:            7101,
		OwnerID:       404,
		GrossAmount:   500_000,
		PlatformFee:   50_000,
		TransactionID: "txn-cancel",
		PaidAt:        now,
	})
	dbtest.SeedPayoutMethod(t, ts.db, dbtest.PayoutMethod{ID: 7201, OwnerID: 404, IsPrimary: true, IsActive: true, At: now})
	dbtest.SeedTransfer(t, ts.db, dbtest.Transfer{ID: 7301, PaymentID: 7101, PayoutMethodID: 7201, Amount: 450_000, At: now})

	rec := ts.do(t, http.MethodPost, "/api/transfers/7301/cancel", apikeydomain.RoleOperator, cancelTransferRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/transfers/7301/cancel", apikeydomain.RoleOperator, cancelTransferRequest{Reason: "owner disputes account"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CANCELLED"`)

	rec = ts.do(t, http.MethodPost, "/api/transfers/7301/cancel", apikeydomain.RoleOperator, cancelTransferRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "transfer_cannot_cancel", decodeError(t, rec).Message)

	rec = ts.do(t, http.MethodGet, "/api/payments/7101/transfers", apikeydomain.RoleViewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CANCELLED"`)
}

func TestRemittanceAdvice(t *testing.T) {
	ts := newTestServer(t)
	now := ts.clock.Now()
	dbtest.SeedPaidPayment(t, ts.db, dbtest.PaidPayment{
		ID:            7501,
		OwnerID:       505,
		GrossAmount:   800_000,
		PlatformFee:   80_000,
		TransactionID: "txn-remit",
		PaidAt:        now,
	})
	dbtest.SeedPayoutMethod(t, ts.db, dbtest.PayoutMethod{ID: 7601, OwnerID: 505, IsPrimary: true, IsActive: true, At: now})
	dbtest.SeedTransfer(t, ts.db, dbtest.Transfer{ID: 7701, PaymentID: 7501, PayoutMethodID: 7601, Amount: 720_000, At: now})

	rec := ts.do(t, http.MethodGet, "/api/transfers/7701/remittance", apikeydomain.RoleViewer, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "transfer_not_settled", decodeError(t, rec).Message)

	_, err := ts.transfers.Execute(context.Background(), snowflake.ID(7701))
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, "/api/transfers/7701/remittance", apikeydomain.RoleViewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, `inline; filename="remittance-owner-account-7701.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF"))
}

func TestInvalidIDs(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/payments/not-a-number", apikeydomain.RoleViewer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payment_id", decodeError(t, rec).Errors[0].Code)

	rec = ts.do(t, http.MethodGet, "/api/payments/123456", apikeydomain.RoleViewer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyAdministration(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/api-keys", apikeydomain.RoleOperator, apikeydomain.CreateRequest{Name: "booking", Role: "system"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data apikeydomain.SecretResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Data.APIKey)

	rec = ts.do(t, http.MethodPost, "/api/api-keys/"+ts.keyIDs[apikeydomain.RoleOperator]+"/revoke", apikeydomain.RoleOperator, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/api-keys/"+created.Data.KeyID+"/revoke", apikeydomain.RoleOperator, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/payments/1", nil)
	req.Header.Set("Authorization", "Bearer "+created.Data.APIKey)
	rec = httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
