package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/gateway"
	obsmetrics "github.com/smallbiznis/rentflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	reconcilerdomain "github.com/smallbiznis/rentflow/internal/reconciler/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Config     config.Config
	Repo       reconcilerdomain.Repository
	PaymentSvc paymentdomain.Service
	Gateway    gateway.Client
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	webhookSecret string
	repo          reconcilerdomain.Repository
	paymentSvc    paymentdomain.Service
	gateway       gateway.Client
	clock         clock.Clock
	obsMetrics    *obsmetrics.Metrics
	metrics       *obsmetrics.SweeperMetrics
}

func NewService(p Params) reconcilerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("reconciler.service"),
		genID:         p.GenID,
		webhookSecret: p.Config.Gateway.WebhookSecret,
		repo:          p.Repo,
		paymentSvc:    p.PaymentSvc,
		gateway:       p.Gateway,
		clock:         clk,
		obsMetrics:    p.ObsMetrics,
		metrics:       obsmetrics.Sweeper(),
	}
}

type webhookPayload struct {
	TransactionID string `json:"transaction_id"`
	InvoiceID     string `json:"invoice_id"`
	Status        string `json:"status"`
	Amount        *int64 `json:"amount"`
	Signature     string `json:"signature,omitempty"`
}

func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (reconcilerdomain.Result, error) {
	signed, signature, err := signedContent(body, signature)
	if err != nil {
		s.obsMetrics.RecordGatewayEvent(ctx, string(reconcilerdomain.SourceWebhook), "", "malformed")
		return "", err
	}
	if !gateway.VerifySignature(s.webhookSecret, signed, signature) {
		s.metrics.IncAuthFailure("webhook")
		s.obsMetrics.RecordGatewayEvent(ctx, string(reconcilerdomain.SourceWebhook), "", "unauthenticated")
		s.log.Warn("webhook signature rejected", zap.Int("body_bytes", len(body)))
		return "", reconcilerdomain.ErrAuthenticationFailure
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Amount == nil {
		s.obsMetrics.RecordGatewayEvent(ctx, string(reconcilerdomain.SourceWebhook), "", "malformed")
		return "", reconcilerdomain.ErrMalformedPayload
	}
	status, err := gateway.ParseStatus(payload.Status)
	if err != nil {
		s.log.Warn("webhook with unknown status rejected",
			zap.String("invoice_id", payload.InvoiceID),
			zap.String("status", payload.Status),
		)
		s.obsMetrics.RecordGatewayEvent(ctx, string(reconcilerdomain.SourceWebhook), "", "unknown_status")
		return "", reconcilerdomain.ErrUnknownStatus
	}

	event := gateway.Event{
		TransactionID: strings.TrimSpace(payload.TransactionID),
		InvoiceID:     strings.TrimSpace(payload.InvoiceID),
		Status:        status,
		Amount:        *payload.Amount,
	}
	return s.apply(ctx, event, reconcilerdomain.SourceWebhook, body)
}

// signedContent returns the bytes covered by the HMAC. A signature carried in
// the body is verified over the compact JSON of the remaining fields.
func signedContent(body []byte, header string) ([]byte, string, error) {
	if strings.TrimSpace(header) != "" {
		return body, header, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, "", reconcilerdomain.ErrMalformedPayload
	}
	raw, ok := fields["signature"]
	if !ok {
		return body, "", nil
	}
	var signature string
	if err := json.Unmarshal(raw, &signature); err != nil {
		return nil, "", reconcilerdomain.ErrMalformedPayload
	}
	delete(fields, "signature")
	signed, err := json.Marshal(fields)
	if err != nil {
		return nil, "", reconcilerdomain.ErrMalformedPayload
	}
	return signed, signature, nil
}

func (s *Service) ApplyPolled(ctx context.Context, event gateway.Event) (reconcilerdomain.Result, error) {
	if _, err := gateway.ParseStatus(string(event.Status)); err != nil {
		return "", reconcilerdomain.ErrUnknownStatus
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return s.apply(ctx, event, reconcilerdomain.SourcePoll, payload)
}

func (s *Service) PollPayment(ctx context.Context, paymentID snowflake.ID) (reconcilerdomain.Result, error) {
	payment, err := s.paymentSvc.Get(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if payment.GatewayInvoiceID == nil {
		return "", reconcilerdomain.ErrNoInvoice
	}

	query := gateway.StatusQuery{InvoiceID: *payment.GatewayInvoiceID}
	if payment.GatewayTransactionID != nil {
		query.TransactionID = *payment.GatewayTransactionID
	}
	event, err := s.gateway.QueryStatus(ctx, query)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			s.log.Info("gateway has no charge for payment yet",
				zap.String("payment_id", paymentID.String()),
				zap.String("invoice_id", query.InvoiceID),
			)
			return reconcilerdomain.ResultPending, nil
		}
		return "", err
	}
	return s.ApplyPolled(ctx, event)
}

func (s *Service) apply(ctx context.Context, event gateway.Event, source reconcilerdomain.Source, payload []byte) (reconcilerdomain.Result, error) {
	log := s.log.With(
		zap.String("source", string(source)),
		zap.String("invoice_id", event.InvoiceID),
		zap.String("transaction_id", event.TransactionID),
		zap.String("status", string(event.Status)),
	)

	if event.InvoiceID == "" {
		s.record(ctx, source, event.Status, "malformed")
		return "", reconcilerdomain.ErrMalformedPayload
	}
	if event.TransactionID == "" && (event.Status == gateway.StatusSuccess || event.Status == gateway.StatusFailed) {
		s.record(ctx, source, event.Status, "malformed")
		return "", reconcilerdomain.ErrMalformedPayload
	}

	payment, err := s.paymentSvc.GetByInvoiceID(ctx, event.InvoiceID)
	if errors.Is(err, paymentdomain.ErrNotFound) {
		log.Warn("gateway event for unknown invoice")
		s.record(ctx, source, event.Status, "unknown_invoice")
		return "", reconcilerdomain.ErrUnknownInvoice
	}
	if err != nil {
		return "", err
	}
	log = log.With(zap.String("payment_id", payment.ID.String()))

	record := &reconcilerdomain.GatewayEvent{
		ID:            s.genID.Generate(),
		TransactionID: dedupKey(event),
		InvoiceID:     event.InvoiceID,
		Status:        string(event.Status),
		Amount:        event.Amount,
		Source:        source,
		Payload:       datatypes.JSON(payload),
		CreatedAt:     s.clock.Now(),
	}
	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil {
		return "", err
	}
	if !inserted {
		existing, err := s.repo.Find(ctx, s.db, record.TransactionID, record.Status)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", errors.New("gateway event vanished after conflict")
		}
		if existing.ProcessedAt != nil {
			log.Info("duplicate gateway event absorbed")
			s.record(ctx, source, event.Status, string(reconcilerdomain.ResultDuplicate))
			// A repeated PENDING still means the charge is outstanding; expiry depends on it.
			if event.Status == gateway.StatusPending {
				return reconcilerdomain.ResultPending, nil
			}
			return reconcilerdomain.ResultDuplicate, nil
		}
		record = existing
	}

	result, err := s.transition(ctx, payment, event, source)
	switch {
	case err == nil,
		errors.Is(err, reconcilerdomain.ErrAmountMismatch),
		errors.Is(err, paymentdomain.ErrLedgerConflict),
		errors.Is(err, paymentdomain.ErrTransactionClaimed):
		if markErr := s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now()); markErr != nil {
			return "", errors.Join(err, markErr)
		}
	}
	if err != nil {
		log.Warn("gateway event not applied", zap.Error(err))
		s.record(ctx, source, event.Status, errorOutcome(err))
		return "", err
	}

	log.Info("gateway event applied", zap.String("result", string(result)))
	s.record(ctx, source, event.Status, string(result))
	return result, nil
}

func (s *Service) transition(ctx context.Context, payment *paymentdomain.Payment, event gateway.Event, source reconcilerdomain.Source) (reconcilerdomain.Result, error) {
	if event.Amount != payment.GrossAmount {
		s.log.Warn("gateway amount does not match payment",
			zap.String("payment_id", payment.ID.String()),
			zap.Int64("expected", payment.GrossAmount),
			zap.Int64("received", event.Amount),
		)
		if err := s.paymentSvc.FlagForReview(ctx, payment.ID, paymentdomain.ReviewReasonAmountMismatch, "gateway reported "+string(event.Status)); err != nil {
			return "", errors.Join(reconcilerdomain.ErrAmountMismatch, err)
		}
		return "", reconcilerdomain.ErrAmountMismatch
	}

	ledgerSource := paymentdomain.SourceWebhook
	if source == reconcilerdomain.SourcePoll {
		ledgerSource = paymentdomain.SourcePoll
	}

	var (
		before  = payment.Status
		updated *paymentdomain.Payment
		err     error
	)
	switch event.Status {
	case gateway.StatusPending:
		return reconcilerdomain.ResultPending, nil
	case gateway.StatusSuccess:
		updated, err = s.paymentSvc.MarkPaid(ctx, paymentdomain.Settlement{
			PaymentID:     payment.ID,
			TransactionID: event.TransactionID,
			Source:        ledgerSource,
		})
	case gateway.StatusFailed:
		updated, err = s.paymentSvc.MarkFailed(ctx, payment.ID, event.TransactionID, ledgerSource)
	case gateway.StatusExpired:
		updated, err = s.paymentSvc.MarkExpired(ctx, payment.ID, ledgerSource)
	default:
		return "", reconcilerdomain.ErrUnknownStatus
	}
	if err != nil {
		return "", err
	}
	if updated != nil && updated.Status == before {
		return reconcilerdomain.ResultNoop, nil
	}
	return reconcilerdomain.ResultApplied, nil
}

// dedupKey falls back to the invoice for statuses that may arrive before a charge exists.
func dedupKey(event gateway.Event) string {
	if event.TransactionID != "" {
		return event.TransactionID
	}
	return "invoice:" + event.InvoiceID
}

func (s *Service) record(ctx context.Context, source reconcilerdomain.Source, status gateway.Status, outcome string) {
	s.obsMetrics.RecordGatewayEvent(ctx, string(source), string(status), outcome)
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, reconcilerdomain.ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, paymentdomain.ErrLedgerConflict):
		return "ledger_conflict"
	case errors.Is(err, paymentdomain.ErrTransactionClaimed):
		return "transaction_conflict"
	case errors.Is(err, paymentdomain.ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}
