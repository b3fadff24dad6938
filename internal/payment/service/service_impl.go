package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/fee"
	obsmetrics "github.com/smallbiznis/rentflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	dbpkg "github.com/smallbiznis/rentflow/pkg/db"
	"github.com/smallbiznis/rentflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxVersionRetries bounds optimistic retries on a lost version race.
const maxVersionRetries = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	Fees       fee.PolicySource
	AuditSvc   auditdomain.Service               `optional:"true"`
	Publisher  paymentdomain.SettlementPublisher `optional:"true"`
	Clock      clock.Clock                       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics               `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	fees       fee.PolicySource
	auditSvc   auditdomain.Service
	publisher  paymentdomain.SettlementPublisher
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
	metrics    *obsmetrics.SweeperMetrics
}

func NewService(p Params) paymentdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		fees:       p.Fees,
		auditSvc:   p.AuditSvc,
		publisher:  p.Publisher,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
		metrics:    obsmetrics.Sweeper(),
	}
}

func (s *Service) Initiate(ctx context.Context, req paymentdomain.InitiateRequest) (*paymentdomain.Payment, error) {
	if req.GrossAmount <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}
	if req.RenterID == 0 || req.OwnerID == 0 || req.RoomID == 0 {
		return nil, paymentdomain.ErrInvalidID
	}

	now := s.clock.Now()
	payment := &paymentdomain.Payment{
		ID:          s.genID.Generate(),
		RenterID:    req.RenterID,
		OwnerID:     req.OwnerID,
		RoomID:      req.RoomID,
		GrossAmount: req.GrossAmount,
		Status:      paymentdomain.StatusInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, payment); err != nil {
			return err
		}
		return s.repo.InsertHistory(ctx, tx, &paymentdomain.StatusHistory{
			ID:        s.genID.Generate(),
			PaymentID: payment.ID,
			ToStatus:  string(paymentdomain.StatusInitiated),
			Source:    paymentdomain.SourceSystem,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment initiated",
		zap.String("payment_id", payment.ID.String()),
		zap.String("renter_id", payment.RenterID.String()),
		zap.String("owner_id", payment.OwnerID.String()),
		zap.Int64("gross_amount", payment.GrossAmount),
	)
	return payment, nil
}

func (s *Service) AttachInvoice(ctx context.Context, paymentID snowflake.ID, invoiceID string, source paymentdomain.Source) (*paymentdomain.Payment, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, paymentdomain.ErrInvalidInvoice
	}

	payment, _, err := s.transition(ctx, paymentID, source, "invoice "+invoiceID, func(p *paymentdomain.Payment, _ time.Time) (bool, error) {
		if p.GatewayInvoiceID != nil {
			if *p.GatewayInvoiceID == invoiceID {
				return false, nil
			}
			return false, paymentdomain.ErrInvalidTransition
		}
		if p.Status != paymentdomain.StatusInitiated {
			return false, paymentdomain.ErrInvalidTransition
		}
		p.GatewayInvoiceID = &invoiceID
		p.Status = paymentdomain.StatusAwaitingGateway
		return true, nil
	})
	if err != nil && dbpkg.IsDuplicateKeyErr(err) {
		return nil, paymentdomain.ErrInvoiceAlreadyExists
	}
	return payment, err
}

func (s *Service) MarkPaid(ctx context.Context, settlement paymentdomain.Settlement) (*paymentdomain.Payment, error) {
	transactionID := strings.TrimSpace(settlement.TransactionID)
	if transactionID == "" {
		return nil, paymentdomain.ErrInvalidTransaction
	}

	payment, changed, err := s.transition(ctx, settlement.PaymentID, settlement.Source, "transaction "+transactionID, func(p *paymentdomain.Payment, now time.Time) (bool, error) {
		switch p.Status {
		case paymentdomain.StatusAwaitingGateway:
			policy := s.fees.Policy()
			split, err := fee.Calculate(p.GrossAmount, policy)
			if err != nil {
				return false, err
			}
			percent := policy.String()
			p.Status = paymentdomain.StatusPaid
			p.GatewayTransactionID = &transactionID
			p.PlatformFee = &split.PlatformFee
			p.OwnerAmount = &split.OwnerAmount
			p.FeePercent = &percent
			p.PaidAt = &now
			return true, nil
		case paymentdomain.StatusPaid:
			if p.GatewayTransactionID != nil && *p.GatewayTransactionID != transactionID {
				return false, paymentdomain.ErrLedgerConflict
			}
			return false, nil
		case paymentdomain.StatusFailed, paymentdomain.StatusExpired:
			return false, paymentdomain.ErrLedgerConflict
		default:
			return false, paymentdomain.ErrInvalidTransition
		}
	})
	if err != nil {
		return payment, s.handleTransitionError(ctx, settlement.PaymentID, settlement.Source, paymentdomain.StatusPaid, err)
	}

	if changed {
		s.log.Info("payment settled",
			zap.String("payment_id", payment.ID.String()),
			zap.String("transaction_id", transactionID),
			zap.String("source", string(settlement.Source)),
			zap.Int64("gross_amount", payment.GrossAmount),
			zap.Int64("platform_fee", *payment.PlatformFee),
			zap.Int64("owner_amount", *payment.OwnerAmount),
			zap.String("fee_percent", *payment.FeePercent),
		)
		if s.publisher != nil {
			s.publisher.PublishSettlement(ctx, *payment)
		}
	}
	return payment, nil
}

func (s *Service) MarkFailed(ctx context.Context, paymentID snowflake.ID, transactionID string, source paymentdomain.Source) (*paymentdomain.Payment, error) {
	transactionID = strings.TrimSpace(transactionID)

	payment, changed, err := s.transition(ctx, paymentID, source, "transaction "+transactionID, func(p *paymentdomain.Payment, now time.Time) (bool, error) {
		switch p.Status {
		case paymentdomain.StatusAwaitingGateway:
			p.Status = paymentdomain.StatusFailed
			p.FailedAt = &now
			if transactionID != "" && p.GatewayTransactionID == nil {
				p.GatewayTransactionID = &transactionID
			}
			return true, nil
		case paymentdomain.StatusFailed:
			return false, nil
		case paymentdomain.StatusPaid, paymentdomain.StatusExpired:
			return false, paymentdomain.ErrLedgerConflict
		default:
			return false, paymentdomain.ErrInvalidTransition
		}
	})
	if err != nil {
		return payment, s.handleTransitionError(ctx, paymentID, source, paymentdomain.StatusFailed, err)
	}
	if changed {
		s.log.Info("payment failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("transaction_id", transactionID),
			zap.String("source", string(source)),
		)
	}
	return payment, nil
}

func (s *Service) MarkExpired(ctx context.Context, paymentID snowflake.ID, source paymentdomain.Source) (*paymentdomain.Payment, error) {
	payment, changed, err := s.transition(ctx, paymentID, source, "", func(p *paymentdomain.Payment, now time.Time) (bool, error) {
		switch p.Status {
		case paymentdomain.StatusAwaitingGateway:
			p.Status = paymentdomain.StatusExpired
			p.ExpiredAt = &now
			return true, nil
		case paymentdomain.StatusExpired:
			return false, nil
		case paymentdomain.StatusPaid, paymentdomain.StatusFailed:
			return false, paymentdomain.ErrLedgerConflict
		default:
			return false, paymentdomain.ErrInvalidTransition
		}
	})
	if err != nil {
		return payment, s.handleTransitionError(ctx, paymentID, source, paymentdomain.StatusExpired, err)
	}
	if changed {
		s.log.Info("payment expired",
			zap.String("payment_id", payment.ID.String()),
			zap.String("source", string(source)),
		)
	}
	return payment, nil
}

// handleTransitionError records conflicts on the payment. Only gateway-sourced
// signals flag a ledger conflict; a local sweeper expiry racing a settlement does not.
func (s *Service) handleTransitionError(ctx context.Context, paymentID snowflake.ID, source paymentdomain.Source, target paymentdomain.Status, err error) error {
	switch {
	case errors.Is(err, paymentdomain.ErrLedgerConflict):
		s.log.Warn("ledger conflict",
			zap.String("payment_id", paymentID.String()),
			zap.String("target_status", string(target)),
			zap.String("source", string(source)),
		)
		if isGatewaySource(source) {
			if flagErr := s.FlagForReview(ctx, paymentID, paymentdomain.ReviewReasonLedgerConflict, "gateway reported "+string(target)); flagErr != nil {
				return errors.Join(err, flagErr)
			}
		}
		return err
	case dbpkg.IsDuplicateKeyErr(err):
		s.log.Error("gateway transaction already claimed by another payment",
			zap.String("payment_id", paymentID.String()),
			zap.String("constraint", dbpkg.ConstraintName(err)),
		)
		if flagErr := s.FlagForReview(ctx, paymentID, paymentdomain.ReviewReasonTransactionConflict, "transaction id collision"); flagErr != nil {
			return errors.Join(paymentdomain.ErrTransactionClaimed, flagErr)
		}
		return paymentdomain.ErrTransactionClaimed
	default:
		return err
	}
}

func isGatewaySource(source paymentdomain.Source) bool {
	return source == paymentdomain.SourceWebhook || source == paymentdomain.SourcePoll
}

type applyFunc func(p *paymentdomain.Payment, now time.Time) (bool, error)

// transition locks the payment, applies fn and persists the result with a
// version guard. fn returns false for an idempotent replay.
func (s *Service) transition(ctx context.Context, id snowflake.ID, source paymentdomain.Source, note string, fn applyFunc) (*paymentdomain.Payment, bool, error) {
	if id == 0 {
		return nil, false, paymentdomain.ErrInvalidID
	}
	if source == "" {
		source = paymentdomain.SourceSystem
	}

	for attempt := 1; attempt <= maxVersionRetries; attempt++ {
		var (
			result  *paymentdomain.Payment
			from    paymentdomain.Status
			changed bool
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			payment, err := s.repo.FindByIDForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if payment == nil {
				return paymentdomain.ErrNotFound
			}
			result = payment
			from = payment.Status
			expected := payment.Version
			now := s.clock.Now()

			changed, err = fn(payment, now)
			if err != nil || !changed {
				return err
			}

			payment.UpdatedAt = now
			if err := s.repo.UpdateState(ctx, tx, payment, expected); err != nil {
				return err
			}
			fromStatus := string(from)
			return s.repo.InsertHistory(ctx, tx, &paymentdomain.StatusHistory{
				ID:         s.genID.Generate(),
				PaymentID:  payment.ID,
				FromStatus: &fromStatus,
				ToStatus:   string(payment.Status),
				Source:     source,
				Note:       strings.TrimSpace(note),
				CreatedAt:  now,
			})
		})
		if errors.Is(err, paymentdomain.ErrConcurrentUpdate) {
			s.log.Debug("payment version race, retrying",
				zap.String("payment_id", id.String()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return result, false, err
		}
		if changed {
			s.obsMetrics.RecordPaymentTransition(ctx, string(from), string(result.Status))
		}
		return result, changed, nil
	}

	s.log.Warn("payment update abandoned after version races", zap.String("payment_id", id.String()))
	return nil, false, paymentdomain.ErrConcurrentUpdate
}

func (s *Service) FlagForReview(ctx context.Context, paymentID snowflake.ID, reason string, note string) error {
	switch reason {
	case paymentdomain.ReviewReasonAmountMismatch,
		paymentdomain.ReviewReasonLedgerConflict,
		paymentdomain.ReviewReasonTransactionConflict:
	default:
		return paymentdomain.ErrInvalidReviewReason
	}
	if paymentID == 0 {
		return paymentdomain.ErrInvalidID
	}

	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return err
	}
	if payment == nil {
		return paymentdomain.ErrNotFound
	}
	if err := s.repo.UpdateReviewReason(ctx, s.db, paymentID, &reason, s.clock.Now()); err != nil {
		return err
	}

	s.metrics.IncReviewFlag(reason)
	s.log.Warn("payment flagged for review",
		zap.String("payment_id", paymentID.String()),
		zap.String("status", string(payment.Status)),
		zap.String("reason", reason),
		zap.String("note", note),
	)
	s.audit(ctx, "payment.review_flagged", paymentID, map[string]any{
		"reason": reason,
		"status": string(payment.Status),
		"note":   note,
	})
	return nil
}

func (s *Service) ResolveReview(ctx context.Context, paymentID snowflake.ID, note string) (*paymentdomain.Payment, error) {
	if paymentID == 0 {
		return nil, paymentdomain.ErrInvalidID
	}

	var (
		payment *paymentdomain.Payment
		reason  string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		payment, err = s.repo.FindByIDForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrNotFound
		}
		if payment.ReviewReason == nil {
			return paymentdomain.ErrNotUnderReview
		}
		reason = *payment.ReviewReason

		now := s.clock.Now()
		if err := s.repo.UpdateReviewReason(ctx, tx, paymentID, nil, now); err != nil {
			return err
		}
		payment.ReviewReason = nil
		payment.Version++
		payment.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment review resolved",
		zap.String("payment_id", paymentID.String()),
		zap.String("reason", reason),
	)
	s.audit(ctx, "payment.review_resolved", paymentID, map[string]any{
		"reason": reason,
		"note":   strings.TrimSpace(note),
	})
	return payment, nil
}

func (s *Service) RecordTransferOutcome(ctx context.Context, outcome paymentdomain.TransferOutcome) error {
	if outcome.PaymentID == 0 || outcome.TransferID == 0 {
		return paymentdomain.ErrInvalidID
	}

	payment, err := s.repo.FindByID(ctx, s.db, outcome.PaymentID)
	if err != nil {
		return err
	}
	if payment == nil {
		return paymentdomain.ErrNotFound
	}

	status := string(payment.Status)
	transferID := outcome.TransferID
	return s.repo.InsertHistory(ctx, s.db, &paymentdomain.StatusHistory{
		ID:         s.genID.Generate(),
		PaymentID:  payment.ID,
		FromStatus: &status,
		ToStatus:   status,
		Source:     paymentdomain.SourceTransfer,
		TransferID: &transferID,
		Note:       strings.TrimSpace("transfer " + outcome.Status + " " + outcome.Note),
		CreatedAt:  s.clock.Now(),
	})
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	if id == 0 {
		return nil, paymentdomain.ErrInvalidID
	}
	payment, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrNotFound
	}
	return payment, nil
}

func (s *Service) GetByInvoiceID(ctx context.Context, invoiceID string) (*paymentdomain.Payment, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, paymentdomain.ErrInvalidInvoice
	}
	payment, err := s.repo.FindByInvoiceID(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrNotFound
	}
	return payment, nil
}

func (s *Service) History(ctx context.Context, id snowflake.ID) ([]paymentdomain.StatusHistory, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, s.db, id)
}

func (s *Service) ListByRenter(ctx context.Context, renterID snowflake.ID, req paymentdomain.ListRequest) (paymentdomain.ListResponse, error) {
	if renterID == 0 {
		return paymentdomain.ListResponse{}, paymentdomain.ErrInvalidID
	}
	return s.list(ctx, req, func(cursor *pagination.Cursor, limit int) ([]paymentdomain.Payment, error) {
		return s.repo.ListByRenter(ctx, s.db, renterID, cursor, limit)
	})
}

func (s *Service) ListByOwner(ctx context.Context, ownerID snowflake.ID, req paymentdomain.ListRequest) (paymentdomain.ListResponse, error) {
	if ownerID == 0 {
		return paymentdomain.ListResponse{}, paymentdomain.ErrInvalidID
	}
	return s.list(ctx, req, func(cursor *pagination.Cursor, limit int) ([]paymentdomain.Payment, error) {
		return s.repo.ListByOwner(ctx, s.db, ownerID, cursor, limit)
	})
}

func (s *Service) list(ctx context.Context, req paymentdomain.ListRequest, fetch func(*pagination.Cursor, int) ([]paymentdomain.Payment, error)) (paymentdomain.ListResponse, error) {
	cursor, err := req.Cursor()
	if err != nil {
		return paymentdomain.ListResponse{}, err
	}
	limit := req.Limit()
	items, err := fetch(cursor, limit)
	if err != nil {
		return paymentdomain.ListResponse{}, err
	}
	payments, info, err := pagination.Page(items, limit, func(p paymentdomain.Payment) pagination.Cursor {
		return pagination.Cursor{ID: p.ID.Int64(), CreatedAt: p.CreatedAt}
	})
	if err != nil {
		return paymentdomain.ListResponse{}, err
	}
	if payments == nil {
		payments = []paymentdomain.Payment{}
	}
	return paymentdomain.ListResponse{PageInfo: info, Payments: payments}, nil
}

func (s *Service) ListStuckAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]paymentdomain.Payment, error) {
	return s.repo.ListAwaitingBefore(ctx, s.db, cutoff, limit)
}

func (s *Service) ListPaidWithoutTransfer(ctx context.Context, limit int) ([]paymentdomain.Payment, error) {
	return s.repo.ListPaidWithoutTransfer(ctx, s.db, limit)
}

func (s *Service) audit(ctx context.Context, action string, paymentID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	targetID := paymentID.String()
	if err := s.auditSvc.AuditLog(ctx, "", nil, action, "payment", &targetID, metadata); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
