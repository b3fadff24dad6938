package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/clock"
	obsmetrics "github.com/smallbiznis/rentflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/rentflow/internal/payout/domain"
	payoutmethoddomain "github.com/smallbiznis/rentflow/internal/payoutmethod/domain"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	dbpkg "github.com/smallbiznis/rentflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	invariantOverCommit      = "transfer_sum_exceeds_owner_amount"
	invariantDuplicateActive = "duplicate_active_transfer"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	PaymentRepo  paymentdomain.Repository
	TransferRepo transferdomain.Repository
	MethodRepo   payoutmethoddomain.Repository
	Clock        clock.Clock `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	paymentRepo  paymentdomain.Repository
	transferRepo transferdomain.Repository
	methodRepo   payoutmethoddomain.Repository
	clock        clock.Clock
	metrics      *obsmetrics.SweeperMetrics
}

func NewService(p Params) payoutdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("payout.service"),
		genID:        p.GenID,
		paymentRepo:  p.PaymentRepo,
		transferRepo: p.TransferRepo,
		methodRepo:   p.MethodRepo,
		clock:        clk,
		metrics:      obsmetrics.Sweeper(),
	}
}

// Schedule runs payout method selection and transfer creation in one
// transaction with the payment row locked.
func (s *Service) Schedule(ctx context.Context, paymentID snowflake.ID) (*transferdomain.Transfer, error) {
	if paymentID == 0 {
		return nil, payoutdomain.ErrInvalidID
	}

	var (
		result  *transferdomain.Transfer
		created bool
		payment *paymentdomain.Payment
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		payment, err = s.paymentRepo.FindByIDForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return payoutdomain.ErrPaymentNotFound
		}
		if payment.Status != paymentdomain.StatusPaid || !payment.Settled() {
			return payoutdomain.ErrPaymentNotPaid
		}
		if payment.ReviewReason != nil {
			return payoutdomain.ErrPaymentUnderReview
		}

		active, err := s.transferRepo.FindActiveByPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if active != nil {
			result = active
			return nil
		}

		ownerAmount := *payment.OwnerAmount
		committed, settled, err := s.transferRepo.SumCommitted(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if settled >= ownerAmount {
			result, err = s.settledTransfer(ctx, tx, paymentID)
			return err
		}
		if committed+ownerAmount > ownerAmount {
			s.invariantViolation(invariantOverCommit, payment,
				zap.Int64("committed", committed),
				zap.Int64("settled", settled),
			)
			return payoutdomain.ErrInvariantViolation
		}

		method, err := s.methodRepo.FindPrimaryActiveForUpdate(ctx, tx, payment.OwnerID)
		if err != nil {
			return err
		}
		if method == nil {
			return payoutdomain.ErrNoPayoutMethod
		}

		now := s.clock.Now()
		transfer := &transferdomain.Transfer{
			ID:             s.genID.Generate(),
			PaymentID:      payment.ID,
			PayoutMethodID: method.ID,
			Amount:         ownerAmount,
			Status:         transferdomain.StatusQueued,
			NextAttemptAt:  &now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.transferRepo.Insert(ctx, tx, transfer); err != nil {
			if dbpkg.IsDuplicateKeyErr(err) {
				s.invariantViolation(invariantDuplicateActive, payment,
					zap.String("constraint", dbpkg.ConstraintName(err)),
				)
				return payoutdomain.ErrDuplicateActiveTransfer
			}
			return err
		}
		if payment.PayoutHoldReason != nil {
			if err := s.paymentRepo.UpdatePayoutHold(ctx, tx, payment.ID, nil, now); err != nil {
				return err
			}
		}
		result = transfer
		created = true
		return nil
	})

	switch {
	case errors.Is(err, payoutdomain.ErrNoPayoutMethod):
		s.hold(ctx, payment)
		return nil, err
	case err != nil:
		return nil, err
	}

	if created {
		s.log.Info("transfer queued",
			zap.String("payment_id", paymentID.String()),
			zap.String("transfer_id", result.ID.String()),
			zap.String("payout_method_id", result.PayoutMethodID.String()),
			zap.Int64("amount", result.Amount),
		)
		s.metrics.IncTransferOutcome(string(transferdomain.StatusQueued))
	}
	return result, nil
}

func (s *Service) settledTransfer(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (*transferdomain.Transfer, error) {
	items, err := s.transferRepo.ListByPayment(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Status == transferdomain.StatusSettled {
			return &items[i], nil
		}
	}
	return nil, payoutdomain.ErrInvariantViolation
}

// hold marks the payment so operators see why no payout exists yet. The
// sweeper re-evaluates held payments on every run.
func (s *Service) hold(ctx context.Context, payment *paymentdomain.Payment) {
	if payment == nil {
		return
	}
	s.log.Warn("payout held, owner has no primary active payout method",
		zap.String("payment_id", payment.ID.String()),
		zap.String("owner_id", payment.OwnerID.String()),
	)
	if payment.PayoutHoldReason != nil && *payment.PayoutHoldReason == paymentdomain.HoldReasonNoPayoutMethod {
		return
	}
	reason := paymentdomain.HoldReasonNoPayoutMethod
	if err := s.paymentRepo.UpdatePayoutHold(ctx, s.db, payment.ID, &reason, s.clock.Now()); err != nil {
		s.log.Error("failed to record payout hold",
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) invariantViolation(kind string, payment *paymentdomain.Payment, fields ...zap.Field) {
	s.metrics.IncInvariantViolation(kind)
	base := []zap.Field{
		zap.String("kind", kind),
		zap.String("payment_id", payment.ID.String()),
		zap.String("owner_id", payment.OwnerID.String()),
		zap.Int64("owner_amount", *payment.OwnerAmount),
	}
	s.log.Error("transfer invariant violation", append(base, fields...)...)
}
