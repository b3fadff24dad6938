package service

import (
	"context"
	"errors"

	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/rentflow/internal/payout/domain"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type PublisherParams struct {
	fx.In

	Log       *zap.Logger
	Scheduler payoutdomain.Service
}

// Publisher schedules the payout in-process once a payment commits as PAID.
// Failures are logged only; the sweeper retries PAID payments without a transfer.
type Publisher struct {
	log       *zap.Logger
	scheduler payoutdomain.Service
}

func NewPublisher(p PublisherParams) *Publisher {
	return &Publisher{
		log:       p.Log.Named("payout.publisher"),
		scheduler: p.Scheduler,
	}
}

func (p *Publisher) PublishSettlement(ctx context.Context, payment paymentdomain.Payment) {
	transfer, err := p.scheduler.Schedule(context.WithoutCancel(ctx), payment.ID)
	switch {
	case err == nil:
		p.log.Debug("settlement published",
			zap.String("payment_id", payment.ID.String()),
			zap.String("transfer_id", transferID(transfer)),
		)
	case errors.Is(err, payoutdomain.ErrNoPayoutMethod):
		p.log.Info("payout deferred until the owner registers a payout method",
			zap.String("payment_id", payment.ID.String()),
		)
	default:
		p.log.Error("failed to schedule payout",
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err),
		)
	}
}

func transferID(t *transferdomain.Transfer) string {
	if t == nil {
		return ""
	}
	return t.ID.String()
}
