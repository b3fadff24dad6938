package payout

import (
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	"github.com/smallbiznis/rentflow/internal/payout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.service",
	fx.Provide(service.NewService),
	fx.Provide(func(p service.PublisherParams) paymentdomain.SettlementPublisher {
		return service.NewPublisher(p)
	}),
)
