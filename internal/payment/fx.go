package payment

import (
	"github.com/smallbiznis/rentflow/internal/payment/repository"
	"github.com/smallbiznis/rentflow/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
