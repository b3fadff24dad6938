package remittance

import "go.uber.org/fx"

var Module = fx.Module("remittance.service",
	fx.Provide(NewService),
)
