package config

import (
	"github.com/smallbiznis/rentflow/internal/fee"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewFeeConfigHolder),
	fx.Provide(func(h *FeeConfigHolder) fee.PolicySource { return h }),
)
