package payoutmethod

import (
	"github.com/smallbiznis/rentflow/internal/payoutmethod/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("payoutmethod.repository",
	fx.Provide(repository.Provide),
)
