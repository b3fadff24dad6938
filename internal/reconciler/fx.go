package reconciler

import (
	"github.com/smallbiznis/rentflow/internal/reconciler/repository"
	"github.com/smallbiznis/rentflow/internal/reconciler/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciler.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
