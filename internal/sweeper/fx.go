package sweeper

import (
	"context"

	"github.com/smallbiznis/rentflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("sweeper",
	fx.Provide(New),
	fx.Invoke(Start),
)

// Start runs the sweeper loop for the lifetime of the application.
func Start(lc fx.Lifecycle, cfg config.Config, sweeper *Sweeper, log *zap.Logger) {
	if !cfg.Sweeper.Enabled {
		log.Info("sweeper disabled")
		return
	}

	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				sweeper.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				log.Warn("sweeper did not stop before shutdown deadline")
				return ctx.Err()
			}
		},
	})
}
