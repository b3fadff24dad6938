package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/rentflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Provide(func(db *gorm.DB) *LedgerGauges {
		return NewLedgerGauges(prometheus.DefaultRegisterer, db)
	}),
	fx.Invoke(Start),
)

// Start refreshes the ledger gauges and, when a pusher is configured, ships
// the default registry on every tick.
func Start(lc fx.Lifecycle, cfg config.Config, pusher Pusher, gauges *LedgerGauges, log *zap.Logger) {
	log = log.Named("metrics.push")
	interval := cfg.MetricsPush.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					tick(ctx, pusher, gauges, log)
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func tick(ctx context.Context, pusher Pusher, gauges *LedgerGauges, log *zap.Logger) {
	if err := gauges.Refresh(ctx); err != nil {
		log.Warn("ledger gauge refresh failed", zap.Error(err))
	}
	if pusher == nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	if err := pusher.Push(pushCtx, prometheus.DefaultGatherer); err != nil {
		log.Warn("metrics push failed", zap.Error(err))
	}
}
