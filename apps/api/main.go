package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/apikey"
	"github.com/smallbiznis/rentflow/internal/audit"
	"github.com/smallbiznis/rentflow/internal/authorization"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/gateway"
	"github.com/smallbiznis/rentflow/internal/lock"
	"github.com/smallbiznis/rentflow/internal/observability"
	"github.com/smallbiznis/rentflow/internal/payment"
	"github.com/smallbiznis/rentflow/internal/payout"
	"github.com/smallbiznis/rentflow/internal/payoutmethod"
	"github.com/smallbiznis/rentflow/internal/ratelimit"
	"github.com/smallbiznis/rentflow/internal/reconciler"
	"github.com/smallbiznis/rentflow/internal/remittance"
	"github.com/smallbiznis/rentflow/internal/server"
	"github.com/smallbiznis/rentflow/internal/transfer"
	"github.com/smallbiznis/rentflow/pkg/db"
	"go.uber.org/fx"
)

// The API binary serves webhooks and the operator API. Sweeping runs in apps/sweeper.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		ratelimit.Module,

		audit.Module,
		authorization.Module,
		apikey.Module,
		gateway.Module,
		payment.Module,
		payoutmethod.Module,
		payout.Module,
		transfer.Module,
		reconciler.Module,
		remittance.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
