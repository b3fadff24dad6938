package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/apikey"
	apikeydomain "github.com/smallbiznis/rentflow/internal/apikey/domain"
	"github.com/smallbiznis/rentflow/internal/audit"
	"github.com/smallbiznis/rentflow/internal/authorization"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/gateway"
	"github.com/smallbiznis/rentflow/internal/lock"
	"github.com/smallbiznis/rentflow/internal/metricspush"
	"github.com/smallbiznis/rentflow/internal/migration"
	"github.com/smallbiznis/rentflow/internal/observability"
	"github.com/smallbiznis/rentflow/internal/payment"
	"github.com/smallbiznis/rentflow/internal/payout"
	"github.com/smallbiznis/rentflow/internal/payoutmethod"
	"github.com/smallbiznis/rentflow/internal/ratelimit"
	"github.com/smallbiznis/rentflow/internal/reconciler"
	"github.com/smallbiznis/rentflow/internal/remittance"
	"github.com/smallbiznis/rentflow/internal/server"
	"github.com/smallbiznis/rentflow/internal/sweeper"
	"github.com/smallbiznis/rentflow/internal/transfer"
	"github.com/smallbiznis/rentflow/pkg/db"
	"go.uber.org/fx"
)

const usage = `usage:
  rentflow                          run the API server and sweeper
  rentflow migrate                  apply schema migrations and exit
  rentflow apikey create NAME ROLE  issue an operator API key (viewer|operator|system)`

func main() {
	args := os.Args[1:]
	switch {
	case len(args) == 0:
		runServer()
	case args[0] == "migrate" && len(args) == 1:
		runOnce()
	case args[0] == "apikey" && len(args) == 4 && args[1] == "create":
		runOnce(
			audit.Module,
			apikey.Module,
			fx.Invoke(func(svc apikeydomain.Service) error {
				return createAPIKey(svc, args[2], args[3])
			}),
		)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func runServer() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		ratelimit.Module,

		// Functional Domains
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
		sweeper.Module,
		metricspush.Module,
	)
	app.Run()
}

// runOnce builds the storage stack plus opts, runs the invokes and exits.
func runOnce(opts ...fx.Option) {
	base := []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
	}
	app := fx.New(append(base, opts...)...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := app.Stop(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createAPIKey(svc apikeydomain.Service, name, role string) error {
	resp, err := svc.Create(context.Background(), apikeydomain.CreateRequest{Name: name, Role: role})
	if err != nil {
		return err
	}
	fmt.Printf("key_id: %s\nrole:   %s\napi_key: %s\n", resp.KeyID, resp.Role, resp.APIKey)
	fmt.Fprintln(os.Stderr, "store the api_key now; it cannot be shown again")
	return nil
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
