package gateway

import (
	"fmt"

	"github.com/smallbiznis/rentflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway",
	fx.Provide(New),
)

// New builds the configured gateway client.
func New(cfg config.Config, log *zap.Logger) (Client, error) {
	switch cfg.Gateway.Driver {
	case config.GatewayDriverHTTP:
		return NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout, log)
	case config.GatewayDriverFake:
		if cfg.IsProduction() {
			return nil, fmt.Errorf("%w: fake gateway is not allowed in production", ErrInvalidConfig)
		}
		log.Warn("using in-memory fake gateway")
		return NewFake(), nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Gateway.Driver)
	}
}
