package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewLimiter),
	fx.Provide(NewAuthFailureTracker),
)

type LimiterParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
}

func NewLimiter(p LimiterParams) Limiter {
	if p.Client == nil {
		return NewMemoryBucket(nil)
	}
	return NewTokenBucket(p.Client)
}
