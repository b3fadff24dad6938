package ratelimit

import (
	"context"
	"strings"

	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/lock"
	obsmetrics "github.com/smallbiznis/rentflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyAuthFailure = "rentflow:authfail:"
	keyAuthFlag    = "rentflow:authflag:"

	ActionSecurityFlag = "security.auth_failure_burst"
)

type TrackerParams struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	Limiter  Limiter
	Locker   lock.Locker         `optional:"true"`
	AuditSvc auditdomain.Service `optional:"true"`
}

// AuthFailureTracker budgets rejected credentials per surface and source.
// Exhausting the budget flags the source for security review, at most once
// per flag window.
type AuthFailureTracker struct {
	log      *zap.Logger
	cfg      config.AuthFailureConfig
	limiter  Limiter
	locker   lock.Locker
	auditSvc auditdomain.Service
	metrics  *obsmetrics.SweeperMetrics
}

func NewAuthFailureTracker(p TrackerParams) *AuthFailureTracker {
	cfg := p.Config.AuthFailure
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 0.1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &AuthFailureTracker{
		log:      p.Log.Named("ratelimit.auth_failure"),
		cfg:      cfg,
		limiter:  p.Limiter,
		locker:   p.Locker,
		auditSvc: p.AuditSvc,
		metrics:  obsmetrics.Sweeper(),
	}
}

// RecordFailure counts one rejected credential and reports whether the source
// is over budget.
func (t *AuthFailureTracker) RecordFailure(ctx context.Context, surface, source string) bool {
	if t == nil {
		return false
	}
	surface = strings.TrimSpace(surface)
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}

	result, err := t.limiter.Allow(ctx, keyAuthFailure+surface+":"+source, t.cfg.RatePerSecond, t.cfg.Burst)
	if err != nil {
		t.log.Warn("auth failure budget unavailable", zap.String("surface", surface), zap.Error(err))
		return false
	}
	if result.Allowed {
		return false
	}

	if !t.firstFlagInWindow(ctx, surface, source) {
		return true
	}
	t.metrics.IncSecurityFlag()
	t.log.Warn("source flagged for security review",
		zap.String("surface", surface),
		zap.String("source", source),
		zap.Duration("retry_after", result.RetryAfter),
	)
	if t.auditSvc != nil {
		metadata := map[string]any{
			"surface": surface,
			"source":  source,
			"burst":   t.cfg.Burst,
		}
		if err := t.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeSystem), nil, ActionSecurityFlag, "source", &source, metadata); err != nil {
			t.log.Warn("failed to write audit log", zap.String("action", ActionSecurityFlag), zap.Error(err))
		}
	}
	return true
}

// firstFlagInWindow holds a lock for the flag window; the lock is left to expire.
func (t *AuthFailureTracker) firstFlagInWindow(ctx context.Context, surface, source string) bool {
	if t.locker == nil || t.cfg.FlagWindow <= 0 {
		return true
	}
	_, ok, err := t.locker.TryLock(ctx, keyAuthFlag+surface+":"+source, t.cfg.FlagWindow)
	if err != nil {
		return true
	}
	return ok
}
