package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAudit) AuditLog(_ context.Context, _ string, _ *string, action string, _ string, _ *string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return nil
}

func (r *recordingAudit) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func TestMemoryBucketRefills(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	b := NewMemoryBucket(clk)

	for i := 0; i < 2; i++ {
		res, err := b.Allow(ctx, "k", 1, 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := b.Allow(ctx, "k", 1, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	clk.Advance(time.Second)
	res, err = b.Allow(ctx, "k", 1, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryBucketValidation(t *testing.T) {
	b := NewMemoryBucket(nil)
	_, err := b.Allow(context.Background(), "", 1, 1)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = b.Allow(context.Background(), "k", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	var tb *TokenBucket
	_, err = tb.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAuthFailureTrackerFlagsOncePerWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	audit := &recordingAudit{}
	tracker := NewAuthFailureTracker(TrackerParams{
		Log: zap.NewNop(),
		Config: config.Config{AuthFailure: config.AuthFailureConfig{
			RatePerSecond: 0.01,
			Burst:         3,
			FlagWindow:    time.Minute,
		}},
		Limiter:  NewMemoryBucket(clk),
		Locker:   lock.NewMemoryLocker(clk),
		AuditSvc: audit,
	})

	for i := 0; i < 3; i++ {
		assert.False(t, tracker.RecordFailure(ctx, "webhook", "10.0.0.1"))
	}
	assert.True(t, tracker.RecordFailure(ctx, "webhook", "10.0.0.1"))
	assert.True(t, tracker.RecordFailure(ctx, "webhook", "10.0.0.1"))
	assert.Equal(t, []string{ActionSecurityFlag}, audit.actions)

	assert.False(t, tracker.RecordFailure(ctx, "webhook", "10.0.0.2"), "budgets are per source")

	clk.Advance(time.Minute)
	assert.True(t, tracker.RecordFailure(ctx, "webhook", "10.0.0.1"))
	assert.Len(t, audit.actions, 2)
}

func TestNilTrackerIsSafe(t *testing.T) {
	var tracker *AuthFailureTracker
	assert.False(t, tracker.RecordFailure(context.Background(), "webhook", "x"))
}
