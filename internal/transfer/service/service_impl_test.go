package service_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/fee"
	"github.com/smallbiznis/rentflow/internal/gateway"
	"github.com/smallbiznis/rentflow/internal/lock"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/rentflow/internal/payment/repository"
	paymentservice "github.com/smallbiznis/rentflow/internal/payment/service"
	payoutmethodrepo "github.com/smallbiznis/rentflow/internal/payoutmethod/repository"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	transferrepo "github.com/smallbiznis/rentflow/internal/transfer/repository"
	transferservice "github.com/smallbiznis/rentflow/internal/transfer/service"
	"github.com/smallbiznis/rentflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	paymentID = int64(5001)
	methodID  = int64(7001)
	ownerID   = int64(202)
)

type fixture struct {
	db         *gorm.DB
	svc        transferdomain.Service
	paymentSvc paymentdomain.Service
	gw         *gateway.Fake
	locker     *lock.MemoryLocker
	clock      *clock.FakeClock
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()

	db := dbtest.Open(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  paymentrepo.Provide(),
		Fees:  config.NewStaticFeeConfigHolder(fee.MustPolicy("10")),
		Clock: clk,
	})

	f := &fixture{
		db:         db,
		paymentSvc: paymentSvc,
		gw:         gateway.NewFake(),
		locker:     lock.NewMemoryLocker(clk),
		clock:      clk,
	}
	f.svc = transferservice.NewService(transferservice.Params{
		DB:  db,
		Log: zap.NewNop(),
		Config: config.Config{Transfer: config.TransferConfig{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			LockTTL:     time.Minute,
		}},
		Repo:       transferrepo.Provide(),
		MethodRepo: payoutmethodrepo.Provide(),
		PaymentSvc: paymentSvc,
		Gateway:    f.gw,
		Locker:     f.locker,
		Clock:      clk,
	})

	now := clk.Now()
	dbtest.SeedPaidPayment(t, db, dbtest.PaidPayment{
		ID:            paymentID,
		OwnerID:       ownerID,
		GrossAmount:   1_000_000,
		PlatformFee:   100_000,
		TransactionID: "txn-1",
		PaidAt:        now,
	})
	dbtest.SeedPayoutMethod(t, db, dbtest.PayoutMethod{
		ID:        methodID,
		OwnerID:   ownerID,
		IsPrimary: true,
		IsActive:  true,
		At:        now,
	})
	return f
}

func (f *fixture) queue(t *testing.T, id int64, status transferdomain.Status) snowflake.ID {
	t.Helper()
	dbtest.SeedTransfer(t, f.db, dbtest.Transfer{
		ID:             id,
		PaymentID:      paymentID,
		PayoutMethodID: methodID,
		Amount:         900_000,
		Status:         string(status),
		At:             f.clock.Now(),
	})
	return snowflake.ID(id)
}

func TestRetryableFailuresThenSuccessSettles(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := f.queue(t, 9001, transferdomain.StatusQueued)

	f.gw.QueueDisbursement(
		gateway.FailWithStatus(http.StatusServiceUnavailable),
		gateway.FailWithStatus(http.StatusServiceUnavailable),
		gateway.FailWithStatus(http.StatusServiceUnavailable),
	)

	for i := 1; i <= 3; i++ {
		n, err := f.svc.ProcessDue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		transfer, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, transferdomain.StatusRetryableFailure, transfer.Status)
		assert.Equal(t, i, transfer.AttemptCount)
		require.NotNil(t, transfer.NextAttemptAt)
		assert.True(t, transfer.NextAttemptAt.After(f.clock.Now()))
		require.NotNil(t, transfer.LastFailureReason)
		assert.Equal(t, "http_service_unavailable", *transfer.LastFailureReason)

		n, err = f.svc.ProcessDue(ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, n, "retry must wait for next_attempt_at")

		f.clock.Advance(10 * time.Second)
	}

	n, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	transfer, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusSettled, transfer.Status)
	assert.Equal(t, 4, transfer.AttemptCount)
	assert.NotNil(t, transfer.ExternalRef)
	assert.NotNil(t, transfer.ProcessedAt)
	assert.Nil(t, transfer.LastFailureReason)
	assert.Equal(t, 4, f.gw.DisburseCalls())

	history, err := f.paymentSvc.History(ctx, snowflake.ID(paymentID))
	require.NoError(t, err)
	require.Len(t, history, 4)
	for _, entry := range history {
		assert.Equal(t, paymentdomain.SourceTransfer, entry.Source)
		require.NotNil(t, entry.TransferID)
		assert.Equal(t, id, *entry.TransferID)
	}
	assert.Contains(t, history[3].Note, "SETTLED")
}

func TestInvalidAccountFailsTerminallyOnFirstAttempt(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := f.queue(t, 9002, transferdomain.StatusQueued)

	f.gw.QueueDisbursement(gateway.RejectWith(gateway.ReasonInvalidAccount))

	transfer, err := f.svc.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusTerminalFailure, transfer.Status)
	assert.Equal(t, 1, transfer.AttemptCount)
	assert.Nil(t, transfer.NextAttemptAt)
	require.NotNil(t, transfer.LastFailureReason)
	assert.Equal(t, gateway.ReasonInvalidAccount, *transfer.LastFailureReason)

	f.clock.Advance(time.Hour)
	n, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.gw.DisburseCalls())
}

func TestTransientRejectionIsRetried(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := f.queue(t, 9009, transferdomain.StatusQueued)

	f.gw.QueueDisbursement(gateway.RejectWith(gateway.ReasonRateLimited))

	transfer, err := f.svc.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusRetryableFailure, transfer.Status)
	require.NotNil(t, transfer.NextAttemptAt)
	require.NotNil(t, transfer.LastFailureReason)
	assert.Equal(t, gateway.ReasonRateLimited, *transfer.LastFailureReason)

	f.clock.Advance(time.Minute)
	n, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	transfer, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusSettled, transfer.Status)
	assert.Equal(t, 2, transfer.AttemptCount)
	assert.Equal(t, 2, f.gw.DisburseCalls())
}

func TestRequestTimeoutIsRetried(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := f.queue(t, 9010, transferdomain.StatusQueued)

	f.gw.QueueDisbursement(gateway.FailWithStatus(http.StatusRequestTimeout))

	transfer, err := f.svc.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusRetryableFailure, transfer.Status)
	assert.Equal(t, 1, transfer.AttemptCount)
}

func TestTerminalGatewayErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := f.queue(t, 9003, transferdomain.StatusQueued)

	f.gw.QueueDisbursement(gateway.FakeOutcome{Err: &gateway.Error{
		Op:         "disburse",
		StatusCode: http.StatusUnprocessableEntity,
		Code:       gateway.ReasonInsufficientBalance,
	}})

	transfer, err := f.svc.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusTerminalFailure, transfer.Status)
	require.NotNil(t, transfer.LastFailureReason)
	assert.Equal(t, gateway.ReasonInsufficientBalance, *transfer.LastFailureReason)
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	id := f.queue(t, 9004, transferdomain.StatusQueued)

	f.gw.QueueDisbursement(
		gateway.FailWithStatus(http.StatusTooManyRequests),
		gateway.FailWithStatus(http.StatusBadGateway),
	)

	_, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)
	_, err = f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)

	transfer, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusTerminalFailure, transfer.Status)
	assert.Equal(t, 2, transfer.AttemptCount)
	require.NotNil(t, transfer.LastFailureReason)
	assert.Equal(t, transferdomain.ReasonMaxAttempts+": http_bad_gateway", *transfer.LastFailureReason)
}

func TestExecuteIsSingleFlight(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := f.queue(t, 9005, transferdomain.StatusQueued)

	token, ok, err := f.locker.TryLock(ctx, "rentflow:transfer:"+id.String(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Execute(ctx, id)
	assert.ErrorIs(t, err, transferdomain.ErrAttemptInFlight)
	assert.Zero(t, f.gw.DisburseCalls())

	require.NoError(t, f.locker.Release(ctx, "rentflow:transfer:"+id.String(), token))
	transfer, err := f.svc.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusSettled, transfer.Status)

	again, err := f.svc.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusSettled, again.Status)
	assert.Equal(t, transfer.Version, again.Version)
	assert.Equal(t, 1, f.gw.DisburseCalls())
}

func TestExecuteRejectsInFlightAndUnknown(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	inFlight := f.queue(t, 9006, transferdomain.StatusInFlight)
	_, err := f.svc.Execute(ctx, inFlight)
	assert.ErrorIs(t, err, transferdomain.ErrAttemptInFlight)

	_, err = f.svc.Execute(ctx, snowflake.ID(424242))
	assert.ErrorIs(t, err, transferdomain.ErrNotFound)
}

func TestResolveInFlight(t *testing.T) {
	ctx := context.Background()

	t.Run("settled", func(t *testing.T) {
		f := newFixture(t, 5)
		id := f.queue(t, 9101, transferdomain.StatusInFlight)
		f.gw.SetDisbursementState(id.String(), gateway.DisbursementState{
			Status:      gateway.DisbursementSettled,
			ExternalRef: "ref-123",
		})

		transfer, err := f.svc.ResolveInFlight(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, transferdomain.StatusSettled, transfer.Status)
		require.NotNil(t, transfer.ExternalRef)
		assert.Equal(t, "ref-123", *transfer.ExternalRef)
	})

	t.Run("pending stays in flight", func(t *testing.T) {
		f := newFixture(t, 5)
		id := f.queue(t, 9102, transferdomain.StatusInFlight)
		f.gw.SetDisbursementState(id.String(), gateway.DisbursementState{Status: gateway.DisbursementPending})

		transfer, err := f.svc.ResolveInFlight(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, transferdomain.StatusInFlight, transfer.Status)
	})

	t.Run("unknown to gateway is retried", func(t *testing.T) {
		f := newFixture(t, 5)
		dbtest.SeedTransfer(t, f.db, dbtest.Transfer{
			ID:             9103,
			PaymentID:      paymentID,
			PayoutMethodID: methodID,
			Amount:         900_000,
			Status:         string(transferdomain.StatusInFlight),
			AttemptCount:   1,
			At:             f.clock.Now(),
		})

		transfer, err := f.svc.ResolveInFlight(ctx, snowflake.ID(9103))
		require.NoError(t, err)
		assert.Equal(t, transferdomain.StatusRetryableFailure, transfer.Status)
		require.NotNil(t, transfer.LastFailureReason)
		assert.Equal(t, transferdomain.ReasonDisbursementMissing, *transfer.LastFailureReason)
	})

	t.Run("rejected", func(t *testing.T) {
		f := newFixture(t, 5)
		id := f.queue(t, 9104, transferdomain.StatusInFlight)
		f.gw.SetDisbursementState(id.String(), gateway.DisbursementState{
			Status: gateway.DisbursementRejected,
			Reason: gateway.ReasonInvalidAccount,
		})

		transfer, err := f.svc.ResolveInFlight(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, transferdomain.StatusTerminalFailure, transfer.Status)
	})
}

func TestCancelOnlyWhileQueued(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := f.queue(t, 9201, transferdomain.StatusQueued)

	transfer, err := f.svc.Cancel(ctx, id, "owner changed bank")
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusCancelled, transfer.Status)
	assert.NotNil(t, transfer.CancelledAt)

	_, err = f.svc.Cancel(ctx, id, "again")
	assert.ErrorIs(t, err, transferdomain.ErrCannotCancel)

	_, err = f.svc.Execute(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, f.gw.DisburseCalls())

	settled := f.queue(t, 9202, transferdomain.StatusSettled)
	_, err = f.svc.Cancel(ctx, settled, "too late")
	assert.ErrorIs(t, err, transferdomain.ErrCannotCancel)
}

func TestListByPayment(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.queue(t, 9301, transferdomain.StatusTerminalFailure)
	f.queue(t, 9302, transferdomain.StatusQueued)

	items, err := f.svc.ListByPayment(ctx, snowflake.ID(paymentID))
	require.NoError(t, err)
	require.Len(t, items, 2)

	stuck, err := f.svc.ListStuckInFlight(ctx, f.clock.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}
