package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/fee"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/rentflow/internal/payment/repository"
	paymentservice "github.com/smallbiznis/rentflow/internal/payment/service"
	payoutdomain "github.com/smallbiznis/rentflow/internal/payout/domain"
	payoutservice "github.com/smallbiznis/rentflow/internal/payout/service"
	payoutmethodrepo "github.com/smallbiznis/rentflow/internal/payoutmethod/repository"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	transferrepo "github.com/smallbiznis/rentflow/internal/transfer/repository"
	"github.com/smallbiznis/rentflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ownerID = int64(202)

type fixture struct {
	db           *gorm.DB
	node         *snowflake.Node
	svc          payoutdomain.Service
	paymentRepo  paymentdomain.Repository
	transferRepo transferdomain.Repository
	clock        *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := dbtest.Open(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	f := &fixture{
		db:           db,
		node:         node,
		paymentRepo:  paymentrepo.Provide(),
		transferRepo: transferrepo.Provide(),
		clock:        clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.svc = payoutservice.NewService(payoutservice.Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		PaymentRepo:  f.paymentRepo,
		TransferRepo: f.transferRepo,
		MethodRepo:   payoutmethodrepo.Provide(),
		Clock:        f.clock,
	})
	return f
}

func (f *fixture) paid(t *testing.T, id int64) snowflake.ID {
	t.Helper()
	dbtest.SeedPaidPayment(t, f.db, dbtest.PaidPayment{
		ID:            id,
		OwnerID:       ownerID,
		GrossAmount:   1_000_000,
		PlatformFee:   100_000,
		TransactionID: "txn-" + snowflake.ID(id).String(),
		PaidAt:        f.clock.Now(),
	})
	return snowflake.ID(id)
}

func (f *fixture) method(t *testing.T, id int64) {
	t.Helper()
	dbtest.SeedPayoutMethod(t, f.db, dbtest.PayoutMethod{
		ID:        id,
		OwnerID:   ownerID,
		IsPrimary: true,
		IsActive:  true,
		At:        f.clock.Now(),
	})
}

func (f *fixture) payment(t *testing.T, id snowflake.ID) *paymentdomain.Payment {
	t.Helper()
	payment, err := f.paymentRepo.FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, payment)
	return payment
}

func TestScheduleQueuesOwnerAmountOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paymentID := f.paid(t, 1)
	f.method(t, 10)

	transfer, err := f.svc.Schedule(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusQueued, transfer.Status)
	assert.Equal(t, int64(900_000), transfer.Amount)
	assert.Equal(t, snowflake.ID(10), transfer.PayoutMethodID)
	require.NotNil(t, transfer.NextAttemptAt)
	assert.True(t, f.clock.Now().Equal(*transfer.NextAttemptAt))

	replayed, err := f.svc.Schedule(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, replayed.ID)

	items, err := f.transferRepo.ListByPayment(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestConcurrentScheduleCreatesOneTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paymentID := f.paid(t, 2)
	f.method(t, 11)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[snowflake.ID]struct{}{}
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			transfer, err := f.svc.Schedule(ctx, paymentID)
			if assert.NoError(t, err) {
				mu.Lock()
				ids[transfer.ID] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	committed, _, err := f.transferRepo.SumCommitted(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(900_000), committed)
}

func TestScheduleWithoutPayoutMethodHoldsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paymentID := f.paid(t, 3)

	_, err := f.svc.Schedule(ctx, paymentID)
	assert.ErrorIs(t, err, payoutdomain.ErrNoPayoutMethod)

	payment := f.payment(t, paymentID)
	assert.Equal(t, paymentdomain.StatusPaid, payment.Status)
	require.NotNil(t, payment.PayoutHoldReason)
	assert.Equal(t, paymentdomain.HoldReasonNoPayoutMethod, *payment.PayoutHoldReason)

	items, err := f.transferRepo.ListByPayment(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Empty(t, items)

	f.method(t, 12)
	transfer, err := f.svc.Schedule(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, transferdomain.StatusQueued, transfer.Status)
	assert.Nil(t, f.payment(t, paymentID).PayoutHoldReason)
}

func TestScheduleIgnoresInactiveOrSecondaryMethods(t *testing.T) {
	f := newFixture(t)
	paymentID := f.paid(t, 4)
	dbtest.SeedPayoutMethod(t, f.db, dbtest.PayoutMethod{ID: 13, OwnerID: ownerID, IsPrimary: true, IsActive: false, At: f.clock.Now()})
	dbtest.SeedPayoutMethod(t, f.db, dbtest.PayoutMethod{ID: 14, OwnerID: ownerID, IsPrimary: false, IsActive: true, At: f.clock.Now()})

	_, err := f.svc.Schedule(context.Background(), paymentID)
	assert.ErrorIs(t, err, payoutdomain.ErrNoPayoutMethod)
}

func TestScheduleRequiresSettledPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.method(t, 15)

	now := f.clock.Now()
	require.NoError(t, f.paymentRepo.Insert(ctx, f.db, &paymentdomain.Payment{
		ID:          20,
		RenterID:    1,
		OwnerID:     snowflake.ID(ownerID),
		RoomID:      1,
		GrossAmount: 500_000,
		Status:      paymentdomain.StatusInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	_, err := f.svc.Schedule(ctx, 20)
	assert.ErrorIs(t, err, payoutdomain.ErrPaymentNotPaid)

	_, err = f.svc.Schedule(ctx, 999)
	assert.ErrorIs(t, err, payoutdomain.ErrPaymentNotFound)

	_, err = f.svc.Schedule(ctx, 0)
	assert.ErrorIs(t, err, payoutdomain.ErrInvalidID)
}

func TestScheduleRefusesPaymentUnderReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paymentID := f.paid(t, 5)
	f.method(t, 16)

	reason := paymentdomain.ReviewReasonLedgerConflict
	require.NoError(t, f.paymentRepo.UpdateReviewReason(ctx, f.db, paymentID, &reason, f.clock.Now()))

	_, err := f.svc.Schedule(ctx, paymentID)
	assert.ErrorIs(t, err, payoutdomain.ErrPaymentUnderReview)
}

func TestScheduleAfterTerminalFailureQueuesReplacement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paymentID := f.paid(t, 6)
	f.method(t, 17)
	dbtest.SeedTransfer(t, f.db, dbtest.Transfer{
		ID: 600, PaymentID: 6, PayoutMethodID: 17, Amount: 900_000,
		Status: string(transferdomain.StatusTerminalFailure), AttemptCount: 1, At: f.clock.Now(),
	})

	transfer, err := f.svc.Schedule(ctx, paymentID)
	require.NoError(t, err)
	assert.NotEqual(t, snowflake.ID(600), transfer.ID)
	assert.Equal(t, transferdomain.StatusQueued, transfer.Status)
}

func TestScheduleAfterSettlementIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paymentID := f.paid(t, 7)
	f.method(t, 18)
	dbtest.SeedTransfer(t, f.db, dbtest.Transfer{
		ID: 700, PaymentID: 7, PayoutMethodID: 18, Amount: 900_000,
		Status: string(transferdomain.StatusSettled), AttemptCount: 1, At: f.clock.Now(),
	})

	transfer, err := f.svc.Schedule(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(700), transfer.ID)

	items, err := f.transferRepo.ListByPayment(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestScheduleDetectsOverCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paymentID := f.paid(t, 8)
	f.method(t, 19)
	dbtest.SeedTransfer(t, f.db, dbtest.Transfer{
		ID: 800, PaymentID: 8, PayoutMethodID: 19, Amount: 100,
		Status: string(transferdomain.StatusSettled), AttemptCount: 1, At: f.clock.Now(),
	})

	_, err := f.svc.Schedule(ctx, paymentID)
	assert.ErrorIs(t, err, payoutdomain.ErrInvariantViolation)

	items, err := f.transferRepo.ListByPayment(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSettlementPublisherSchedulesPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.method(t, 21)

	publisher := payoutservice.NewPublisher(payoutservice.PublisherParams{Log: zap.NewNop(), Scheduler: f.svc})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:        f.db,
		Log:       zap.NewNop(),
		GenID:     f.node,
		Repo:      f.paymentRepo,
		Fees:      config.NewStaticFeeConfigHolder(fee.MustPolicy("10")),
		Publisher: publisher,
		Clock:     f.clock,
	})

	payment, err := paymentSvc.Initiate(ctx, paymentdomain.InitiateRequest{
		RenterID:    1,
		OwnerID:     snowflake.ID(ownerID),
		RoomID:      1,
		GrossAmount: 1_000_000,
	})
	require.NoError(t, err)
	_, err = paymentSvc.AttachInvoice(ctx, payment.ID, "inv-pub", paymentdomain.SourceSystem)
	require.NoError(t, err)
	_, err = paymentSvc.MarkPaid(ctx, paymentdomain.Settlement{PaymentID: payment.ID, TransactionID: "txn-pub", Source: paymentdomain.SourceWebhook})
	require.NoError(t, err)

	items, err := f.transferRepo.ListByPayment(ctx, f.db, payment.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(900_000), items[0].Amount)

	_, err = paymentSvc.MarkPaid(ctx, paymentdomain.Settlement{PaymentID: payment.ID, TransactionID: "txn-pub", Source: paymentdomain.SourcePoll})
	require.NoError(t, err)
	items, err = f.transferRepo.ListByPayment(ctx, f.db, payment.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
