package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/lock"
	obscontext "github.com/smallbiznis/rentflow/internal/observability/context"
	obsmetrics "github.com/smallbiznis/rentflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/rentflow/internal/payout/domain"
	reconcilerdomain "github.com/smallbiznis/rentflow/internal/reconciler/domain"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobPollAwaitingPayments   = "poll_awaiting_payments"
	JobSchedulePendingPayouts = "schedule_pending_payouts"
	JobResolveInFlight        = "resolve_inflight_transfers"
	JobProcessDueTransfers    = "process_due_transfers"
)

var ErrInvalidConfig = errors.New("invalid_sweeper_config")

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Config     config.Config
	PaymentSvc paymentdomain.Service
	Reconciler reconcilerdomain.Service
	Transfers  transferdomain.Service
	Payouts    payoutdomain.Service
	Locker     lock.Locker `optional:"true"`
	Clock      clock.Clock `optional:"true"`
}

// Sweeper re-drives payments and transfers that stopped making progress:
// missed webhooks, crashed workers and payouts that could not be queued.
type Sweeper struct {
	log        *zap.Logger
	cfg        config.SweeperConfig
	genID      *snowflake.Node
	clock      clock.Clock
	paymentSvc paymentdomain.Service
	reconciler reconcilerdomain.Service
	transfers  transferdomain.Service
	payouts    payoutdomain.Service
	locker     lock.Locker
	metrics    *obsmetrics.SweeperMetrics
}

func New(p Params) (*Sweeper, error) {
	if p.Log == nil || p.GenID == nil || p.PaymentSvc == nil || p.Reconciler == nil || p.Transfers == nil || p.Payouts == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Sweeper{
		log:        p.Log.Named("sweeper").With(zap.String("component", "sweeper")),
		cfg:        withDefaults(p.Config.Sweeper),
		genID:      p.GenID,
		clock:      clk,
		paymentSvc: p.PaymentSvc,
		reconciler: p.Reconciler,
		transfers:  p.Transfers,
		payouts:    p.Payouts,
		locker:     p.Locker,
		metrics:    obsmetrics.Sweeper(),
	}, nil
}

func withDefaults(c config.SweeperConfig) config.SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 45 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PaymentSLA <= 0 {
		c.PaymentSLA = 15 * time.Minute
	}
	if c.PaymentExpiry < c.PaymentSLA {
		c.PaymentExpiry = 24 * time.Hour
	}
	if c.TransferSLA <= 0 {
		c.TransferSLA = 10 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

func (s *Sweeper) runJob(parent context.Context, name string, fn func(ctx context.Context, run *jobRun) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeSweeper), "sweeper")
	run := s.newJobRun(name)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job in order and joins their errors.
// Payouts are scheduled before due transfers so a fresh transfer goes out in the same run.
func (s *Sweeper) RunOnce(parent context.Context) error {
	jobs := []struct {
		name string
		run  func(context.Context, *jobRun) error
	}{
		{JobPollAwaitingPayments, s.PollAwaitingPaymentsJob},
		{JobSchedulePendingPayouts, s.SchedulePendingPayoutsJob},
		{JobResolveInFlight, s.ResolveInFlightJob},
		{JobProcessDueTransfers, s.ProcessDueTransfersJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.name, job.run))
	}
	return err
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.Interval)

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweeper run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			s.metrics.ObserveRunLoopLag(tick.Sub(nextRun))
			nextRun = tick.Add(s.cfg.Interval)
		}
	}
}

func (s *Sweeper) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, name) {
			return true
		}
	}
	return false
}

// PollAwaitingPaymentsJob polls the gateway for payments whose webhook is
// overdue, and expires those that stayed silent past the expiry window.
func (s *Sweeper) PollAwaitingPaymentsJob(ctx context.Context, run *jobRun) error {
	now := s.clock.Now()
	payments, err := s.paymentSvc.ListStuckAwaiting(ctx, now.Add(-s.cfg.PaymentSLA), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	run.SetClaimed(len(payments))

	err = s.forEach(ctx, len(payments), func(ctx context.Context, i int) error {
		payment := payments[i]
		release, ok, err := s.lease(ctx, JobPollAwaitingPayments, payment.ID)
		if err != nil || !ok {
			return err
		}
		defer release()

		result, err := s.reconciler.PollPayment(ctx, payment.ID)
		switch {
		case err == nil:
		case isHeldForReview(err):
			return nil
		default:
			s.logJobError(ctx, run, JobPollAwaitingPayments, err, zap.String("payment_id", payment.ID.String()))
			return err
		}
		if result != reconcilerdomain.ResultPending || now.Sub(payment.UpdatedAt) < s.cfg.PaymentExpiry {
			return nil
		}

		if _, err := s.paymentSvc.MarkExpired(ctx, payment.ID, paymentdomain.SourceSweeper); err != nil {
			if errors.Is(err, paymentdomain.ErrLedgerConflict) {
				s.logger(ctx).Info("expiry lost to a gateway settlement",
					zap.String("payment_id", payment.ID.String()),
				)
				return nil
			}
			s.logJobError(ctx, run, JobPollAwaitingPayments, err, zap.String("payment_id", payment.ID.String()))
			return err
		}
		run.AddExpired(1)
		return nil
	})
	run.AddProcessed(len(payments))
	s.metrics.AddBatchProcessed(JobPollAwaitingPayments, obsmetrics.ResourcePayments, len(payments))
	return err
}

// SchedulePendingPayoutsJob retries payout scheduling for PAID payments that
// have no transfer, including those held for a missing payout method.
func (s *Sweeper) SchedulePendingPayoutsJob(ctx context.Context, run *jobRun) error {
	payments, err := s.paymentSvc.ListPaidWithoutTransfer(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	run.SetClaimed(len(payments))

	err = s.forEach(ctx, len(payments), func(ctx context.Context, i int) error {
		payment := payments[i]
		release, ok, err := s.lease(ctx, JobSchedulePendingPayouts, payment.ID)
		if err != nil || !ok {
			return err
		}
		defer release()

		_, err = s.payouts.Schedule(ctx, payment.ID)
		switch {
		case err == nil:
			run.AddProcessed(1)
			return nil
		case errors.Is(err, payoutdomain.ErrNoPayoutMethod),
			errors.Is(err, payoutdomain.ErrPaymentUnderReview):
			run.AddHeld(1)
			return nil
		default:
			s.logJobError(ctx, run, JobSchedulePendingPayouts, err, zap.String("payment_id", payment.ID.String()))
			return err
		}
	})
	s.metrics.AddBatchProcessed(JobSchedulePendingPayouts, obsmetrics.ResourcePayments, run.processed())
	return err
}

// ResolveInFlightJob settles transfers whose attempt outcome was never recorded.
func (s *Sweeper) ResolveInFlightJob(ctx context.Context, run *jobRun) error {
	transfers, err := s.transfers.ListStuckInFlight(ctx, s.clock.Now().Add(-s.cfg.TransferSLA), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	run.SetClaimed(len(transfers))

	err = s.forEach(ctx, len(transfers), func(ctx context.Context, i int) error {
		transfer := transfers[i]
		if _, err := s.transfers.ResolveInFlight(ctx, transfer.ID); err != nil {
			if errors.Is(err, transferdomain.ErrAttemptInFlight) {
				return nil
			}
			s.logJobError(ctx, run, JobResolveInFlight, err,
				zap.String("transfer_id", transfer.ID.String()),
				zap.String("payment_id", transfer.PaymentID.String()),
			)
			return err
		}
		run.AddProcessed(1)
		return nil
	})
	s.metrics.AddBatchProcessed(JobResolveInFlight, obsmetrics.ResourceTransfers, run.processed())
	return err
}

func (s *Sweeper) ProcessDueTransfersJob(ctx context.Context, run *jobRun) error {
	count, err := s.transfers.ProcessDue(ctx, s.cfg.BatchSize)
	run.SetClaimed(count)
	run.AddProcessed(count)
	s.metrics.AddBatchProcessed(JobProcessDueTransfers, obsmetrics.ResourceTransfers, count)
	return err
}

// forEach runs fn for indexes [0, n) on at most Concurrency goroutines and joins the errors.
func (s *Sweeper) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
		sem  = make(chan struct{}, s.cfg.Concurrency)
	)
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return errors.Join(errs, ctx.Err())
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, i); err != nil {
				mu.Lock()
				errs = errors.Join(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return errs
}

// lease claims a payment for one job across sweeper replicas. Items another
// replica holds are skipped for this run.
func (s *Sweeper) lease(ctx context.Context, job string, id snowflake.ID) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	key := leaseKey(job, id)
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.JobTimeout)
	if err != nil {
		return nil, false, fmt.Errorf("lease %s: %w", key, err)
	}
	if !ok {
		s.logger(ctx).Debug("payment leased by another sweeper",
			zap.String("job", job),
			zap.String("payment_id", id.String()),
		)
		return nil, false, nil
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger(ctx).Warn("failed to release sweeper lease", zap.String("key", key), zap.Error(err))
		}
	}, true, nil
}

func leaseKey(job string, id snowflake.ID) string {
	return "rentflow:sweeper:" + job + ":" + id.String()
}

// isHeldForReview reports errors the ledger already recorded on the payment.
func isHeldForReview(err error) bool {
	return errors.Is(err, reconcilerdomain.ErrAmountMismatch) ||
		errors.Is(err, paymentdomain.ErrLedgerConflict) ||
		errors.Is(err, paymentdomain.ErrTransactionClaimed)
}
