package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	"github.com/smallbiznis/rentflow/internal/clock"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/gateway"
	"github.com/smallbiznis/rentflow/internal/lock"
	obsmetrics "github.com/smallbiznis/rentflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	payoutmethoddomain "github.com/smallbiznis/rentflow/internal/payoutmethod/domain"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockKeyPrefix = "rentflow:transfer:"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Repo       transferdomain.Repository
	MethodRepo payoutmethoddomain.Repository
	PaymentSvc paymentdomain.Service
	Gateway    gateway.Client
	Locker     lock.Locker         `optional:"true"`
	AuditSvc   auditdomain.Service `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.TransferConfig
	repo       transferdomain.Repository
	methodRepo payoutmethoddomain.Repository
	paymentSvc paymentdomain.Service
	gateway    gateway.Client
	locker     lock.Locker
	auditSvc   auditdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
	metrics    *obsmetrics.SweeperMetrics
}

func NewService(p Params) transferdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	cfg := p.Config.Transfer
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("transfer.service"),
		cfg:        cfg,
		repo:       p.Repo,
		methodRepo: p.MethodRepo,
		paymentSvc: p.PaymentSvc,
		gateway:    p.Gateway,
		locker:     p.Locker,
		auditSvc:   p.AuditSvc,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
		metrics:    obsmetrics.Sweeper(),
	}
}

func (s *Service) Execute(ctx context.Context, transferID snowflake.ID) (*transferdomain.Transfer, error) {
	if transferID == 0 {
		return nil, transferdomain.ErrInvalidID
	}
	release, err := s.acquire(ctx, transferID)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		transfer *transferdomain.Transfer
		claimed  bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByIDForUpdate(ctx, tx, transferID)
		if err != nil {
			return err
		}
		if current == nil {
			return transferdomain.ErrNotFound
		}
		transfer = current

		now := s.clock.Now()
		switch current.Status {
		case transferdomain.StatusQueued:
		case transferdomain.StatusRetryableFailure:
			if current.NextAttemptAt != nil && current.NextAttemptAt.After(now) {
				return transferdomain.ErrNotDue
			}
		case transferdomain.StatusInFlight:
			return transferdomain.ErrAttemptInFlight
		default:
			return nil
		}
		if err := s.claim(ctx, tx, current, now); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return transfer, err
	}
	if !claimed {
		return transfer, nil
	}
	return s.dispatch(ctx, transfer)
}

func (s *Service) ProcessDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var claimed []transferdomain.Transfer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		due, err := s.repo.ListDueForUpdate(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		for i := range due {
			transfer := due[i]
			if err := s.claim(ctx, tx, &transfer, now); err != nil {
				if errors.Is(err, transferdomain.ErrAttemptInFlight) {
					continue
				}
				return err
			}
			claimed = append(claimed, transfer)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var runErr error
	for i := range claimed {
		if err := ctx.Err(); err != nil {
			return i, errors.Join(runErr, err)
		}
		if _, err := s.dispatch(ctx, &claimed[i]); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("transfer %s: %w", claimed[i].ID, err))
		}
	}
	return len(claimed), runErr
}

func (s *Service) ResolveInFlight(ctx context.Context, transferID snowflake.ID) (*transferdomain.Transfer, error) {
	if transferID == 0 {
		return nil, transferdomain.ErrInvalidID
	}
	release, err := s.acquire(ctx, transferID)
	if err != nil {
		return nil, err
	}
	defer release()

	transfer, err := s.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != transferdomain.StatusInFlight {
		return transfer, nil
	}

	state, err := s.gateway.DisbursementStatus(ctx, transfer.ID.String())
	if err != nil {
		s.log.Warn("disbursement status check failed",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err),
		)
		return transfer, err
	}

	switch state.Status {
	case gateway.DisbursementSettled:
		return s.settle(ctx, transfer, state.ExternalRef)
	case gateway.DisbursementRejected:
		if gateway.ClassifyRejection(state.Reason) == gateway.FailureRetryable {
			return s.failRetryable(ctx, transfer, rejectionReason(state.Reason))
		}
		return s.failTerminal(ctx, transfer, rejectionReason(state.Reason))
	case gateway.DisbursementNotFound:
		return s.failRetryable(ctx, transfer, transferdomain.ReasonDisbursementMissing)
	default:
		s.log.Info("disbursement still pending",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Int("attempt_count", transfer.AttemptCount),
		)
		return transfer, nil
	}
}

func (s *Service) Cancel(ctx context.Context, transferID snowflake.ID, reason string) (*transferdomain.Transfer, error) {
	if transferID == 0 {
		return nil, transferdomain.ErrInvalidID
	}
	reason = strings.TrimSpace(reason)

	var transfer *transferdomain.Transfer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByIDForUpdate(ctx, tx, transferID)
		if err != nil {
			return err
		}
		if current == nil {
			return transferdomain.ErrNotFound
		}
		transfer = current
		if current.Status != transferdomain.StatusQueued {
			return transferdomain.ErrCannotCancel
		}

		now := s.clock.Now()
		expected := current.Version
		current.Status = transferdomain.StatusCancelled
		current.CancelledAt = &now
		current.NextAttemptAt = nil
		current.UpdatedAt = now
		if reason != "" {
			current.LastFailureReason = &reason
		}
		return s.repo.UpdateState(ctx, tx, current, transferdomain.StatusQueued, expected)
	})
	if err != nil {
		return transfer, err
	}

	s.afterOutcome(ctx, transfer, reason)
	s.audit(ctx, "transfer.cancelled", transfer, map[string]any{
		"reason": reason,
		"amount": transfer.Amount,
	})
	return transfer, nil
}

func (s *Service) Get(ctx context.Context, transferID snowflake.ID) (*transferdomain.Transfer, error) {
	if transferID == 0 {
		return nil, transferdomain.ErrInvalidID
	}
	transfer, err := s.repo.FindByID(ctx, s.db, transferID)
	if err != nil {
		return nil, err
	}
	if transfer == nil {
		return nil, transferdomain.ErrNotFound
	}
	return transfer, nil
}

func (s *Service) ListByPayment(ctx context.Context, paymentID snowflake.ID) ([]transferdomain.Transfer, error) {
	if paymentID == 0 {
		return nil, transferdomain.ErrInvalidID
	}
	items, err := s.repo.ListByPayment(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []transferdomain.Transfer{}
	}
	return items, nil
}

func (s *Service) ListStuckInFlight(ctx context.Context, cutoff time.Time, limit int) ([]transferdomain.Transfer, error) {
	return s.repo.ListStuckInFlight(ctx, s.db, cutoff, limit)
}

// claim moves a locked transfer to IN_FLIGHT and counts the attempt. A due
// RETRYABLE_FAILURE row is requeued first.
func (s *Service) claim(ctx context.Context, tx *gorm.DB, transfer *transferdomain.Transfer, now time.Time) error {
	if transfer.Status == transferdomain.StatusRetryableFailure {
		expected := transfer.Version
		transfer.Status = transferdomain.StatusQueued
		transfer.UpdatedAt = now
		if err := s.repo.UpdateState(ctx, tx, transfer, transferdomain.StatusRetryableFailure, expected); err != nil {
			return claimErr(err)
		}
	}

	expected := transfer.Version
	transfer.Status = transferdomain.StatusInFlight
	transfer.AttemptCount++
	transfer.NextAttemptAt = nil
	transfer.UpdatedAt = now
	if err := s.repo.UpdateState(ctx, tx, transfer, transferdomain.StatusQueued, expected); err != nil {
		return claimErr(err)
	}
	return nil
}

func claimErr(err error) error {
	if errors.Is(err, transferdomain.ErrConcurrentUpdate) {
		return transferdomain.ErrAttemptInFlight
	}
	return err
}

// dispatch sends a claimed transfer to the gateway. The transfer id is both
// reference and idempotency key, so a repeated attempt cannot pay twice.
func (s *Service) dispatch(ctx context.Context, transfer *transferdomain.Transfer) (*transferdomain.Transfer, error) {
	method, err := s.methodRepo.FindByID(ctx, s.db, transfer.PayoutMethodID)
	if err != nil {
		return transfer, err
	}
	if method == nil {
		return s.failTerminal(ctx, transfer, transferdomain.ReasonPayoutMethodMissing)
	}

	s.log.Info("dispatching transfer",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("payment_id", transfer.PaymentID.String()),
		zap.Int64("amount", transfer.Amount),
		zap.Int("attempt", transfer.AttemptCount),
	)
	result, callErr := s.gateway.Disburse(ctx, gateway.DisbursementRequest{
		Reference:      transfer.ID.String(),
		IdempotencyKey: transfer.ID.String(),
		Amount:         transfer.Amount,
		Destination:    method.Destination(),
	})

	// The attempt outcome must be recorded even when the caller's deadline fired mid-call.
	persistCtx := context.WithoutCancel(ctx)
	if callErr == nil {
		switch gateway.ClassifyResult(result) {
		case gateway.FailureNone:
			return s.settle(persistCtx, transfer, result.ExternalRef)
		case gateway.FailureRetryable:
			return s.failRetryable(persistCtx, transfer, rejectionReason(result.Reason))
		}
		return s.failTerminal(persistCtx, transfer, rejectionReason(result.Reason))
	}

	reason := failureReason(callErr)
	s.log.Warn("disbursement attempt failed",
		zap.String("transfer_id", transfer.ID.String()),
		zap.Int("attempt", transfer.AttemptCount),
		zap.String("reason", reason),
		zap.Error(callErr),
	)
	if gateway.Classify(callErr) == gateway.FailureTerminal {
		return s.failTerminal(persistCtx, transfer, reason)
	}
	return s.failRetryable(persistCtx, transfer, reason)
}

func (s *Service) settle(ctx context.Context, transfer *transferdomain.Transfer, externalRef string) (*transferdomain.Transfer, error) {
	return s.finish(ctx, transfer, "", func(t *transferdomain.Transfer, now time.Time) {
		t.Status = transferdomain.StatusSettled
		t.ProcessedAt = &now
		t.LastFailureReason = nil
		if ref := strings.TrimSpace(externalRef); ref != "" {
			t.ExternalRef = &ref
		}
	})
}

func (s *Service) failTerminal(ctx context.Context, transfer *transferdomain.Transfer, reason string) (*transferdomain.Transfer, error) {
	return s.finish(ctx, transfer, reason, func(t *transferdomain.Transfer, now time.Time) {
		t.Status = transferdomain.StatusTerminalFailure
		t.ProcessedAt = &now
		t.LastFailureReason = &reason
	})
}

// failRetryable schedules the next attempt, or gives up once MaxAttempts is spent.
func (s *Service) failRetryable(ctx context.Context, transfer *transferdomain.Transfer, reason string) (*transferdomain.Transfer, error) {
	if transfer.AttemptCount >= s.cfg.MaxAttempts {
		return s.failTerminal(ctx, transfer, transferdomain.ReasonMaxAttempts+": "+reason)
	}
	delay := s.retryDelay(transfer.AttemptCount)
	return s.finish(ctx, transfer, reason, func(t *transferdomain.Transfer, now time.Time) {
		next := now.Add(delay)
		t.Status = transferdomain.StatusRetryableFailure
		t.NextAttemptAt = &next
		t.LastFailureReason = &reason
	})
}

// finish applies an outcome to an IN_FLIGHT transfer under lock. If another
// worker already resolved the attempt, the stored transfer is returned as is.
func (s *Service) finish(ctx context.Context, transfer *transferdomain.Transfer, reason string, apply func(*transferdomain.Transfer, time.Time)) (*transferdomain.Transfer, error) {
	var (
		result  *transferdomain.Transfer
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByIDForUpdate(ctx, tx, transfer.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return transferdomain.ErrNotFound
		}
		result = current
		if current.Status != transferdomain.StatusInFlight {
			return nil
		}

		now := s.clock.Now()
		expected := current.Version
		apply(current, now)
		current.UpdatedAt = now
		if err := s.repo.UpdateState(ctx, tx, current, transferdomain.StatusInFlight, expected); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		s.log.Error("failed to record transfer outcome",
			zap.String("transfer_id", transfer.ID.String()),
			zap.String("payment_id", transfer.PaymentID.String()),
			zap.Error(err),
		)
		return transfer, err
	}
	if !changed {
		s.log.Info("transfer outcome already recorded",
			zap.String("transfer_id", result.ID.String()),
			zap.String("status", string(result.Status)),
		)
		return result, nil
	}

	s.afterOutcome(ctx, result, reason)
	return result, nil
}

func (s *Service) afterOutcome(ctx context.Context, transfer *transferdomain.Transfer, reason string) {
	status := string(transfer.Status)
	s.metrics.IncTransferOutcome(status)
	s.obsMetrics.RecordTransferAttempt(ctx, strings.ToLower(status), reasonLabel(reason))
	if transfer.Status == transferdomain.StatusSettled {
		s.obsMetrics.RecordPayoutSettled(ctx, transfer.Amount)
	}

	fields := []zap.Field{
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("payment_id", transfer.PaymentID.String()),
		zap.String("status", status),
		zap.Int("attempt_count", transfer.AttemptCount),
		zap.Int64("amount", transfer.Amount),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if transfer.NextAttemptAt != nil {
		fields = append(fields, zap.Time("next_attempt_at", *transfer.NextAttemptAt))
	}
	switch transfer.Status {
	case transferdomain.StatusTerminalFailure:
		s.log.Error("transfer failed permanently", fields...)
	case transferdomain.StatusRetryableFailure:
		s.log.Warn("transfer attempt will be retried", fields...)
	default:
		s.log.Info("transfer updated", fields...)
	}

	note := reason
	if transfer.Status == transferdomain.StatusSettled && transfer.ExternalRef != nil {
		note = "ref " + *transfer.ExternalRef
	}
	if err := s.paymentSvc.RecordTransferOutcome(ctx, paymentdomain.TransferOutcome{
		PaymentID:  transfer.PaymentID,
		TransferID: transfer.ID,
		Status:     status,
		Note:       note,
	}); err != nil {
		s.log.Warn("failed to append transfer outcome to payment history",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err),
		)
	}
}

// retryDelay is the jittered exponential delay after the given attempt, capped at MaxDelay.
func (s *Service) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BaseDelay
	b.MaxInterval = s.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()

	delay := s.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = s.cfg.BaseDelay
	}
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	return delay
}

// acquire takes the cross-process dispatch lock when a Locker is configured.
func (s *Service) acquire(ctx context.Context, transferID snowflake.ID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := lockKeyPrefix + transferID.String()
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, transferdomain.ErrAttemptInFlight
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("failed to release transfer lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *Service) audit(ctx context.Context, action string, transfer *transferdomain.Transfer, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	targetID := transfer.ID.String()
	metadata["payment_id"] = transfer.PaymentID.String()
	if err := s.auditSvc.AuditLog(ctx, "", nil, action, "transfer", &targetID, metadata); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func rejectionReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return gateway.ReasonRejected
	}
	return reason
}

func failureReason(err error) string {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		if gwErr.Code != "" {
			return gwErr.Code
		}
		if gwErr.StatusCode != 0 {
			return "http_" + strings.ToLower(strings.ReplaceAll(http.StatusText(gwErr.StatusCode), " ", "_"))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transferdomain.ReasonTimeout
	}
	return transferdomain.ReasonTransport
}

// reasonLabel folds free-form reasons into a bounded metric label.
func reasonLabel(reason string) string {
	switch {
	case reason == "":
		return ""
	case strings.HasPrefix(reason, transferdomain.ReasonMaxAttempts):
		return transferdomain.ReasonMaxAttempts
	case strings.HasPrefix(reason, "http_"),
		reason == gateway.ReasonInvalidAccount,
		reason == gateway.ReasonInsufficientBalance,
		reason == gateway.ReasonRejected,
		reason == transferdomain.ReasonTimeout,
		reason == transferdomain.ReasonTransport,
		reason == transferdomain.ReasonPayoutMethodMissing,
		reason == transferdomain.ReasonDisbursementMissing:
		return reason
	default:
		return "other"
	}
}
