package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonGateway              = "gateway"
	JobReasonUnknown              = "unknown"
)

const (
	ResourcePayments  = "payments"
	ResourceTransfers = "transfers"
)

// SweeperMetrics captures reconciliation and payout health signals.
type SweeperMetrics struct {
	jobRuns             *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	jobTimeouts         *prometheus.CounterVec
	jobErrors           *prometheus.CounterVec
	batchProcessed      *prometheus.CounterVec
	runLoopLag          prometheus.Histogram
	invariantViolations *prometheus.CounterVec
	reviewFlags         *prometheus.CounterVec
	authFailures        *prometheus.CounterVec
	securityFlags       prometheus.Counter
	transferOutcomes    *prometheus.CounterVec
}

var (
	sweeperMetricsOnce sync.Once
	sweeperMetrics     *SweeperMetrics
)

// Sweeper returns the singleton registry for sweeper and engine metrics.
func Sweeper() *SweeperMetrics {
	return SweeperWithConfig(Config{})
}

// SweeperWithConfig returns the singleton registry using config labels.
func SweeperWithConfig(cfg Config) *SweeperMetrics {
	sweeperMetricsOnce.Do(func() {
		sweeperMetrics = newSweeperMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweeperMetrics
}

func newSweeperMetrics(registerer prometheus.Registerer, cfg Config) *SweeperMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "rentflow"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &SweeperMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rentflow_sweeper_job_runs_total",
			Help:        "Sweeper job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "rentflow_sweeper_job_duration_seconds",
			Help:        "Sweeper job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rentflow_sweeper_job_timeouts_total",
			Help:        "Sweeper jobs that hit their soft timeout.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rentflow_sweeper_job_errors_total",
			Help:        "Sweeper job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rentflow_sweeper_batch_processed_total",
			Help:        "Stuck records re-driven by the sweeper.",
			ConstLabels: constLabels,
		}, []string{"job", "resource"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "rentflow_sweeper_runloop_lag_seconds",
			Help:        "Sweeper run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}),
		invariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rentflow_invariant_violations_total",
			Help:        "Operations aborted because a money invariant would break.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		reviewFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rentflow_payment_review_flags_total",
			Help:        "Payments held for manual review by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rentflow_auth_failures_total",
			Help:        "Rejected webhook signatures and operator credentials.",
			ConstLabels: constLabels,
		}, []string{"surface"}),
		securityFlags: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rentflow_security_review_flags_total",
			Help:        "Sources flagged for security review after repeated auth failures.",
			ConstLabels: constLabels,
		}),
		transferOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rentflow_transfer_outcomes_total",
			Help:        "Transfer state transitions by target status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.runLoopLag,
		m.invariantViolations,
		m.reviewFlags,
		m.authFailures,
		m.securityFlags,
		m.transferOutcomes,
	)
	return m
}

func (m *SweeperMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SweeperMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SweeperMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SweeperMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *SweeperMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SweeperMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

func (m *SweeperMetrics) IncInvariantViolation(kind string) {
	if m == nil {
		return
	}
	m.invariantViolations.WithLabelValues(kind).Inc()
}

func (m *SweeperMetrics) IncReviewFlag(reason string) {
	if m == nil {
		return
	}
	m.reviewFlags.WithLabelValues(reason).Inc()
}

func (m *SweeperMetrics) IncAuthFailure(surface string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(surface).Inc()
}

func (m *SweeperMetrics) IncSecurityFlag() {
	if m == nil {
		return
	}
	m.securityFlags.Inc()
}

func (m *SweeperMetrics) IncTransferOutcome(status string) {
	if m == nil {
		return
	}
	m.transferOutcomes.WithLabelValues(status).Inc()
}

// gatewayError lets gateway failures be classified without an import cycle.
type gatewayError interface {
	GatewayFailure() bool
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	var gwErr gatewayError
	if errors.As(err, &gwErr) && gwErr.GatewayFailure() {
		return JobReasonGateway
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	return JobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

// ResetSweeperMetricsForTest drops the singleton so tests can bind a fresh registry.
func ResetSweeperMetricsForTest() {
	sweeperMetricsOnce = sync.Once{}
	sweeperMetrics = nil
}
