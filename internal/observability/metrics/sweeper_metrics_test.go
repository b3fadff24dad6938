package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

type fakeGatewayErr struct{}

func (fakeGatewayErr) Error() string        { return "gateway unavailable" }
func (fakeGatewayErr) GatewayFailure() bool { return true }

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: JobReasonDeadlineExceeded},
		{name: "gateway", err: fmt.Errorf("poll: %w", fakeGatewayErr{}), want: JobReasonGateway},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyJobReason(tc.err))
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSweeperMetrics(registry, Config{ServiceName: "rentflow", Environment: "test"})

	m.AddBatchProcessed("poll_awaiting_payments", ResourcePayments, 3)
	m.AddBatchProcessed("poll_awaiting_payments", ResourcePayments, 0)

	got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("poll_awaiting_payments", ResourcePayments))
	assert.Equal(t, float64(3), got)
}

func TestInvariantViolationCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSweeperMetrics(registry, Config{})

	m.IncInvariantViolation("transfer_sum_exceeds_owner_amount")
	m.IncInvariantViolation("transfer_sum_exceeds_owner_amount")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.invariantViolations.WithLabelValues("transfer_sum_exceeds_owner_amount")))
}
