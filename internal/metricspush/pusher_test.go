package metricspush

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRemoteWritePushEncodesCountersAndGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rentflow_test_total"}, []string{"job"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "rentflow_test_backlog"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "rentflow_test_seconds"})
	registry.MustRegister(counter, gauge, histogram)
	counter.WithLabelValues("poll_awaiting_payments").Add(3)
	gauge.Set(7)
	histogram.Observe(0.2)

	var received prompb.WriteRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		decoded, err := snappy.Decode(nil, body)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, received.Unmarshal(decoded))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pusher := NewRemoteWritePusher(srv.URL, "token-1")
	pusher.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	require.NoError(t, pusher.Push(context.Background(), registry))

	assert.Equal(t, "Bearer token-1", auth)
	require.Len(t, received.Timeseries, 2)

	values := map[string]float64{}
	for _, ts := range received.Timeseries {
		var name string
		for _, label := range ts.Labels {
			if label.Name == "__name__" {
				name = label.Value
			}
		}
		require.Len(t, ts.Samples, 1)
		assert.Equal(t, int64(1_700_000_000_000), ts.Samples[0].Timestamp)
		values[name] = ts.Samples[0].Value
	}
	assert.Equal(t, float64(3), values["rentflow_test_total"])
	assert.Equal(t, float64(7), values["rentflow_test_backlog"])
}

func TestRemoteWritePushReportsRejection(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "rentflow_test_total"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestNewPusherFromConfig(t *testing.T) {
	log := zap.NewNop()

	assert.Nil(t, NewPusher(config.Config{}, log))
	assert.Nil(t, NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{Exporter: ExporterRemoteWrite}}, log))
	assert.Nil(t, NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{Exporter: "statsd", Endpoint: "http://x"}}, log))

	rw := NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{
		Exporter: ExporterRemoteWrite,
		Endpoint: "http://collector:9090/api/v1/write",
	}}, log)
	assert.IsType(t, &RemoteWritePusher{}, rw)

	pg := NewPusher(config.Config{AppName: "rentflow-sweeper", MetricsPush: config.MetricsPushConfig{
		Exporter: ExporterPushgateway,
		Endpoint: "http://pushgateway:9091",
	}}, log)
	assert.IsType(t, &PushgatewayPusher{}, pg)
}

func TestLedgerGaugesRefresh(t *testing.T) {
	db := dbtest.Open(t)
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	dbtest.SeedPaidPayment(t, db, dbtest.PaidPayment{
		ID: 501, OwnerID: 9, GrossAmount: 100_000, PlatformFee: 10_000, TransactionID: "txn-501", PaidAt: at,
	})
	dbtest.SeedPaidPayment(t, db, dbtest.PaidPayment{
		ID: 502, OwnerID: 9, GrossAmount: 100_000, PlatformFee: 10_000, TransactionID: "txn-502", PaidAt: at,
	})
	require.NoError(t, db.Exec(`UPDATE payments SET payout_hold_reason = 'no_payout_method' WHERE id = 501`).Error)
	require.NoError(t, db.Exec(`UPDATE payments SET review_reason = 'amount_mismatch' WHERE id = 502`).Error)
	dbtest.SeedPayoutMethod(t, db, dbtest.PayoutMethod{ID: 601, OwnerID: 9, IsPrimary: true, IsActive: true, At: at})
	dbtest.SeedTransfer(t, db, dbtest.Transfer{ID: 701, PaymentID: 502, PayoutMethodID: 601, Amount: 90_000, Status: "IN_FLIGHT", At: at})

	gauges := NewLedgerGauges(prometheus.NewRegistry(), db)
	require.NoError(t, gauges.Refresh(context.Background()))

	assert.Equal(t, float64(1), testutil.ToFloat64(gauges.underReview))
	assert.Equal(t, float64(1), testutil.ToFloat64(gauges.payoutsHeld))
	assert.Equal(t, float64(1), testutil.ToFloat64(gauges.activeTransfers.WithLabelValues("IN_FLIGHT")))
	assert.Equal(t, float64(0), testutil.ToFloat64(gauges.activeTransfers.WithLabelValues("QUEUED")))
}
