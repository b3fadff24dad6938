package metricspush

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// LedgerGauges samples backlog sizes that counters cannot express.
type LedgerGauges struct {
	db              *gorm.DB
	underReview     prometheus.Gauge
	payoutsHeld     prometheus.Gauge
	activeTransfers *prometheus.GaugeVec
}

func NewLedgerGauges(registerer prometheus.Registerer, db *gorm.DB) *LedgerGauges {
	g := &LedgerGauges{
		db: db,
		underReview: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rentflow_payments_under_review",
			Help: "Payments flagged for operator review.",
		}),
		payoutsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rentflow_payouts_held",
			Help: "PAID payments whose payout is on hold.",
		}),
		activeTransfers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rentflow_transfers_active",
			Help: "Transfers not yet in a terminal state.",
		}, []string{"status"}),
	}
	registerer.MustRegister(g.underReview, g.payoutsHeld, g.activeTransfers)
	return g
}

// Refresh re-reads the backlog counts; a failed query keeps the last sample.
func (g *LedgerGauges) Refresh(ctx context.Context) error {
	if g == nil || g.db == nil {
		return nil
	}
	db := g.db.WithContext(ctx)

	var underReview int64
	if err := db.Table("payments").Where("review_reason IS NOT NULL").Count(&underReview).Error; err != nil {
		return err
	}
	var held int64
	if err := db.Table("payments").
		Where("status = ? AND payout_hold_reason IS NOT NULL", "PAID").
		Count(&held).Error; err != nil {
		return err
	}

	var rows []struct {
		Status string
		Total  int64
	}
	if err := db.Table("transfers").
		Select("status, COUNT(*) AS total").
		Where("status IN ?", []string{"QUEUED", "IN_FLIGHT", "RETRYABLE_FAILURE"}).
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}

	g.underReview.Set(float64(underReview))
	g.payoutsHeld.Set(float64(held))
	g.activeTransfers.Reset()
	for _, status := range []string{"QUEUED", "IN_FLIGHT", "RETRYABLE_FAILURE"} {
		g.activeTransfers.WithLabelValues(status).Set(0)
	}
	for _, row := range rows {
		g.activeTransfers.WithLabelValues(row.Status).Set(float64(row.Total))
	}
	return nil
}
