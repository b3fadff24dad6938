package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("source", "webhook"),
		attribute.String("payment_id", "123"),
		attribute.String("outcome", "applied"),
		attribute.String("reason", ""),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("source"), attrs[0].Key)
	assert.Equal(t, attribute.Key("outcome"), attrs[1].Key)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordGatewayEvent(ctx, "webhook", "SUCCESS", "applied")
	m.RecordPaymentTransition(ctx, "AWAITING_GATEWAY", "PAID")
	m.RecordTransferAttempt(ctx, "settled", "")
	m.RecordPayoutSettled(ctx, 100)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "rentflow"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordPayoutSettled(context.Background(), 900_000)
}
