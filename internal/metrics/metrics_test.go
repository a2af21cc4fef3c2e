package metrics_test

import (
	"testing"

	"adaptivecore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandwidthEstimateGaugeReportsLastValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.BandwidthEstimate.WithLabelValues("sess-1").Set(2_500_000)

	var metric dto.Metric
	require.NoError(t, m.BandwidthEstimate.WithLabelValues("sess-1").Write(&metric))
	assert.Equal(t, 2_500_000.0, metric.GetGauge().GetValue())
}

func TestStallsCounterIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Stalls.Inc()
	m.Stalls.Inc()

	var metric dto.Metric
	require.NoError(t, m.Stalls.Write(&metric))
	assert.Equal(t, 2.0, metric.GetCounter().GetValue())
}
