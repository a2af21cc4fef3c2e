package abr_test

import (
	"testing"
	"time"

	"adaptivecore/internal/abr"
	"adaptivecore/internal/apperr"
	"adaptivecore/internal/clock"
	"github.com/stretchr/testify/assert"
)

func variants() []abr.Variant {
	return []abr.Variant{
		{ID: "500k", BandwidthBps: 500_000, Height: 360, Width: 640, CodecSupported: true, AllowedByApplication: true, AllowedByKeySystem: true},
		{ID: "2m", BandwidthBps: 2_000_000, Height: 720, Width: 1280, CodecSupported: true, AllowedByApplication: true, AllowedByKeySystem: true},
		{ID: "5m", BandwidthBps: 5_000_000, Height: 1080, Width: 1920, CodecSupported: true, AllowedByApplication: true, AllowedByKeySystem: true},
	}
}

func TestNoPlayableVariantsSignalsError(t *testing.T) {
	c := abr.NewChooser(abr.DefaultConfig(), clock.Real{})
	_, err := c.Choose(nil, 10_000_000)
	assert.ErrorIs(t, err, apperr.New(0, apperr.CategoryStreaming, apperr.CodeNoPlayableVariants, nil, nil))
}

func TestChoosesHighestAffordableOnFirstCall(t *testing.T) {
	c := abr.NewChooser(abr.DefaultConfig(), clock.Real{})
	v, err := c.Choose(variants(), 3_000_000)
	assert.NoError(t, err)
	assert.Equal(t, "2m", v.ID)
}

// Given a monotonic decreasing sequence of bandwidth
// samples, the chosen variant's bandwidth is monotonically non-increasing.
func TestMonotonicDowngradeUnderDecreasingBandwidth(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := abr.DefaultConfig()
	cfg.SwitchInterval = 0
	c := abr.NewChooser(cfg, fake)

	samples := []float64{6_000_000, 4_000_000, 2_200_000, 1_000_000, 400_000}
	lastBw := -1
	for _, bw := range samples {
		v, err := c.Choose(variants(), bw)
		assert.NoError(t, err)
		if lastBw >= 0 {
			assert.LessOrEqual(t, v.BandwidthBps, lastBw)
		}
		lastBw = v.BandwidthBps
	}
	assert.Equal(t, "500k", variantByBandwidth(lastBw).ID)
}

func variantByBandwidth(bw int) abr.Variant {
	for _, v := range variants() {
		if v.BandwidthBps == bw {
			return v
		}
	}
	return abr.Variant{}
}

func TestUpgradeRequiresCrossingUpgradeTarget(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := abr.DefaultConfig()
	cfg.SwitchInterval = 0
	cfg.BandwidthUpgradeTarget = 0.85
	c := abr.NewChooser(cfg, fake)

	v, _ := c.Choose(variants(), 500_000) // starts on 500k
	assert.Equal(t, "500k", v.ID)

	// 2m variant needs estimate >= 2_000_000/0.85 ~= 2,352,941 to upgrade.
	v, _ = c.Choose(variants(), 2_000_000)
	assert.Equal(t, "500k", v.ID, "estimate below upgrade target should not switch")

	v, _ = c.Choose(variants(), 2_400_000)
	assert.Equal(t, "2m", v.ID, "estimate past upgrade target should switch")
}

func TestSwitchIntervalHysteresisSuppressesRapidSwitches(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := abr.DefaultConfig()
	cfg.SwitchInterval = 10 * time.Second
	c := abr.NewChooser(cfg, fake)

	v, _ := c.Choose(variants(), 5_000_000)
	assert.Equal(t, "5m", v.ID)

	fake.Advance(1 * time.Second)
	v, _ = c.Choose(variants(), 100_000) // would downgrade, but inside switchInterval
	assert.Equal(t, "5m", v.ID)

	fake.Advance(15 * time.Second)
	v, _ = c.Choose(variants(), 100_000)
	assert.Equal(t, "500k", v.ID)
}

func TestDeterministicAndIdempotent(t *testing.T) {
	c1 := abr.NewChooser(abr.DefaultConfig(), clock.Real{})
	c2 := abr.NewChooser(abr.DefaultConfig(), clock.Real{})
	v1, _ := c1.Choose(variants(), 3_000_000)
	v2, _ := c2.Choose(variants(), 3_000_000)
	assert.Equal(t, v1, v2)

	v3, _ := c1.Choose(variants(), 3_000_000)
	assert.Equal(t, v1, v3)
}
