// Package abr chooses one variant from a filtered set of playable
// candidates given a bandwidth estimate, deterministically and
// idempotently, with upgrade/downgrade hysteresis.
package abr

import (
	"sort"
	"time"

	"adaptivecore/internal/apperr"
	"adaptivecore/internal/clock"
)

// Variant is the subset of a manifest variant's fields the chooser needs.
type Variant struct {
	ID                     string
	BandwidthBps           int
	Height, Width          int
	FrameRate              float64
	VideoCodec, AudioCodec string
	AllowedByApplication   bool
	AllowedByKeySystem     bool
	CodecSupported         bool
}

// Restrictions is the abr.restrictions config surface.
type Restrictions struct {
	MinBandwidth, MaxBandwidth int // bps, 0 = unbounded
	MinHeight, MaxHeight       int
	MinPixels, MaxPixels       int
	MinFrameRate, MaxFrameRate float64
}

func (r Restrictions) allows(v Variant) bool {
	if r.MinBandwidth > 0 && v.BandwidthBps < r.MinBandwidth {
		return false
	}
	if r.MaxBandwidth > 0 && v.BandwidthBps > r.MaxBandwidth {
		return false
	}
	if r.MinHeight > 0 && v.Height > 0 && v.Height < r.MinHeight {
		return false
	}
	if r.MaxHeight > 0 && v.Height > 0 && v.Height > r.MaxHeight {
		return false
	}
	pixels := v.Width * v.Height
	if r.MinPixels > 0 && pixels > 0 && pixels < r.MinPixels {
		return false
	}
	if r.MaxPixels > 0 && pixels > 0 && pixels > r.MaxPixels {
		return false
	}
	if r.MinFrameRate > 0 && v.FrameRate > 0 && v.FrameRate < r.MinFrameRate {
		return false
	}
	if r.MaxFrameRate > 0 && v.FrameRate > 0 && v.FrameRate > r.MaxFrameRate {
		return false
	}
	return true
}

// Config is the abr config surface.
type Config struct {
	Enabled                  bool
	DefaultBandwidthEstimate float64
	Restrictions             Restrictions
	SwitchInterval           time.Duration
	BandwidthUpgradeTarget   float64 // default 0.85
	BandwidthDowngradeTarget float64 // default 0.95
	PreferredVideoCodecs     []string
	PreferredAudioCodecs     []string
}

// DefaultConfig returns the stock hysteresis targets.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		BandwidthUpgradeTarget:   0.85,
		BandwidthDowngradeTarget: 0.95,
		SwitchInterval:           8 * time.Second,
	}
}

// Chooser picks variants with switch-interval hysteresis.
type Chooser struct {
	cfg         Config
	clock       clock.Clock
	current     *Variant
	lastSwitch  time.Time
	hasSwitched bool
}

func NewChooser(cfg Config, c clock.Clock) *Chooser {
	return &Chooser{cfg: cfg, clock: c}
}

// PlayableVariants filters to the variants that are codec/DRM supported
// and not application-restricted.
func PlayableVariants(all []Variant, restrictions Restrictions) []Variant {
	var out []Variant
	for _, v := range all {
		if !v.CodecSupported || !v.AllowedByApplication || !v.AllowedByKeySystem {
			continue
		}
		if !restrictions.allows(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Choose returns the chosen variant given the already-filtered playable set
// and the current bandwidth estimate. It is deterministic and idempotent:
// identical inputs (including the chooser's own prior-choice state) always
// yield the same output.
func (c *Chooser) Choose(playable []Variant, bandwidthEstimateBps float64) (Variant, error) {
	if len(playable) == 0 {
		return Variant{}, apperr.New(apperr.Critical, apperr.CategoryStreaming, apperr.CodeNoPlayableVariants, nil, nil)
	}

	sorted := sortedByPreference(playable, c.cfg.PreferredVideoCodecs, c.cfg.PreferredAudioCodecs)

	if c.current == nil {
		best := pickHighestAffordable(sorted, bandwidthEstimateBps)
		c.setCurrent(best)
		return best, nil
	}

	// Hysteresis: no two switches within switchInterval.
	if c.cfg.SwitchInterval > 0 && c.hasSwitched && c.clock.Now().Sub(c.lastSwitch) < c.cfg.SwitchInterval {
		if still, ok := findByID(sorted, c.current.ID); ok {
			return still, nil
		}
	}

	downgradeThreshold := float64(c.current.BandwidthBps) * c.cfg.BandwidthDowngradeTarget
	if bandwidthEstimateBps <= downgradeThreshold {
		candidate := pickHighestAffordable(sorted, bandwidthEstimateBps)
		if candidate.BandwidthBps < c.current.BandwidthBps {
			c.setCurrent(candidate)
			return candidate, nil
		}
	}

	// Consider an upgrade: only when estimate >= newVariantBandwidth / upgradeTarget.
	upgradeTarget := c.cfg.BandwidthUpgradeTarget
	if upgradeTarget <= 0 {
		upgradeTarget = 0.85
	}
	best := *c.current
	for _, v := range sorted {
		if v.BandwidthBps <= c.current.BandwidthBps {
			continue
		}
		if bandwidthEstimateBps >= float64(v.BandwidthBps)/upgradeTarget {
			if v.BandwidthBps > best.BandwidthBps {
				best = v
			}
		}
	}
	if best.ID != c.current.ID {
		c.setCurrent(best)
	}
	return *c.current, nil
}

func (c *Chooser) setCurrent(v Variant) {
	c.current = &v
	c.lastSwitch = c.clock.Now()
	c.hasSwitched = true
}

// Reset clears switch-hysteresis state, used after a seek or period change.
func (c *Chooser) Reset() {
	c.current = nil
	c.hasSwitched = false
}

func findByID(vs []Variant, id string) (Variant, bool) {
	for _, v := range vs {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

func pickHighestAffordable(sorted []Variant, bandwidthEstimateBps float64) Variant {
	for _, v := range sorted {
		if float64(v.BandwidthBps) <= bandwidthEstimateBps {
			return v
		}
	}
	// Nothing affordable: fall back to the cheapest variant available.
	return sorted[len(sorted)-1]
}

// sortedByPreference applies the tie-break order: higher bandwidth
// first > higher resolution > preferred codec > stable manifest order. We sort descending by bandwidth since pickHighestAffordable scans
// from the top looking for the first one within budget.
func sortedByPreference(in []Variant, preferredVideo, preferredAudio []string) []Variant {
	out := make([]Variant, len(in))
	copy(out, in)
	rank := func(codec string, preferred []string) int {
		for i, p := range preferred {
			if p == codec {
				return i
			}
		}
		return len(preferred)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.BandwidthBps != b.BandwidthBps {
			return a.BandwidthBps > b.BandwidthBps
		}
		if a.Width*a.Height != b.Width*b.Height {
			return a.Width*a.Height > b.Width*b.Height
		}
		ra := rank(a.VideoCodec, preferredVideo) + rank(a.AudioCodec, preferredAudio)
		rb := rank(b.VideoCodec, preferredVideo) + rank(b.AudioCodec, preferredAudio)
		if ra != rb {
			return ra < rb
		}
		return false // preserve stable manifest order otherwise
	})
	return out
}

// Observer receives segment-download telemetry to feed the bandwidth
// estimator, in the delta-time form (deltaTimeMs, numBytes).
type Observer interface {
	SegmentDownloaded(deltaTimeMs float64, numBytes int64)
}
