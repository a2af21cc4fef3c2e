// Package timeline implements the presentation timeline: the canonical
// mapping from wall-clock to presentation time, and the availability
// window for live content.
//
// One Timeline covers both cases: VOD pins the availability window to
// [0, duration] and never moves it; live slides the window with the
// wall-clock, bounded by the segment-availability duration, and keeps the
// seek range clear of the live edge by a safety margin.
package timeline

import (
	"math"
	"time"

	"adaptivecore/internal/clock"
)

const defaultLiveEdgeSafetyMargin = 6 * time.Second

// Range is a closed presentation-time interval [Start, End] in seconds.
type Range struct {
	Start float64
	End   float64
}

// Timeline is the canonical mapping from wall-clock to presentation time.
type Timeline struct {
	clock clock.Clock

	presentationStartWall time.Time // wall-clock instant presentation time 0 maps to; live only
	durationSeconds       float64   // math.Inf(1) for unbounded live
	isLiveFlag            bool
	segmentAvailDuration  float64 // how far back live segments remain fetchable, seconds
	liveEdgeSafetyMargin  time.Duration

	offsetSeconds float64 // additive origin shift set by Offset
}

// Option configures a Timeline at construction.
type Option func(*Timeline)

func WithLiveEdgeSafetyMargin(d time.Duration) Option {
	return func(t *Timeline) { t.liveEdgeSafetyMargin = d }
}

// NewVOD creates a timeline for video-on-demand content of the given duration.
// For VOD the availability window is [0, duration] and time-invariant.
func NewVOD(c clock.Clock, durationSeconds float64, opts ...Option) *Timeline {
	t := &Timeline{
		clock:                c,
		durationSeconds:      durationSeconds,
		isLiveFlag:           false,
		liveEdgeSafetyMargin: defaultLiveEdgeSafetyMargin,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// NewLive creates a timeline for a live presentation. presentationStartWall is
// the wall-clock instant that corresponds to presentation time 0 (the DASH
// availabilityStartTime, or the HLS program-start equivalent).
// segmentAvailabilityDuration bounds how far back segments stay fetchable
// (DASH timeShiftBufferDepth / HLS sliding-window size).
func NewLive(c clock.Clock, presentationStartWall time.Time, segmentAvailabilityDuration float64, opts ...Option) *Timeline {
	t := &Timeline{
		clock:                 c,
		presentationStartWall: presentationStartWall,
		durationSeconds:       math.Inf(1),
		isLiveFlag:            true,
		segmentAvailDuration:  segmentAvailabilityDuration,
		liveEdgeSafetyMargin:  defaultLiveEdgeSafetyMargin,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Now returns the current presentation time in seconds (wall-clock for live,
// meaningless/unused for VOD where the play head tracks the media element).
func (t *Timeline) Now() float64 {
	if !t.isLiveFlag {
		return 0
	}
	return t.clock.Now().Sub(t.presentationStartWall).Seconds() + t.offsetSeconds
}

func (t *Timeline) Duration() float64 { return t.durationSeconds }

func (t *Timeline) IsLive() bool { return t.isLiveFlag }

// SegmentAvailability returns [A_start(t), A_end(t)].
// Invariant: A_start <= A_end <= duration.
func (t *Timeline) SegmentAvailability() Range {
	if !t.isLiveFlag {
		return Range{Start: 0, End: t.durationSeconds}
	}
	end := t.Now()
	start := end - t.segmentAvailDuration
	if start < 0 {
		start = 0
	}
	if end > t.durationSeconds {
		end = t.durationSeconds
	}
	return Range{Start: start, End: end}
}

// SeekRange returns the interval in which the user may place the play-head.
// Rule: seekRange.end = min(duration, availability.end - liveEdgeSafetyMargin).
// The safety margin only applies to live content; VOD has no live edge to
// stay clear of and its seek range is the full availability window.
func (t *Timeline) SeekRange() Range {
	avail := t.SegmentAvailability()
	end := avail.End
	if t.isLiveFlag {
		end -= t.liveEdgeSafetyMargin.Seconds()
	}
	if end > t.durationSeconds {
		end = t.durationSeconds
	}
	if end < avail.Start {
		end = avail.Start
	}
	return Range{Start: avail.Start, End: end}
}

// Offset sets the zero origin, shifting subsequent Now()/availability
// computations by the given number of seconds.
func (t *Timeline) Offset(originSeconds float64) {
	t.offsetSeconds = originSeconds
}

// ClampToSeekRange clamps t to the current seek range.
func (tl *Timeline) ClampToSeekRange(t float64) float64 {
	r := tl.SeekRange()
	if t < r.Start {
		return r.Start
	}
	if t > r.End {
		return r.End
	}
	return t
}

// Fetchable reports whether presentation time t is still within the
// availability window (i.e. a segment reference covering t could still be
// fetched from origin).
func (tl *Timeline) Fetchable(t float64) bool {
	avail := tl.SegmentAvailability()
	return t >= avail.Start && t <= avail.End
}
