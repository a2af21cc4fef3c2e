// Package playhead tracks the play head: current time/rate, buffering-
// state hysteresis, and seek arbitration against the presentation
// timeline and buffered ranges, driven by an injected BufferedAheadOf
// query.
package playhead

import (
	"sync"

	"adaptivecore/internal/clock"
	"adaptivecore/internal/mediasource"
	"adaptivecore/internal/timeline"
)

// BufferSource reports contiguous buffered seconds ahead of a time, per
// content type; satisfied by *mediasource.Engine.
type BufferSource interface {
	BufferedAheadOf(t mediasource.Type, at float64) float64
}

// Config holds the buffering-hysteresis thresholds.
type Config struct {
	RebufferingGoal float64 // buffering starts when buffer ahead falls below this many seconds
	BufferingGoal   float64 // seconds of buffer needed to leave buffering state (scaled by rate > 1)
	SeekTolerance   float64 // seeks within this distance of current buffer are "soft"
	GapTypes        []mediasource.Type
}

func DefaultConfig() Config {
	return Config{
		RebufferingGoal: 2,
		BufferingGoal:   10,
		SeekTolerance:   2,
		GapTypes:        []mediasource.Type{mediasource.TypeAudio, mediasource.TypeVideo},
	}
}

// Listener receives buffering-state transitions.
type Listener func(buffering bool)

// Controller owns the play head position and buffering state.
type Controller struct {
	cfg   Config
	clock clock.Clock
	buf   BufferSource
	tl    *timeline.Timeline

	mu        sync.Mutex
	current   float64
	rate      float64
	buffering bool
	ended     bool
	listeners []Listener
}

func New(cfg Config, c clock.Clock, buf BufferSource, tl *timeline.Timeline) *Controller {
	return &Controller{cfg: cfg, clock: c, buf: buf, tl: tl, rate: 1}
}

// SetGapTypes restricts buffering-state evaluation to the content types
// actually loaded, so a video-only presentation is not held in the
// buffering state by an absent audio buffer.
func (p *Controller) SetGapTypes(types []mediasource.Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.GapTypes = types
}

func (p *Controller) OnBufferingChange(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// CurrentTime returns the current playhead position.
func (p *Controller) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Rate returns the configured playback rate (0 while buffering).
func (p *Controller) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buffering {
		return 0
	}
	return p.rate
}

// SetRate sets the desired playback rate; trick-play speeds (>1) scale
// the effective buffering goal, since faster playback drains buffer
// faster and needs more buffer before leaving the buffering state.
func (p *Controller) SetRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = rate
}

func (p *Controller) IsBuffering() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffering
}

// effectiveBufferingGoal scales BufferingGoal by rate when rate > 1, so a
// 2x trick-play exits buffering only once there's enough buffer to sustain
// twice the drain rate.
func (p *Controller) effectiveBufferingGoal() float64 {
	if p.rate > 1 {
		return p.cfg.BufferingGoal * p.rate
	}
	return p.cfg.BufferingGoal
}

// Tick re-evaluates buffering state from current buffered ranges and
// advances the playhead by elapsed*rate when not buffering. elapsed is the
// wall-clock delta since the previous Tick, in seconds.
func (p *Controller) Tick(elapsed float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ended {
		return
	}

	ahead := p.minBufferedAhead(p.current)

	wasBuffering := p.buffering
	if p.buffering {
		if ahead >= p.effectiveBufferingGoal() {
			p.buffering = false
		}
	} else {
		atEnd := p.tl != nil && p.current >= p.tl.Duration() && !p.tl.IsLive()
		if ahead < p.cfg.RebufferingGoal && !atEnd {
			p.buffering = true
		}
	}

	if wasBuffering != p.buffering {
		p.notifyLocked(p.buffering)
	}

	if !p.buffering {
		p.current += elapsed * p.rate
		if p.tl != nil {
			p.current = p.tl.ClampToSeekRange(p.current)
		}
	}
}

func (p *Controller) minBufferedAhead(at float64) float64 {
	min := -1.0
	for _, t := range p.cfg.GapTypes {
		ahead := p.buf.BufferedAheadOf(t, at)
		if min < 0 || ahead < min {
			min = ahead
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// Seek arbitrates a requested seek time against the timeline's seek range,
// clamping out-of-range requests and reporting whether buffered content
// already covers the destination within SeekTolerance (a "soft" seek that
// does not require clearing buffers).
func (p *Controller) Seek(target float64) (clamped float64, soft bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	clamped = target
	if p.tl != nil {
		clamped = p.tl.ClampToSeekRange(target)
	}

	ahead := p.minBufferedAhead(clamped)
	soft = ahead >= p.cfg.SeekTolerance

	p.current = clamped
	p.ended = false
	return clamped, soft
}

// NotifyEnded marks the playhead as having reached the end of a VOD
// presentation, suppressing further buffering-state churn.
func (p *Controller) NotifyEnded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = true
}

func (p *Controller) notifyLocked(buffering bool) {
	for _, l := range p.listeners {
		l(buffering)
	}
}
