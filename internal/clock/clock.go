// Package clock provides an injectable wall-clock so that the play head's
// stall detection and other timing-dependent subsystems can be exercised
// deterministically in tests. The bandwidth estimator does not use it.
package clock

import "time"

// Clock is the time source every timing-sensitive subsystem depends on.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	After(d time.Duration) <-chan time.Time
}

// Ticker mirrors time.Ticker's exported surface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
