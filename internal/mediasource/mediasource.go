// Package mediasource provides a type-keyed append/remove interface over
// a shared media sink, with append-window clipping and per-type operation
// serialization on an internal FIFO.
package mediasource

import (
	"context"
	"sort"
	"sync"

	"adaptivecore/internal/apperr"
	"adaptivecore/internal/segmentindex"
)

// Type is a content type.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
	TypeText  Type = "text"
	TypeImage Type = "image"
)

// Interval is a buffered time range, in presentation seconds.
type Interval struct{ Start, End float64 }

// Sink is the abstract media-sink contract: byte-range append, explicit
// removes, duration setting, end-of-stream, buffered intervals.
// A real implementation wraps a platform Media Source; tests use a fake.
type Sink interface {
	Init(mimeCodec map[Type]string) error
	AppendBuffer(ctx context.Context, t Type, data []byte, windowStart, windowEnd float64) error
	Remove(ctx context.Context, t Type, start, end float64) error
	SetDuration(d float64) error
	EndOfStream(reason string) error
	BufferedRange(t Type) []Interval
}

// Engine serializes append/remove operations per type on an internal FIFO
// and tracks the last-appended init segment per type so AppendInit can
// skip redundant appends.
type Engine struct {
	sink Sink

	mu          sync.Mutex
	queues      map[Type]chan func()
	lastInit    map[Type]*segmentindex.InitSegment
	initialized bool
	destroyed   bool
}

func New(sink Sink) *Engine {
	return &Engine{
		sink:     sink,
		queues:   make(map[Type]chan func()),
		lastInit: make(map[Type]*segmentindex.InitSegment),
	}
}

// Init sets MIME/codec strings per type. Fails with UNSUPPORTED_CODEC if the
// sink accepts none of them.
func (e *Engine) Init(mimeCodec map[Type]string) error {
	if err := e.sink.Init(mimeCodec); err != nil {
		return apperr.New(apperr.Critical, apperr.CategoryMedia, apperr.CodeUnsupportedCodec, err, nil)
	}
	e.initialized = true
	return nil
}

func (e *Engine) queueFor(t Type) chan func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	q, ok := e.queues[t]
	if !ok {
		q = make(chan func(), 64)
		e.queues[t] = q
		go func() {
			for op := range q {
				op()
			}
		}()
	}
	return q
}

// Destroy drains the per-type FIFOs and stops their worker goroutines.
// Callers must have stopped issuing operations first; any call after
// Destroy resolves to OPERATION_ABORTED.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.destroyed = true
	for _, q := range e.queues {
		close(q)
	}
	e.queues = nil
}

// run serializes op onto type t's FIFO and waits for its result, making the
// Engine's public methods appear synchronous to callers while still
// guaranteeing per-type ordering.
func (e *Engine) run(ctx context.Context, t Type, op func() error) error {
	if ctx.Err() != nil {
		return apperr.New(apperr.Recoverable, apperr.CategoryMedia, apperr.CodeOperationAborted, ctx.Err(), nil)
	}
	q := e.queueFor(t)
	if q == nil {
		return apperr.New(apperr.Recoverable, apperr.CategoryMedia, apperr.CodeOperationAborted, nil, nil)
	}
	done := make(chan error, 1)
	select {
	case q <- func() { done <- op() }:
	case <-ctx.Done():
		return apperr.New(apperr.Recoverable, apperr.CategoryMedia, apperr.CodeOperationAborted, ctx.Err(), nil)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return apperr.New(apperr.Recoverable, apperr.CategoryMedia, apperr.CodeOperationAborted, ctx.Err(), nil)
	}
}

// AppendInit is idempotent: if initRef equals the last-appended init for
// this type by value, the append is skipped. The init bytes go to the sink
// with an empty [0, 0] window, since an init segment covers no media time.
func (e *Engine) AppendInit(ctx context.Context, t Type, data []byte, initRef *segmentindex.InitSegment) error {
	return e.run(ctx, t, func() error {
		e.mu.Lock()
		last := e.lastInit[t]
		e.mu.Unlock()
		if last.Equal(initRef) {
			return nil
		}
		if err := e.sink.AppendBuffer(ctx, t, data, 0, 0); err != nil {
			return classifySinkError(err)
		}
		e.mu.Lock()
		e.lastInit[t] = initRef
		e.mu.Unlock()
		return nil
	})
}

// AppendBuffer passes the bytes to the sink with [windowStart, windowEnd]
// as the clipping window, given in presentation time by the caller. No
// timestampOffset is applied here, and hasClosedCaptions is not used.
func (e *Engine) AppendBuffer(ctx context.Context, t Type, data []byte, windowStart, windowEnd float64, hasClosedCaptions bool) error {
	return e.run(ctx, t, func() error {
		if err := e.sink.AppendBuffer(ctx, t, data, windowStart, windowEnd); err != nil {
			return classifySinkError(err)
		}
		return nil
	})
}

// Remove is a half-open interval removal, tolerant of non-buffered ranges.
func (e *Engine) Remove(ctx context.Context, t Type, start, end float64) error {
	return e.run(ctx, t, func() error {
		if err := e.sink.Remove(ctx, t, start, end); err != nil {
			return classifySinkError(err)
		}
		return nil
	})
}

const (
	negInf = -1 << 62
	posInf = 1 << 62
)

// Clear is equivalent to Remove(type, -inf, +inf). The last-appended init
// record is forgotten too, since the cleared sink needs the init segment
// again before any media.
func (e *Engine) Clear(ctx context.Context, t Type) error {
	if err := e.Remove(ctx, t, negInf, posInf); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.lastInit, t)
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetDuration(d float64) error { return e.sink.SetDuration(d) }

func (e *Engine) EndOfStream(reason string) error { return e.sink.EndOfStream(reason) }

// BufferedRange returns the sink's current intervals for type t, sorted.
func (e *Engine) BufferedRange(t Type) []Interval {
	ivs := e.sink.BufferedRange(t)
	out := make([]Interval, len(ivs))
	copy(out, ivs)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// BufferStart returns the start of the earliest buffered interval, or false
// if nothing is buffered.
func (e *Engine) BufferStart(t Type) (float64, bool) {
	ivs := e.BufferedRange(t)
	if len(ivs) == 0 {
		return 0, false
	}
	return ivs[0].Start, true
}

// BufferedAheadOf returns how many seconds of contiguous buffer exist ahead
// of presentation time t.
func (e *Engine) BufferedAheadOf(t Type, at float64) float64 {
	ivs := e.BufferedRange(t)
	var ahead float64
	cursor := at
	for _, iv := range ivs {
		if iv.End <= cursor {
			continue
		}
		start := iv.Start
		if start < cursor {
			start = cursor
		}
		if start > cursor {
			// gap: buffer is not contiguous from `at`.
			break
		}
		ahead += iv.End - start
		cursor = iv.End
	}
	return ahead
}

func classifySinkError(err error) error {
	if ae, ok := err.(*apperr.Error); ok {
		return ae
	}
	return apperr.New(apperr.Critical, apperr.CategoryMedia, apperr.CodeMediaSourceOpFailed, err, nil)
}
