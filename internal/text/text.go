// Package text implements the text engine: a MIME-keyed cue parser
// registry, a time-sorted cue buffer with the same append-window clipping
// contract as internal/mediasource, and a displayer interface.
package text

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"adaptivecore/internal/apperr"
)

// Cue is one parsed subtitle/caption cue.
type Cue struct {
	Start   float64
	End     float64
	Payload string
}

// Parser decodes raw cue data (WebVTT, TTML, ...) into cues. A real
// implementation wraps a format-specific decoder; this package only
// provides the registry/dispatch shape.
type Parser interface {
	Parse(data []byte) ([]Cue, error)
	MimeTypes() []string
}

// Registry is the MIME-keyed text-parser registry.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

func NewRegistry() *Registry { return &Registry{parsers: make(map[string]Parser)} }

func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range p.MimeTypes() {
		r.parsers[m] = p
	}
}

func (r *Registry) ForMimeType(mime string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[mime]
	if !ok {
		return nil, fmt.Errorf("text: no registered parser for mime type %q", mime)
	}
	return p, nil
}

// Displayer renders cues on screen; a real implementation wraps a
// platform caption renderer.
type Displayer interface {
	Append(cues []Cue) error
	Remove(start, end float64) error
	SetVisibility(visible bool) error
	Destroy() error
}

// Buffer is a time-sorted cue store with append-window clipping,
// serialized the same way internal/mediasource.Engine serializes
// append/remove per type.
type Buffer struct {
	displayer Displayer

	mu      sync.Mutex
	cues    []Cue
	visible bool
	queue   chan func()
}

func NewBuffer(d Displayer) *Buffer {
	b := &Buffer{displayer: d, queue: make(chan func(), 64)}
	go func() {
		for op := range b.queue {
			op()
		}
	}()
	return b
}

func (b *Buffer) run(ctx context.Context, op func() error) error {
	if ctx.Err() != nil {
		return apperr.New(apperr.Recoverable, apperr.CategoryText, apperr.CodeOperationAborted, ctx.Err(), nil)
	}
	done := make(chan error, 1)
	select {
	case b.queue <- func() { done <- op() }:
	case <-ctx.Done():
		return apperr.New(apperr.Recoverable, apperr.CategoryText, apperr.CodeOperationAborted, ctx.Err(), nil)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return apperr.New(apperr.Recoverable, apperr.CategoryText, apperr.CodeOperationAborted, ctx.Err(), nil)
	}
}

// Append clips each cue to [windowStart, windowEnd] (the same
// append-window clipping contract media segments get), drops
// cues that fall entirely outside the window, and inserts the remainder
// in time order.
func (b *Buffer) Append(ctx context.Context, cues []Cue, windowStart, windowEnd float64) error {
	return b.run(ctx, func() error {
		var clipped []Cue
		for _, c := range cues {
			if c.End <= windowStart || c.Start >= windowEnd {
				continue
			}
			if c.Start < windowStart {
				c.Start = windowStart
			}
			if c.End > windowEnd {
				c.End = windowEnd
			}
			clipped = append(clipped, c)
		}
		b.mu.Lock()
		b.cues = append(b.cues, clipped...)
		sort.Slice(b.cues, func(i, j int) bool { return b.cues[i].Start < b.cues[j].Start })
		b.mu.Unlock()

		if b.displayer != nil && len(clipped) > 0 {
			return b.displayer.Append(clipped)
		}
		return nil
	})
}

// Remove deletes cues overlapping [start, end), half-open like
// mediasource.Remove.
func (b *Buffer) Remove(ctx context.Context, start, end float64) error {
	return b.run(ctx, func() error {
		b.mu.Lock()
		kept := b.cues[:0]
		for _, c := range b.cues {
			if c.End <= start || c.Start >= end {
				kept = append(kept, c)
			}
		}
		b.cues = kept
		b.mu.Unlock()

		if b.displayer != nil {
			return b.displayer.Remove(start, end)
		}
		return nil
	})
}

func (b *Buffer) SetVisibility(ctx context.Context, visible bool) error {
	return b.run(ctx, func() error {
		b.mu.Lock()
		b.visible = visible
		b.mu.Unlock()
		if b.displayer != nil {
			return b.displayer.SetVisibility(visible)
		}
		return nil
	})
}

func (b *Buffer) Visible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visible
}

// CuesAt returns every cue active at presentation time t.
func (b *Buffer) CuesAt(t float64) []Cue {
	b.mu.Lock()
	defer b.mu.Unlock()
	var active []Cue
	for _, c := range b.cues {
		if t >= c.Start && t < c.End {
			active = append(active, c)
		}
	}
	return active
}

// Len returns the number of buffered cues.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cues)
}
