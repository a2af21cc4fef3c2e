package mediasource_test

import (
	"context"
	"sync"

	"adaptivecore/internal/apperr"
	"adaptivecore/internal/mediasource"
)

// fakeSink is a minimal in-memory Sink for tests.
type fakeSink struct {
	mu          sync.Mutex
	buffered    map[mediasource.Type][]mediasource.Interval
	rejectQuota bool
	duration    float64
	eos         string
}

func newFakeSink() *fakeSink {
	return &fakeSink{buffered: make(map[mediasource.Type][]mediasource.Interval)}
}

func (f *fakeSink) Init(map[mediasource.Type]string) error { return nil }

func (f *fakeSink) AppendBuffer(ctx context.Context, t mediasource.Type, data []byte, start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectQuota {
		return apperr.New(apperr.Recoverable, apperr.CategoryMedia, apperr.CodeQuotaExceeded, nil, nil)
	}
	f.buffered[t] = append(f.buffered[t], mediasource.Interval{Start: start, End: end})
	return nil
}

func (f *fakeSink) Remove(ctx context.Context, t mediasource.Type, start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []mediasource.Interval
	for _, iv := range f.buffered[t] {
		if iv.End <= start || iv.Start >= end {
			kept = append(kept, iv)
			continue
		}
		if iv.Start < start {
			kept = append(kept, mediasource.Interval{Start: iv.Start, End: start})
		}
		if iv.End > end {
			kept = append(kept, mediasource.Interval{Start: end, End: iv.End})
		}
	}
	f.buffered[t] = kept
	return nil
}

func (f *fakeSink) SetDuration(d float64) error     { f.duration = d; return nil }
func (f *fakeSink) EndOfStream(reason string) error { f.eos = reason; return nil }

func (f *fakeSink) BufferedRange(t mediasource.Type) []mediasource.Interval {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mediasource.Interval, len(f.buffered[t]))
	copy(out, f.buffered[t])
	return out
}
