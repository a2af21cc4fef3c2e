package streaming_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"adaptivecore/internal/abr"
	"adaptivecore/internal/bandwidth"
	"adaptivecore/internal/clock"
	"adaptivecore/internal/events"
	"adaptivecore/internal/manifest"
	"adaptivecore/internal/mediasource"
	"adaptivecore/internal/metrics"
	"adaptivecore/internal/netclient"
	"adaptivecore/internal/playhead"
	"adaptivecore/internal/segmentindex"
	"adaptivecore/internal/streaming"
	"adaptivecore/internal/timeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// fakeSink is a minimal in-memory Sink, grounded on
// internal/mediasource's own fakeSink test helper.
type fakeSink struct {
	mu       sync.Mutex
	buffered map[mediasource.Type][]mediasource.Interval
	eos      string
}

func newFakeSink() *fakeSink {
	return &fakeSink{buffered: make(map[mediasource.Type][]mediasource.Interval)}
}

func (f *fakeSink) Init(map[mediasource.Type]string) error { return nil }

func (f *fakeSink) AppendBuffer(ctx context.Context, t mediasource.Type, data []byte, start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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
		}
	}
	f.buffered[t] = kept
	return nil
}

func (f *fakeSink) SetDuration(d float64) error { return nil }
func (f *fakeSink) EndOfStream(reason string) error {
	f.mu.Lock()
	f.eos = reason
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) BufferedRange(t mediasource.Type) []mediasource.Interval {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mediasource.Interval, len(f.buffered[t]))
	copy(out, f.buffered[t])
	return out
}

func (f *fakeSink) endOfStream() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eos
}

// segmentServer serves four one-second video segments over HTTP, so
// streaming's netclient.Client path is exercised end to end rather than
// faked at the Fetch boundary.
func segmentServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("segment-bytes"))
	}))
}

func buildVODStream(baseURI string, segments int) *manifest.Stream {
	refs := make([]segmentindex.Reference, segments)
	for i := 0; i < segments; i++ {
		refs[i] = segmentindex.Reference{
			Start:             float64(i),
			End:               float64(i + 1),
			URIs:              []string{baseURI + "/seg"},
			AppendWindowStart: float64(i),
			AppendWindowEnd:   float64(i + 1),
		}
	}
	return &manifest.Stream{
		ID:       "video-1",
		Type:     manifest.ContentVideo,
		MimeType: "video/mp4",
		Index:    segmentindex.New(refs),
	}
}

type harness struct {
	engine   *streaming.Engine
	sink     *fakeSink
	ms       *mediasource.Engine
	playhead *playhead.Controller
	tl       *timeline.Timeline
	bw       *bandwidth.Estimator
}

func newHarness(t *testing.T, srv *httptest.Server, segments int, cfg streaming.Config) *harness {
	t.Helper()
	sink := newFakeSink()
	ms := mediasource.New(sink)
	t.Cleanup(ms.Destroy)
	require.NoError(t, ms.Init(map[mediasource.Type]string{mediasource.TypeVideo: "video/mp4"}))

	tl := timeline.NewVOD(clock.Real{}, float64(segments))
	ph := playhead.New(playhead.DefaultConfig(), clock.Real{}, ms, tl)
	bw := bandwidth.New(1_000_000)
	net := netclient.New(netclient.DefaultConfig(), nil)

	deps := streaming.Deps{
		Clock:       clock.Real{},
		Net:         net,
		MediaSource: ms,
		PlayHead:    ph,
		Timeline:    tl,
		Bandwidth:   bw,
		Text:        nil,
		Events:      events.NewBus(),
		Metrics:     metrics.New(prometheus.NewRegistry()),
	}
	if cfg == (streaming.Config{}) {
		cfg = streaming.DefaultConfig()
	}
	cfg.IdlePoll = 20 * time.Millisecond
	cfg.ABRSwitchPoll = 20 * time.Millisecond

	eng := streaming.New(cfg, deps)
	stream := buildVODStream(srv.URL, segments)
	eng.Load(&manifest.Presentation{
		Periods: []*manifest.Period{{ID: "p0", Start: 0}},
	}, map[mediasource.Type]*manifest.Stream{mediasource.TypeVideo: stream}, 0)

	return &harness{engine: eng, sink: sink, ms: ms, playhead: ph, tl: tl, bw: bw}
}

func TestFetchLoopAppendsAllSegmentsThenEndsStream(t *testing.T) {
	srv := segmentServer(t)
	defer srv.Close()

	h := newHarness(t, srv, 4, streaming.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.sink.endOfStream() != ""
	}, 4*time.Second, 10*time.Millisecond, "expected end-of-stream to be signaled once every segment is fetched")

	assert.Equal(t, "ended", h.sink.endOfStream())

	ivs := h.ms.BufferedRange(mediasource.TypeVideo)
	require.Len(t, ivs, 4)
	assert.Equal(t, 0.0, ivs[0].Start)
	assert.Equal(t, 4.0, ivs[len(ivs)-1].End)

	cancel()
	<-done
}

func TestFetchLoopSamplesBandwidth(t *testing.T) {
	srv := segmentServer(t)
	defer srv.Close()

	h := newHarness(t, srv, 2, streaming.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.sink.endOfStream() != ""
	}, 4*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	// minSampleDurationMs in internal/bandwidth drops very fast fetches, so
	// the estimate may still read the configured default; what matters here
	// is that GetEstimate never panics and stays positive.
	assert.Greater(t, h.bw.GetEstimate(), 0.0)
}

func TestSeekHardResetsPerTypeState(t *testing.T) {
	srv := segmentServer(t)
	defer srv.Close()

	h := newHarness(t, srv, 4, streaming.Config{})

	// A hard seek (far beyond SeekTolerance, nothing buffered yet) clears
	// buffers and must not panic on the per-type state reset.
	clamped, soft := h.engine.Seek(context.Background(), 2.5)
	assert.False(t, soft)
	assert.InDelta(t, 2.5, clamped, 0.01)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.sink.endOfStream() != ""
	}, 4*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestEvaluateSwitchChoosesVariantByID(t *testing.T) {
	srv := segmentServer(t)
	defer srv.Close()

	sink := newFakeSink()
	ms := mediasource.New(sink)
	t.Cleanup(ms.Destroy)
	require.NoError(t, ms.Init(map[mediasource.Type]string{mediasource.TypeVideo: "video/mp4"}))

	tl := timeline.NewVOD(clock.Real{}, 4)
	ph := playhead.New(playhead.DefaultConfig(), clock.Real{}, ms, tl)
	bw := bandwidth.New(5_000_000)
	net := netclient.New(netclient.DefaultConfig(), nil)
	chooser := abr.NewChooser(abr.DefaultConfig(), clock.Real{})

	lowStream := buildVODStream(srv.URL, 4)
	lowStream.ID = "low"
	lowStream.Bandwidth = 500_000
	highStream := buildVODStream(srv.URL, 4)
	highStream.ID = "high"
	highStream.Bandwidth = 4_000_000

	period := &manifest.Period{
		ID:    "p0",
		Start: 0,
		Variants: []*manifest.Variant{
			{ID: "v-low", Bandwidth: 500_000, Video: lowStream, AllowedByApp: true},
			{ID: "v-high", Bandwidth: 4_000_000, Video: highStream, AllowedByApp: true},
		},
	}

	deps := streaming.Deps{
		Clock:       clock.Real{},
		Net:         net,
		MediaSource: ms,
		PlayHead:    ph,
		Timeline:    tl,
		Bandwidth:   bw,
		Chooser:     chooser,
		Events:      events.NewBus(),
		Metrics:     metrics.New(prometheus.NewRegistry()),
	}
	cfg := streaming.DefaultConfig()
	cfg.IdlePoll = 20 * time.Millisecond
	cfg.ABRSwitchPoll = 20 * time.Millisecond
	eng := streaming.New(cfg, deps)
	eng.Load(&manifest.Presentation{Periods: []*manifest.Period{period}},
		map[mediasource.Type]*manifest.Stream{mediasource.TypeVideo: lowStream}, 0)

	var adapted []events.AdaptationData
	var mu sync.Mutex
	deps.Events.On(events.KindAdaptation, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		adapted = append(adapted, e.Data.(events.AdaptationData))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(adapted) > 0
	}, 2*time.Second, 10*time.Millisecond, "expected an upgrade switch to the high-bandwidth variant")

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "v-high", adapted[0].VariantID)
}

// The init segment is shared by every reference of a stream; it must be
// fetched and appended once, not once per media segment.
func TestInitSegmentFetchedOncePerStream(t *testing.T) {
	var mu sync.Mutex
	fetches := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetches[r.URL.Path]++
		mu.Unlock()
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	initRef := &segmentindex.InitSegment{URIs: []string{srv.URL + "/init.mp4"}}
	refs := make([]segmentindex.Reference, 4)
	for i := range refs {
		refs[i] = segmentindex.Reference{
			Start:             float64(i),
			End:               float64(i + 1),
			URIs:              []string{srv.URL + "/seg"},
			InitSegment:       initRef,
			AppendWindowStart: float64(i),
			AppendWindowEnd:   float64(i + 1),
		}
	}
	stream := &manifest.Stream{
		ID:          "video-1",
		Type:        manifest.ContentVideo,
		MimeType:    "video/mp4",
		Index:       segmentindex.New(refs),
		InitSegment: initRef,
	}

	sink := newFakeSink()
	ms := mediasource.New(sink)
	t.Cleanup(ms.Destroy)
	require.NoError(t, ms.Init(map[mediasource.Type]string{mediasource.TypeVideo: "video/mp4"}))

	tl := timeline.NewVOD(clock.Real{}, 4)
	ph := playhead.New(playhead.DefaultConfig(), clock.Real{}, ms, tl)

	cfg := streaming.DefaultConfig()
	cfg.IdlePoll = 20 * time.Millisecond
	eng := streaming.New(cfg, streaming.Deps{
		Clock:       clock.Real{},
		Net:         netclient.New(netclient.DefaultConfig(), nil),
		MediaSource: ms,
		PlayHead:    ph,
		Timeline:    tl,
		Bandwidth:   bandwidth.New(1_000_000),
		Events:      events.NewBus(),
		Metrics:     metrics.New(prometheus.NewRegistry()),
	})
	eng.Load(&manifest.Presentation{Periods: []*manifest.Period{{ID: "p0", Start: 0}}},
		map[mediasource.Type]*manifest.Stream{mediasource.TypeVideo: stream}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sink.endOfStream() != ""
	}, 4*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fetches["/init.mp4"], "shared init segment must be fetched once")
	assert.Equal(t, 4, fetches["/seg"], "every media segment fetched exactly once")
}
