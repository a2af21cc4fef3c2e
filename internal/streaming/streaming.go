// Package streaming runs the engine's core loops: one fetch loop per
// content type that walks a stream's segment index, feeds bytes to the
// media-source and DRM engines, samples the bandwidth estimator, and
// reacts to ABR switches, seeks, and period transitions.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"adaptivecore/internal/abr"
	"adaptivecore/internal/apperr"
	"adaptivecore/internal/bandwidth"
	"adaptivecore/internal/clock"
	"adaptivecore/internal/drm"
	"adaptivecore/internal/events"
	"adaptivecore/internal/logging"
	"adaptivecore/internal/manifest"
	"adaptivecore/internal/mediasource"
	"adaptivecore/internal/metrics"
	"adaptivecore/internal/netclient"
	"adaptivecore/internal/playhead"
	"adaptivecore/internal/segmentindex"
	"adaptivecore/internal/text"
	"adaptivecore/internal/timeline"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxParseErrorsPerStream is the default for Config.MaxParseErrors. The
// fetch loops do not count reference-parse failures and do not consult
// this limit.
const maxParseErrorsPerStream = 5

// PeriodTransitionFunc is called when a type's fetch loop crosses into a
// new period; it returns the stream this type should use there. The
// player owns the policy (track selection, preferences); the engine only
// calls it.
type PeriodTransitionFunc func(ctx context.Context, t mediasource.Type, period *manifest.Period) (*manifest.Stream, error)

// RefreshFunc re-fetches and re-parses the live manifest, returning the
// updated presentation graph.
type RefreshFunc func(ctx context.Context) (*manifest.Presentation, error)

// Config bundles the streaming options the engine consults directly.
type Config struct {
	BufferingGoal            float64
	EvictionGoal             float64
	BufferBehind             float64
	MaxSegmentDuration       float64
	SafeSwitchMargin         float64
	KeyAvailabilityTimeout   time.Duration
	IgnoreTextStreamFailures bool
	IdlePoll                 time.Duration
	ABRSwitchPoll            time.Duration
	ABRRestrictions          abr.Restrictions
	MaxParseErrors           int
}

func DefaultConfig() Config {
	return Config{
		BufferingGoal:          10,
		EvictionGoal:           5,
		BufferBehind:           30,
		MaxSegmentDuration:     6,
		KeyAvailabilityTimeout: 5 * time.Second,
		IdlePoll:               250 * time.Millisecond,
		ABRSwitchPoll:          time.Second,
		MaxParseErrors:         maxParseErrorsPerStream,
	}
}

// Deps are the engine's collaborators: play-head, media-source engine,
// network client, DRM engine, ABR chooser, bandwidth estimator, text
// engine.
type Deps struct {
	Clock       clock.Clock
	Net         *netclient.Client
	MediaSource *mediasource.Engine
	DRM         *drm.Engine
	PlayHead    *playhead.Controller
	Timeline    *timeline.Timeline
	Bandwidth   *bandwidth.Estimator
	Chooser     *abr.Chooser
	Text        *text.Buffer
	TextParsers *text.Registry
	Events      *events.Bus
	Metrics     *metrics.Metrics
	Log         logging.Logger
}

// typeState is the per-content-type mutable state a fetch loop owns.
type typeState struct {
	periodIdx    int
	stream       *manifest.Stream
	lastInit     *segmentindex.InitSegment // last init reference fetched and appended for this type
	nextPosition int
	havePosition bool
	switchFence  float64 // after a switch, only fetch positions at/after this presentation time
	parseErrors  int
	wake         chan struct{}
}

// Engine owns the per-type fetch loops for one load.
type Engine struct {
	cfg  Config
	deps Deps

	sessionID string

	onPeriodTransition PeriodTransitionFunc
	refreshFunc        RefreshFunc
	refreshGroup       singleflight.Group

	mu           sync.Mutex
	presentation *manifest.Presentation
	states       map[mediasource.Type]*typeState
	drmSessionID string
	lastSwitch   time.Time
}

func New(cfg Config, deps Deps) *Engine {
	if deps.Log == nil {
		deps.Log = logging.Noop{}
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 250 * time.Millisecond
	}
	if cfg.ABRSwitchPoll <= 0 {
		cfg.ABRSwitchPoll = time.Second
	}
	if cfg.MaxParseErrors <= 0 {
		cfg.MaxParseErrors = maxParseErrorsPerStream
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		sessionID: uuid.NewString(),
		states:    make(map[mediasource.Type]*typeState),
	}
}

func (e *Engine) SessionID() string { return e.sessionID }

func (e *Engine) SetOnPeriodTransition(f PeriodTransitionFunc) { e.onPeriodTransition = f }
func (e *Engine) SetRefreshFunc(f RefreshFunc)                 { e.refreshFunc = f }

// SetDRMSession records the CDM session the active variant's init-data
// opened, so fetch loops can gate appends on its key statuses.
func (e *Engine) SetDRMSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drmSessionID = sessionID
}

// Load installs the presentation graph and the initial per-type streams
// (already resolved by the caller), ready for Run.
func (e *Engine) Load(pres *manifest.Presentation, initial map[mediasource.Type]*manifest.Stream, periodIdx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.presentation = pres
	e.states = make(map[mediasource.Type]*typeState)
	for t, s := range initial {
		e.states[t] = &typeState{periodIdx: periodIdx, stream: s, wake: make(chan struct{}, 1)}
	}
}

// ActiveTypes returns the content types currently loaded.
func (e *Engine) ActiveTypes() []mediasource.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]mediasource.Type, 0, len(e.states))
	for t := range e.states {
		out = append(out, t)
	}
	return out
}

// Run drives every active type's fetch loop plus the ABR supervision
// loop until ctx is canceled or a fatal error occurs in any of them.
func (e *Engine) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range e.ActiveTypes() {
		t := t
		eg.Go(func() error { return e.fetchLoop(ctx, t) })
	}
	if e.deps.Chooser != nil {
		eg.Go(func() error { return e.abrLoop(ctx) })
	}
	err := eg.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (e *Engine) state(t mediasource.Type) *typeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[t]
}

func (e *Engine) period(idx int) *manifest.Period {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.presentation == nil || idx < 0 || idx >= len(e.presentation.Periods) {
		return nil
	}
	return e.presentation.Periods[idx]
}

func (e *Engine) wakeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		select {
		case st.wake <- struct{}{}:
		default:
		}
	}
}

// Seek arbitrates a requested seek against the play head and
// presentation timeline: a position already covered by buffered content
// for every type is a soft seek (buffers left intact); otherwise every
// type's buffer is cleared and its loop reseeds at the clamped target.
func (e *Engine) Seek(ctx context.Context, target float64) (clamped float64, soft bool) {
	clamped, soft = e.deps.PlayHead.Seek(target)
	if !soft {
		for _, t := range e.ActiveTypes() {
			_ = e.deps.MediaSource.Clear(ctx, t)
			if e.deps.Text != nil && t == mediasource.TypeText {
				_ = e.deps.Text.Remove(ctx, -1<<62, 1<<62)
			}
			st := e.state(t)
			if st != nil {
				e.mu.Lock()
				st.switchFence = 0
				st.lastInit = nil
				st.havePosition = false
				e.mu.Unlock()
			}
		}
		if e.deps.Chooser != nil {
			e.deps.Chooser.Reset()
		}
	}
	e.wakeAll()
	return clamped, soft
}

// RefreshManifest re-fetches the live manifest, coalescing concurrent
// callers (multiple fetch loops independently noticing they've run past
// the known segment list) into a single underlying call.
func (e *Engine) RefreshManifest(ctx context.Context) error {
	if e.refreshFunc == nil {
		return nil
	}
	_, err, _ := e.refreshGroup.Do("refresh", func() (any, error) {
		fresh, ferr := e.refreshFunc(ctx)
		if ferr != nil {
			return nil, ferr
		}
		e.mu.Lock()
		e.presentation = fresh
		e.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("streaming: refresh manifest: %w", err)
	}
	e.wakeAll()
	return nil
}

// SelectVariant switches the active video/audio streams to v, the same
// way an ABR-triggered switch would.
func (e *Engine) SelectVariant(ctx context.Context, v *manifest.Variant) {
	e.applyVariant(ctx, v)
}

// SelectTextStream switches the active text stream.
func (e *Engine) SelectTextStream(ctx context.Context, s *manifest.Stream) {
	e.switchType(ctx, mediasource.TypeText, s)
}

// CurrentPeriod returns the period any loaded type is currently in (every
// type advances periods in lockstep outside of independent period-local
// buffering, so any one of them is representative).
func (e *Engine) CurrentPeriod() *manifest.Period {
	idx, ok := e.currentPeriodIdx()
	if !ok {
		return nil
	}
	return e.period(idx)
}

func (e *Engine) emitError(ae *apperr.Error) {
	if e.deps.Events == nil {
		return
	}
	e.deps.Events.Emit(events.Event{
		Kind: events.KindError,
		Data: events.ErrorData{
			Severity: ae.Severity.String(),
			Category: string(ae.Category),
			Code:     string(ae.Code),
			Detail:   ae.Error(),
		},
	})
}

func toAppErr(err error) *apperr.Error {
	if ae, ok := err.(*apperr.Error); ok {
		return ae
	}
	return apperr.New(apperr.Critical, apperr.CategoryStreaming, apperr.CodeSegmentRequestFail, err, nil)
}
