// Package player wires the manifest parsers, timeline, media-source
// engine, DRM engine, ABR chooser, bandwidth estimator, play-head
// controller, text engine, and streaming engine into one lifecycle and
// exposes the public control surface (Load/Unload/Configure/
// SelectVariantTrack/SelectTextTrack/GetTracks/GetStats/TrickPlay/
// AddEventListener/...).
package player

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"adaptivecore/internal/abr"
	"adaptivecore/internal/apperr"
	"adaptivecore/internal/bandwidth"
	"adaptivecore/internal/clock"
	"adaptivecore/internal/config"
	"adaptivecore/internal/drm"
	"adaptivecore/internal/events"
	"adaptivecore/internal/logging"
	"adaptivecore/internal/manifest"
	"adaptivecore/internal/manifest/dash"
	"adaptivecore/internal/manifest/hls"
	"adaptivecore/internal/mediasource"
	"adaptivecore/internal/metrics"
	"adaptivecore/internal/netclient"
	"adaptivecore/internal/playhead"
	"adaptivecore/internal/streaming"
	"adaptivecore/internal/text"
	"adaptivecore/internal/timeline"
)

// Deps are the platform-specific collaborators a Player cannot construct
// for itself: the media sink, an optional CDM, an optional text displayer,
// and the ambient logger/metrics registry.
type Deps struct {
	Sink          mediasource.Sink
	CDM           drm.CDM
	TextDisplayer text.Displayer
	Log           logging.Logger
	Metrics       *metrics.Metrics
	Clock         clock.Clock
}

// VariantTrack is one row of GetTracks' video/audio listing.
type VariantTrack struct {
	ID         string
	Bandwidth  int
	Height     int
	Width      int
	VideoCodec string
	AudioCodec string
	Active     bool
}

// TextTrack is one row of GetTracks' text listing.
type TextTrack struct {
	ID       string
	Language string
	Label    string
	Active   bool
}

// Tracks is GetTracks' return value.
type Tracks struct {
	Variants []VariantTrack
	Text     []TextTrack
}

// Stats is GetStats' return value.
type Stats struct {
	CurrentTime       float64
	Rate              float64
	Buffering         bool
	BandwidthEstimate float64
	BufferedAhead     map[mediasource.Type]float64
	SwitchHistory     int
}

// Player owns one load's component graph and its lifecycle.
type Player struct {
	deps Deps

	manifestRegistry *manifest.Registry
	textRegistry     *text.Registry
	eventBus         *events.Bus
	net              *netclient.Client

	mu       sync.Mutex
	cfg      *config.Config
	loaded   bool
	loadedAt time.Time

	presentation *manifest.Presentation
	tl           *timeline.Timeline
	ms           *mediasource.Engine
	ph           *playhead.Controller
	bw           *bandwidth.Estimator
	chooser      *abr.Chooser
	drmEngine    *drm.Engine
	textBuf      *text.Buffer
	stream       *streaming.Engine

	drmSessionID  string
	activeVariant string
	activeText    string
	switchCount   int

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New constructs a Player from a configuration and its platform
// dependencies. The manifest registry comes pre-populated with the dash/hls
// parsers this module ships and the text registry starts empty; callers needing additional formats
// register more parsers via ManifestRegistry()/TextRegistry() before Load.
func New(cfg *config.Config, deps Deps) *Player {
	if deps.Log == nil {
		deps.Log = logging.Noop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	mr := manifest.NewRegistry()
	mr.Register(dash.NewParser())
	mr.Register(hls.NewParser())

	p := &Player{
		deps:             deps,
		cfg:              cfg,
		manifestRegistry: mr,
		textRegistry:     text.NewRegistry(),
		eventBus:         events.NewBus(),
		net:              netclient.New(netclient.DefaultConfig(), deps.Log),
	}
	p.eventBus.On(events.KindAdaptation, func(e events.Event) {
		ad, ok := e.Data.(events.AdaptationData)
		if !ok {
			return
		}
		p.mu.Lock()
		p.activeVariant = ad.VariantID
		p.switchCount++
		p.mu.Unlock()
	})
	return p
}

func (p *Player) ManifestRegistry() *manifest.Registry { return p.manifestRegistry }
func (p *Player) TextRegistry() *text.Registry         { return p.textRegistry }
func (p *Player) Events() *events.Bus                  { return p.eventBus }

// AddEventListener registers a listener for one event kind.
func (p *Player) AddEventListener(kind events.Kind, l events.Listener) {
	p.eventBus.On(kind, l)
}

// Configure replaces the active configuration surface.
// Takes effect on the next Load; a running load keeps the configuration it
// started with.
func (p *Player) Configure(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// GetConfiguration returns the active configuration.
func (p *Player) GetConfiguration() config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.cfg
}

// Attach wires a new media sink in place of the one passed to New's
// Deps, used when the UI layer swaps the underlying video element. Must
// be called before Load.
func (p *Player) Attach(sink mediasource.Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deps.Sink = sink
}

// Detach severs the media sink without unloading.
func (p *Player) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deps.Sink = nil
}

// Load fetches and parses the manifest at uri, builds every collaborator
// component for this load, picks an initial variant and text stream, and
// starts the streaming engine's fetch loops.
func (p *Player) Load(ctx context.Context, uri string) error {
	p.mu.Lock()
	if p.loaded {
		p.mu.Unlock()
		return apperr.New(apperr.Critical, apperr.CategoryPlayer, apperr.CodeCannotSwitchCodec, fmt.Errorf("player: already loaded, call Unload first"), nil)
	}
	if p.deps.Sink == nil {
		p.mu.Unlock()
		return apperr.New(apperr.Critical, apperr.CategoryPlayer, apperr.CodeMediaSourceOpFailed, fmt.Errorf("player: no media sink attached"), nil)
	}
	cfg := p.cfg
	p.mu.Unlock()

	p.eventBus.Emit(events.Event{Kind: events.KindLoading})

	data, mime, err := p.fetchManifest(ctx, uri)
	if err != nil {
		return err
	}
	parser, err := p.manifestRegistry.ForMimeType(mime)
	if err != nil {
		return apperr.New(apperr.Critical, apperr.CategoryManifest, apperr.CodeUnknownMimeType, err, nil)
	}
	pres, err := parser.Parse(ctx, uri, data, p.netFetch)
	if err != nil {
		return apperr.New(apperr.Critical, apperr.CategoryManifest, apperr.CodeDASHNoSegmentInfo, err, nil)
	}
	if len(pres.Periods) == 0 || len(pres.Periods[0].Variants) == 0 {
		return apperr.New(apperr.Critical, apperr.CategoryStreaming, apperr.CodeNoPlayableVariants, nil, nil)
	}

	p.buildComponents(cfg, pres)

	period := pres.Periods[0]
	variant, err := p.chooseInitialVariant(cfg, period)
	if err != nil {
		return err
	}
	textStream := p.chooseInitialText(cfg, period)

	if err := p.openDRMIfNeeded(ctx, cfg, variant); err != nil {
		return err
	}

	initial := map[mediasource.Type]*manifest.Stream{}
	mimeCodec := map[mediasource.Type]string{}
	if variant.Video != nil {
		initial[mediasource.TypeVideo] = variant.Video
		mimeCodec[mediasource.TypeVideo] = variant.Video.MimeType + ";codecs=\"" + variant.Video.Codecs + "\""
	}
	if variant.Audio != nil {
		initial[mediasource.TypeAudio] = variant.Audio
		mimeCodec[mediasource.TypeAudio] = variant.Audio.MimeType + ";codecs=\"" + variant.Audio.Codecs + "\""
	}
	if textStream != nil {
		initial[mediasource.TypeText] = textStream
	}

	if err := p.ms.Init(mimeCodec); err != nil {
		return err
	}

	gap := make([]mediasource.Type, 0, 2)
	if variant.Video != nil {
		gap = append(gap, mediasource.TypeVideo)
	}
	if variant.Audio != nil {
		gap = append(gap, mediasource.TypeAudio)
	}
	p.ph.SetGapTypes(gap)

	p.stream.SetOnPeriodTransition(p.onPeriodTransition)
	if pres.IsLive {
		p.stream.SetRefreshFunc(func(ctx context.Context) (*manifest.Presentation, error) {
			return p.refreshManifest(ctx, uri, parser)
		})
	}
	p.stream.Load(pres, initial, 0)

	p.mu.Lock()
	p.presentation = pres
	p.loaded = true
	p.loadedAt = time.Now()
	p.activeVariant = variant.ID
	if textStream != nil {
		p.activeText = textStream.ID
	}
	ctx2, cancel := context.WithCancel(context.Background())
	p.runCancel = cancel
	done := make(chan struct{})
	p.runDone = done
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := p.stream.Run(ctx2); err != nil {
			p.eventBus.Emit(events.Event{Kind: events.KindError, Data: events.ErrorData{
				Severity: "critical", Category: "streaming", Detail: err.Error(),
			}})
		}
	}()
	go func() {
		defer wg.Done()
		p.tickLoop(ctx2)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	p.eventBus.Emit(events.Event{Kind: events.KindTracksChanged})
	return nil
}

// Unload tears down every per-load component: cancels the fetch loops,
// closes DRM sessions, clears the media sink, and resets to the unloaded
// state.
func (p *Player) Unload(ctx context.Context) error {
	p.mu.Lock()
	if !p.loaded {
		p.mu.Unlock()
		return nil
	}
	cancel := p.runCancel
	done := p.runDone
	drmEngine := p.drmEngine
	ms := p.ms
	p.mu.Unlock()

	p.eventBus.Emit(events.Event{Kind: events.KindUnloading})

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if drmEngine != nil {
		drmEngine.CloseAll(ctx)
	}
	if ms != nil {
		for _, t := range []mediasource.Type{mediasource.TypeAudio, mediasource.TypeVideo, mediasource.TypeText} {
			_ = ms.Clear(ctx, t)
		}
		ms.Destroy()
	}

	p.mu.Lock()
	p.loaded = false
	p.presentation = nil
	p.stream = nil
	p.ms = nil
	p.ph = nil
	p.tl = nil
	p.bw = nil
	p.chooser = nil
	p.drmEngine = nil
	p.textBuf = nil
	p.drmSessionID = ""
	p.activeVariant = ""
	p.activeText = ""
	p.mu.Unlock()
	return nil
}

func (p *Player) netFetch(ctx context.Context, uri string) ([]byte, error) {
	resp, err := p.net.Fetch(ctx, &netclient.Request{Type: netclient.RequestManifest, URI: uri})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (p *Player) fetchManifest(ctx context.Context, uri string) ([]byte, string, error) {
	resp, err := p.net.Fetch(ctx, &netclient.Request{Type: netclient.RequestManifest, URI: uri})
	if err != nil {
		return nil, "", err
	}
	mime := resp.Headers.Get("Content-Type")
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = mime[:idx]
	}
	mime = strings.TrimSpace(mime)
	if mime == "" || mime == "application/octet-stream" {
		mime = mimeFromExtension(uri)
	}
	return resp.Body, mime, nil
}

func mimeFromExtension(uri string) string {
	switch {
	case strings.HasSuffix(uri, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	case strings.HasSuffix(uri, ".mpd"):
		return "application/dash+xml"
	default:
		return "application/dash+xml"
	}
}

func (p *Player) refreshManifest(ctx context.Context, uri string, parser manifest.Parser) (*manifest.Presentation, error) {
	p.mu.Lock()
	pres := p.presentation
	p.mu.Unlock()
	if pres == nil {
		return nil, fmt.Errorf("player: refresh with no loaded presentation")
	}
	data, err := p.netFetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	result, err := parser.Update(ctx, pres, data, p.netFetch)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.presentation = result.Presentation
	p.mu.Unlock()
	return result.Presentation, nil
}

// buildComponents constructs every per-load collaborator (timeline,
// media-source engine, play-head, bandwidth estimator, ABR chooser, text
// engine, streaming engine) from the configuration and parsed presentation.
func (p *Player) buildComponents(cfg *config.Config, pres *manifest.Presentation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pres.IsLive {
		start, ok := parseAvailabilityStart(pres.AvailabilityStart, p.deps.Clock.Now())
		if !ok {
			start = p.deps.Clock.Now()
		}
		segAvail := pres.TimeShiftBuffer
		if segAvail <= 0 {
			segAvail = 30
		}
		p.tl = timeline.NewLive(p.deps.Clock, start, segAvail)
	} else {
		p.tl = timeline.NewVOD(p.deps.Clock, pres.DurationSeconds)
	}

	p.ms = mediasource.New(p.deps.Sink)

	phCfg := playhead.DefaultConfig()
	phCfg.BufferingGoal = cfg.Streaming.BufferingGoal
	phCfg.RebufferingGoal = cfg.Streaming.RebufferingGoal
	p.ph = playhead.New(phCfg, p.deps.Clock, p.ms, p.tl)
	p.ph.OnBufferingChange(func(buffering bool) {
		p.eventBus.Emit(events.Event{Kind: events.KindBuffering, Data: events.BufferingData{Buffering: buffering}})
		if buffering && p.deps.Metrics != nil {
			p.deps.Metrics.Stalls.Inc()
		}
	})

	if p.deps.CDM != nil {
		clearKeys, err := config.DecodeClearKeys(cfg.DRM.ClearKeys)
		if err != nil {
			p.deps.Log.Warnf("player: ignoring malformed clear keys: %v", err)
			clearKeys = nil
		}
		p.drmEngine = drm.NewEngine(drm.Config{
			PreferredKeySystems:     cfg.DRM.PreferredKeySystems,
			Servers:                 cfg.DRM.Servers,
			ClearKeys:               clearKeys,
			LicenseRequestTimeout:   cfg.DRM.LicenseRequestTimeout,
			DelayLicenseUntilPlayed: cfg.DRM.DelayLicenseUntilPlayed,
		}, p.deps.CDM, p.licenseNetwork, p.deps.Clock)
	}

	p.bw = bandwidth.New(cfg.ABR.DefaultBandwidthEstimate)

	abrCfg := abr.DefaultConfig()
	abrCfg.Enabled = cfg.ABR.Enabled
	abrCfg.DefaultBandwidthEstimate = cfg.ABR.DefaultBandwidthEstimate
	abrCfg.SwitchInterval = cfg.ABR.SwitchInterval
	abrCfg.BandwidthUpgradeTarget = cfg.ABR.BandwidthUpgradeTarget
	abrCfg.BandwidthDowngradeTarget = cfg.ABR.BandwidthDowngradeTarget
	abrCfg.Restrictions = abr.Restrictions{
		MinBandwidth: cfg.ABR.Restrictions.MinBandwidth,
		MaxBandwidth: cfg.ABR.Restrictions.MaxBandwidth,
		MinHeight:    cfg.ABR.Restrictions.MinHeight,
		MaxHeight:    cfg.ABR.Restrictions.MaxHeight,
		MinPixels:    cfg.ABR.Restrictions.MinPixels,
		MaxPixels:    cfg.ABR.Restrictions.MaxPixels,
		MinFrameRate: cfg.ABR.Restrictions.MinFrameRate,
		MaxFrameRate: cfg.ABR.Restrictions.MaxFrameRate,
	}
	abrCfg.PreferredVideoCodecs = cfg.Preferences.PreferredVideoCodecs
	abrCfg.PreferredAudioCodecs = cfg.Preferences.PreferredAudioCodecs
	p.chooser = abr.NewChooser(abrCfg, p.deps.Clock)

	if p.deps.TextDisplayer != nil {
		p.textBuf = text.NewBuffer(p.deps.TextDisplayer)
	}

	streamCfg := streaming.Config{
		BufferingGoal:            cfg.Streaming.BufferingGoal,
		EvictionGoal:             cfg.Streaming.EvictionGoal,
		BufferBehind:             cfg.Streaming.BufferBehind,
		SafeSwitchMargin:         cfg.Streaming.SafeSwitchMargin,
		KeyAvailabilityTimeout:   cfg.Streaming.KeyAvailabilityTimeout,
		IgnoreTextStreamFailures: cfg.Streaming.IgnoreTextStreamFailures,
		ABRRestrictions:          abrCfg.Restrictions,
	}
	deps := streaming.Deps{
		Clock:       p.deps.Clock,
		Net:         p.net,
		MediaSource: p.ms,
		DRM:         p.drmEngine,
		PlayHead:    p.ph,
		Timeline:    p.tl,
		Bandwidth:   p.bw,
		Chooser:     p.chooser,
		Text:        p.textBuf,
		TextParsers: p.textRegistry,
		Events:      p.eventBus,
		Metrics:     p.deps.Metrics,
		Log:         p.deps.Log,
	}
	p.stream = streaming.New(streamCfg, deps)
}

// parseAvailabilityStart parses an ISO8601 availabilityStartTime; live
// presentations whose manifest omitted it anchor to "now" instead.
func parseAvailabilityStart(v string, now time.Time) (time.Time, bool) {
	if v == "" {
		return now, false
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return now, false
}

func (p *Player) toABRVariant(v *manifest.Variant) abr.Variant {
	allowed := true
	if v.Video != nil && v.Video.Encrypted && p.deps.CDM == nil {
		allowed = false
	}
	if v.Audio != nil && v.Audio.Encrypted && p.deps.CDM == nil {
		allowed = false
	}
	av := abr.Variant{
		ID:                   v.ID,
		BandwidthBps:         v.Bandwidth,
		AllowedByApplication: v.AllowedByApp,
		AllowedByKeySystem:   allowed,
		CodecSupported:       true,
	}
	if v.Video != nil {
		av.Height, av.Width, av.FrameRate, av.VideoCodec = v.Video.Height, v.Video.Width, v.Video.FrameRate, v.Video.Codecs
	}
	if v.Audio != nil {
		av.AudioCodec = v.Audio.Codecs
	}
	return av
}

// chooseVariantFor runs the ABR chooser against a period's variant set and
// the given bandwidth estimate, honoring application/key-system
// restrictions.
func (p *Player) chooseVariantFor(cfg *config.Config, period *manifest.Period, estimateBps float64) (*manifest.Variant, error) {
	byID := make(map[string]*manifest.Variant, len(period.Variants))
	all := make([]abr.Variant, 0, len(period.Variants))
	for _, v := range period.Variants {
		byID[v.ID] = v
		all = append(all, p.toABRVariant(v))
	}
	restrictions := abr.Restrictions{
		MinBandwidth: cfg.ABR.Restrictions.MinBandwidth,
		MaxBandwidth: cfg.ABR.Restrictions.MaxBandwidth,
		MinHeight:    cfg.ABR.Restrictions.MinHeight,
		MaxHeight:    cfg.ABR.Restrictions.MaxHeight,
		MinPixels:    cfg.ABR.Restrictions.MinPixels,
		MaxPixels:    cfg.ABR.Restrictions.MaxPixels,
		MinFrameRate: cfg.ABR.Restrictions.MinFrameRate,
		MaxFrameRate: cfg.ABR.Restrictions.MaxFrameRate,
	}
	playable := abr.PlayableVariants(all, restrictions)
	chosen, err := p.chooser.Choose(playable, estimateBps)
	if err != nil {
		return nil, err
	}
	variant, ok := byID[chosen.ID]
	if !ok {
		return nil, apperr.New(apperr.Critical, apperr.CategoryStreaming, apperr.CodeNoPlayableVariants, nil, nil)
	}
	return variant, nil
}

// chooseInitialVariant runs the chooser once against the configured default
// bandwidth estimate, before any transfer has been sampled.
func (p *Player) chooseInitialVariant(cfg *config.Config, period *manifest.Period) (*manifest.Variant, error) {
	return p.chooseVariantFor(cfg, period, cfg.ABR.DefaultBandwidthEstimate)
}

// chooseInitialText picks the period text stream matching the preferred
// text language, or nil when the period carries no match (text stays off
// until SelectTextTrack).
func (p *Player) chooseInitialText(cfg *config.Config, period *manifest.Period) *manifest.Stream {
	want := cfg.Preferences.PreferredTextLanguage
	if want == "" {
		return nil
	}
	for _, s := range period.Text {
		if s.Language == want {
			return s
		}
	}
	return nil
}

// openDRMIfNeeded selects a key system and opens a CDM session for the
// initial variant's DRM infos, then hands the session to the streaming
// engine so fetch loops can gate appends on key statuses.
func (p *Player) openDRMIfNeeded(ctx context.Context, cfg *config.Config, variant *manifest.Variant) error {
	if p.drmEngine == nil || len(variant.DRMInfos) == 0 {
		return nil
	}
	ksi, err := p.drmEngine.SelectKeySystem(variant.DRMInfos)
	if err != nil {
		return err
	}
	sess, err := p.drmEngine.OpenSession(ctx, ksi)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.drmSessionID = sess.ID
	p.mu.Unlock()
	p.stream.SetDRMSession(sess.ID)
	return nil
}

// licenseNetwork performs the license HTTP exchange for the DRM engine
// through the shared network client, so license traffic respects the same
// per-type budget and filters as everything else.
func (p *Player) licenseNetwork(ctx context.Context, req *drm.LicenseRequest) (*drm.LicenseResponse, error) {
	resp, err := p.net.Fetch(ctx, &netclient.Request{
		Type:   netclient.RequestLicense,
		Method: http.MethodPost,
		URI:    req.URI,
		Body:   req.Body,
	})
	if err != nil {
		return nil, err
	}
	return &drm.LicenseResponse{Body: resp.Body}, nil
}

// onPeriodTransition is the hook the streaming engine calls when a
// type's fetch loop crosses into a new period: the player owns the
// track-selection policy, the engine only asks.
func (p *Player) onPeriodTransition(ctx context.Context, t mediasource.Type, period *manifest.Period) (*manifest.Stream, error) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	if t == mediasource.TypeText {
		return p.chooseInitialText(cfg, period), nil
	}

	variant, err := p.chooseVariantFor(cfg, period, p.bw.GetEstimate())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.activeVariant = variant.ID
	p.mu.Unlock()
	if t == mediasource.TypeVideo {
		return variant.Video, nil
	}
	return variant.Audio, nil
}

// tickLoop advances the play head on the configured clock while a load is
// running, keeping buffering state and the buffered-seconds metrics fresh.
func (p *Player) tickLoop(ctx context.Context) {
	const interval = 200 * time.Millisecond
	ticker := p.deps.Clock.NewTicker(interval)
	defer ticker.Stop()
	last := p.deps.Clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		now := p.deps.Clock.Now()
		elapsed := now.Sub(last).Seconds()
		last = now

		p.mu.Lock()
		ph, ms, m := p.ph, p.ms, p.deps.Metrics
		stream := p.stream
		p.mu.Unlock()
		if ph == nil {
			return
		}
		ph.Tick(elapsed)
		if m != nil && ms != nil && stream != nil {
			current := ph.CurrentTime()
			for _, t := range stream.ActiveTypes() {
				m.BufferedSeconds.WithLabelValues(stream.SessionID(), string(t)).Set(ms.BufferedAheadOf(t, current))
			}
		}
	}
}

// Seek clamps target to the seek range and delegates buffer clearing or
// soft-seek detection to the streaming engine.
func (p *Player) Seek(ctx context.Context, target float64) (float64, error) {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return 0, apperr.New(apperr.Recoverable, apperr.CategoryPlayer, apperr.CodeSegmentDoesNotExist, fmt.Errorf("player: seek before load"), nil)
	}
	clamped, _ := stream.Seek(ctx, target)
	return clamped, nil
}

// TrickPlay sets the playback rate. Rates above 1 scale the effective
// buffering goal inside the play head controller.
func (p *Player) TrickPlay(rate float64) {
	p.mu.Lock()
	ph := p.ph
	p.mu.Unlock()
	if ph != nil {
		ph.SetRate(rate)
	}
}

// CancelTrickPlay restores the normal 1x rate.
func (p *Player) CancelTrickPlay() { p.TrickPlay(1) }

// SelectVariantTrack manually switches to the variant with the given ID
// in the current period.
func (p *Player) SelectVariantTrack(ctx context.Context, id string) error {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("player: no load in progress")
	}
	period := stream.CurrentPeriod()
	if period == nil {
		return fmt.Errorf("player: no current period")
	}
	for _, v := range period.Variants {
		if v.ID == id {
			stream.SelectVariant(ctx, v)
			p.mu.Lock()
			p.activeVariant = id
			p.mu.Unlock()
			p.eventBus.Emit(events.Event{Kind: events.KindTracksChanged})
			return nil
		}
	}
	return fmt.Errorf("player: unknown variant track %q", id)
}

// SelectTextTrack switches the active text stream.
func (p *Player) SelectTextTrack(ctx context.Context, id string) error {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("player: no load in progress")
	}
	period := stream.CurrentPeriod()
	if period == nil {
		return fmt.Errorf("player: no current period")
	}
	for _, s := range period.Text {
		if s.ID == id {
			stream.SelectTextStream(ctx, s)
			p.mu.Lock()
			p.activeText = id
			p.mu.Unlock()
			p.eventBus.Emit(events.Event{Kind: events.KindTracksChanged})
			return nil
		}
	}
	return fmt.Errorf("player: unknown text track %q", id)
}

// SetTextTrackVisibility toggles cue display.
func (p *Player) SetTextTrackVisibility(ctx context.Context, visible bool) error {
	p.mu.Lock()
	tb := p.textBuf
	p.mu.Unlock()
	if tb == nil {
		return nil
	}
	if err := tb.SetVisibility(ctx, visible); err != nil {
		return err
	}
	p.eventBus.Emit(events.Event{Kind: events.KindTextTrackVisibility, Data: visible})
	return nil
}

// AddChaptersTrack registers an out-of-band chapters text stream on the
// current period. The stream becomes selectable via SelectTextTrack like
// any manifest-declared one.
func (p *Player) AddChaptersTrack(id, language, mimeType string) error {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("player: no load in progress")
	}
	period := stream.CurrentPeriod()
	if period == nil {
		return fmt.Errorf("player: no current period")
	}
	period.Text = append(period.Text, &manifest.Stream{
		ID:       id,
		Type:     manifest.ContentText,
		MimeType: mimeType,
		Language: language,
		Roles:    []string{"chapters"},
	})
	p.eventBus.Emit(events.Event{Kind: events.KindTracksChanged})
	return nil
}

// GetTracks lists the current period's variant and text tracks with
// their active flags.
func (p *Player) GetTracks() Tracks {
	p.mu.Lock()
	stream := p.stream
	activeVariant, activeText := p.activeVariant, p.activeText
	p.mu.Unlock()

	var out Tracks
	if stream == nil {
		return out
	}
	period := stream.CurrentPeriod()
	if period == nil {
		return out
	}
	for _, v := range period.Variants {
		tr := VariantTrack{ID: v.ID, Bandwidth: v.Bandwidth, Active: v.ID == activeVariant}
		if v.Video != nil {
			tr.Height, tr.Width, tr.VideoCodec = v.Video.Height, v.Video.Width, v.Video.Codecs
		}
		if v.Audio != nil {
			tr.AudioCodec = v.Audio.Codecs
		}
		out.Variants = append(out.Variants, tr)
	}
	for _, s := range period.Text {
		out.Text = append(out.Text, TextTrack{ID: s.ID, Language: s.Language, Label: s.Label, Active: s.ID == activeText})
	}
	return out
}

// GetStats reports a snapshot of playback state.
func (p *Player) GetStats() Stats {
	p.mu.Lock()
	ph, ms, bw, stream := p.ph, p.ms, p.bw, p.stream
	switches := p.switchCount
	p.mu.Unlock()

	st := Stats{BufferedAhead: make(map[mediasource.Type]float64), SwitchHistory: switches}
	if ph != nil {
		st.CurrentTime = ph.CurrentTime()
		st.Rate = ph.Rate()
		st.Buffering = ph.IsBuffering()
	}
	if bw != nil {
		st.BandwidthEstimate = bw.GetEstimate()
	}
	if ms != nil && stream != nil {
		for _, t := range stream.ActiveTypes() {
			st.BufferedAhead[t] = ms.BufferedAheadOf(t, st.CurrentTime)
		}
	}
	return st
}

// IsLive reports whether the loaded presentation is live.
func (p *Player) IsLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tl != nil && p.tl.IsLive()
}

// SeekRange returns the current seekable interval, empty before load.
func (p *Player) SeekRange() (start, end float64) {
	p.mu.Lock()
	tl := p.tl
	p.mu.Unlock()
	if tl == nil {
		return 0, 0
	}
	r := tl.SeekRange()
	return r.Start, r.End
}
