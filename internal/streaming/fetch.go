package streaming

import (
	"context"
	"errors"
	"time"

	"adaptivecore/internal/abr"
	"adaptivecore/internal/apperr"
	"adaptivecore/internal/drm"
	"adaptivecore/internal/events"
	"adaptivecore/internal/manifest"
	"adaptivecore/internal/mediasource"
	"adaptivecore/internal/netclient"
	"adaptivecore/internal/segmentindex"
	"adaptivecore/internal/text"
)

// fetchLoop is the per-type loop: while buffered content for t falls
// short of the buffering goal, find the next segment reference at or
// after the play head, fetch it, append it, and sample bandwidth;
// otherwise idle until woken by a seek, an ABR switch, or the poll
// interval.
func (e *Engine) fetchLoop(ctx context.Context, t mediasource.Type) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		st := e.state(t)
		if st == nil {
			return nil
		}

		current := e.deps.PlayHead.CurrentTime()
		goal := e.cfg.BufferingGoal
		if rate := e.deps.PlayHead.Rate(); rate > 1 {
			goal *= rate
		}

		if e.deps.MediaSource.BufferedAheadOf(t, current) >= goal {
			if !e.idleWait(ctx, st) {
				return nil
			}
			continue
		}

		period := e.period(st.periodIdx)
		e.mu.Lock()
		stream := st.stream
		fence := st.switchFence
		e.mu.Unlock()
		if period == nil || stream == nil || stream.Index == nil {
			if !e.idleWait(ctx, st) {
				return nil
			}
			continue
		}

		target := current
		if fence > target {
			target = fence
		}
		localTarget := target - period.Start
		if localTarget < 0 {
			localTarget = 0
		}

		e.mu.Lock()
		havePos := st.havePosition
		e.mu.Unlock()

		if !havePos {
			pos, ok := stream.Index.Find(localTarget)
			if !ok {
				advanced, err := e.advancePeriodOrRefresh(ctx, t, st, period)
				if err != nil {
					return err
				}
				if !advanced && !e.idleWait(ctx, st) {
					return nil
				}
				continue
			}
			e.mu.Lock()
			st.nextPosition = pos
			st.havePosition = true
			e.mu.Unlock()
		}

		e.mu.Lock()
		nextPos := st.nextPosition
		e.mu.Unlock()
		ref, ok := stream.Index.Get(nextPos)
		if !ok {
			advanced, err := e.advancePeriodOrRefresh(ctx, t, st, period)
			if err != nil {
				return err
			}
			if !advanced && !e.idleWait(ctx, st) {
				return nil
			}
			continue
		}

		if err := e.fetchAndAppend(ctx, t, st, period, stream, ref); err != nil {
			if apperr.IsFatal(err) {
				e.emitError(toAppErr(err))
				e.countSegmentError(t, err)
				return err
			}
			e.emitError(toAppErr(err))
			e.countSegmentError(t, err)
			select {
			case <-ctx.Done():
				return nil
			case <-e.deps.Clock.After(200 * time.Millisecond):
			}
			continue
		}

		e.mu.Lock()
		st.nextPosition++
		e.mu.Unlock()
	}
}

// idleWait blocks until woken (seek, ABR switch, manifest refresh) or the
// idle poll interval elapses; returns false if ctx is done.
func (e *Engine) idleWait(ctx context.Context, st *typeState) bool {
	select {
	case <-ctx.Done():
		return false
	case <-st.wake:
		return true
	case <-e.deps.Clock.After(e.cfg.IdlePoll):
		return true
	}
}

// advancePeriodOrRefresh handles running off the end of a stream's segment
// index: cross into the next period if one exists,
// otherwise trigger a live manifest refresh, otherwise report no progress
// (VOD end of stream for this type).
func (e *Engine) advancePeriodOrRefresh(ctx context.Context, t mediasource.Type, st *typeState, period *manifest.Period) (bool, error) {
	e.mu.Lock()
	pres := e.presentation
	nextIdx := st.periodIdx + 1
	e.mu.Unlock()

	if pres != nil && nextIdx < len(pres.Periods) {
		if e.onPeriodTransition == nil {
			return false, nil
		}
		next, err := e.onPeriodTransition(ctx, t, pres.Periods[nextIdx])
		if err != nil {
			return false, apperr.New(apperr.Critical, apperr.CategoryStreaming, apperr.CodeSegmentDoesNotExist, err, nil)
		}
		e.mu.Lock()
		st.periodIdx = nextIdx
		st.stream = next
		st.lastInit = nil
		st.havePosition = false
		st.nextPosition = 0
		e.mu.Unlock()
		return true, nil
	}

	if pres != nil && pres.IsLive {
		if err := e.RefreshManifest(ctx); err != nil {
			return false, nil // transient: idle and try again next tick
		}
		return true, nil
	}

	// VOD and no further periods: nothing more to fetch for this type.
	_ = e.deps.MediaSource.EndOfStream("ended")
	return false, nil
}

// fetchAndAppend fetches one segment reference (plus its init segment, if
// not already appended) and feeds it to the media source, DRM engine, and
// text buffer as appropriate, sampling bandwidth on success.
func (e *Engine) fetchAndAppend(ctx context.Context, t mediasource.Type, st *typeState, period *manifest.Period, stream *manifest.Stream, ref segmentindex.Reference) error {
	windowStart := period.Start + ref.AppendWindowStart
	windowEnd := period.Start + ref.AppendWindowEnd

	if stream.Encrypted {
		if err := e.waitForKey(ctx, stream); err != nil {
			return err
		}
	}

	e.mu.Lock()
	needInit := ref.InitSegment != nil && !ref.InitSegment.Equal(st.lastInit)
	e.mu.Unlock()
	if needInit {
		hasRange := ref.InitSegment.ByteRangeLo != 0 || ref.InitSegment.ByteRangeHi != 0
		data, err := e.fetchRef(ctx, ref.InitSegment.URIs, hasRange, ref.InitSegment.ByteRangeLo, ref.InitSegment.ByteRangeHi)
		if err != nil {
			return err
		}
		if err := e.deps.MediaSource.AppendInit(ctx, t, data, ref.InitSegment); err != nil {
			return e.handleSinkError(ctx, t, err)
		}
		e.mu.Lock()
		st.lastInit = ref.InitSegment
		e.mu.Unlock()
	}

	start := time.Now()
	data, err := e.fetchRef(ctx, ref.URIs, ref.HasByteRange, ref.ByteRangeLo, ref.ByteRangeHi)
	if err != nil {
		return e.classifyFetchError(t, err)
	}
	elapsedMs := float64(time.Since(start).Milliseconds())

	if t == mediasource.TypeText {
		return e.appendText(ctx, stream, period, ref, data, windowStart, windowEnd)
	}

	if err := e.deps.MediaSource.AppendBuffer(ctx, t, data, windowStart, windowEnd, false); err != nil {
		return e.handleSinkError(ctx, t, err)
	}

	if e.deps.Bandwidth != nil {
		e.deps.Bandwidth.Sample(int64(len(data)), elapsedMs)
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.SegmentDuration.WithLabelValues(e.sessionID, string(t)).Observe(time.Since(start).Seconds())
		e.deps.Metrics.BandwidthEstimate.WithLabelValues(e.sessionID).Set(e.deps.Bandwidth.GetEstimate())
	}
	return nil
}

// fetchRef performs the network fetch for a segment or init-segment
// reference, applying the byte range if present.
func (e *Engine) fetchRef(ctx context.Context, uris []string, hasRange bool, lo, hi int64) ([]byte, error) {
	if len(uris) == 0 {
		return nil, apperr.New(apperr.Critical, apperr.CategoryStreaming, apperr.CodeSegmentDoesNotExist, nil, nil)
	}
	req := &netclient.Request{Type: netclient.RequestSegment, URI: uris[0]}
	if hasRange {
		req.Headers = map[string][]string{"Range": {byteRangeHeader(lo, hi)}}
	}
	resp, err := e.deps.Net.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func byteRangeHeader(lo, hi int64) string {
	return "bytes=" + itoa(lo) + "-" + itoa(hi)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// waitForKey gates an encrypted stream's append on its key becoming
// usable.
func (e *Engine) waitForKey(ctx context.Context, stream *manifest.Stream) error {
	if e.deps.DRM == nil {
		return nil
	}
	e.mu.Lock()
	sid := e.drmSessionID
	e.mu.Unlock()
	if sid == "" {
		return nil
	}
	timeout := e.cfg.KeyAvailabilityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := e.deps.DRM.WaitForUsable(ctx, sid, stream.KeyID, timeout); err != nil {
		return err // already a *apperr.Error (Critical, KEY_NOT_AVAILABLE); caller decides fatality
	}
	return nil
}

// classifyFetchError sorts fetch failures: a permanent (4xx) status is
// fatal as-is; a transient status that
// exhausted netclient's own retry budget is downgraded to recoverable here
// so the fetch loop retries while the ABR loop's next tick has a chance to
// pick a cheaper variant from the latest bandwidth estimate.
func (e *Engine) classifyFetchError(t mediasource.Type, err error) error {
	ae, ok := err.(*apperr.Error)
	if !ok {
		return apperr.New(apperr.Critical, apperr.CategoryStreaming, apperr.CodeSegmentRequestFail, err, nil)
	}
	if errors.Is(ae, apperr.New(apperr.Critical, "", apperr.CodeBadHTTPStatus, nil, nil)) {
		return ae // permanent: fatal
	}
	return apperr.New(apperr.Recoverable, apperr.CategoryStreaming, apperr.CodeSegmentRequestFail, ae, nil)
}

// handleSinkError sorts sink failures: QUOTA_EXCEEDED evicts the oldest
// buffered content for this type and is recoverable; anything else from
// the sink is fatal.
func (e *Engine) handleSinkError(ctx context.Context, t mediasource.Type, err error) error {
	ae, ok := err.(*apperr.Error)
	if !ok || ae.Code != apperr.CodeQuotaExceeded {
		return apperr.New(apperr.Critical, apperr.CategoryMedia, apperr.CodeMediaSourceOpFailed, err, nil)
	}
	if start, ok := e.deps.MediaSource.BufferStart(t); ok {
		_ = e.deps.MediaSource.Remove(ctx, t, start, start+e.cfg.EvictionGoal)
	}
	return apperr.New(apperr.Recoverable, apperr.CategoryMedia, apperr.CodeQuotaExceeded, err, nil)
}

func (e *Engine) countSegmentError(t mediasource.Type, err error) {
	if e.deps.Metrics == nil {
		return
	}
	code := "unknown"
	if ae, ok := err.(*apperr.Error); ok {
		code = string(ae.Code)
	}
	e.deps.Metrics.SegmentErrors.WithLabelValues(e.sessionID, code).Inc()
}

// appendText parses a fetched text segment and appends its cues, shifted
// into presentation time, to the text buffer. Parse failures are
// recoverable and, with ignoreTextStreamFailures set, silent.
func (e *Engine) appendText(ctx context.Context, stream *manifest.Stream, period *manifest.Period, ref segmentindex.Reference, data []byte, windowStart, windowEnd float64) error {
	if e.deps.TextParsers == nil || e.deps.Text == nil {
		return nil
	}
	parser, err := e.deps.TextParsers.ForMimeType(stream.MimeType)
	if err != nil {
		if e.cfg.IgnoreTextStreamFailures {
			return nil
		}
		return apperr.New(apperr.Recoverable, apperr.CategoryText, apperr.CodeUnknownMimeType, err, nil)
	}
	cues, err := parser.Parse(data)
	if err != nil {
		if e.cfg.IgnoreTextStreamFailures {
			return nil
		}
		return apperr.New(apperr.Recoverable, apperr.CategoryText, apperr.CodeUnknownMimeType, err, nil)
	}
	shifted := make([]text.Cue, len(cues))
	for i, c := range cues {
		shifted[i] = text.Cue{Start: c.Start + period.Start, End: c.End + period.Start, Payload: c.Payload}
	}
	return e.deps.Text.Append(ctx, shifted, windowStart, windowEnd)
}

// abrLoop periodically re-evaluates the ABR chooser against the current
// period's variant set and the latest bandwidth estimate, applying any
// resulting switch.
func (e *Engine) abrLoop(ctx context.Context) error {
	ticker := e.deps.Clock.NewTicker(e.cfg.ABRSwitchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		if err := e.evaluateSwitch(ctx); err != nil && apperr.IsFatal(err) {
			return err
		}
	}
}

func (e *Engine) currentPeriodIdx() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		return st.periodIdx, true
	}
	return 0, false
}

func (e *Engine) evaluateSwitch(ctx context.Context) error {
	idx, ok := e.currentPeriodIdx()
	if !ok {
		return nil
	}
	period := e.period(idx)
	if period == nil || len(period.Variants) == 0 {
		return nil
	}

	byID := make(map[string]*manifest.Variant, len(period.Variants))
	all := make([]abr.Variant, 0, len(period.Variants))
	for _, v := range period.Variants {
		byID[v.ID] = v
		all = append(all, e.toABRVariant(v))
	}
	playable := abr.PlayableVariants(all, e.cfg.ABRRestrictions)
	if len(playable) == 0 {
		return nil
	}

	chosen, err := e.deps.Chooser.Choose(playable, e.deps.Bandwidth.GetEstimate())
	if err != nil {
		return err
	}
	variant, ok := byID[chosen.ID]
	if !ok {
		return nil
	}
	e.applyVariant(ctx, variant)
	return nil
}

func (e *Engine) toABRVariant(v *manifest.Variant) abr.Variant {
	av := abr.Variant{
		ID:                   v.ID,
		BandwidthBps:         v.Bandwidth,
		AllowedByApplication: v.AllowedByApp,
		CodecSupported:       true,
	}
	allowed := true
	if v.Video != nil {
		av.Height = v.Video.Height
		av.Width = v.Video.Width
		av.FrameRate = v.Video.FrameRate
		av.VideoCodec = v.Video.Codecs
		allowed = allowed && e.allowedByKeySystem(v.Video)
	}
	if v.Audio != nil {
		av.AudioCodec = v.Audio.Codecs
		allowed = allowed && e.allowedByKeySystem(v.Audio)
	}
	av.AllowedByKeySystem = allowed
	return av
}

func (e *Engine) allowedByKeySystem(s *manifest.Stream) bool {
	if s == nil || !s.Encrypted {
		return true
	}
	if e.deps.DRM == nil {
		return false
	}
	e.mu.Lock()
	sid := e.drmSessionID
	e.mu.Unlock()
	if sid == "" {
		return false
	}
	statuses := e.deps.DRM.KeyStatuses(sid)
	st, ok := statuses[s.KeyID]
	return ok && st == drm.KeyUsable
}

// applyVariant switches the active video/audio streams to those named by
// v, clipping each type's buffer at the safe-switch point and emitting an
// adaptation event.
func (e *Engine) applyVariant(ctx context.Context, v *manifest.Variant) {
	e.switchType(ctx, mediasource.TypeVideo, v.Video)
	e.switchType(ctx, mediasource.TypeAudio, v.Audio)
	if e.deps.Events != nil {
		e.deps.Events.Emit(events.Event{
			Kind: events.KindAdaptation,
			Data: events.AdaptationData{VariantID: v.ID, Bandwidth: v.Bandwidth},
		})
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.Switches.WithLabelValues(e.sessionID, "adapt").Inc()
	}
}

func (e *Engine) switchType(ctx context.Context, t mediasource.Type, s *manifest.Stream) {
	if s == nil {
		return
	}
	st := e.state(t)
	if st == nil {
		return
	}

	e.mu.Lock()
	same := st.stream != nil && st.stream.ID == s.ID
	e.mu.Unlock()
	if same {
		return
	}

	current := e.deps.PlayHead.CurrentTime()
	fence := current + e.cfg.SafeSwitchMargin
	_ = e.deps.MediaSource.Remove(ctx, t, fence, 1<<62)

	e.mu.Lock()
	st.stream = s
	st.switchFence = fence
	st.lastInit = nil
	st.havePosition = false
	e.mu.Unlock()

	select {
	case st.wake <- struct{}{}:
	default:
	}
}
