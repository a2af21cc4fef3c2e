package dash

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"adaptivecore/internal/drm"
	"adaptivecore/internal/manifest"
	"adaptivecore/internal/segmentindex"
)

// ToPresentation converts a parsed MPD into the format-agnostic graph of
// internal/manifest. baseURI is the URI the MPD itself was fetched from,
// used to resolve relative BaseURL/media template paths.
func ToPresentation(mpd *MPD, baseURI string) (*manifest.Presentation, error) {
	pres := &manifest.Presentation{
		IsLive:            mpd.Type == "dynamic",
		AvailabilityStart: mpd.AvailabilityStartTime,
		URI:               baseURI,
	}
	if d, ok := parseXSDuration(mpd.MediaPresentationDur); ok {
		pres.DurationSeconds = d
	}
	if d, ok := parseXSDuration(mpd.MinimumUpdatePeriod); ok {
		pres.MinUpdatePeriod = d
	}
	if d, ok := parseXSDuration(mpd.TimeShiftBufferDepth); ok {
		pres.TimeShiftBuffer = d
	}

	for _, p := range mpd.Periods {
		period, err := buildPeriod(baseURI, &p)
		if err != nil {
			return nil, err
		}
		pres.Periods = append(pres.Periods, period)
	}
	return pres, nil
}

func buildPeriod(baseURI string, p *Period) (*manifest.Period, error) {
	start, _ := parseXSDuration(p.Start)
	period := &manifest.Period{ID: p.ID, Start: start}

	periodBase := baseURI
	if p.BaseURL != "" {
		if resolved, err := resolveURL(baseURI, p.BaseURL); err == nil {
			periodBase = resolved
		}
	}

	var videoStreams, audioStreams []*manifest.Stream
	var drmInfos []drm.KeySystemInfo

	for _, as := range p.Sets {
		ct := contentTypeOf(as)
		encrypted := len(as.ContentProtection) > 0
		var keyID string
		for ci := range as.ContentProtection {
			cp := as.ContentProtection[ci]
			if cp.Default_KID != "" && keyID == "" {
				keyID = cp.Default_KID
			}
			if ks := keySystemFromSchemeID(cp.SchemeIDURI); ks != "" {
				drmInfos = append(drmInfos, drm.KeySystemInfo{KeySystem: ks})
			}
		}
		for ri := range as.Representations {
			rep := as.Representations[ri]
			stream, err := buildStream(periodBase, &as, &rep, ct)
			if err != nil {
				return nil, err
			}
			stream.Encrypted = encrypted
			stream.KeyID = keyID
			switch ct {
			case manifest.ContentVideo:
				videoStreams = append(videoStreams, stream)
			case manifest.ContentAudio:
				audioStreams = append(audioStreams, stream)
			case manifest.ContentText:
				period.Text = append(period.Text, stream)
			}
		}
	}

	period.Variants = pairVariants(videoStreams, audioStreams, drmInfos)
	return period, nil
}

// pairVariants forms one Variant per video representation, associated with
// every audio representation (the DASH cross-product convention); a
// video-only or audio-only presentation degrades to one Variant per stream.
func pairVariants(video, audio []*manifest.Stream, drmInfos []drm.KeySystemInfo) []*manifest.Variant {
	var variants []*manifest.Variant
	switch {
	case len(video) > 0 && len(audio) > 0:
		for _, v := range video {
			for _, a := range audio {
				variants = append(variants, &manifest.Variant{
					ID:           v.ID + "+" + a.ID,
					Bandwidth:    v.Bandwidth + a.Bandwidth,
					Video:        v,
					Audio:        a,
					DRMInfos:     drmInfos,
					AllowedByApp: true,
				})
			}
		}
	case len(video) > 0:
		for _, v := range video {
			variants = append(variants, &manifest.Variant{ID: v.ID, Bandwidth: v.Bandwidth, Video: v, DRMInfos: drmInfos, AllowedByApp: true})
		}
	default:
		for _, a := range audio {
			variants = append(variants, &manifest.Variant{ID: a.ID, Bandwidth: a.Bandwidth, Audio: a, DRMInfos: drmInfos, AllowedByApp: true})
		}
	}
	return variants
}

func contentTypeOf(as AdaptationSet) manifest.ContentType {
	switch {
	case as.ContentType == "video" || strings.HasPrefix(as.MimeType, "video/"):
		return manifest.ContentVideo
	case as.ContentType == "audio" || strings.HasPrefix(as.MimeType, "audio/"):
		return manifest.ContentAudio
	case as.ContentType == "text" || strings.Contains(as.MimeType, "vtt") || strings.Contains(as.MimeType, "ttml"):
		return manifest.ContentText
	default:
		return manifest.ContentVideo
	}
}

func buildStream(periodBaseURI string, as *AdaptationSet, rep *Representation, ct manifest.ContentType) (*manifest.Stream, error) {
	tmpl := as.SegmentTemplate
	if rep.SegmentTemplate != nil {
		tmpl = *rep.SegmentTemplate
	}

	var initSeg *segmentindex.InitSegment
	if tmpl.Initialization != "" {
		initURI, err := resolveTemplate(periodBaseURI, tmpl.Initialization, rep.ID, 0)
		if err != nil {
			return nil, err
		}
		initSeg = &segmentindex.InitSegment{URIs: []string{initURI}}
	}

	refs, err := buildSegmentRefs(periodBaseURI, tmpl, rep.ID, initSeg)
	if err != nil {
		return nil, err
	}

	frameRate := parseFrameRate(rep.FrameRate)

	return &manifest.Stream{
		ID:          rep.ID,
		Type:        ct,
		Codecs:      rep.Codecs,
		MimeType:    as.MimeType,
		Language:    as.Lang,
		Bandwidth:   rep.Bandwidth,
		Width:       rep.Width,
		Height:      rep.Height,
		FrameRate:   frameRate,
		Index:       segmentindex.New(refs),
		InitSegment: initSeg,
	}, nil
}

// buildSegmentRefs expands a SegmentTimeline's t/d/r run-length entries
// into individual segment references with resolved URIs.
func buildSegmentRefs(baseURI string, tmpl SegmentTemplate, repID string, initSeg *segmentindex.InitSegment) ([]segmentindex.Reference, error) {
	if tmpl.Timescale == 0 {
		tmpl.Timescale = 1
	}
	var refs []segmentindex.Reference
	for _, s := range tmpl.Timeline.Segments {
		t := s.T
		repeat := s.R
		if repeat < 0 {
			repeat = 0
		}
		for i := 0; i <= repeat; i++ {
			uri, err := resolveTemplate(baseURI, tmpl.Media, repID, t)
			if err != nil {
				return nil, err
			}
			start := float64(t) / float64(tmpl.Timescale)
			end := float64(t+s.D) / float64(tmpl.Timescale)
			refs = append(refs, segmentindex.Reference{
				Start:             start,
				End:               end,
				URIs:              []string{uri},
				InitSegment:       initSeg,
				AppendWindowStart: start,
				AppendWindowEnd:   end,
			})
			t += s.D
		}
	}
	return refs, nil
}

func resolveTemplate(baseURI, template, repID string, time uint64) (string, error) {
	path := strings.Replace(template, "$RepresentationID$", repID, 1)
	path = strings.Replace(path, "$Time$", strconv.FormatUint(time, 10), 1)
	return resolveURL(baseURI, path)
}

func resolveURL(baseURI, ref string) (string, error) {
	base, err := url.Parse(baseURI)
	if err != nil {
		return "", fmt.Errorf("dash: invalid base URI %q: %w", baseURI, err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("dash: invalid reference %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}

func parseFrameRate(fr string) float64 {
	if fr == "" {
		return 0
	}
	parts := strings.Split(fr, "/")
	if len(parts) == 2 {
		num, _ := strconv.ParseFloat(parts[0], 64)
		den, _ := strconv.ParseFloat(parts[1], 64)
		if den != 0 {
			return num / den
		}
	}
	f, _ := strconv.ParseFloat(fr, 64)
	return f
}

// parseXSDuration parses a tiny subset of xs:duration ("PT1H2M3.5S") and
// plain ISO8601 values sufficient for the attributes MPD uses them on.
func parseXSDuration(v string) (float64, bool) {
	if v == "" {
		return 0, false
	}
	v = strings.TrimPrefix(v, "P")
	v = strings.TrimPrefix(v, "T")
	var total float64
	var num strings.Builder
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num.WriteRune(r)
		case r == 'H':
			h, _ := strconv.ParseFloat(num.String(), 64)
			total += h * 3600
			num.Reset()
		case r == 'M':
			m, _ := strconv.ParseFloat(num.String(), 64)
			total += m * 60
			num.Reset()
		case r == 'S':
			s, _ := strconv.ParseFloat(num.String(), 64)
			total += s
			num.Reset()
		}
	}
	return total, true
}

// keySystemFromSchemeID maps common DASH ContentProtection scheme IDs to
// key-system strings.
func keySystemFromSchemeID(schemeID string) string {
	switch strings.ToLower(schemeID) {
	case "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed":
		return "com.widevine.alpha"
	case "urn:uuid:9a04f079-9840-4286-ab92-e65be0885f95":
		return "com.microsoft.playready"
	case "urn:uuid:94ce86fb-07ff-4f43-adb8-93d2fa968ca2":
		return "com.apple.fps"
	default:
		return ""
	}
}
