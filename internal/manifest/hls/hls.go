// Package hls parses HLS master and media playlists into the graph
// defined by internal/manifest, using github.com/mogiioin/hls-m3u8 for
// M3U8 tokenizing.
package hls

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"adaptivecore/internal/drm"
	"adaptivecore/internal/manifest"
	"adaptivecore/internal/segmentindex"
	m3u8 "github.com/mogiioin/hls-m3u8/m3u8"
)

// Parser implements manifest.Parser for HLS master/media playlists.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

func (p *Parser) MimeTypes() []string {
	return []string{"application/vnd.apple.mpegurl", "application/x-mpegurl"}
}

// Parse decodes a master playlist and fetches each variant's media
// playlist via fetch, assembling the single-period graph (HLS has no
// period concept; the whole presentation is one Period).
func (p *Parser) Parse(ctx context.Context, uri string, data []byte, fetch manifest.NetworkFunc) (*manifest.Presentation, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, fmt.Errorf("hls: decode %q: %w", uri, err)
	}

	period := &manifest.Period{ID: "0"}
	pres := &manifest.Presentation{URI: uri}

	switch listType {
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		if err := buildFromMaster(ctx, uri, master, period, pres, fetch); err != nil {
			return nil, err
		}
	case m3u8.MEDIA:
		media := pl.(*m3u8.MediaPlaylist)
		stream, err := buildStreamFromMedia(uri, media, manifest.ContentVideo, "0")
		if err != nil {
			return nil, err
		}
		period.Variants = append(period.Variants, &manifest.Variant{ID: stream.ID, Bandwidth: stream.Bandwidth, Video: stream, AllowedByApp: true})
		pres.IsLive = !media.Closed
	default:
		return nil, fmt.Errorf("hls: unsupported playlist type for %q", uri)
	}

	pres.Periods = []*manifest.Period{period}
	pres.Native = pl
	if !pres.IsLive {
		pres.DurationSeconds = period.Start + periodDuration(period)
	}
	return pres, nil
}

// periodDuration derives the period's extent from the longest stream index,
// since HLS carries no presentation-level duration of its own.
func periodDuration(period *manifest.Period) float64 {
	var max float64
	consider := func(s *manifest.Stream) {
		if s == nil || s.Index == nil {
			return
		}
		pos, ok := s.Index.LastPosition()
		if !ok {
			return
		}
		if ref, ok := s.Index.Get(pos); ok && ref.End > max {
			max = ref.End
		}
	}
	for _, v := range period.Variants {
		consider(v.Video)
		consider(v.Audio)
	}
	return max
}

func buildFromMaster(ctx context.Context, baseURI string, master *m3u8.MasterPlaylist, period *manifest.Period, pres *manifest.Presentation, fetch manifest.NetworkFunc) error {
	audioByGroup := make(map[string][]*manifest.Stream)
	textByGroup := make(map[string][]*manifest.Stream)

	for vi, v := range master.Variants {
		for _, alt := range v.Alternatives {
			uri := resolve(baseURI, alt.URI)
			stream := &manifest.Stream{
				ID:       fmt.Sprintf("alt-%s-%d", alt.GroupId, vi),
				Language: alt.Language,
				Label:    alt.Name,
				Primary:  alt.Default,
			}
			if fetch != nil && uri != "" {
				if mp, err := fetchMediaPlaylist(ctx, uri, fetch); err == nil {
					filled, ferr := buildStreamFromMedia(uri, mp, contentTypeFor(alt.Type), stream.ID)
					if ferr == nil {
						filled.Language = stream.Language
						filled.Label = stream.Label
						filled.Primary = stream.Primary
						stream = filled
					}
				}
			}
			switch strings.ToUpper(alt.Type) {
			case "AUDIO":
				audioByGroup[alt.GroupId] = append(audioByGroup[alt.GroupId], stream)
			case "SUBTITLES":
				textByGroup[alt.GroupId] = append(textByGroup[alt.GroupId], stream)
			}
		}
	}

	for i, v := range master.Variants {
		if v.Iframe {
			continue
		}
		uri := resolve(baseURI, v.URI)
		videoStream := &manifest.Stream{
			ID:        fmt.Sprintf("variant-%d", i),
			Type:      manifest.ContentVideo,
			Codecs:    v.Codecs,
			Bandwidth: int(v.Bandwidth),
			FrameRate: v.FrameRate,
		}
		if w, h, ok := parseResolution(v.Resolution); ok {
			videoStream.Width, videoStream.Height = w, h
		}
		if fetch != nil && uri != "" {
			if mp, err := fetchMediaPlaylist(ctx, uri, fetch); err == nil {
				filled, ferr := buildStreamFromMedia(uri, mp, manifest.ContentVideo, videoStream.ID)
				if ferr == nil {
					filled.Codecs = videoStream.Codecs
					filled.Bandwidth = videoStream.Bandwidth
					filled.Width, filled.Height = videoStream.Width, videoStream.Height
					filled.FrameRate = videoStream.FrameRate
					videoStream = filled
				}
			}
		}

		variant := &manifest.Variant{
			ID:           videoStream.ID,
			Bandwidth:    videoStream.Bandwidth,
			Video:        videoStream,
			AllowedByApp: true,
		}
		if audios := audioByGroup[v.Audio]; len(audios) > 0 {
			variant.Audio = audios[0]
		}
		if v.Codecs != "" && (strings.Contains(v.Codecs, "cenc") || v.HDCPLevel != "") {
			variant.DRMInfos = append(variant.DRMInfos, drm.KeySystemInfo{KeySystem: "com.apple.fps"})
		}
		period.Variants = append(period.Variants, variant)
	}

	for _, texts := range textByGroup {
		period.Text = append(period.Text, texts...)
	}
	return nil
}

func fetchMediaPlaylist(ctx context.Context, uri string, fetch manifest.NetworkFunc) (*m3u8.MediaPlaylist, error) {
	data, err := fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("hls: %q is not a media playlist", uri)
	}
	return pl.(*m3u8.MediaPlaylist), nil
}

func buildStreamFromMedia(uri string, mp *m3u8.MediaPlaylist, ct manifest.ContentType, id string) (*manifest.Stream, error) {
	var initSeg *segmentindex.InitSegment
	if mp.Map != nil {
		initSeg = &segmentindex.InitSegment{URIs: []string{resolve(uri, mp.Map.URI)}}
	}

	var refs []segmentindex.Reference
	var cursor float64
	for _, seg := range mp.Segments {
		if seg == nil {
			continue
		}
		start := cursor
		end := cursor + seg.Duration
		ref := segmentindex.Reference{
			Start:             start,
			End:               end,
			URIs:              []string{resolve(uri, seg.URI)},
			InitSegment:       initSeg,
			AppendWindowStart: start,
			AppendWindowEnd:   end,
		}
		if seg.Limit > 0 {
			ref.HasByteRange = true
			ref.ByteRangeLo = seg.Offset
			ref.ByteRangeHi = seg.Offset + seg.Limit - 1
		}
		if seg.Map != nil {
			ref.InitSegment = &segmentindex.InitSegment{URIs: []string{resolve(uri, seg.Map.URI)}}
		}
		refs = append(refs, ref)
		cursor = end
	}

	return &manifest.Stream{
		ID:          id,
		Type:        ct,
		MimeType:    mimeTypeFor(ct),
		Index:       segmentindex.New(refs),
		InitSegment: initSeg,
	}, nil
}

func contentTypeFor(altType string) manifest.ContentType {
	switch strings.ToUpper(altType) {
	case "AUDIO":
		return manifest.ContentAudio
	case "SUBTITLES", "CLOSED-CAPTIONS":
		return manifest.ContentText
	default:
		return manifest.ContentVideo
	}
}

func mimeTypeFor(ct manifest.ContentType) string {
	switch ct {
	case manifest.ContentAudio:
		return "audio/mp4"
	case manifest.ContentText:
		return "text/vtt"
	default:
		return "video/mp4"
	}
}

func parseResolution(res string) (int, int, bool) {
	parts := strings.SplitN(res, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

func resolve(base, ref string) string {
	if ref == "" {
		return ""
	}
	if strings.Contains(ref, "://") {
		return ref
	}
	idx := strings.LastIndex(base, "/")
	if idx < 0 {
		return ref
	}
	return base[:idx+1] + ref
}

// Update re-parses a refreshed live media or master playlist with Parse
// and returns the fresh presentation; segments are not merged with the
// previous presentation by media sequence number.
func (p *Parser) Update(ctx context.Context, pres *manifest.Presentation, data []byte, fetch manifest.NetworkFunc) (*manifest.UpdateResult, error) {
	fresh, err := p.Parse(ctx, pres.URI, data, fetch)
	if err != nil {
		return nil, err
	}
	return &manifest.UpdateResult{Presentation: fresh}, nil
}
