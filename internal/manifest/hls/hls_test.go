package hls_test

import (
	"bytes"
	"context"
	"testing"

	"adaptivecore/internal/manifest/hls"
	"github.com/google/go-cmp/cmp"
	m3u8 "github.com/mogiioin/hls-m3u8/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const master = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="English",DEFAULT=YES,AUTOSELECT=YES,LANGUAGE="en",URI="audio/en/playlist.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1280x720,AUDIO="audio"
video/720/playlist.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=500000,CODECS="avc1.42001e,mp4a.40.2",RESOLUTION=640x360,AUDIO="audio"
video/360/playlist.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-MAP:URI="init.mp4"
#EXTINF:4.000,
seg-0.m4s
#EXTINF:4.000,
seg-1.m4s
#EXT-X-ENDLIST
`

func fakeFetch(playlists map[string]string) func(ctx context.Context, uri string) ([]byte, error) {
	return func(ctx context.Context, uri string) ([]byte, error) {
		for suffix, body := range playlists {
			if len(uri) >= len(suffix) && uri[len(uri)-len(suffix):] == suffix {
				return []byte(body), nil
			}
		}
		return []byte(mediaPlaylist), nil
	}
}

func TestParseMasterPlaylistBuildsVariantsWithAudio(t *testing.T) {
	p := hls.NewParser()
	fetch := fakeFetch(map[string]string{
		"video/720/playlist.m3u8": mediaPlaylist,
		"video/360/playlist.m3u8": mediaPlaylist,
		"audio/en/playlist.m3u8":  mediaPlaylist,
	})

	pres, err := p.Parse(context.Background(), "https://example.com/master.m3u8", []byte(master), fetch)
	require.NoError(t, err)
	require.Len(t, pres.Periods, 1)
	require.Len(t, pres.Periods[0].Variants, 2)

	v := pres.Periods[0].Variants[0]
	assert.Equal(t, 2000000, v.Bandwidth)
	assert.Equal(t, 1280, v.Video.Width)
	require.NotNil(t, v.Audio)
}

func TestParseMediaPlaylistSegmentsAreContiguous(t *testing.T) {
	p := hls.NewParser()
	pres, err := p.Parse(context.Background(), "https://example.com/video/720/playlist.m3u8", []byte(mediaPlaylist), nil)
	require.NoError(t, err)

	v := pres.Periods[0].Variants[0]
	require.Equal(t, 2, v.Video.Index.Len())
	ref0, _ := v.Video.Index.Get(0)
	ref1, _ := v.Video.Index.Get(1)
	assert.Equal(t, 0.0, ref0.Start)
	assert.Equal(t, 4.0, ref0.End)
	assert.Equal(t, ref0.End, ref1.Start)
	assert.False(t, pres.IsLive, "ENDLIST marks this VOD")
}

// segmentShape is the recognized-tag content of one media segment, used to
// compare playlists structurally across a parse -> serialize -> parse
// round trip.
type segmentShape struct {
	URI      string
	Duration float64
	MapURI   string
}

func shapeOf(t *testing.T, raw string) (uint, []segmentShape) {
	t.Helper()
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader([]byte(raw)), true)
	require.NoError(t, err)
	require.Equal(t, m3u8.MEDIA, listType)
	mp := pl.(*m3u8.MediaPlaylist)

	var shapes []segmentShape
	for _, seg := range mp.Segments {
		if seg == nil {
			continue
		}
		s := segmentShape{URI: seg.URI, Duration: seg.Duration}
		if seg.Map != nil {
			s.MapURI = seg.Map.URI
		}
		shapes = append(shapes, s)
	}
	return mp.TargetDuration, shapes
}

// Recognized-tag round trip: parse -> serialize -> parse yields structurally
// equal playlists.
func TestMediaPlaylistRoundTrip(t *testing.T) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader([]byte(mediaPlaylist)), true)
	require.NoError(t, err)
	require.Equal(t, m3u8.MEDIA, listType)
	serialized := pl.(*m3u8.MediaPlaylist).String()

	wantTarget, wantSegments := shapeOf(t, mediaPlaylist)
	gotTarget, gotSegments := shapeOf(t, serialized)

	assert.Equal(t, wantTarget, gotTarget)
	if diff := cmp.Diff(wantSegments, gotSegments); diff != "" {
		t.Fatalf("segments changed across round trip (-want +got):\n%s", diff)
	}
}
