package dash_test

import (
	"context"
	"testing"

	"adaptivecore/internal/manifest/dash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMPD = `<?xml version="1.0"?>
<MPD type="static" mediaPresentationDuration="PT60S">
  <Period id="1" start="PT0S">
    <AdaptationSet id="v1" contentType="video" mimeType="video/mp4">
      <Representation id="rep-v1" bandwidth="2000000" codecs="avc1.64001f" width="1280" height="720">
        <SegmentTemplate timescale="1" initialization="init-$RepresentationID$.mp4" media="seg-$RepresentationID$-$Time$.m4s">
          <SegmentTimeline>
            <S t="0" d="4" r="2"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
    <AdaptationSet id="a1" contentType="audio" mimeType="audio/mp4">
      <Representation id="rep-a1" bandwidth="128000" codecs="mp4a.40.2">
        <SegmentTemplate timescale="1" initialization="init-$RepresentationID$.mp4" media="seg-$RepresentationID$-$Time$.m4s">
          <SegmentTimeline>
            <S t="0" d="4" r="2"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

const patchDoc = `<Patch>
  <replace sel="/MPD/Period[@id='1']/AdaptationSet[@id='v1']/SegmentTemplate/SegmentTimeline"><S t="0" d="4" r="3"/></replace>
</Patch>`

func TestParseBuildsVariantsWithPairedAudioVideo(t *testing.T) {
	p := dash.NewParser()
	pres, err := p.Parse(context.Background(), "https://example.com/manifest.mpd", []byte(sampleMPD), nil)
	require.NoError(t, err)
	require.Len(t, pres.Periods, 1)
	require.Len(t, pres.Periods[0].Variants, 1)

	v := pres.Periods[0].Variants[0]
	assert.Equal(t, "rep-v1+rep-a1", v.ID)
	assert.Equal(t, 2000000+128000, v.Bandwidth)
	assert.Equal(t, 720, v.Video.Height)
	require.Equal(t, 3, v.Video.Index.Len())
}

func TestParseResolvesSegmentURIsAgainstManifestURI(t *testing.T) {
	p := dash.NewParser()
	pres, err := p.Parse(context.Background(), "https://example.com/path/manifest.mpd", []byte(sampleMPD), nil)
	require.NoError(t, err)

	ref, ok := pres.Periods[0].Variants[0].Video.Index.Get(0)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/path/seg-rep-v1-0.m4s", ref.URIs[0])
}

func TestPatchReplaceSegmentTimelineLastWins(t *testing.T) {
	p := dash.NewParser()
	pres, err := p.Parse(context.Background(), "https://example.com/manifest.mpd", []byte(sampleMPD), nil)
	require.NoError(t, err)

	result, err := p.Update(context.Background(), pres, []byte(patchDoc), nil)
	require.NoError(t, err)
	assert.True(t, result.MinorUpdate)

	v := result.Presentation.Periods[0].Variants[0]
	assert.Equal(t, 4, v.Video.Index.Len(), "replace grew the run-length repeat count from 2 to 3 (3 to 4 segments)")
}

func TestFullRefreshMergesTimelinesByStartTime(t *testing.T) {
	p := dash.NewParser()
	pres, err := p.Parse(context.Background(), "https://example.com/manifest.mpd", []byte(sampleMPD), nil)
	require.NoError(t, err)

	grown := `<?xml version="1.0"?>
<MPD type="dynamic" mediaPresentationDuration="PT60S">
  <Period id="1" start="PT0S">
    <AdaptationSet id="v1" contentType="video" mimeType="video/mp4">
      <Representation id="rep-v1" bandwidth="2000000" codecs="avc1.64001f" width="1280" height="720">
        <SegmentTemplate timescale="1" initialization="init-$RepresentationID$.mp4" media="seg-$RepresentationID$-$Time$.m4s">
          <SegmentTimeline>
            <S t="12" d="4" r="1"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
    <AdaptationSet id="a1" contentType="audio" mimeType="audio/mp4">
      <Representation id="rep-a1" bandwidth="128000" codecs="mp4a.40.2">
        <SegmentTemplate timescale="1" initialization="init-$RepresentationID$.mp4" media="seg-$RepresentationID$-$Time$.m4s">
          <SegmentTimeline>
            <S t="12" d="4" r="1"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

	result, err := p.Update(context.Background(), pres, []byte(grown), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Presentation.Periods[0].Variants[0].Video.Index.Len(), "original 3 segments plus 2 new ones from the grown timeline")
	assert.True(t, result.Presentation.IsLive)
}
