package dash

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"adaptivecore/internal/manifest"
)

// Parser implements manifest.Parser for MPEG-DASH MPDs, including
// patch-MPD incremental updates.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

func (p *Parser) MimeTypes() []string {
	return []string{"application/dash+xml"}
}

func (p *Parser) Parse(ctx context.Context, uri string, data []byte, fetch manifest.NetworkFunc) (*manifest.Presentation, error) {
	mpd, err := Parse(data)
	if err != nil {
		return nil, err
	}
	pres, err := ToPresentation(mpd, uri)
	if err != nil {
		return nil, err
	}
	pres.Native = mpd
	return pres, nil
}

// Update applies an incremental change to pres. If data is a patch-MPD
// document (root element <Patch>), it is applied against the cached raw
// MPD and the graph is rebuilt; otherwise data is treated as a full MPD
// refresh and its live SegmentTimelines are merged into the cached one by
// representation ID, last-wins on overlapping segment start times.
func (p *Parser) Update(ctx context.Context, pres *manifest.Presentation, data []byte, fetch manifest.NetworkFunc) (*manifest.UpdateResult, error) {
	cached, ok := pres.Native.(*MPD)
	if !ok {
		return nil, fmt.Errorf("dash: presentation has no cached MPD to update")
	}

	if bytes.Contains(data[:min(len(data), 256)], []byte("<Patch")) {
		patch, err := ParsePatch(data)
		if err != nil {
			return nil, err
		}
		if err := Apply(cached, patch); err != nil {
			return nil, err
		}
		rebuilt, err := ToPresentation(cached, pres.URI)
		if err != nil {
			return nil, err
		}
		rebuilt.Native = cached
		return &manifest.UpdateResult{Presentation: rebuilt, MinorUpdate: true}, nil
	}

	fresh, err := Parse(data)
	if err != nil {
		return nil, err
	}
	mergePeriods(cached, fresh)
	rebuilt, err := ToPresentation(cached, pres.URI)
	if err != nil {
		return nil, err
	}
	rebuilt.Native = cached

	added := rebuilt.Periods
	if len(added) > len(pres.Periods) {
		added = added[len(pres.Periods):]
	} else {
		added = nil
	}
	return &manifest.UpdateResult{Presentation: rebuilt, PeriodsAdded: added}, nil
}

// mergePeriods merges fresh's SegmentTimelines into cached by matching
// Period/AdaptationSet/Representation ID, and appends any wholly new
// periods fresh introduces (a live MPD growing new periods over time).
// Timelines are merged keyed by segment start time, the newer entries
// winning on overlap.
func mergePeriods(cached, fresh *MPD) {
	byID := make(map[string]*Period, len(cached.Periods))
	for i := range cached.Periods {
		byID[cached.Periods[i].ID] = &cached.Periods[i]
	}
	for _, fp := range fresh.Periods {
		cp, ok := byID[fp.ID]
		if !ok {
			cached.Periods = append(cached.Periods, fp)
			continue
		}
		mergeAdaptationSets(cp, fp.Sets)
	}
	cached.Type = fresh.Type
	cached.PublishTime = fresh.PublishTime
	cached.MinimumUpdatePeriod = fresh.MinimumUpdatePeriod
	cached.TimeShiftBufferDepth = fresh.TimeShiftBufferDepth
}

func mergeAdaptationSets(cp *Period, freshSets []AdaptationSet) {
	byID := make(map[string]int, len(cp.Sets))
	for i := range cp.Sets {
		byID[cp.Sets[i].ID] = i
	}
	for _, fas := range freshSets {
		idx, ok := byID[fas.ID]
		if !ok {
			cp.Sets = append(cp.Sets, fas)
			continue
		}
		cas := &cp.Sets[idx]
		cas.SegmentTemplate.Timeline = mergeTimelines(
			cas.SegmentTemplate.Timeline,
			fas.SegmentTemplate.Timeline,
		)
		mergeRepresentations(cas, fas.Representations)
	}
}

// mergeRepresentations merges Representation-level SegmentTemplate
// timelines by representation ID; MPDs carry the template at either the
// AdaptationSet or the Representation level.
func mergeRepresentations(cas *AdaptationSet, fresh []Representation) {
	byID := make(map[string]int, len(cas.Representations))
	for i := range cas.Representations {
		byID[cas.Representations[i].ID] = i
	}
	for _, fr := range fresh {
		idx, ok := byID[fr.ID]
		if !ok {
			cas.Representations = append(cas.Representations, fr)
			continue
		}
		cr := &cas.Representations[idx]
		if cr.SegmentTemplate == nil || fr.SegmentTemplate == nil {
			continue
		}
		cr.SegmentTemplate.Timeline = mergeTimelines(
			cr.SegmentTemplate.Timeline,
			fr.SegmentTemplate.Timeline,
		)
	}
}

// span is one explicit segment interval in timescale units, the normalized
// form a run-length S entry expands into.
type span struct {
	t, d uint64
}

// expandTimeline flattens a timeline's t/d/r run-length entries into
// explicit spans, the same normalization buildSegmentRefs applies when it
// turns a timeline into segment references.
func expandTimeline(tl SegmentTimeline) []span {
	var out []span
	for _, s := range tl.Segments {
		t := s.T
		repeat := s.R
		if repeat < 0 {
			repeat = 0
		}
		for i := 0; i <= repeat; i++ {
			out = append(out, span{t: t, d: s.D})
			t += s.D
		}
	}
	return out
}

// mergeTimelines folds a fresh timeline into a cached one. Both sides are
// normalized to explicit spans first, so two runs that describe the same
// instants with different r groupings still merge cleanly; spans are keyed
// by start time with the fresh side winning, then re-compressed into
// run-length entries (adjacent contiguous spans of equal duration collapse
// into one S with a repeat count).
func mergeTimelines(cached, fresh SegmentTimeline) SegmentTimeline {
	byStart := make(map[uint64]uint64)
	for _, sp := range expandTimeline(cached) {
		byStart[sp.t] = sp.d
	}
	for _, sp := range expandTimeline(fresh) {
		byStart[sp.t] = sp.d
	}

	starts := make([]uint64, 0, len(byStart))
	for t := range byStart {
		starts = append(starts, t)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var segs []S
	for _, t := range starts {
		d := byStart[t]
		if n := len(segs); n > 0 {
			last := &segs[n-1]
			if last.D == d && last.T+uint64(last.R+1)*d == t {
				last.R++
				continue
			}
		}
		segs = append(segs, S{T: t, D: d})
	}
	return SegmentTimeline{Segments: segs}
}
