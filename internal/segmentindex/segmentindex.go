// Package segmentindex implements a position-indexed sequence of segment
// references per stream, supporting O(log n) find, O(1) get, head
// eviction when the live availability window slides, and tail appends
// when a refresh extends the timeline.
package segmentindex

import "sort"

// Reference describes one media segment: its half-open presentation-time
// interval, candidate URIs, optional byte range, init segment, timestamp
// offset, and append-window bounds.
type Reference struct {
	Start, End                         float64 // [t0, t1) in period-local seconds
	URIs                               []string
	ByteRangeLo                        int64
	ByteRangeHi                        int64
	HasByteRange                       bool
	InitSegment                        *InitSegment
	TimestampOffset                    float64
	AppendWindowStart, AppendWindowEnd float64
}

// InitSegment describes init-segment bytes shared by value-equality.
type InitSegment struct {
	URIs        []string
	ByteRangeLo int64
	ByteRangeHi int64
	Codec       string
	Bitrate     int
	Width       int
	Height      int
}

// Equal compares two InitSegments structurally.
func (i *InitSegment) Equal(other *InitSegment) bool {
	if i == nil || other == nil {
		return i == other
	}
	if i.ByteRangeLo != other.ByteRangeLo || i.ByteRangeHi != other.ByteRangeHi {
		return false
	}
	if i.Codec != other.Codec || i.Bitrate != other.Bitrate {
		return false
	}
	if i.Width != other.Width || i.Height != other.Height {
		return false
	}
	if len(i.URIs) != len(other.URIs) {
		return false
	}
	for idx := range i.URIs {
		if i.URIs[idx] != other.URIs[idx] {
			return false
		}
	}
	return true
}

// Index is a position-indexed, possibly-truncated sequence of References.
// Positions are dense integers but the zero position may not be index 0
// once the head has been evicted; basePosition tracks the shift.
type Index struct {
	refs         []Reference
	basePosition int
}

// New builds an Index from an ordered, non-overlapping slice of references.
func New(refs []Reference) *Index {
	cp := make([]Reference, len(refs))
	copy(cp, refs)
	return &Index{refs: cp}
}

// Find returns the position whose interval contains t, treating the
// interval as right-open ([t0, t1)). Returns (0, false) if none matches.
func (idx *Index) Find(t float64) (int, bool) {
	n := len(idx.refs)
	// binary search for the first ref with End > t
	i := sort.Search(n, func(i int) bool { return idx.refs[i].End > t })
	if i == n {
		return 0, false
	}
	if idx.refs[i].Start <= t {
		return idx.basePosition + i, true
	}
	return 0, false
}

// Get returns the reference at position, or (Reference{}, false) past the
// last segment or before the first retained one.
func (idx *Index) Get(position int) (Reference, bool) {
	i := position - idx.basePosition
	if i < 0 || i >= len(idx.refs) {
		return Reference{}, false
	}
	return idx.refs[i], true
}

// Len reports the number of retained references.
func (idx *Index) Len() int { return len(idx.refs) }

// LastPosition returns the position of the final retained reference.
func (idx *Index) LastPosition() (int, bool) {
	if len(idx.refs) == 0 {
		return 0, false
	}
	return idx.basePosition + len(idx.refs) - 1, true
}

// Fit shortens the final reference's End to periodEnd if the parser
// over-specified it.
func (idx *Index) Fit(periodEnd float64) {
	n := len(idx.refs)
	if n == 0 {
		return
	}
	last := &idx.refs[n-1]
	if last.End > periodEnd {
		last.End = periodEnd
		if last.AppendWindowEnd > periodEnd {
			last.AppendWindowEnd = periodEnd
		}
	}
}

// Evict drops positions whose End <= threshold, recycling the backing slice.
func (idx *Index) Evict(threshold float64) {
	cut := 0
	for cut < len(idx.refs) && idx.refs[cut].End <= threshold {
		cut++
	}
	if cut == 0 {
		return
	}
	idx.refs = append(idx.refs[:0], idx.refs[cut:]...)
	idx.basePosition += cut
}

// Append adds new references to the tail, used when a live manifest refresh
// extends the timeline.
func (idx *Index) Append(refs ...Reference) {
	idx.refs = append(idx.refs, refs...)
}
