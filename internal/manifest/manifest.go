// Package manifest defines the format-agnostic presentation graph and
// the parser interface over it: a MIME-keyed registry of parsers that
// all produce the same graph, so the streaming engine never needs to
// know whether a presentation came from DASH or HLS. See
// internal/manifest/dash and internal/manifest/hls for the two concrete
// parsers.
package manifest

import (
	"context"
	"fmt"
	"sync"

	"adaptivecore/internal/drm"
	"adaptivecore/internal/segmentindex"
)

// ContentType mirrors mediasource.Type without importing it, keeping this
// package's dependency graph shallow (mediasource depends on nothing
// manifest-related).
type ContentType string

const (
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// Stream is one content-type track within a Variant: an audio stream, a
// video stream, or a text stream.
type Stream struct {
	ID          string
	Type        ContentType
	Codecs      string
	MimeType    string
	Language    string
	Bandwidth   int
	Width       int
	Height      int
	FrameRate   float64
	Index       *segmentindex.Index
	InitSegment *segmentindex.InitSegment
	Label       string
	Roles       []string
	Primary     bool
	Closed      bool // closed captions embedded in video, for text streams
	Encrypted   bool
	KeyID       string
}

// Variant is a playable combination of streams: typically one
// video stream plus one audio stream, sharing a single bandwidth figure.
type Variant struct {
	ID           string
	Bandwidth    int // DASH: sum of constituent stream bandwidths; HLS: the variant's declared BANDWIDTH
	Video        *Stream
	Audio        *Stream
	DRMInfos     []drm.KeySystemInfo
	AllowedByApp bool
}

// Period is a contiguous span of the presentation during which the set of
// available Variants/text Streams is fixed.
type Period struct {
	ID       string
	Start    float64
	Variants []*Variant
	Text     []*Stream
}

// Presentation is the root of the parsed graph: every Period plus
// presentation-wide metadata (duration, live flag, availability window
// parameters) consumed by internal/timeline.
type Presentation struct {
	Periods           []*Period
	DurationSeconds   float64
	IsLive            bool
	MinUpdatePeriod   float64 // seconds; 0 means "no periodic refresh"
	AvailabilityStart string  // ISO8601, live only
	TimeShiftBuffer   float64 // seconds
	URI               string

	// Native holds a parser-private handle (e.g. the raw decoded MPD or
	// M3U8 tree) so Parser.Update can apply incremental changes without
	// re-deriving them from the graph. Opaque to everything outside the
	// owning parser.
	Native any
}

// UpdateResult reports what changed after a manifest refresh.
type UpdateResult struct {
	Presentation *Presentation
	PeriodsAdded []*Period
	MinorUpdate  bool // true if this was a segment-timeline-only patch
}

// NetworkFunc fetches raw manifest bytes; injected to keep parsers
// transport-agnostic (wired to internal/netclient in production).
type NetworkFunc func(ctx context.Context, uri string) ([]byte, error)

// Parser produces (or updates) the presentation graph from manifest
// bytes.
type Parser interface {
	// Parse builds an initial Presentation from manifest bytes fetched
	// from uri.
	Parse(ctx context.Context, uri string, data []byte, fetch NetworkFunc) (*Presentation, error)
	// Update applies freshly fetched manifest bytes to an existing
	// Presentation and returns the resulting graph; how the bytes are
	// applied is up to each format's parser.
	Update(ctx context.Context, p *Presentation, data []byte, fetch NetworkFunc) (*UpdateResult, error)
	// MimeTypes lists the MIME types this parser claims.
	MimeTypes() []string
}

// Registry is the MIME-keyed parser registry: process-wide in spirit,
// but injectable, so tests never share state.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

func NewRegistry() *Registry { return &Registry{parsers: make(map[string]Parser)} }

func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range p.MimeTypes() {
		r.parsers[m] = p
	}
}

func (r *Registry) ForMimeType(mime string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[mime]
	if !ok {
		return nil, fmt.Errorf("no registered parser for mime type %q", mime)
	}
	return p, nil
}
