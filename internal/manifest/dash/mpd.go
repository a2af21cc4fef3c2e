// Package dash parses MPEG-DASH MPD manifests (and patch-MPD updates)
// into the graph defined by internal/manifest.
package dash

import (
	"encoding/xml"
	"fmt"
)

// MPD is the root element of a Media Presentation Description.
type MPD struct {
	XMLName               xml.Name `xml:"MPD"`
	Type                  string   `xml:"type,attr"`
	Profiles              string   `xml:"profiles,attr"`
	MinimumUpdatePeriod   string   `xml:"minimumUpdatePeriod,attr"`
	TimeShiftBufferDepth  string   `xml:"timeShiftBufferDepth,attr"`
	AvailabilityStartTime string   `xml:"availabilityStartTime,attr"`
	PublishTime           string   `xml:"publishTime,attr"`
	MediaPresentationDur  string   `xml:"mediaPresentationDuration,attr"`
	MaxSegmentDuration    string   `xml:"maxSegmentDuration,attr"`
	MinBufferTime         string   `xml:"minBufferTime,attr"`
	Periods               []Period `xml:"Period"`
}

// Period represents a media content period.
type Period struct {
	ID      string          `xml:"id,attr"`
	Start   string          `xml:"start,attr"`
	BaseURL string          `xml:"BaseURL"`
	Sets    []AdaptationSet `xml:"AdaptationSet"`
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID                string              `xml:"id,attr"`
	ContentType       string              `xml:"contentType,attr"`
	Lang              string              `xml:"lang,attr,omitempty"`
	MimeType          string              `xml:"mimeType,attr"`
	SegmentAlignment  bool                `xml:"segmentAlignment,attr"`
	StartWithSAP      int                 `xml:"startWithSAP,attr"`
	MaxWidth          int                 `xml:"maxWidth,attr,omitempty"`
	MaxHeight         int                 `xml:"maxHeight,attr,omitempty"`
	Par               string              `xml:"par,attr,omitempty"`
	CodingDependency  bool                `xml:"codingDependency,attr,omitempty"`
	ContentProtection []ContentProtection `xml:"ContentProtection"`
	Representations   []Representation    `xml:"Representation"`
	SegmentTemplate   SegmentTemplate     `xml:"SegmentTemplate"`
}

// ContentProtection carries a key system's scheme ID and PSSH.
type ContentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr,omitempty"`
	PSSH        string `xml:"pssh"`
	Default_KID string `xml:"default_KID,attr,omitempty"`
}

// Representation represents a specific media stream.
type Representation struct {
	ID                string           `xml:"id,attr"`
	Bandwidth         int              `xml:"bandwidth,attr"`
	Codecs            string           `xml:"codecs,attr"`
	Width             int              `xml:"width,attr,omitempty"`
	Height            int              `xml:"height,attr,omitempty"`
	FrameRate         string           `xml:"frameRate,attr,omitempty"`
	AudioSamplingRate int              `xml:"audioSamplingRate,attr,omitempty"`
	SegmentTemplate   *SegmentTemplate `xml:"SegmentTemplate"`
}

// SegmentTemplate defines the URL structure for segments.
type SegmentTemplate struct {
	Timescale      int             `xml:"timescale,attr"`
	Initialization string          `xml:"initialization,attr"`
	Media          string          `xml:"media,attr"`
	StartNumber    int             `xml:"startNumber,attr"`
	Timeline       SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline defines the timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or a run of identical-duration segments.
type S struct {
	T uint64 `xml:"t,attr"`           // start time, in timescale units
	D uint64 `xml:"d,attr"`           // duration, in timescale units
	R int    `xml:"r,attr,omitempty"` // repeat count (additional segments beyond the first)
}

// Parse parses raw MPD XML bytes into an MPD tree.
func Parse(data []byte) (*MPD, error) {
	var mpd MPD
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return nil, fmt.Errorf("dash: parse MPD: %w", err)
	}
	return &mpd, nil
}
