package dash

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Patch is a DASH patch-MPD document (MPD-Patch, ETSI TS 103 285 style): a
// sequence of add/replace/remove operations against XPath-like selectors
// rooted at /MPD.
//
// Multiple patch operations that target the same selector are applied
// last-wins: later operations in document order overwrite the effect of
// earlier ones at that location, matching the XML patch operations
// standard.
type Patch struct {
	XMLName xml.Name  `xml:"Patch"`
	Ops     []PatchOp `xml:",any"`
}

// PatchOp is one add/replace/remove element. Sel is the XPath-like
// selector; Inner is the raw inner XML for add/replace (ignored for
// remove).
type PatchOp struct {
	XMLName xml.Name
	Sel     string `xml:"sel,attr"`
	Inner   string `xml:",innerxml"`
}

func (op PatchOp) kind() string { return strings.ToLower(op.XMLName.Local) }

// ParsePatch parses a patch-MPD document.
func ParsePatch(data []byte) (*Patch, error) {
	var p Patch
	if err := xml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("dash: parse patch: %w", err)
	}
	return &p, nil
}

// selStep is one /Name[@attr='value'] path component.
type selStep struct {
	name     string
	attrName string
	attrVal  string
}

func parseSelector(sel string) []selStep {
	parts := strings.Split(strings.TrimPrefix(sel, "/"), "/")
	steps := make([]selStep, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		step := selStep{name: p}
		if i := strings.Index(p, "["); i >= 0 && strings.HasSuffix(p, "]") {
			step.name = p[:i]
			pred := p[i+1 : len(p)-1] // @id='x'
			pred = strings.TrimPrefix(pred, "@")
			if eq := strings.Index(pred, "="); eq >= 0 {
				step.attrName = pred[:eq]
				step.attrVal = strings.Trim(pred[eq+1:], "'\"")
			}
		}
		steps = append(steps, step)
	}
	return steps
}

// Apply applies a patch document to mpd in place. Operations are applied
// in document order so that last-wins semantics naturally hold: later ops
// touching the same location simply overwrite earlier mutations.
func Apply(mpd *MPD, patch *Patch) error {
	for _, op := range patch.Ops {
		steps := parseSelector(op.Sel)
		if len(steps) == 0 || steps[0].name != "MPD" {
			return fmt.Errorf("dash: unsupported patch selector %q", op.Sel)
		}
		steps = steps[1:]
		if err := applyOp(mpd, op, steps); err != nil {
			return err
		}
	}
	return nil
}

func applyOp(mpd *MPD, op PatchOp, steps []selStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("dash: patch selector %q resolves to MPD root, unsupported", op.Sel)
	}

	if steps[0].name != "Period" {
		return fmt.Errorf("dash: unsupported patch target %q", steps[0].name)
	}
	period := findPeriod(mpd, steps[0].attrVal)
	if period == nil {
		if op.kind() == "add" && len(steps) == 1 {
			mpd.Periods = append(mpd.Periods, Period{ID: steps[0].attrVal})
			return nil
		}
		return fmt.Errorf("dash: patch target period %q not found", steps[0].attrVal)
	}
	if len(steps) == 1 {
		if op.kind() == "remove" {
			removePeriod(mpd, steps[0].attrVal)
		}
		return nil
	}

	if steps[1].name != "AdaptationSet" {
		return fmt.Errorf("dash: unsupported patch target %q", steps[1].name)
	}
	as := findAdaptationSet(period, steps[1].attrVal)
	if as == nil {
		return fmt.Errorf("dash: patch target adaptation set %q not found", steps[1].attrVal)
	}
	if len(steps) == 2 {
		if op.kind() == "remove" {
			removeAdaptationSet(period, steps[1].attrVal)
		}
		return nil
	}

	// /MPD/Period[@id]/AdaptationSet[@id]/SegmentTemplate/SegmentTimeline
	if steps[2].name == "SegmentTemplate" {
		if len(steps) == 3 {
			return nil
		}
		if steps[3].name == "SegmentTimeline" {
			return applySegmentTimelinePatch(as, op)
		}
	}
	return fmt.Errorf("dash: unsupported patch path under AdaptationSet: %q", op.Sel)
}

// applySegmentTimelinePatch mutates both the AdaptationSet-level template
// and any Representation-level ones, since MPDs place the template at
// either level.
func applySegmentTimelinePatch(as *AdaptationSet, op PatchOp) error {
	var wrapper struct {
		Segments []S `xml:"S"`
	}
	if err := xml.Unmarshal([]byte("<x>"+op.Inner+"</x>"), &wrapper); err != nil {
		return fmt.Errorf("dash: patch inner content: %w", err)
	}
	apply := func(tmpl *SegmentTemplate) error {
		switch op.kind() {
		case "replace":
			tmpl.Timeline.Segments = append([]S(nil), wrapper.Segments...)
		case "add":
			tmpl.Timeline.Segments = append(tmpl.Timeline.Segments, wrapper.Segments...)
		case "remove":
			tmpl.Timeline.Segments = nil
		default:
			return fmt.Errorf("dash: unsupported patch op %q", op.kind())
		}
		return nil
	}
	if err := apply(&as.SegmentTemplate); err != nil {
		return err
	}
	for i := range as.Representations {
		if as.Representations[i].SegmentTemplate != nil {
			if err := apply(as.Representations[i].SegmentTemplate); err != nil {
				return err
			}
		}
	}
	return nil
}

func findPeriod(mpd *MPD, id string) *Period {
	for i := range mpd.Periods {
		if mpd.Periods[i].ID == id {
			return &mpd.Periods[i]
		}
	}
	return nil
}

func removePeriod(mpd *MPD, id string) {
	kept := mpd.Periods[:0]
	for _, p := range mpd.Periods {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	mpd.Periods = kept
}

func findAdaptationSet(p *Period, id string) *AdaptationSet {
	for i := range p.Sets {
		if p.Sets[i].ID == id {
			return &p.Sets[i]
		}
	}
	return nil
}

func removeAdaptationSet(p *Period, id string) {
	kept := p.Sets[:0]
	for _, as := range p.Sets {
		if as.ID != id {
			kept = append(kept, as)
		}
	}
	p.Sets = kept
}
