// Package normalize turns heterogeneous raw notice payloads into canonical
// event candidates. One parser per recognized wire format; the source tag
// selects the parser through a dispatch table built from the source
// registry. Normalization is a pure transform with no side effects.
package normalize

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/skygraph/afterglow/internal/core/astro"
	"github.com/skygraph/afterglow/internal/core/model"
)

// Parser converts one raw payload into a candidate. Parsers fill what the
// payload states and leave the rest zero (confidence: negative when the
// payload carries none); defaults and range checks are applied afterwards.
type Parser interface {
	Parse(raw []byte, src Source) (*model.EventCandidate, error)
}

// Normalizer dispatches payloads to format parsers by source tag.
type Normalizer struct {
	sources map[string]Source
	parsers map[string]Parser
}

// New builds a normalizer over the given source registry. Every source
// must name a known format and no tag may appear twice.
func New(sources []Source) (*Normalizer, error) {
	n := &Normalizer{
		sources: make(map[string]Source, len(sources)),
		parsers: map[string]Parser{
			"json":    &JSONParser{},
			"text":    &TextParser{},
			"voevent": &VOEventParser{},
		},
	}
	for _, src := range sources {
		if src.Tag == "" {
			return nil, fmt.Errorf("source with empty tag")
		}
		if _, dup := n.sources[src.Tag]; dup {
			return nil, fmt.Errorf("duplicate source tag %q", src.Tag)
		}
		if _, ok := n.parsers[src.Format]; !ok {
			return nil, fmt.Errorf("source %q: unknown format %q", src.Tag, src.Format)
		}
		n.sources[src.Tag] = src
	}
	return n, nil
}

// Normalize parses one payload from the named source. The returned
// candidate is complete and validated; any failure is a
// model.MalformedNoticeError describing the offending field.
func (n *Normalizer) Normalize(sourceTag string, raw []byte) (*model.EventCandidate, error) {
	src, ok := n.sources[sourceTag]
	if !ok {
		return nil, model.Malformed(sourceTag, "source", "unknown source tag")
	}
	cand, err := n.parsers[src.Format].Parse(raw, src)
	if err != nil {
		return nil, err
	}
	if err := finish(cand, src); err != nil {
		return nil, err
	}
	return cand, nil
}

// finish applies source defaults and validates physical ranges in place.
func finish(c *model.EventCandidate, src Source) error {
	c.Source = src.Tag
	if c.ID == "" {
		return model.Malformed(src.Tag, "trigger", "missing trigger identifier")
	}
	if c.Time.IsZero() {
		return model.Malformed(src.Tag, "time", "missing timestamp")
	}
	c.Time = c.Time.UTC()

	for _, f := range []struct {
		name  string
		value float64
	}{
		{"ra", c.RA},
		{"dec", c.Dec},
		{"error_radius", c.ErrorRadius},
		{"confidence", c.Confidence},
	} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return model.Malformed(src.Tag, f.name, "non-finite value")
		}
	}
	if c.Dec < -90 || c.Dec > 90 {
		return model.Malformed(src.Tag, "dec", fmt.Sprintf("%g outside [-90, 90]", c.Dec))
	}
	c.RA = astro.NormalizeRA(c.RA)

	if c.ErrorRadius == 0 {
		c.ErrorRadius = src.DefaultRadius
	}
	if c.ErrorRadius <= 0 {
		return model.Malformed(src.Tag, "error_radius", "missing positional uncertainty and no source default")
	}

	if c.Confidence < 0 {
		c.Confidence = src.Prior
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return model.Malformed(src.Tag, "confidence", fmt.Sprintf("%g outside [0, 1]", c.Confidence))
	}

	c.EventType = strings.ToUpper(strings.TrimSpace(c.EventType))
	if c.EventType == "" {
		c.EventType = strings.ToUpper(src.TypeHint)
	}
	if c.EventType == "" {
		c.EventType = model.TypeUnknown
	}
	if c.Instrument == "" {
		c.Instrument = src.Instrument
	}
	if c.Intent == "" {
		c.Intent = model.IntentDetection
	}
	return nil
}

// inferIntent classifies the communication intent of free-form notice
// text. Keyword sets follow the report vocabulary used by circular
// archives: retractions and non-event reports beat follow-up wording,
// which beats the detection default.
func inferIntent(text string) model.Intent {
	t := strings.ToLower(text)
	for _, kw := range []string{
		"retraction", "retracted", "false alarm", "false trigger",
		"not a grb", "no real event", "is not a real",
	} {
		if strings.Contains(t, kw) {
			return model.IntentRetraction
		}
	}
	for _, kw := range []string{
		"follow-up", "followup", "upper limit", "counterpart",
		"monitoring", "light curve", "spectrum", "refined position",
		"updated localization",
	} {
		if strings.Contains(t, kw) {
			return model.IntentFollowUp
		}
	}
	return model.IntentDetection
}

// isTestNotice reports wording that marks a payload as a drill rather
// than a real observation.
func isTestNotice(text string) bool {
	t := strings.ToLower(text)
	for _, kw := range []string{"this is a test", "test notice", "test alert", "injection", "simulation"} {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// parseTimeAny accepts the timestamp layouts seen across notice formats.
func parseTimeAny(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
