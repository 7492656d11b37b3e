package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/skygraph/afterglow/internal/core/model"
)

// TextParser reads classic socket-distribution notices: upper-case
// KEY: value lines (TITLE, NOTICE_TYPE, TRIGGER_NUM, GRB_RA, ...).
type TextParser struct{}

var (
	textLineRe = regexp.MustCompile(`(?m)^([A-Z][A-Z0-9_]*):[ \t]*(.*)$`)
	floatRe    = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)
	digitsRe   = regexp.MustCompile(`\d+`)
	// GRB_DATE lines end in a yy/mm/dd stamp after the TJD and DOY forms.
	slashDateRe = regexp.MustCompile(`(\d{2})/(\d{2})/(\d{2})\s*$`)
	// GRB_TIME carries the human-readable clock in braces.
	braceTimeRe = regexp.MustCompile(`\{(\d{2}):(\d{2}):(\d{2}(?:\.\d+)?)\}`)
)

// Alternative key spellings across missions, in preference order.
var (
	triggerKeys = []string{"TRIGGER_NUM", "TRIGGER_ID", "EVENT_ID", "EVENT_NUM"}
	raKeys      = []string{"GRB_RA", "SRC_RA", "EVENT_RA", "TRANS_RA", "POINT_RA", "RA"}
	decKeys     = []string{"GRB_DEC", "SRC_DEC", "EVENT_DEC", "TRANS_DEC", "POINT_DEC", "DEC"}
	errorKeys   = []string{"GRB_ERROR", "SRC_ERROR", "EVENT_ERROR", "ERROR"}
	dateKeys    = []string{"GRB_DATE", "SRC_DATE", "EVENT_DATE", "DISCOVERY_DATE"}
	timeKeys    = []string{"GRB_TIME", "SRC_TIME", "EVENT_TIME", "DISCOVERY_TIME"}
)

const noticeDateLayout = "Mon 02 Jan 06 15:04:05 UT"

func (p *TextParser) Parse(raw []byte, src Source) (*model.EventCandidate, error) {
	fields := map[string]string{}
	for _, m := range textLineRe.FindAllStringSubmatch(string(raw), -1) {
		if _, seen := fields[m[1]]; !seen {
			fields[m[1]] = strings.TrimSpace(m[2])
		}
	}
	if len(fields) == 0 {
		return nil, model.Malformed(src.Tag, "payload", "no KEY: value lines found")
	}

	c := &model.EventCandidate{Confidence: -1}

	if v, ok := firstField(fields, triggerKeys); ok {
		if num := digitsRe.FindString(v); num != "" {
			c.ID = model.CandidateID(src.Tag, num)
		} else {
			c.ID = model.CandidateID(src.Tag, strings.Fields(v)[0])
		}
	}

	ra, okRA := fieldFloat(fields, raKeys)
	dec, okDec := fieldFloat(fields, decKeys)
	if !okRA || !okDec {
		return nil, model.Malformed(src.Tag, "position", "missing sky position")
	}
	c.RA, c.Dec = ra, dec

	if v, ok := firstField(fields, errorKeys); ok {
		if r, okF := firstFloat(v); okF {
			c.ErrorRadius = errorToDegrees(r, v)
		}
	}

	if t, ok := triggerTime(fields); ok {
		c.Time = t
	} else if v, ok := fields["NOTICE_DATE"]; ok {
		if t, err := time.Parse(noticeDateLayout, v); err == nil {
			c.Time = t.UTC()
		}
	}

	whole := string(raw)
	c.Intent = inferIntent(fields["NOTICE_TYPE"] + " " + fields["COMMENTS"])
	if isTestNotice(whole) {
		c.EventType = model.TypeTest
	}
	if v, ok := fields["INSTRUMENT"]; ok {
		c.Instrument = v
	}
	return c, nil
}

func firstField(fields map[string]string, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func fieldFloat(fields map[string]string, keys []string) (float64, bool) {
	v, ok := firstField(fields, keys)
	if !ok {
		return 0, false
	}
	return firstFloat(v)
}

func firstFloat(s string) (float64, bool) {
	m := floatRe.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// errorToDegrees converts an uncertainty value using the unit named in
// the raw field text. Classic notices report arcmin for narrow-field
// instruments and degrees for wide-field ones.
func errorToDegrees(v float64, rawField string) float64 {
	lower := strings.ToLower(rawField)
	switch {
	case strings.Contains(lower, "arcsec"):
		return v / 3600
	case strings.Contains(lower, "arcmin"):
		return v / 60
	default:
		return v
	}
}

// triggerTime composes the trigger timestamp from the DATE line's
// trailing yy/mm/dd stamp and the TIME line's braced clock.
func triggerTime(fields map[string]string) (time.Time, bool) {
	dv, okD := firstField(fields, dateKeys)
	tv, okT := firstField(fields, timeKeys)
	if !okD || !okT {
		return time.Time{}, false
	}
	dm := slashDateRe.FindStringSubmatch(dv)
	tm := braceTimeRe.FindStringSubmatch(tv)
	if dm == nil || tm == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(dm[1])
	month, _ := strconv.Atoi(dm[2])
	day, _ := strconv.Atoi(dm[3])
	hour, _ := strconv.Atoi(tm[1])
	minute, _ := strconv.Atoi(tm[2])
	sec, _ := strconv.ParseFloat(tm[3], 64)
	whole := int(sec)
	nsec := int((sec - float64(whole)) * 1e9)
	return time.Date(2000+year, time.Month(month), day, hour, minute, whole, nsec, time.UTC), true
}
