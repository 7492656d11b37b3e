package normalize

import (
	"encoding/xml"

	"github.com/skygraph/afterglow/internal/core/model"
)

// VOEventParser reads VOEvent 2.0 XML packets: position and time from
// WhereWhen, trigger identity and flags from What params.
type VOEventParser struct{}

type voEvent struct {
	XMLName xml.Name    `xml:"VOEvent"`
	IVORN   string      `xml:"ivorn,attr"`
	Role    string      `xml:"role,attr"`
	What    voWhat      `xml:"What"`
	Where   voWhereWhen `xml:"WhereWhen"`
}

type voWhat struct {
	Params []voParam `xml:"Param"`
	Groups []voGroup `xml:"Group"`
}

type voGroup struct {
	Name   string    `xml:"name,attr"`
	Params []voParam `xml:"Param"`
}

type voParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type voWhereWhen struct {
	ObsDataLocation struct {
		ObservationLocation struct {
			AstroCoords struct {
				Time struct {
					TimeInstant struct {
						ISOTime string `xml:"ISOTime"`
					} `xml:"TimeInstant"`
				} `xml:"Time"`
				Position2D *voPosition `xml:"Position2D"`
			} `xml:"AstroCoords"`
		} `xml:"ObservationLocation"`
	} `xml:"ObsDataLocation"`
}

type voPosition struct {
	Value2 struct {
		C1 float64 `xml:"C1"`
		C2 float64 `xml:"C2"`
	} `xml:"Value2"`
	Error2Radius float64 `xml:"Error2Radius"`
}

func (p *VOEventParser) Parse(raw []byte, src Source) (*model.EventCandidate, error) {
	var ev voEvent
	if err := xml.Unmarshal(raw, &ev); err != nil {
		return nil, model.Malformed(src.Tag, "payload", "invalid VOEvent XML: "+err.Error())
	}

	coords := ev.Where.ObsDataLocation.ObservationLocation.AstroCoords
	if coords.Position2D == nil {
		return nil, model.Malformed(src.Tag, "position", "missing Position2D")
	}

	c := &model.EventCandidate{
		RA:          coords.Position2D.Value2.C1,
		Dec:         coords.Position2D.Value2.C2,
		ErrorRadius: coords.Position2D.Error2Radius,
		Intent:      model.IntentDetection,
		Confidence:  -1,
		PayloadRef:  ev.IVORN,
	}

	if iso := coords.Time.TimeInstant.ISOTime; iso != "" {
		t, ok := parseTimeAny(iso)
		if !ok {
			return nil, model.Malformed(src.Tag, "time", "unparseable ISOTime "+iso)
		}
		c.Time = t
	}

	if trig, ok := voFindParam(ev.What, "TrigID", "Trigger_ID", "EventID"); ok {
		c.ID = model.CandidateID(src.Tag, trig)
	}
	if v, ok := voFindParam(ev.What, "Retraction"); ok && (v == "1" || v == "true") {
		c.Intent = model.IntentRetraction
	}
	if ev.Role == "test" {
		c.EventType = model.TypeTest
	}
	return c, nil
}

func voFindParam(w voWhat, names ...string) (string, bool) {
	for _, name := range names {
		for _, p := range w.Params {
			if p.Name == name {
				return p.Value, true
			}
		}
		for _, g := range w.Groups {
			for _, p := range g.Params {
				if p.Name == name {
					return p.Value, true
				}
			}
		}
	}
	return "", false
}
