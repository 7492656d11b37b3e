package normalize

import (
	"bytes"
	"encoding/json"

	"github.com/skygraph/afterglow/internal/core/model"
)

// JSONParser reads Kafka-style unified JSON notices.
type JSONParser struct{}

type jsonNotice struct {
	TriggerID     flexString `json:"trigger_id"`
	AlertDatetime string     `json:"alert_datetime"`
	RA            *float64   `json:"ra"`
	Dec           *float64   `json:"dec"`
	ErrorRadius   *float64   `json:"error_radius"`
	Instrument    string     `json:"instrument"`
	EventType     string     `json:"event_type"`
	AlertType     string     `json:"alert_type"`
	Confidence    *float64   `json:"confidence"`
	PayloadRef    string     `json:"payload_ref"`
}

// flexString absorbs trigger identifiers that arrive both quoted and as
// bare numbers.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

func (p *JSONParser) Parse(raw []byte, src Source) (*model.EventCandidate, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var n jsonNotice
	if err := dec.Decode(&n); err != nil {
		return nil, model.Malformed(src.Tag, "payload", "invalid JSON: "+err.Error())
	}

	if n.RA == nil || n.Dec == nil {
		return nil, model.Malformed(src.Tag, "position", "missing sky position")
	}

	c := &model.EventCandidate{
		RA:         *n.RA,
		Dec:        *n.Dec,
		Instrument: n.Instrument,
		EventType:  n.EventType,
		Intent:     alertIntent(n.AlertType),
		Confidence: -1,
		PayloadRef: n.PayloadRef,
	}
	if n.TriggerID != "" {
		c.ID = model.CandidateID(src.Tag, string(n.TriggerID))
	}
	if n.ErrorRadius != nil {
		c.ErrorRadius = *n.ErrorRadius
	}
	if n.Confidence != nil {
		c.Confidence = *n.Confidence
	}
	if n.AlertDatetime != "" {
		t, ok := parseTimeAny(n.AlertDatetime)
		if !ok {
			return nil, model.Malformed(src.Tag, "time", "unparseable timestamp "+n.AlertDatetime)
		}
		c.Time = t
	}
	return c, nil
}

// alertIntent maps the unified-schema alert_type field onto an intent.
func alertIntent(alertType string) model.Intent {
	switch alertType {
	case "retraction":
		return model.IntentRetraction
	case "update", "observation", "followup":
		return model.IntentFollowUp
	default:
		return model.IntentDetection
	}
}
