package model

import (
	"fmt"
	"time"
)

// Intent classifies what a notice communicates about its transient. The
// vocabulary follows the GCN circular taxonomy: first detections, follow-up
// observations of a known event, and retractions of non-events.
type Intent string

const (
	IntentDetection  Intent = "detection"
	IntentFollowUp   Intent = "followup"
	IntentRetraction Intent = "retraction"
)

// Event type labels carried by candidates and node classifications.
const (
	TypeGRB      = "GRB"
	TypeGW       = "GW"
	TypeNeutrino = "NEUTRINO"
	TypeFRB      = "FRB"
	TypeSN       = "SN"
	TypeTDE      = "TDE"
	TypeTest     = "TEST"
	TypeUnknown  = "UNKNOWN"

	// ClassRetracted marks a node whose event was withdrawn by its source.
	ClassRetracted = "RETRACTED"
)

// EventCandidate is a single normalized transient notice. Candidates are
// immutable once produced by the normalizer; the resolver only ever attaches
// them to nodes or parks them in an ambiguous case.
type EventCandidate struct {
	// ID is the natural key "<SOURCE>:<trigger>", stable across redelivery.
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Time        time.Time `json:"time"`
	RA          float64   `json:"ra"`           // degrees, [0, 360)
	Dec         float64   `json:"dec"`          // degrees, [-90, 90]
	ErrorRadius float64   `json:"error_radius"` // degrees, 1-sigma radius
	Instrument  string    `json:"instrument"`
	EventType   string    `json:"event_type"`
	Intent      Intent    `json:"intent"`
	Confidence  float64   `json:"confidence"`
	PayloadRef  string    `json:"payload_ref,omitempty"`
}

// CandidateID builds the natural key for a source tag and trigger identifier.
func CandidateID(source, trigger string) string {
	return fmt.Sprintf("%s:%s", source, trigger)
}
