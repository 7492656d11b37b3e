package model

import (
	"strings"
	"time"
)

// EdgeKind enumerates the relation types maintained by the updater.
type EdgeKind string

const (
	// EdgeTemporalSuccessor orders candidate evidence within one node.
	EdgeTemporalSuccessor EdgeKind = "TEMPORAL_SUCCESSOR"
	// EdgeCoDetectedBy links a node to an instrument that observed it.
	EdgeCoDetectedBy EdgeKind = "CO_DETECTED_BY"
	// EdgeClassifiedAs links a node to a classification label.
	EdgeClassifiedAs EdgeKind = "CLASSIFIED_AS"
	// EdgeMergedWith records the provenance of a two-node merge.
	EdgeMergedWith EdgeKind = "MERGED_WITH"
)

// Edge is a typed, append-only relation. From is always a node UUID; To is
// a node UUID or an instrument/class/candidate entity ref depending on Kind.
type Edge struct {
	UUID      string    `json:"uuid"`
	Kind      EdgeKind  `json:"kind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"created_at"`

	// CandidateID names the candidate whose processing produced the edge,
	// empty for edges written by a two-node merge.
	CandidateID string `json:"candidate_id,omitempty"`
}

const (
	instrumentRefPrefix = "instrument:"
	classRefPrefix      = "class:"
	candidateRefPrefix  = "candidate:"
)

// InstrumentRef builds the entity reference for an instrument tag.
func InstrumentRef(tag string) string { return instrumentRefPrefix + tag }

// ClassRef builds the entity reference for a classification label.
func ClassRef(label string) string { return classRefPrefix + label }

// CandidateRef builds the entity reference for a candidate, used by
// TEMPORAL_SUCCESSOR edges to record evidence order.
func CandidateRef(id string) string { return candidateRefPrefix + id }

// IsEntityRef reports whether ref names an instrument, classification, or
// candidate entity rather than a transient node.
func IsEntityRef(ref string) bool {
	return strings.HasPrefix(ref, instrumentRefPrefix) ||
		strings.HasPrefix(ref, classRefPrefix) ||
		strings.HasPrefix(ref, candidateRefPrefix)
}

// RefName strips the entity prefix from a ref. Node UUIDs pass through
// unchanged.
func RefName(ref string) string {
	for _, prefix := range []string{instrumentRefPrefix, classRefPrefix, candidateRefPrefix} {
		if s, ok := strings.CutPrefix(ref, prefix); ok {
			return s
		}
	}
	return ref
}
