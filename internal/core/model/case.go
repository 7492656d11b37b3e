package model

import "time"

// CaseStatus is the lifecycle state of an ambiguous resolution.
type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseResolved CaseStatus = "resolved"
)

// AmbiguousCase parks a candidate the resolver could not confidently place:
// two or more nodes scored inside the margin of each other. The case keeps
// the full candidate so re-evaluation can re-run matching later. Cases are
// closed by re-evaluation or manual override, never dropped.
type AmbiguousCase struct {
	UUID      string         `json:"uuid"`
	Candidate EventCandidate `json:"candidate"`

	// NodeIDs are the competing nodes at open time, best score first.
	NodeIDs []string           `json:"node_ids"`
	Scores  map[string]float64 `json:"scores"`

	Status     CaseStatus `json:"status"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// Resolution describes how the case closed ("merged into <uuid>",
	// "new node <uuid>", "nodes merged by operator", ...).
	Resolution string `json:"resolution,omitempty"`
}

// References reports whether the case lists nodeID among its competitors.
func (c *AmbiguousCase) References(nodeID string) bool {
	for _, id := range c.NodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}
