package model

import "time"

// TransientNode is a resolved physical transient: the weighted consensus of
// every candidate merged into it. Nodes are never deleted; when two nodes
// turn out to be the same event the later-created one is superseded and
// points at its canonical replacement via MergedInto.
type TransientNode struct {
	UUID        string  `json:"uuid"`
	RA          float64 `json:"ra"`
	Dec         float64 `json:"dec"`
	ErrorRadius float64 `json:"error_radius"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// CandidateIDs holds contributing candidates in attachment order.
	CandidateIDs []string `json:"candidate_ids"`

	Classification  string  `json:"classification"`
	ClassConfidence float64 `json:"class_confidence"`

	Revision  int       `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MergedInto is empty for canonical nodes. A non-empty value is the
	// UUID of the node this one was merged into; chains are resolved by
	// the store's redirect map.
	MergedInto string `json:"merged_into,omitempty"`
}

// Superseded reports whether this node has been merged into another.
func (n *TransientNode) Superseded() bool {
	return n.MergedInto != ""
}

// HasCandidate reports whether the candidate already contributes to the node.
func (n *TransientNode) HasCandidate(id string) bool {
	for _, c := range n.CandidateIDs {
		if c == id {
			return true
		}
	}
	return false
}

// SpanOverlaps reports whether t falls inside the node's observed time span
// widened by tol on both ends. This is the matcher's hard temporal gate.
func (n *TransientNode) SpanOverlaps(t time.Time, tol time.Duration) bool {
	return !t.Before(n.FirstSeen.Add(-tol)) && !t.After(n.LastSeen.Add(tol))
}

// Clone returns a deep copy. Stores hand out clones so readers never alias
// the arena's backing structs.
func (n *TransientNode) Clone() *TransientNode {
	out := *n
	out.CandidateIDs = append([]string(nil), n.CandidateIDs...)
	return &out
}
