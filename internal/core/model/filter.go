package model

import "time"

// NodeFilter narrows store node listings. Zero-valued fields are ignored.
// Listings only ever return canonical nodes; superseded ones are reachable
// through redirects and the history surface.
type NodeFilter struct {
	// From/To select nodes whose observed span intersects [From, To].
	From time.Time
	To   time.Time

	Classification string
	Limit          int
}

// CaseFilter narrows ambiguous-case listings. Zero-valued fields are ignored.
type CaseFilter struct {
	Status CaseStatus
	NodeID string
	Limit  int
}
