// Package store defines the graph persistence boundary. The core never
// assumes a storage technology: it reads through GraphStore and commits
// every updater operation as one Mutation the backend must make visible
// atomically. Two backends ship: an in-process memory arena and a Bolt
// (Neo4j-protocol) store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/skygraph/afterglow/internal/core/model"
)

// ErrUnavailable signals a transient backend failure. Callers retry a
// bounded number of times before surfacing it; the ingest transport's
// redelivery policy owns anything beyond that.
var ErrUnavailable = errors.New("graph store unavailable")

// Mutation is the atomic write unit of one updater operation. A reader
// observes all of it or none of it: a node must never be visible with a
// candidate attached but its position not yet re-estimated.
type Mutation struct {
	// UpsertNodes are written whole; the store keeps no partial node state.
	UpsertNodes []*model.TransientNode
	// AppendEdges are new relations; edges are never updated or deleted
	// through this boundary.
	AppendEdges []model.Edge
	// UpsertCases creates or closes ambiguous cases.
	UpsertCases []*model.AmbiguousCase
	// PutCandidates records normalized notices for provenance lookups.
	PutCandidates []model.EventCandidate
	// Redirects maps superseded node UUIDs to their canonical targets. The
	// store re-points existing non-provenance edge refs accordingly.
	Redirects map[string]string
}

// Empty reports whether applying the mutation would change nothing.
func (m *Mutation) Empty() bool {
	return len(m.UpsertNodes) == 0 && len(m.AppendEdges) == 0 &&
		len(m.UpsertCases) == 0 && len(m.PutCandidates) == 0 && len(m.Redirects) == 0
}

// Stats summarizes graph size for health and metrics surfaces.
type Stats struct {
	Nodes     int `json:"nodes"`
	Canonical int `json:"canonical"`
	Edges     int `json:"edges"`
	OpenCases int `json:"open_cases"`
}

// GraphStore is the storage boundary consumed by the matcher, resolver,
// updater, and query engine.
type GraphStore interface {
	// GetNode returns the node with the exact UUID, superseded included.
	GetNode(ctx context.Context, id string) (*model.TransientNode, error)

	// Canonical follows the redirect chain from id to its canonical node
	// UUID. Canonical IDs map to themselves.
	Canonical(ctx context.Context, id string) (string, error)

	// NodeByCandidate returns the UUID of the node owning the candidate,
	// resolved through redirects, or ErrNotFound.
	NodeByCandidate(ctx context.Context, candidateID string) (string, error)

	// GetCandidate returns a previously stored normalized notice.
	GetCandidate(ctx context.Context, id string) (*model.EventCandidate, error)

	// ListNodes returns canonical nodes matching the filter, ordered by
	// first-seen time then UUID.
	ListNodes(ctx context.Context, f model.NodeFilter) ([]*model.TransientNode, error)

	// EdgesFrom returns the node's outgoing edges, optionally restricted
	// to kinds, in append order. The id may be superseded; refs are
	// resolved to canonical endpoints except MERGED_WITH provenance.
	EdgesFrom(ctx context.Context, id string, kinds ...model.EdgeKind) ([]model.Edge, error)

	// EdgesTo returns edges pointing at a node UUID or entity ref, in
	// append order. Used for merge-history walks and for traversing from
	// instrument or classification entities back to transients.
	EdgesTo(ctx context.Context, ref string, kinds ...model.EdgeKind) ([]model.Edge, error)

	// GetCase returns an ambiguous case by UUID.
	GetCase(ctx context.Context, id string) (*model.AmbiguousCase, error)

	// CaseByCandidate returns the open case holding the candidate, or
	// ErrNotFound.
	CaseByCandidate(ctx context.Context, candidateID string) (*model.AmbiguousCase, error)

	// ListCases returns cases matching the filter, newest first.
	ListCases(ctx context.Context, f model.CaseFilter) ([]*model.AmbiguousCase, error)

	// Apply commits one mutation atomically with respect to readers.
	Apply(ctx context.Context, m *Mutation) error

	// Stats reports graph size.
	Stats(ctx context.Context) (Stats, error)

	// BuildIndices prepares backend indexes; a no-op where not needed.
	BuildIndices(ctx context.Context) error

	Close(ctx context.Context) error
}

// SpanIntersects reports whether a node's [first, last] observation span
// intersects the filter window [from, to]; zero bounds are open.
func SpanIntersects(first, last, from, to time.Time) bool {
	if !to.IsZero() && first.After(to) {
		return false
	}
	if !from.IsZero() && last.Before(from) {
		return false
	}
	return true
}
