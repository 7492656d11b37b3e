// Package query answers read-only questions about the transient graph.
// Every entry point resolves merge chains before answering: a superseded
// node is only surfaced by the explicit provenance call.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core/astro"
	"github.com/skygraph/afterglow/internal/core/model"
	"github.com/skygraph/afterglow/internal/store"
)

// ErrLimitExceeded reports that a traversal hit its depth or result bound.
// The partial result is still returned; truncation is never silent.
var ErrLimitExceeded = errors.New("traversal limit exceeded")

// EdgeSummary is one relation as seen from a node.
type EdgeSummary struct {
	Kind        model.EdgeKind `json:"kind"`
	Target      string         `json:"target"`
	CandidateID string         `json:"candidate_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// History is the provenance view of a transient: its canonical node, every
// node merged into it, and the merge edges that recorded those decisions.
type History struct {
	Canonical  *model.TransientNode   `json:"canonical"`
	Superseded []*model.TransientNode `json:"superseded,omitempty"`
	Merges     []model.Edge           `json:"merges,omitempty"`
}

// TraverseRequest walks the graph outward from a root.
type TraverseRequest struct {
	// Root is a node UUID or an entity ref such as "instrument:Fermi-GBM".
	Root string `json:"root"`
	// Kinds restricts which edge kinds the walk crosses; empty crosses all.
	Kinds []model.EdgeKind `json:"kinds,omitempty"`
	// MaxDepth and MaxResults tighten the configured ceilings; zero or
	// anything above the ceiling uses the ceiling.
	MaxDepth   int `json:"max_depth,omitempty"`
	MaxResults int `json:"max_results,omitempty"`

	// Node admission filters. Nodes failing them are still traversed
	// through, just not returned.
	Classification string    `json:"classification,omitempty"`
	Instrument     string    `json:"instrument,omitempty"`
	From           time.Time `json:"from,omitempty"`
	To             time.Time `json:"to,omitempty"`
}

// TraverseResult lists admitted nodes in visit order plus the edges the
// walk crossed. Truncated is set when a bound cut the walk short.
type TraverseResult struct {
	Nodes     []*model.TransientNode `json:"nodes"`
	Edges     []model.Edge           `json:"edges,omitempty"`
	Truncated bool                   `json:"truncated"`
}

// Near pairs a node with its angular separation from a search position.
type Near struct {
	Node       *model.TransientNode `json:"node"`
	Separation float64              `json:"separation"`
}

// Engine evaluates queries against a graph store.
type Engine struct {
	cfg   config.QueryConfig
	store store.GraphStore
}

func New(cfg config.QueryConfig, st store.GraphStore) *Engine {
	return &Engine{cfg: cfg, store: st}
}

// Lookup returns the canonical node for id, following merge chains.
func (e *Engine) Lookup(ctx context.Context, id string) (*model.TransientNode, error) {
	canonical, err := e.store.Canonical(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.store.GetNode(ctx, canonical)
}

// History returns the provenance of the transient id resolves to: the
// canonical node and the full tree of nodes merged into it.
func (e *Engine) History(ctx context.Context, id string) (*History, error) {
	canonical, err := e.store.Canonical(ctx, id)
	if err != nil {
		return nil, err
	}
	head, err := e.store.GetNode(ctx, canonical)
	if err != nil {
		return nil, err
	}

	h := &History{Canonical: head}
	queue := []string{canonical}
	seen := map[string]bool{canonical: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		merges, err := e.store.EdgesTo(ctx, cur, model.EdgeMergedWith)
		if err != nil {
			return nil, err
		}
		for _, m := range merges {
			if seen[m.From] {
				continue
			}
			seen[m.From] = true
			n, err := e.store.GetNode(ctx, m.From)
			if err != nil {
				return nil, err
			}
			h.Merges = append(h.Merges, m)
			h.Superseded = append(h.Superseded, n)
			queue = append(queue, m.From)
		}
	}
	return h, nil
}

// Neighbors summarizes the node's outgoing edges, optionally restricted to
// kinds, in append order.
func (e *Engine) Neighbors(ctx context.Context, id string, kinds ...model.EdgeKind) ([]EdgeSummary, error) {
	canonical, err := e.store.Canonical(ctx, id)
	if err != nil {
		return nil, err
	}
	edges, err := e.store.EdgesFrom(ctx, canonical, kinds...)
	if err != nil {
		return nil, err
	}
	out := make([]EdgeSummary, 0, len(edges))
	for _, edge := range edges {
		out = append(out, EdgeSummary{
			Kind:        edge.Kind,
			Target:      edge.To,
			CandidateID: edge.CandidateID,
			CreatedAt:   edge.CreatedAt,
		})
	}
	return out, nil
}

// Traverse runs a breadth-first walk from the request root, alternating
// between transient nodes and the instrument/classification/candidate
// entities they share. Hitting a bound returns the partial result together
// with ErrLimitExceeded.
func (e *Engine) Traverse(ctx context.Context, req TraverseRequest) (*TraverseResult, error) {
	if req.Root == "" {
		return nil, fmt.Errorf("traverse: empty root")
	}
	depth := boundOr(req.MaxDepth, e.cfg.MaxDepth)
	limit := boundOr(req.MaxResults, e.cfg.MaxResults)

	root := req.Root
	if !model.IsEntityRef(root) {
		canonical, err := e.store.Canonical(ctx, root)
		if err != nil {
			return nil, err
		}
		root = canonical
	}

	type step struct {
		ref   string
		depth int
	}
	res := &TraverseResult{}
	queue := []step{{ref: root}}
	visited := map[string]bool{root: true}
	crossed := map[string]bool{}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cur := queue[0]
		queue = queue[1:]

		if !model.IsEntityRef(cur.ref) {
			n, err := e.store.GetNode(ctx, cur.ref)
			if err != nil {
				return res, err
			}
			if !n.Superseded() {
				ok, err := e.admit(ctx, n, req)
				if err != nil {
					return res, err
				}
				if ok {
					if len(res.Nodes) >= limit {
						res.Truncated = true
						return res, ErrLimitExceeded
					}
					res.Nodes = append(res.Nodes, n)
				}
			}
		}

		if cur.depth >= depth {
			continue
		}
		edges, err := e.edgesAround(ctx, cur.ref, req.Kinds)
		if err != nil {
			return res, err
		}
		for _, edge := range edges {
			other := edge.To
			if other == cur.ref || model.IsEntityRef(cur.ref) {
				other = edge.From
			}
			if !model.IsEntityRef(other) {
				if other, err = e.store.Canonical(ctx, other); err != nil {
					return res, err
				}
			}
			if !crossed[edge.UUID] {
				crossed[edge.UUID] = true
				res.Edges = append(res.Edges, edge)
			}
			if visited[other] {
				continue
			}
			visited[other] = true
			queue = append(queue, step{ref: other, depth: cur.depth + 1})
		}
	}
	return res, nil
}

// edgesAround lists the edges incident to a walk position: outgoing for a
// transient node, incoming for a shared entity.
func (e *Engine) edgesAround(ctx context.Context, ref string, kinds []model.EdgeKind) ([]model.Edge, error) {
	if model.IsEntityRef(ref) {
		return e.store.EdgesTo(ctx, ref, kinds...)
	}
	return e.store.EdgesFrom(ctx, ref, kinds...)
}

func (e *Engine) admit(ctx context.Context, n *model.TransientNode, req TraverseRequest) (bool, error) {
	if req.Classification != "" && n.Classification != req.Classification {
		return false, nil
	}
	if !store.SpanIntersects(n.FirstSeen, n.LastSeen, req.From, req.To) {
		return false, nil
	}
	if req.Instrument == "" {
		return true, nil
	}
	edges, err := e.store.EdgesFrom(ctx, n.UUID, model.EdgeCoDetectedBy)
	if err != nil {
		return false, err
	}
	ref := model.InstrumentRef(req.Instrument)
	for _, edge := range edges {
		if edge.To == ref {
			return true, nil
		}
	}
	return false, nil
}

// Nearest returns canonical nodes within radius degrees of a position,
// closest first. Limit tightens the configured result ceiling.
func (e *Engine) Nearest(ctx context.Context, ra, dec, radius float64, limit int) ([]Near, error) {
	if radius <= 0 {
		return nil, fmt.Errorf("nearest: search radius must be positive, got %g", radius)
	}
	if dec < -90 || dec > 90 {
		return nil, fmt.Errorf("nearest: declination %g out of range", dec)
	}
	ra = astro.NormalizeRA(ra)
	limit = boundOr(limit, e.cfg.MaxResults)

	nodes, err := e.store.ListNodes(ctx, model.NodeFilter{})
	if err != nil {
		return nil, err
	}
	var out []Near
	for _, n := range nodes {
		sep := astro.AngularSeparation(ra, dec, n.RA, n.Dec)
		if sep > radius {
			continue
		}
		out = append(out, Near{Node: n, Separation: sep})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Separation != out[j].Separation {
			return out[i].Separation < out[j].Separation
		}
		return out[i].Node.UUID < out[j].Node.UUID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// boundOr clamps a requested bound to a configured ceiling; zero or
// negative requests mean "use the ceiling".
func boundOr(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}
