package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/skygraph/afterglow/internal/core/model"
)

// Memory is the in-process GraphStore: an arena of nodes indexed by UUID
// with a separate redirect map from superseded IDs to canonical ones.
// Nodes are never removed from the arena; supersession only adds a
// redirect. A single RWMutex makes every Apply atomic to readers.
type Memory struct {
	mu sync.RWMutex

	nodes     map[string]*model.TransientNode
	redirects map[string]string

	edges     []model.Edge
	edgesFrom map[string][]int
	edgesTo   map[string][]int

	cases     map[string]*model.AmbiguousCase
	caseOrder []string

	candidates map[string]model.EventCandidate
	candToNode map[string]string
	candToCase map[string]string
}

// NewMemory returns an empty in-process graph store.
func NewMemory() *Memory {
	return &Memory{
		nodes:      make(map[string]*model.TransientNode),
		redirects:  make(map[string]string),
		edgesFrom:  make(map[string][]int),
		edgesTo:    make(map[string][]int),
		cases:      make(map[string]*model.AmbiguousCase),
		candidates: make(map[string]model.EventCandidate),
		candToNode: make(map[string]string),
		candToCase: make(map[string]string),
	}
}

func (s *Memory) GetNode(_ context.Context, id string) (*model.TransientNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, model.ErrNotFound)
	}
	return n.Clone(), nil
}

func (s *Memory) Canonical(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canonicalLocked(id)
}

func (s *Memory) canonicalLocked(id string) (string, error) {
	if _, ok := s.nodes[id]; !ok {
		if _, redirected := s.redirects[id]; !redirected {
			return "", fmt.Errorf("node %s: %w", id, model.ErrNotFound)
		}
	}
	// Chains stay short; the hop bound only guards against a corrupted map.
	for hops := 0; hops <= len(s.redirects); hops++ {
		next, ok := s.redirects[id]
		if !ok {
			return id, nil
		}
		id = next
	}
	return "", fmt.Errorf("redirect cycle at node %s", id)
}

func (s *Memory) NodeByCandidate(_ context.Context, candidateID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.candToNode[candidateID]
	if !ok {
		return "", fmt.Errorf("candidate %s: %w", candidateID, model.ErrNotFound)
	}
	return s.canonicalLocked(id)
}

func (s *Memory) GetCandidate(_ context.Context, id string) (*model.EventCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", id, model.ErrNotFound)
	}
	return &c, nil
}

func (s *Memory) ListNodes(_ context.Context, f model.NodeFilter) ([]*model.TransientNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.TransientNode
	for _, n := range s.nodes {
		if n.Superseded() {
			continue
		}
		if !SpanIntersects(n.FirstSeen, n.LastSeen, f.From, f.To) {
			continue
		}
		if f.Classification != "" && n.Classification != f.Classification {
			continue
		}
		out = append(out, n.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].UUID < out[j].UUID
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) EdgesFrom(_ context.Context, id string, kinds ...model.EdgeKind) ([]model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, err := s.canonicalLocked(id)
	if err != nil {
		return nil, err
	}
	return s.selectEdgesLocked(s.edgesFrom[from], kinds), nil
}

func (s *Memory) EdgesTo(_ context.Context, ref string, kinds ...model.EdgeKind) ([]model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectEdgesLocked(s.edgesTo[ref], kinds), nil
}

func (s *Memory) selectEdgesLocked(idx []int, kinds []model.EdgeKind) []model.Edge {
	var out []model.Edge
	for _, i := range idx {
		e := s.edges[i]
		if len(kinds) > 0 && !kindIn(e.Kind, kinds) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func kindIn(k model.EdgeKind, kinds []model.EdgeKind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func (s *Memory) GetCase(_ context.Context, id string) (*model.AmbiguousCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, model.ErrNotFound)
	}
	return cloneCase(c), nil
}

func (s *Memory) CaseByCandidate(_ context.Context, candidateID string) (*model.AmbiguousCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.candToCase[candidateID]
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", candidateID, model.ErrNotFound)
	}
	return cloneCase(s.cases[id]), nil
}

func (s *Memory) ListCases(_ context.Context, f model.CaseFilter) ([]*model.AmbiguousCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.AmbiguousCase
	for i := len(s.caseOrder) - 1; i >= 0; i-- {
		c := s.cases[s.caseOrder[i]]
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.NodeID != "" && !c.References(f.NodeID) {
			continue
		}
		out = append(out, cloneCase(c))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) Apply(_ context.Context, m *Mutation) error {
	if m == nil || m.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Redirects first: re-pointing must see the pre-mutation edge set, and
	// new edges below are already written against canonical IDs.
	for superseded, target := range m.Redirects {
		canonical := target
		for hops := 0; hops <= len(s.redirects); hops++ {
			next, ok := s.redirects[canonical]
			if !ok {
				break
			}
			canonical = next
		}
		if canonical == superseded {
			return fmt.Errorf("redirect %s -> %s would form a cycle", superseded, target)
		}
		s.redirects[superseded] = canonical
		s.repointLocked(superseded, canonical)
	}

	for _, n := range m.UpsertNodes {
		s.nodes[n.UUID] = n.Clone()
		for _, candID := range n.CandidateIDs {
			s.candToNode[candID] = n.UUID
		}
	}

	for _, c := range m.UpsertCases {
		if _, ok := s.cases[c.UUID]; !ok {
			s.caseOrder = append(s.caseOrder, c.UUID)
		}
		s.cases[c.UUID] = cloneCase(c)
		if c.Status == model.CaseOpen {
			s.candToCase[c.Candidate.ID] = c.UUID
		} else if s.candToCase[c.Candidate.ID] == c.UUID {
			delete(s.candToCase, c.Candidate.ID)
		}
	}

	for _, c := range m.PutCandidates {
		s.candidates[c.ID] = c
	}

	for _, e := range m.AppendEdges {
		i := len(s.edges)
		s.edges = append(s.edges, e)
		s.edgesFrom[e.From] = append(s.edgesFrom[e.From], i)
		s.edgesTo[e.To] = append(s.edgesTo[e.To], i)
	}

	return nil
}

// repointLocked rewrites edge refs of a superseded node to its canonical
// replacement. MERGED_WITH edges are exempt: they are the provenance record
// of the merge itself.
func (s *Memory) repointLocked(superseded, canonical string) {
	touched := false
	for i := range s.edges {
		e := &s.edges[i]
		if e.Kind == model.EdgeMergedWith {
			continue
		}
		if e.From == superseded {
			e.From = canonical
			touched = true
		}
		if e.To == superseded {
			e.To = canonical
			touched = true
		}
	}
	if !touched {
		return
	}

	s.edgesFrom = make(map[string][]int, len(s.edgesFrom))
	s.edgesTo = make(map[string][]int, len(s.edgesTo))
	for i, e := range s.edges {
		s.edgesFrom[e.From] = append(s.edgesFrom[e.From], i)
		s.edgesTo[e.To] = append(s.edgesTo[e.To], i)
	}
}

func (s *Memory) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := 0
	for _, c := range s.cases {
		if c.Status == model.CaseOpen {
			open++
		}
	}
	return Stats{
		Nodes:     len(s.nodes),
		Canonical: len(s.nodes) - len(s.redirects),
		Edges:     len(s.edges),
		OpenCases: open,
	}, nil
}

func (s *Memory) BuildIndices(_ context.Context) error { return nil }

func (s *Memory) Close(_ context.Context) error { return nil }

func cloneCase(c *model.AmbiguousCase) *model.AmbiguousCase {
	out := *c
	out.NodeIDs = append([]string(nil), c.NodeIDs...)
	if c.Scores != nil {
		out.Scores = make(map[string]float64, len(c.Scores))
		for k, v := range c.Scores {
			out.Scores[k] = v
		}
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
