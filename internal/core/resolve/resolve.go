// Package resolve decides what happens to a normalized candidate: a new
// node, a merge into an existing node, or an open ambiguous case. The
// resolver only reads; every write it implies is carried in the returned
// Decision for the updater to apply.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core/match"
	"github.com/skygraph/afterglow/internal/core/model"
	"github.com/skygraph/afterglow/internal/store"
)

type Outcome string

const (
	// NoOp: the candidate is already accounted for (idempotent
	// resubmission).
	NoOp Outcome = "noop"
	// CreateNode: no existing node matches; the candidate seeds a new one.
	CreateNode Outcome = "create_node"
	// MergeInto: exactly one clear match; attach the candidate to Target.
	MergeInto Outcome = "merge_into"
	// OpenCase: several nodes are in contention; record them and defer.
	OpenCase Outcome = "open_case"
	// MergeNodes: two existing nodes were declared the same event; merge
	// Target and Target2, then attach the candidate to the survivor.
	MergeNodes Outcome = "merge_nodes"
)

// Decision is the resolver's verdict on one candidate. CaseID is set when
// the decision also settles an existing ambiguous case; the updater closes
// it in the same atomic unit that places the candidate.
type Decision struct {
	Outcome   Outcome
	Candidate model.EventCandidate

	Target  string // MergeInto target, or first node of a MergeNodes pair
	Target2 string // second node of a MergeNodes pair
	Score   float64

	Competitors []match.Score // contention snapshot for OpenCase

	CaseID     string
	Resolution string // note recorded on the case when CaseID is set
	Reason     string // trace for logs, never persisted on nodes
}

// Reevaluation is the outcome of re-scoring one open case. Decision is
// nil when the ambiguity has not cleared and the case stays open.
type Reevaluation struct {
	Case     *model.AmbiguousCase
	Decision *Decision
}

type Resolver struct {
	cfg     config.ResolverConfig
	matcher *match.Matcher
	store   store.GraphStore
}

func New(cfg config.ResolverConfig, m *match.Matcher, st store.GraphStore) *Resolver {
	return &Resolver{cfg: cfg, matcher: m, store: st}
}

// Decide runs the per-candidate state machine against the current graph.
func (r *Resolver) Decide(ctx context.Context, cand *model.EventCandidate) (*Decision, error) {
	return r.decide(ctx, cand, "")
}

// decide optionally ignores one open case, which is how a case under
// re-evaluation avoids tripping its own idempotence guard.
func (r *Resolver) decide(ctx context.Context, cand *model.EventCandidate, ignoreCase string) (*Decision, error) {
	nodeID, err := r.store.NodeByCandidate(ctx, cand.ID)
	switch {
	case err == nil:
		return r.decideAttached(ctx, cand, nodeID)
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	if c, err := r.store.CaseByCandidate(ctx, cand.ID); err == nil {
		if c.UUID != ignoreCase {
			return &Decision{
				Outcome:   NoOp,
				Candidate: *cand,
				Reason:    fmt.Sprintf("candidate already held by open case %s", c.UUID),
			}, nil
		}
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	scores, err := r.matcher.Rank(ctx, cand, r.store)
	if err != nil {
		return nil, err
	}

	maxV := 0.0
	for _, s := range scores {
		if s.Value > maxV {
			maxV = s.Value
		}
	}
	if maxV < r.cfg.AcceptThreshold {
		return &Decision{
			Outcome:   CreateNode,
			Candidate: *cand,
			CaseID:    ignoreCase,
			Reason:    "no node above the acceptance threshold",
		}, nil
	}

	// Everyone within Margin of the best score is still in contention.
	var contenders []match.Score
	for _, s := range scores {
		if s.Value > maxV-r.cfg.Margin {
			contenders = append(contenders, s)
		}
	}
	if len(contenders) == 1 {
		return &Decision{
			Outcome:   MergeInto,
			Candidate: *cand,
			Target:    contenders[0].Node.UUID,
			Score:     contenders[0].Value,
			CaseID:    ignoreCase,
			Reason:    fmt.Sprintf("single match at %.3f", contenders[0].Value),
		}, nil
	}
	return &Decision{
		Outcome:     OpenCase,
		Candidate:   *cand,
		Competitors: contenders,
		CaseID:      ignoreCase,
		Reason:      fmt.Sprintf("%d nodes within margin of %.3f", len(contenders), maxV),
	}, nil
}

// decideAttached handles resubmission of a trigger that already lives in
// a node. Ordinary duplicates are no-ops; a retraction of a live trigger
// still flows through so the node picks up the retracted classification.
func (r *Resolver) decideAttached(ctx context.Context, cand *model.EventCandidate, nodeID string) (*Decision, error) {
	if cand.Intent == model.IntentRetraction {
		n, err := r.store.GetNode(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if n.Classification != model.ClassRetracted {
			return &Decision{
				Outcome:   MergeInto,
				Candidate: *cand,
				Target:    nodeID,
				Reason:    "retraction of an attached trigger",
			}, nil
		}
	}
	return &Decision{
		Outcome:   NoOp,
		Candidate: *cand,
		Target:    nodeID,
		Reason:    fmt.Sprintf("candidate already attached to node %s", nodeID),
	}, nil
}

// Reevaluate re-scores every open case referencing nodeID. The set is
// bounded by construction; nothing outside those cases is recomputed.
func (r *Resolver) Reevaluate(ctx context.Context, nodeID string) ([]Reevaluation, error) {
	cases, err := r.store.ListCases(ctx, model.CaseFilter{Status: model.CaseOpen, NodeID: nodeID})
	if err != nil {
		return nil, err
	}
	out := make([]Reevaluation, 0, len(cases))
	for _, c := range cases {
		d, err := r.decide(ctx, &c.Candidate, c.UUID)
		if err != nil {
			return nil, err
		}
		if d.Outcome == OpenCase || d.Outcome == NoOp {
			out = append(out, Reevaluation{Case: c})
			continue
		}
		d.Resolution = fmt.Sprintf("re-evaluation after corroboration of %s: %s", nodeID, d.Reason)
		out = append(out, Reevaluation{Case: c, Decision: d})
	}
	return out, nil
}

// Override resolves an open case by hand. Exactly one of the three
// choices must be set.
type Override struct {
	// MergeInto attaches the case's candidate to this competitor node.
	MergeInto string
	// CreateNew gives the candidate its own node.
	CreateNew bool
	// SameEvent declares two competitor nodes one physical event; they are
	// merged and the candidate follows the survivor.
	SameEvent []string
	// Note is recorded on the case as its resolution.
	Note string
}

func (r *Resolver) Override(ctx context.Context, caseID string, o Override) (*Decision, error) {
	c, err := r.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CaseOpen {
		return nil, fmt.Errorf("case %s is already resolved", caseID)
	}

	chosen := 0
	if o.MergeInto != "" {
		chosen++
	}
	if o.CreateNew {
		chosen++
	}
	if len(o.SameEvent) > 0 {
		chosen++
	}
	if chosen != 1 {
		return nil, fmt.Errorf("override must set exactly one of merge_into, create_new, same_event")
	}

	note := o.Note
	if note == "" {
		note = "manual override"
	}

	switch {
	case o.CreateNew:
		return &Decision{
			Outcome:    CreateNode,
			Candidate:  c.Candidate,
			CaseID:     caseID,
			Resolution: note,
			Reason:     "manual override: new node",
		}, nil

	case o.MergeInto != "":
		target, err := r.competitor(ctx, c, o.MergeInto)
		if err != nil {
			return nil, err
		}
		return &Decision{
			Outcome:    MergeInto,
			Candidate:  c.Candidate,
			Target:     target,
			CaseID:     caseID,
			Resolution: note,
			Reason:     "manual override: merge",
		}, nil

	default:
		if len(o.SameEvent) != 2 {
			return nil, fmt.Errorf("same_event needs exactly two node ids, got %d", len(o.SameEvent))
		}
		a, err := r.competitor(ctx, c, o.SameEvent[0])
		if err != nil {
			return nil, err
		}
		b, err := r.competitor(ctx, c, o.SameEvent[1])
		if err != nil {
			return nil, err
		}
		if a == b {
			return nil, fmt.Errorf("same_event nodes already resolve to the same canonical node %s", a)
		}
		return &Decision{
			Outcome:    MergeNodes,
			Candidate:  c.Candidate,
			Target:     a,
			Target2:    b,
			CaseID:     caseID,
			Resolution: note,
			Reason:     "manual override: same event",
		}, nil
	}
}

// competitor canonicalizes id and checks it is one of the case's recorded
// contenders (also canonicalized, since nodes may have merged since the
// case opened).
func (r *Resolver) competitor(ctx context.Context, c *model.AmbiguousCase, id string) (string, error) {
	canon, err := r.store.Canonical(ctx, id)
	if err != nil {
		return "", err
	}
	for _, nid := range c.NodeIDs {
		nc, err := r.store.Canonical(ctx, nid)
		if err != nil {
			return "", err
		}
		if nc == canon {
			return canon, nil
		}
	}
	return "", fmt.Errorf("node %s is not a competitor of case %s", id, c.UUID)
}
