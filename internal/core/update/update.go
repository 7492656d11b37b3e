// Package update turns resolver decisions into graph writes. One Apply call
// is one logical unit of work: every node, edge, case, and candidate record
// it produces is committed through a single store mutation, so readers see
// either the whole outcome or none of it.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core/astro"
	"github.com/skygraph/afterglow/internal/core/model"
	"github.com/skygraph/afterglow/internal/core/resolve"
	"github.com/skygraph/afterglow/internal/store"
)

// maxChase bounds how often a merge target may move underneath us while we
// wait for its lock.
const maxChase = 16

// Result reports what one applied decision changed.
type Result struct {
	// Node is the canonical node the candidate now contributes to, nil when
	// the decision touched no node.
	Node *model.TransientNode
	// Case is the ambiguous case the decision opened or settled, if any.
	Case *model.AmbiguousCase
	// Corroborated marks a merge that counts as strong independent
	// confirmation of the node. The pipeline re-evaluates open cases
	// referencing the node when this is set.
	Corroborated bool
}

// Updater applies resolver decisions to the graph store.
type Updater struct {
	store store.GraphStore
	log   *slog.Logger

	retries       int
	backoff       time.Duration
	corroboration float64

	locks lockTable
}

func New(storage config.StorageConfig, resolver config.ResolverConfig, st store.GraphStore, log *slog.Logger) *Updater {
	return &Updater{
		store:         st,
		log:           log,
		retries:       storage.Retries,
		backoff:       storage.Backoff.Std(),
		corroboration: resolver.CorroborationConfidence,
		locks:         lockTable{locks: make(map[string]*sync.Mutex)},
	}
}

// Apply commits a decision. It is safe to call concurrently; writes touching
// the same node serialize on that node's lock, unrelated nodes do not.
func (u *Updater) Apply(ctx context.Context, d *resolve.Decision) (*Result, error) {
	switch d.Outcome {
	case resolve.NoOp:
		return &Result{}, nil
	case resolve.CreateNode:
		return u.createNode(ctx, d)
	case resolve.MergeInto:
		return u.mergeInto(ctx, d)
	case resolve.MergeNodes:
		return u.mergeNodes(ctx, d)
	case resolve.OpenCase:
		return u.openCase(ctx, d)
	default:
		return nil, fmt.Errorf("unknown decision outcome %q", d.Outcome)
	}
}

func (u *Updater) createNode(ctx context.Context, d *resolve.Decision) (*Result, error) {
	c := d.Candidate
	now := time.Now().UTC()

	n := &model.TransientNode{
		UUID:         uuid.NewString(),
		RA:           c.RA,
		Dec:          c.Dec,
		ErrorRadius:  c.ErrorRadius,
		FirstSeen:    c.Time,
		LastSeen:     c.Time,
		CandidateIDs: []string{c.ID},
		Revision:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if label := classLabel(c); label != "" {
		n.Classification = label
		n.ClassConfidence = c.Confidence
	}

	mut := &store.Mutation{
		UpsertNodes:   []*model.TransientNode{n},
		PutCandidates: []model.EventCandidate{c},
	}
	if c.Instrument != "" {
		mut.AppendEdges = append(mut.AppendEdges,
			newEdge(model.EdgeCoDetectedBy, n.UUID, model.InstrumentRef(c.Instrument), c.ID, now))
	}
	if n.Classification != "" {
		mut.AppendEdges = append(mut.AppendEdges,
			newEdge(model.EdgeClassifiedAs, n.UUID, model.ClassRef(n.Classification), c.ID, now))
	}

	cs, err := u.settleCase(ctx, d, mut, now)
	if err != nil {
		return nil, err
	}
	if err := u.write(ctx, mut); err != nil {
		return nil, err
	}
	u.log.Info("transient created",
		"node", n.UUID, "candidate", c.ID, "class", n.Classification)
	return &Result{Node: n, Case: cs}, nil
}

func (u *Updater) mergeInto(ctx context.Context, d *resolve.Decision) (*Result, error) {
	c := d.Candidate

	n, unlock, err := u.lockCanonical(ctx, d.Target)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := time.Now().UTC()
	mut := &store.Mutation{PutCandidates: []model.EventCandidate{c}}

	secondInstrument, err := u.attach(ctx, n, c, nil, mut, now)
	if err != nil {
		return nil, err
	}
	n.Revision++
	n.UpdatedAt = now
	mut.UpsertNodes = []*model.TransientNode{n}

	cs, err := u.settleCase(ctx, d, mut, now)
	if err != nil {
		return nil, err
	}
	if err := u.write(ctx, mut); err != nil {
		return nil, err
	}

	corroborated := false
	switch {
	case c.Intent == model.IntentFollowUp && c.Confidence >= u.corroboration:
		corroborated = true
	case secondInstrument && hardClass(n.Classification):
		corroborated = true
	}

	u.log.Info("candidate merged",
		"node", n.UUID, "candidate", c.ID,
		"revision", n.Revision, "corroborated", corroborated)
	return &Result{Node: n, Case: cs, Corroborated: corroborated}, nil
}

func (u *Updater) mergeNodes(ctx context.Context, d *resolve.Decision) (*Result, error) {
	aID, err := u.store.Canonical(ctx, d.Target)
	if err != nil {
		return nil, err
	}
	bID, err := u.store.Canonical(ctx, d.Target2)
	if err != nil {
		return nil, err
	}
	if aID == bID {
		// Already merged; the candidate still needs a home.
		folded := *d
		folded.Outcome = resolve.MergeInto
		folded.Target = aID
		return u.mergeInto(ctx, &folded)
	}

	unlock := u.locks.acquire(aID, bID)
	defer unlock()

	a, err := u.store.GetNode(ctx, aID)
	if err != nil {
		return nil, err
	}
	b, err := u.store.GetNode(ctx, bID)
	if err != nil {
		return nil, err
	}
	if a.Superseded() || b.Superseded() {
		return nil, fmt.Errorf("node merge %s+%s: a target was superseded mid-flight, retry", aID, bID)
	}

	winner, loser := a, b
	if loser.CreatedAt.Before(winner.CreatedAt) ||
		(loser.CreatedAt.Equal(winner.CreatedAt) && loser.UUID < winner.UUID) {
		winner, loser = loser, winner
	}

	now := time.Now().UTC()
	winner.RA, winner.Dec, winner.ErrorRadius = astro.CombinePositions(
		winner.RA, winner.Dec, winner.ErrorRadius,
		loser.RA, loser.Dec, loser.ErrorRadius)
	if loser.FirstSeen.Before(winner.FirstSeen) {
		winner.FirstSeen = loser.FirstSeen
	}
	if loser.LastSeen.After(winner.LastSeen) {
		winner.LastSeen = loser.LastSeen
	}
	for _, id := range loser.CandidateIDs {
		if !winner.HasCandidate(id) {
			winner.CandidateIDs = append(winner.CandidateIDs, id)
		}
	}

	mut := &store.Mutation{
		Redirects: map[string]string{loser.UUID: winner.UUID},
		AppendEdges: []model.Edge{
			newEdge(model.EdgeMergedWith, loser.UUID, winner.UUID, "", now),
		},
	}
	if foldClassification(winner, loser) {
		mut.AppendEdges = append(mut.AppendEdges,
			newEdge(model.EdgeClassifiedAs, winner.UUID, model.ClassRef(winner.Classification), "", now))
	}

	// The case candidate lands on the merged node in the same write.
	if d.Candidate.ID != "" {
		mut.PutCandidates = []model.EventCandidate{d.Candidate}
		if _, err := u.attach(ctx, winner, d.Candidate, []string{loser.UUID}, mut, now); err != nil {
			return nil, err
		}
	}
	winner.Revision++
	winner.UpdatedAt = now

	loser.MergedInto = winner.UUID
	loser.UpdatedAt = now
	mut.UpsertNodes = []*model.TransientNode{winner, loser}

	cs, err := u.settleCase(ctx, d, mut, now)
	if err != nil {
		return nil, err
	}
	if err := u.write(ctx, mut); err != nil {
		return nil, err
	}
	u.log.Info("nodes merged",
		"canonical", winner.UUID, "superseded", loser.UUID, "candidates", len(winner.CandidateIDs))
	return &Result{Node: winner, Case: cs}, nil
}

func (u *Updater) openCase(ctx context.Context, d *resolve.Decision) (*Result, error) {
	c := d.Candidate
	now := time.Now().UTC()

	cs := &model.AmbiguousCase{
		UUID:      uuid.NewString(),
		Candidate: c,
		Scores:    make(map[string]float64, len(d.Competitors)),
		Status:    model.CaseOpen,
		OpenedAt:  now,
	}
	for _, s := range d.Competitors {
		cs.NodeIDs = append(cs.NodeIDs, s.Node.UUID)
		cs.Scores[s.Node.UUID] = s.Value
	}

	mut := &store.Mutation{
		UpsertCases:   []*model.AmbiguousCase{cs},
		PutCandidates: []model.EventCandidate{c},
	}
	if err := u.write(ctx, mut); err != nil {
		return nil, err
	}
	u.log.Info("ambiguous case opened",
		"case", cs.UUID, "candidate", c.ID, "competitors", len(cs.NodeIDs))
	return &Result{Case: cs}, nil
}

// lockCanonical resolves id to its canonical node and locks it, chasing the
// redirect chain if another merge supersedes the node while we wait.
func (u *Updater) lockCanonical(ctx context.Context, id string) (*model.TransientNode, func(), error) {
	for hop := 0; hop < maxChase; hop++ {
		canonical, err := u.store.Canonical(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		unlock := u.locks.acquire(canonical)
		n, err := u.store.GetNode(ctx, canonical)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if !n.Superseded() {
			return n, unlock, nil
		}
		unlock()
		id = n.MergedInto
	}
	return nil, nil, fmt.Errorf("merge chain for node %s did not settle", id)
}

// attach folds one candidate's evidence into n in place and appends the
// edges the attachment produces. seenAlso names additional nodes whose
// CO_DETECTED_BY edges count as prior sightings (the superseded half of a
// node merge). A candidate already in the membership only contributes its
// classification. The returned flag is true when the candidate brings a
// second distinct instrument to the node.
func (u *Updater) attach(ctx context.Context, n *model.TransientNode, c model.EventCandidate, seenAlso []string, mut *store.Mutation, now time.Time) (bool, error) {
	secondInstrument := false
	if !n.HasCandidate(c.ID) {
		if last := len(n.CandidateIDs) - 1; last >= 0 {
			mut.AppendEdges = append(mut.AppendEdges,
				newEdge(model.EdgeTemporalSuccessor, n.UUID, model.CandidateRef(n.CandidateIDs[last]), c.ID, now))
		}
		n.CandidateIDs = append(n.CandidateIDs, c.ID)

		// A retraction withdraws the event; its coordinates carry no
		// positional evidence.
		if c.Intent != model.IntentRetraction {
			n.RA, n.Dec, n.ErrorRadius = astro.CombinePositions(
				n.RA, n.Dec, n.ErrorRadius, c.RA, c.Dec, c.ErrorRadius)
		}
		if c.Time.Before(n.FirstSeen) {
			n.FirstSeen = c.Time
		}
		if c.Time.After(n.LastSeen) {
			n.LastSeen = c.Time
		}

		if c.Instrument != "" {
			seen, others, err := u.instrumentSeen(ctx, append(seenAlso, n.UUID), c.Instrument)
			if err != nil {
				return false, err
			}
			if !seen {
				secondInstrument = others
				mut.AppendEdges = append(mut.AppendEdges,
					newEdge(model.EdgeCoDetectedBy, n.UUID, model.InstrumentRef(c.Instrument), c.ID, now))
			}
		}
	}

	if applyClassification(n, c) {
		mut.AppendEdges = append(mut.AppendEdges,
			newEdge(model.EdgeClassifiedAs, n.UUID, model.ClassRef(n.Classification), c.ID, now))
	}
	return secondInstrument, nil
}

// settleCase folds closure of the decision's source case into mut, so the
// candidate leaves its case in the same write that lands it elsewhere.
func (u *Updater) settleCase(ctx context.Context, d *resolve.Decision, mut *store.Mutation, now time.Time) (*model.AmbiguousCase, error) {
	if d.CaseID == "" {
		return nil, nil
	}
	cs, err := u.store.GetCase(ctx, d.CaseID)
	if err != nil {
		return nil, fmt.Errorf("settling case %s: %w", d.CaseID, err)
	}
	if cs.Status != model.CaseOpen {
		return nil, fmt.Errorf("case %s is already %s", cs.UUID, cs.Status)
	}
	cs.Status = model.CaseResolved
	cs.ResolvedAt = &now
	cs.Resolution = d.Resolution
	if cs.Resolution == "" {
		cs.Resolution = string(d.Outcome)
	}
	mut.UpsertCases = append(mut.UpsertCases, cs)
	return cs, nil
}

func (u *Updater) instrumentSeen(ctx context.Context, nodeIDs []string, instrument string) (seen, others bool, err error) {
	ref := model.InstrumentRef(instrument)
	for _, id := range nodeIDs {
		edges, err := u.store.EdgesFrom(ctx, id, model.EdgeCoDetectedBy)
		if err != nil {
			return false, false, err
		}
		for _, e := range edges {
			if e.To == ref {
				seen = true
			} else {
				others = true
			}
		}
	}
	return seen, others, nil
}

// write commits one mutation, retrying transient storage outages within the
// configured budget.
func (u *Updater) write(ctx context.Context, mut *store.Mutation) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = u.store.Apply(ctx, mut)
		if err == nil || !errors.Is(err, store.ErrUnavailable) || attempt >= u.retries {
			return err
		}
		u.log.Warn("graph write failed, retrying",
			"attempt", attempt+1, "budget", u.retries, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.backoff * time.Duration(attempt+1)):
		}
	}
}

// classLabel maps candidate evidence to a classification label, empty when
// the candidate carries none.
func classLabel(c model.EventCandidate) string {
	if c.Intent == model.IntentRetraction {
		return model.ClassRetracted
	}
	if c.EventType == "" || c.EventType == model.TypeUnknown {
		return ""
	}
	return c.EventType
}

// applyClassification updates the node's label from candidate evidence and
// reports whether the label changed. Stronger evidence wins: a hard type
// over no label, or a higher confidence over a conflicting one. A retracted
// node keeps its retraction; only the source that issued it speaks for the
// event.
func applyClassification(n *model.TransientNode, c model.EventCandidate) bool {
	label := classLabel(c)
	if label == "" {
		return false
	}
	if label == model.ClassRetracted {
		if n.Classification == model.ClassRetracted {
			return false
		}
		n.Classification = model.ClassRetracted
		n.ClassConfidence = c.Confidence
		return true
	}
	if n.Classification == model.ClassRetracted {
		return false
	}
	if n.Classification == label {
		if c.Confidence > n.ClassConfidence {
			n.ClassConfidence = c.Confidence
		}
		return false
	}
	if n.Classification == "" || n.Classification == model.TypeUnknown || c.Confidence > n.ClassConfidence {
		n.Classification = label
		n.ClassConfidence = c.Confidence
		return true
	}
	return false
}

// foldClassification merges the superseded node's label into the winner,
// reporting whether the winner's label changed. A retraction on either side
// is sticky.
func foldClassification(winner, loser *model.TransientNode) bool {
	switch {
	case winner.Classification == loser.Classification:
		if loser.ClassConfidence > winner.ClassConfidence {
			winner.ClassConfidence = loser.ClassConfidence
		}
		return false
	case winner.Classification == model.ClassRetracted:
		return false
	case loser.Classification == model.ClassRetracted:
		winner.Classification = model.ClassRetracted
		winner.ClassConfidence = loser.ClassConfidence
		return true
	case loser.Classification == "" || loser.Classification == model.TypeUnknown:
		return false
	case winner.Classification == "" || winner.Classification == model.TypeUnknown,
		loser.ClassConfidence > winner.ClassConfidence:
		winner.Classification = loser.Classification
		winner.ClassConfidence = loser.ClassConfidence
		return true
	default:
		return false
	}
}

func hardClass(label string) bool {
	switch label {
	case "", model.TypeUnknown, model.TypeTest, model.ClassRetracted:
		return false
	}
	return true
}

func newEdge(kind model.EdgeKind, from, to, candidateID string, at time.Time) model.Edge {
	return model.Edge{
		UUID:        uuid.NewString(),
		Kind:        kind,
		From:        from,
		To:          to,
		CreatedAt:   at,
		CandidateID: candidateID,
	}
}

// lockTable hands out one mutex per node so writes to the same transient
// serialize while unrelated transients proceed in parallel.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// acquire locks the given ids in ascending order, collapsing duplicates,
// and returns the matching release.
func (t *lockTable) acquire(ids ...string) func() {
	sort.Strings(ids)
	held := make([]*sync.Mutex, 0, len(ids))
	prev := ""
	for i, id := range ids {
		if i > 0 && id == prev {
			continue
		}
		prev = id
		held = append(held, t.get(id))
	}
	for _, l := range held {
		l.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (t *lockTable) get(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}
