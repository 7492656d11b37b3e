// Package match ranks existing transient nodes against an incoming
// candidate. The temporal gate is hard: nodes whose widened span misses
// the candidate's timestamp are never scored. Survivors get a combined
// spatial, instrument and event-type score in [0,1].
package match

import (
	"context"
	"math"
	"sort"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core/astro"
	"github.com/skygraph/afterglow/internal/core/model"
	"github.com/skygraph/afterglow/internal/store"
)

// Score is one ranked match. Separation and Sigma are kept for logging
// and case records; Value is what the resolver thresholds against.
type Score struct {
	Node       *model.TransientNode
	Value      float64
	Separation float64 // degrees
	Sigma      float64 // combined positional uncertainty, degrees
}

type Matcher struct {
	cfg         config.MatcherConfig
	instruments config.InstrumentTable
	types       config.EventTypeTable
}

func New(cfg config.MatcherConfig, instruments config.InstrumentTable, types config.EventTypeTable) *Matcher {
	return &Matcher{cfg: cfg, instruments: instruments, types: types}
}

// Rank returns candidate nodes ordered best-first. An empty result with a
// nil error is the normal new-transient case. Nodes whose score would be
// zero (outside the separation cut, or a conflicting hard event type) are
// omitted entirely.
func (m *Matcher) Rank(ctx context.Context, cand *model.EventCandidate, st store.GraphStore) ([]Score, error) {
	w := m.cfg.TemporalWindow.Std()
	nodes, err := st.ListNodes(ctx, model.NodeFilter{
		From: cand.Time.Add(-w),
		To:   cand.Time.Add(w),
	})
	if err != nil {
		return nil, err
	}

	var out []Score
	for _, n := range nodes {
		if !m.types.Compatible(cand.EventType, n.Classification) {
			continue
		}
		sep := astro.AngularSeparation(cand.RA, cand.Dec, n.RA, n.Dec)
		sigma := astro.Quadrature(cand.ErrorRadius, n.ErrorRadius)
		spatial := spatialScore(sep, sigma, m.cfg.MaxSeparationSigma)
		if spatial == 0 {
			continue
		}
		factor, err := m.instrumentFactor(ctx, st, cand.Instrument, n.UUID)
		if err != nil {
			return nil, err
		}
		out = append(out, Score{
			Node:       n,
			Value:      clamp01(spatial * factor),
			Separation: sep,
			Sigma:      sigma,
		})
	}

	m.order(out)
	return out, nil
}

// spatialScore maps a separation of x sigmas onto exp(-x²/2), hard zero
// beyond maxSigma.
func spatialScore(sep, sigma, maxSigma float64) float64 {
	x := sep / sigma
	if x > maxSigma {
		return 0
	}
	return math.Exp(-x * x / 2)
}

// instrumentFactor is the best cooperation bonus between the candidate's
// instrument and any instrument already attached to the node. Neutral
// (1.0) when nothing cooperates; never below neutral, so the bonus only
// ever raises a score.
func (m *Matcher) instrumentFactor(ctx context.Context, st store.GraphStore, instrument, nodeID string) (float64, error) {
	if instrument == "" {
		return 1, nil
	}
	edges, err := st.EdgesFrom(ctx, nodeID, model.EdgeCoDetectedBy)
	if err != nil {
		return 0, err
	}
	factor := 1.0
	for _, e := range edges {
		if f := m.instruments.Factor(instrument, model.RefName(e.To)); f > factor {
			factor = f
		}
	}
	return factor, nil
}

// order sorts best-first, then reorders the group within Epsilon of the
// top score by smaller uncertainty, most recent update, and UUID so the
// ranking is total and reproducible.
func (m *Matcher) order(scores []Score) {
	tieBreak := func(a, b Score) bool {
		if a.Node.ErrorRadius != b.Node.ErrorRadius {
			return a.Node.ErrorRadius < b.Node.ErrorRadius
		}
		if !a.Node.UpdatedAt.Equal(b.Node.UpdatedAt) {
			return a.Node.UpdatedAt.After(b.Node.UpdatedAt)
		}
		return a.Node.UUID < b.Node.UUID
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Value != scores[j].Value {
			return scores[i].Value > scores[j].Value
		}
		return tieBreak(scores[i], scores[j])
	})
	if len(scores) < 2 || m.cfg.Epsilon <= 0 {
		return
	}
	cut := scores[0].Value - m.cfg.Epsilon
	group := 1
	for group < len(scores) && scores[group].Value >= cut {
		group++
	}
	sort.Slice(scores[:group], func(i, j int) bool {
		return tieBreak(scores[i], scores[j])
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
