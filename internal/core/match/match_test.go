package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core/model"
	"github.com/skygraph/afterglow/internal/store"
)

var t0 = time.Date(2025, 4, 5, 12, 0, 0, 0, time.UTC)

func testMatcher(eps float64) *Matcher {
	return New(
		config.MatcherConfig{
			TemporalWindow:     config.Duration(30 * time.Minute),
			MaxSeparationSigma: 3.0,
			Epsilon:            eps,
		},
		config.InstrumentTable{Cooperating: []config.CooperatingPair{
			{A: "Fermi-GBM", B: "Swift-BAT", Factor: 1.3},
		}},
		config.EventTypeTable{Conflicts: []config.ConflictPair{
			{A: "GW", B: "GRB"},
		}},
	)
}

func seedNode(t *testing.T, st store.GraphStore, n *model.TransientNode, edges ...model.Edge) {
	t.Helper()
	require.NoError(t, st.Apply(context.Background(), &store.Mutation{
		UpsertNodes: []*model.TransientNode{n},
		AppendEdges: edges,
	}))
}

func node(uuid string, ra, dec, errRadius float64, seen time.Time) *model.TransientNode {
	return &model.TransientNode{
		UUID:        uuid,
		RA:          ra,
		Dec:         dec,
		ErrorRadius: errRadius,
		FirstSeen:   seen,
		LastSeen:    seen,
		CreatedAt:   seen,
		UpdatedAt:   seen,
	}
}

func cand(ra, dec, errRadius float64, at time.Time) *model.EventCandidate {
	return &model.EventCandidate{
		ID:          "SRC:1",
		Source:      "SRC",
		Time:        at,
		RA:          ra,
		Dec:         dec,
		ErrorRadius: errRadius,
		Instrument:  "Fermi-GBM",
		EventType:   model.TypeGRB,
	}
}

func TestRankEmptyGraph(t *testing.T) {
	st := store.NewMemory()
	scores, err := testMatcher(0.05).Rank(context.Background(), cand(10, 20, 1, t0), st)
	require.NoError(t, err)
	assert.Empty(t, scores, "no nodes is the normal new-transient case")
}

func TestRankTemporalGate(t *testing.T) {
	st := store.NewMemory()
	seedNode(t, st, node("far-past", 10, 20, 1, t0.Add(-2*time.Hour)))
	seedNode(t, st, node("in-window", 10, 20, 1, t0.Add(-10*time.Minute)))

	scores, err := testMatcher(0.05).Rank(context.Background(), cand(10, 20, 1, t0), st)
	require.NoError(t, err)
	require.Len(t, scores, 1, "nodes outside the widened span are never scored")
	assert.Equal(t, "in-window", scores[0].Node.UUID)
}

func TestRankSpatialScore(t *testing.T) {
	st := store.NewMemory()
	seedNode(t, st, node("exact", 10, 20, 1, t0))
	seedNode(t, st, node("near", 10, 21, 1, t0))
	seedNode(t, st, node("too-far", 10, 60, 1, t0))

	scores, err := testMatcher(0).Rank(context.Background(), cand(10, 20, 1, t0), st)
	require.NoError(t, err)
	require.Len(t, scores, 2, "past the sigma cut the node is omitted, not scored zero")

	assert.Equal(t, "exact", scores[0].Node.UUID)
	assert.InDelta(t, 1.0, scores[0].Value, 1e-9)
	assert.Equal(t, "near", scores[1].Node.UUID)
	assert.Less(t, scores[1].Value, scores[0].Value)
	assert.Greater(t, scores[1].Value, 0.0)
	assert.InDelta(t, 1.0, scores[1].Separation, 1e-6)
}

func TestRankTypeConflict(t *testing.T) {
	st := store.NewMemory()
	grb := node("grb", 10, 20, 1, t0)
	grb.Classification = model.TypeGRB
	unclassified := node("unclassified", 10, 20, 1, t0)
	seedNode(t, st, grb)
	seedNode(t, st, unclassified)

	c := cand(10, 20, 1, t0)
	c.EventType = model.TypeGW

	scores, err := testMatcher(0).Rank(context.Background(), c, st)
	require.NoError(t, err)
	require.Len(t, scores, 1, "conflicting hard types suppress the match entirely")
	assert.Equal(t, "unclassified", scores[0].Node.UUID)
}

func TestRankInstrumentBonus(t *testing.T) {
	st := store.NewMemory()
	// Far enough out that the boosted score stays below the clamp.
	seedNode(t, st, node("seen-by-bat", 10, 21.1, 1, t0), model.Edge{
		UUID:      "e1",
		Kind:      model.EdgeCoDetectedBy,
		From:      "seen-by-bat",
		To:        model.InstrumentRef("Swift-BAT"),
		CreatedAt: t0,
	})
	seedNode(t, st, node("unseen", 10, 21.1, 1, t0))

	scores, err := testMatcher(0).Rank(context.Background(), cand(10, 20, 1, t0), st)
	require.NoError(t, err)
	require.Len(t, scores, 2)

	assert.Equal(t, "seen-by-bat", scores[0].Node.UUID, "cooperating instrument raises the score")
	assert.InDelta(t, scores[1].Value*1.3, scores[0].Value, 1e-9)
}

func TestRankBonusClampsAtOne(t *testing.T) {
	st := store.NewMemory()
	seedNode(t, st, node("boosted", 10, 20, 1, t0), model.Edge{
		UUID:      "e1",
		Kind:      model.EdgeCoDetectedBy,
		From:      "boosted",
		To:        model.InstrumentRef("Swift-BAT"),
		CreatedAt: t0,
	})

	scores, err := testMatcher(0).Rank(context.Background(), cand(10, 20, 1, t0), st)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, 1.0, scores[0].Value, "combined score stays within [0,1]")
}

func TestRankExactTieBreak(t *testing.T) {
	st := store.NewMemory()
	wide := node("wide", 10, 20, 2.0, t0)
	tight := node("tight", 10, 20, 0.5, t0)
	older := node("older", 10, 20, 2.0, t0.Add(-time.Minute))
	seedNode(t, st, wide)
	seedNode(t, st, tight)
	seedNode(t, st, older)

	scores, err := testMatcher(0).Rank(context.Background(), cand(10, 20, 1, t0), st)
	require.NoError(t, err)
	require.Len(t, scores, 3)

	assert.Equal(t, "tight", scores[0].Node.UUID, "smaller uncertainty wins the tie")
	assert.Equal(t, "wide", scores[1].Node.UUID, "then the more recently updated node")
	assert.Equal(t, "older", scores[2].Node.UUID)
}

func TestRankEpsilonGroupReorder(t *testing.T) {
	st := store.NewMemory()
	// "top" scores 1.0 but with a loose position; "tighter" sits a tenth of
	// a degree away, scoring just under 1.0 with a far smaller uncertainty.
	top := node("top", 10, 20, 2.0, t0)
	tighter := node("tighter", 10, 20.1, 0.3, t0)
	seedNode(t, st, top)
	seedNode(t, st, tighter)

	c := cand(10, 20, 1, t0)

	strict, err := testMatcher(0).Rank(context.Background(), c, st)
	require.NoError(t, err)
	require.Len(t, strict, 2)
	assert.Equal(t, "top", strict[0].Node.UUID, "without epsilon the raw score ranks")

	loose, err := testMatcher(0.05).Rank(context.Background(), c, st)
	require.NoError(t, err)
	require.Len(t, loose, 2)
	assert.Equal(t, "tighter", loose[0].Node.UUID,
		"within epsilon of the top score the smaller uncertainty is preferred")
}
