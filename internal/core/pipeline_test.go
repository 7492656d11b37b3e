package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core/model"
	"github.com/skygraph/afterglow/internal/core/normalize"
	"github.com/skygraph/afterglow/internal/core/resolve"
	"github.com/skygraph/afterglow/internal/metrics"
	"github.com/skygraph/afterglow/internal/store"
)

var t0 = time.Date(2025, 4, 5, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Matcher = config.MatcherConfig{
		TemporalWindow:     config.Duration(30 * time.Minute),
		MaxSeparationSigma: 3,
		Epsilon:            0.05,
	}
	cfg.Resolver = config.ResolverConfig{
		AcceptThreshold:         0.5,
		Margin:                  0.1,
		CorroborationConfidence: 0.9,
	}
	cfg.Storage.Retries = 1
	cfg.Storage.Backoff = config.Duration(time.Millisecond)
	cfg.Pipeline.QueueSize = 16
	cfg.Instruments = config.InstrumentTable{Cooperating: []config.CooperatingPair{
		{A: "Fermi-GBM", B: "Swift-BAT", Factor: 1.15},
	}}
	cfg.EventTypes = config.EventTypeTable{Conflicts: []config.ConflictPair{
		{A: "GW", B: "GRB"},
		{A: "RETRACTED", B: "GRB"},
	}}
	return cfg
}

func testSources() []normalize.Source {
	return []normalize.Source{
		{Tag: "FERMI_GBM", Format: "json", Instrument: "Fermi-GBM", Prior: 0.6, TypeHint: "GRB"},
		{Tag: "SWIFT_BAT", Format: "json", Instrument: "Swift-BAT", Prior: 0.7, TypeHint: "GRB"},
		{Tag: "LVC", Format: "json", Instrument: "LIGO-Virgo", Prior: 0.9, TypeHint: "GW", DefaultRadius: 5},
		{Tag: "ICECUBE", Format: "json", Instrument: "IceCube", Prior: 0.5, TypeHint: "NEUTRINO", DefaultRadius: 0.5},
	}
}

func newTestPipeline(cfg *config.Config) (*Pipeline, *store.Memory) {
	norm, err := normalize.New(testSources())
	if err != nil {
		panic(err)
	}
	st := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPipeline(cfg, norm, st, metrics.NewRegistry(), log), st
}

// rawNotice builds a unified-schema JSON payload. Extra fields override or
// extend the defaults.
func rawNotice(trigger string, at time.Time, ra, dec, radius float64, extra map[string]any) []byte {
	m := map[string]any{
		"trigger_id":     trigger,
		"alert_datetime": at.Format(time.RFC3339),
		"ra":             ra,
		"dec":            dec,
		"error_radius":   radius,
	}
	for k, v := range extra {
		m[k] = v
	}
	raw, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestProcessCreatesMergesAndIsolates(t *testing.T) {
	p, st := newTestPipeline(testConfig())
	ctx := context.Background()

	// A burst seen by Fermi with a coarse error box.
	a, err := p.Process(ctx, "FERMI_GBM", rawNotice("1001", t0, 150, -30, 0.5, nil))
	require.NoError(t, err)
	assert.Equal(t, string(resolve.CreateNode), a.Outcome)
	require.NotEmpty(t, a.NodeID)
	assert.Empty(t, a.CaseID)

	// Swift localizes the same burst much more tightly 30s later.
	b, err := p.Process(ctx, "SWIFT_BAT", rawNotice("778", t0.Add(30*time.Second), 150.05, -30.02, 0.05, nil))
	require.NoError(t, err)
	assert.Equal(t, string(resolve.MergeInto), b.Outcome)
	assert.Equal(t, a.NodeID, b.NodeID)
	assert.True(t, b.Corroborated)

	// The fused position is dominated by the tighter localization.
	n, err := st.GetNode(ctx, a.NodeID)
	require.NoError(t, err)
	assert.Len(t, n.CandidateIDs, 2)
	assert.InDelta(t, 150.0495, n.RA, 0.001)
	assert.InDelta(t, -30.0198, n.Dec, 0.001)
	assert.InDelta(t, 0.0498, n.ErrorRadius, 0.001)
	assert.Equal(t, 2, n.Revision)

	co, err := st.EdgesFrom(ctx, a.NodeID, model.EdgeCoDetectedBy)
	require.NoError(t, err)
	assert.Len(t, co, 2)

	// An unrelated neutrino on the other side of the sky stays separate.
	c, err := p.Process(ctx, "ICECUBE", rawNotice("555", t0.Add(2*time.Minute), 200, 10, 0.5, nil))
	require.NoError(t, err)
	assert.Equal(t, string(resolve.CreateNode), c.Outcome)
	assert.NotEqual(t, a.NodeID, c.NodeID)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Canonical)
	assert.Equal(t, 0, stats.OpenCases)
}

func TestProcessRejectsMalformed(t *testing.T) {
	p, st := newTestPipeline(testConfig())
	ctx := context.Background()

	_, err := p.Process(ctx, "NOT_A_SOURCE", rawNotice("9", t0, 1, 2, 0.5, nil))
	require.Error(t, err)
	assert.True(t, model.IsMalformed(err))

	_, err = p.Process(ctx, "FERMI_GBM", []byte(`{"trigger_id":"9"}`))
	require.Error(t, err)
	assert.True(t, model.IsMalformed(err))

	_, err = p.Process(ctx, "FERMI_GBM", []byte(`{not json`))
	require.Error(t, err)
	assert.True(t, model.IsMalformed(err))

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Nodes, "rejected notices never touch the graph")
}

func TestProcessResubmissionIsIdempotent(t *testing.T) {
	p, st := newTestPipeline(testConfig())
	ctx := context.Background()
	raw := rawNotice("1001", t0, 150, -30, 0.5, nil)

	first, err := p.Process(ctx, "FERMI_GBM", raw)
	require.NoError(t, err)

	second, err := p.Process(ctx, "FERMI_GBM", raw)
	require.NoError(t, err)
	assert.Equal(t, string(resolve.NoOp), second.Outcome)
	assert.Equal(t, first.NodeID, second.NodeID)

	n, err := st.GetNode(ctx, first.NodeID)
	require.NoError(t, err)
	assert.Equal(t, 1, n.Revision)
	assert.Len(t, n.CandidateIDs, 1)
}

// Two established nodes flank an ambiguous detection; the notice is held in
// a case, a retraction removes one contender, and corroboration on the
// survivor settles the case automatically.
func TestProcessOpensAndSettlesCase(t *testing.T) {
	p, st := newTestPipeline(testConfig())
	ctx := context.Background()

	left, err := p.Process(ctx, "FERMI_GBM", rawNotice("2001", t0, 10, 10.25, 0.1, nil))
	require.NoError(t, err)
	right, err := p.Process(ctx, "SWIFT_BAT", rawNotice("880", t0.Add(time.Minute), 10, 9.75, 0.1, nil))
	require.NoError(t, err)
	require.NotEqual(t, left.NodeID, right.NodeID)

	amb, err := p.Process(ctx, "ICECUBE", rawNotice("3001", t0.Add(2*time.Minute), 10, 10.0, 0.3,
		map[string]any{"event_type": "GRB"}))
	require.NoError(t, err)
	assert.Equal(t, string(resolve.OpenCase), amb.Outcome)
	require.NotEmpty(t, amb.CaseID)
	assert.Empty(t, amb.NodeID)

	cs, err := st.GetCase(ctx, amb.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseOpen, cs.Status)
	assert.ElementsMatch(t, []string{left.NodeID, right.NodeID}, cs.NodeIDs)

	// Neither contender was modified while the case is open.
	for _, id := range []string{left.NodeID, right.NodeID} {
		n, err := st.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, n.Revision)
		assert.Len(t, n.CandidateIDs, 1)
	}

	// Swift retracts its trigger: the right-hand node drops out of
	// contention for GRB candidates.
	ret, err := p.Process(ctx, "SWIFT_BAT", rawNotice("880", t0.Add(3*time.Minute), 10, 9.75, 0.1,
		map[string]any{"alert_type": "retraction"}))
	require.NoError(t, err)
	assert.Equal(t, right.NodeID, ret.NodeID)
	rn, err := st.GetNode(ctx, right.NodeID)
	require.NoError(t, err)
	assert.Equal(t, model.ClassRetracted, rn.Classification)

	// A confident Swift follow-up corroborates the left node, which
	// re-evaluates the open case and claims the held candidate.
	co, err := p.Process(ctx, "SWIFT_BAT", rawNotice("881", t0.Add(5*time.Minute), 10, 10.25, 0.1,
		map[string]any{"alert_type": "followup", "confidence": 0.95}))
	require.NoError(t, err)
	assert.Equal(t, left.NodeID, co.NodeID)
	assert.True(t, co.Corroborated)

	settled, err := st.GetCase(ctx, amb.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseResolved, settled.Status)
	require.NotNil(t, settled.ResolvedAt)

	nodeID, err := st.NodeByCandidate(ctx, "ICECUBE:3001")
	require.NoError(t, err)
	assert.Equal(t, left.NodeID, nodeID)
	_, err = st.CaseByCandidate(ctx, "ICECUBE:3001")
	assert.ErrorIs(t, err, model.ErrNotFound)

	ln, err := st.GetNode(ctx, left.NodeID)
	require.NoError(t, err)
	assert.True(t, ln.HasCandidate("ICECUBE:3001"))
	edges, err := st.EdgesFrom(ctx, left.NodeID, model.EdgeCoDetectedBy)
	require.NoError(t, err)
	assert.Len(t, edges, 3, "Fermi, Swift and IceCube all co-detect the survivor")
}

func TestSubmitRoutesAcrossLanes(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Partitions = []config.Partition{
		{Name: "gbm", Instruments: []string{"Fermi-GBM"}},
		{Name: "bat", Instruments: []string{"Swift-BAT"}},
	}
	p, st := newTestPipeline(cfg)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	require.NoError(t, p.Submit(ctx, "FERMI_GBM", rawNotice("1", t0, 20, 10, 0.5, nil)))
	require.NoError(t, p.Submit(ctx, "SWIFT_BAT", rawNotice("2", t0, 120, -40, 0.5, nil)))
	require.NoError(t, p.Submit(ctx, "ICECUBE", rawNotice("3", t0, 250, 50, 0.5, nil)))

	err := p.Submit(ctx, "FERMI_GBM", []byte(`{"trigger_id":"4"}`))
	require.Error(t, err, "malformed submissions fail before queuing")
	assert.True(t, model.IsMalformed(err))

	assert.Eventually(t, func() bool {
		stats, err := st.Stats(context.Background())
		return err == nil && stats.Canonical == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitAfterStop(t *testing.T) {
	p, _ := newTestPipeline(testConfig())
	ctx := context.Background()
	p.Start(ctx)
	p.Stop()

	err := p.Submit(ctx, "FERMI_GBM", rawNotice("1", t0, 20, 10, 0.5, nil))
	require.Error(t, err)
}

// grouping reports which candidates ended up together, independent of the
// node UUIDs minted along the way.
func grouping(t *testing.T, st *store.Memory) []string {
	t.Helper()
	nodes, err := st.ListNodes(context.Background(), model.NodeFilter{})
	require.NoError(t, err)
	groups := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids := append([]string(nil), n.CandidateIDs...)
		sort.Strings(ids)
		groups = append(groups, strings.Join(ids, ","))
	}
	sort.Strings(groups)
	return groups
}

func TestPipelineProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	sourceTags := []string{"FERMI_GBM", "SWIFT_BAT", "ICECUBE"}

	properties.Property("well separated notices each seed their own node", prop.ForAll(
		func(n int) bool {
			p, st := newTestPipeline(testConfig())
			ctx := context.Background()
			for i := 0; i < n; i++ {
				ra := 15 + 25*float64(i)
				dec := 20.0
				if i%2 == 1 {
					dec = -20
				}
				tag := sourceTags[i%len(sourceTags)]
				raw := rawNotice(fmt.Sprintf("%d", 100+i), t0.Add(time.Duration(i)*time.Second), ra, dec, 0.3, nil)
				if _, err := p.Process(ctx, tag, raw); err != nil {
					return false
				}
			}
			stats, err := st.Stats(ctx)
			return err == nil && stats.Canonical == n && stats.Nodes == n
		},
		gen.IntRange(1, 12),
	))

	properties.Property("final grouping is independent of arrival order", prop.ForAll(
		func(seed int64) bool {
			// Two tight clusters and one isolated detection. Within a
			// cluster every pair matches clearly, across clusters nothing
			// does, so any arrival order must converge to the same
			// partition of candidates.
			type arrival struct {
				tag string
				raw []byte
			}
			notices := []arrival{
				{"FERMI_GBM", rawNotice("10", t0, 40, 5, 0.3, nil)},
				{"SWIFT_BAT", rawNotice("11", t0.Add(time.Minute), 40.05, 5.02, 0.3, nil)},
				{"ICECUBE", rawNotice("12", t0.Add(2*time.Minute), 40.02, 4.98, 0.3, map[string]any{"event_type": "GRB"})},
				{"FERMI_GBM", rawNotice("20", t0.Add(time.Minute), 200, -50, 0.3, nil)},
				{"SWIFT_BAT", rawNotice("21", t0.Add(3*time.Minute), 200.04, -50.03, 0.3, nil)},
				{"ICECUBE", rawNotice("30", t0.Add(4*time.Minute), 310, 60, 0.3, nil)},
			}

			run := func(order []int) []string {
				p, st := newTestPipeline(testConfig())
				ctx := context.Background()
				for _, i := range order {
					if _, err := p.Process(ctx, notices[i].tag, notices[i].raw); err != nil {
						return nil
					}
				}
				return grouping(t, st)
			}

			straight := make([]int, len(notices))
			for i := range straight {
				straight[i] = i
			}
			shuffled := append([]int(nil), straight...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			a, b := run(straight), run(shuffled)
			if a == nil || b == nil || len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("processing a notice twice changes nothing", prop.ForAll(
		func(trigger int, ra, dec float64) bool {
			p, st := newTestPipeline(testConfig())
			ctx := context.Background()
			raw := rawNotice(fmt.Sprintf("%d", trigger), t0, ra, dec, 0.4, nil)

			if _, err := p.Process(ctx, "FERMI_GBM", raw); err != nil {
				return false
			}
			before, err := st.Stats(ctx)
			if err != nil {
				return false
			}
			out, err := p.Process(ctx, "FERMI_GBM", raw)
			if err != nil || out.Outcome != string(resolve.NoOp) {
				return false
			}
			after, err := st.Stats(ctx)
			return err == nil && before == after
		},
		gen.IntRange(1, 1_000_000),
		gen.Float64Range(0, 360),
		gen.Float64Range(-89, 89),
	))

	properties.Property("every reported node resolves to a live canonical node", prop.ForAll(
		func(n int) bool {
			p, st := newTestPipeline(testConfig())
			ctx := context.Background()
			var reported []string
			// Pairs of notices at the same position merge; the outcome of
			// each must keep resolving to a non-superseded node.
			for i := 0; i < n; i++ {
				ra := 15 + 30*float64(i)
				raw1 := rawNotice(fmt.Sprintf("a%d", i), t0, ra, 10, 0.3, nil)
				raw2 := rawNotice(fmt.Sprintf("b%d", i), t0.Add(time.Minute), ra+0.03, 10.02, 0.3, nil)
				o1, err := p.Process(ctx, "FERMI_GBM", raw1)
				if err != nil {
					return false
				}
				o2, err := p.Process(ctx, "SWIFT_BAT", raw2)
				if err != nil {
					return false
				}
				reported = append(reported, o1.NodeID, o2.NodeID)
			}
			for _, id := range reported {
				canon, err := st.Canonical(ctx, id)
				if err != nil {
					return false
				}
				node, err := st.GetNode(ctx, canon)
				if err != nil || node.Superseded() {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
