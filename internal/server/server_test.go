package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core"
	"github.com/skygraph/afterglow/internal/core/normalize"
	"github.com/skygraph/afterglow/internal/core/query"
	"github.com/skygraph/afterglow/internal/metrics"
	"github.com/skygraph/afterglow/internal/store"
)

var t0 = time.Date(2025, 4, 5, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*gin.Engine, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	norm, err := normalize.New([]normalize.Source{
		{Tag: "FERMI_GBM", Format: "json", Instrument: "Fermi-GBM", Prior: 0.6, TypeHint: "GRB"},
		{Tag: "SWIFT_BAT", Format: "json", Instrument: "Swift-BAT", Prior: 0.7, TypeHint: "GRB"},
		{Tag: "ICECUBE", Format: "json", Instrument: "IceCube", Prior: 0.5, TypeHint: "NEUTRINO", DefaultRadius: 0.5},
	})
	require.NoError(t, err)

	st := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := metrics.NewRegistry()
	p := core.NewPipeline(cfg, norm, st, reg, log)
	q := query.New(cfg.Query, st)
	s := New(p, q, st, reg, log)
	return s.SetupRouter(), st
}

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

func do(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type outcomeBody struct {
	Outcome      string `json:"outcome"`
	NodeID       string `json:"node_id"`
	CaseID       string `json:"case_id"`
	Corroborated bool   `json:"corroborated"`
}

func ingest(t *testing.T, r http.Handler, source string, raw []byte) outcomeBody {
	t.Helper()
	w := do(r, http.MethodPost, "/notices?source="+source, raw)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out outcomeBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestIngestAndLookup(t *testing.T) {
	r, _ := newTestServer(t)

	out := ingest(t, r, "FERMI_GBM", rawNotice("1001", t0, 150, -30, 0.5, nil))
	assert.Equal(t, "create_node", out.Outcome)
	require.NotEmpty(t, out.NodeID)

	w := do(r, http.MethodGet, "/transients/"+out.NodeID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var node struct {
		UUID           string  `json:"uuid"`
		RA             float64 `json:"ra"`
		Classification string  `json:"classification"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &node))
	assert.Equal(t, out.NodeID, node.UUID)
	assert.Equal(t, "GRB", node.Classification)
	assert.InDelta(t, 150, node.RA, 1e-9)

	w = do(r, http.MethodGet, "/transients/no-such-node", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestRejections(t *testing.T) {
	r, _ := newTestServer(t)

	w := do(r, http.MethodPost, "/notices", rawNotice("1", t0, 10, 10, 0.5, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code, "source parameter is required")

	w = do(r, http.MethodPost, "/notices?source=UNKNOWN", rawNotice("1", t0, 10, 10, 0.5, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/notices?source=FERMI_GBM", []byte(`{"trigger_id":"1"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code, "payload without a position is malformed")
}

func TestNeighborsAndHistory(t *testing.T) {
	r, _ := newTestServer(t)

	a := ingest(t, r, "FERMI_GBM", rawNotice("1001", t0, 150, -30, 0.5, nil))
	b := ingest(t, r, "SWIFT_BAT", rawNotice("778", t0.Add(30*time.Second), 150.05, -30.02, 0.05, nil))
	require.Equal(t, a.NodeID, b.NodeID)

	w := do(r, http.MethodGet, "/transients/"+a.NodeID+"/neighbors?kind=CO_DETECTED_BY", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var nb struct {
		Neighbors []struct {
			Kind   string `json:"kind"`
			Target string `json:"target"`
		} `json:"neighbors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nb))
	assert.Len(t, nb.Neighbors, 2)

	w = do(r, http.MethodGet, "/transients/"+a.NodeID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var h struct {
		Canonical struct {
			UUID string `json:"uuid"`
		} `json:"canonical"`
		Superseded []struct {
			UUID string `json:"uuid"`
		} `json:"superseded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, a.NodeID, h.Canonical.UUID)
	assert.Empty(t, h.Superseded)
}

func TestTraverseEndpoint(t *testing.T) {
	r, _ := newTestServer(t)

	a := ingest(t, r, "FERMI_GBM", rawNotice("1001", t0, 150, -30, 0.5, nil))
	ingest(t, r, "SWIFT_BAT", rawNotice("778", t0.Add(30*time.Second), 150.05, -30.02, 0.05, nil))

	body, _ := json.Marshal(map[string]any{"root": a.NodeID, "max_depth": 4})
	w := do(r, http.MethodPost, "/query/traverse", body)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Nodes     []struct{ UUID string }
		Truncated bool `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.Nodes)
	assert.False(t, res.Truncated)

	w = do(r, http.MethodPost, "/query/traverse", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code, "root is required")

	body, _ = json.Marshal(map[string]any{"root": "no-such-node"})
	w = do(r, http.MethodPost, "/query/traverse", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNearestEndpoint(t *testing.T) {
	r, _ := newTestServer(t)
	ingest(t, r, "FERMI_GBM", rawNotice("1001", t0, 150, -30, 0.5, nil))

	w := do(r, http.MethodGet, "/query/nearest?ra=150.1&dec=-30&radius=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Results []struct {
			Separation float64 `json:"separation"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Results, 1)
	assert.InDelta(t, 0.0866, res.Results[0].Separation, 0.001)

	w = do(r, http.MethodGet, "/query/nearest?ra=150&dec=-30&radius=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/query/nearest?ra=x&dec=-30&radius=1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	r, st := newTestServer(t)

	left := ingest(t, r, "FERMI_GBM", rawNotice("2001", t0, 10, 10.25, 0.1, nil))
	right := ingest(t, r, "SWIFT_BAT", rawNotice("880", t0.Add(time.Minute), 10, 9.75, 0.1, nil))
	require.NotEqual(t, left.NodeID, right.NodeID)

	amb := ingest(t, r, "ICECUBE", rawNotice("3001", t0.Add(2*time.Minute), 10, 10.0, 0.3,
		map[string]any{"event_type": "GRB"}))
	require.Equal(t, "open_case", amb.Outcome)
	require.NotEmpty(t, amb.CaseID)

	w := do(r, http.MethodGet, "/cases", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var open struct {
		Cases []struct {
			UUID string `json:"uuid"`
		} `json:"cases"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &open))
	require.Len(t, open.Cases, 1)
	assert.Equal(t, amb.CaseID, open.Cases[0].UUID)

	w = do(r, http.MethodGet, "/cases/"+amb.CaseID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// An operator assigns the held candidate to the left node.
	body, _ := json.Marshal(map[string]any{"merge_into": left.NodeID, "note": "optical counterpart confirmed"})
	w = do(r, http.MethodPost, "/cases/"+amb.CaseID+"/resolve", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	nodeID, err := st.NodeByCandidate(context.Background(), "ICECUBE:3001")
	require.NoError(t, err)
	assert.Equal(t, left.NodeID, nodeID)

	w = do(r, http.MethodGet, "/cases?status=resolved", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &open))
	require.Len(t, open.Cases, 1)

	// Unknown choices and double resolution are rejected.
	w = do(r, http.MethodPost, "/cases/"+amb.CaseID+"/resolve", body)
	assert.Equal(t, http.StatusBadRequest, w.Code, "case is already resolved")
	w = do(r, http.MethodPost, "/cases/no-such-case/resolve", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	r, _ := newTestServer(t)
	ingest(t, r, "FERMI_GBM", rawNotice("1001", t0, 150, -30, 0.5, nil))

	w := do(r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health struct {
		Status string `json:"status"`
		Graph  struct {
			Nodes int `json:"nodes"`
		} `json:"graph"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Graph.Nodes)

	w = do(r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "afterglow_notices_total")
}

func TestUnmatchedRoute(t *testing.T) {
	r, _ := newTestServer(t)
	w := do(r, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
