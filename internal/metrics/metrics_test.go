package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryInitializesEverything(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r)
	assert.NotNil(t, r.NoticesTotal)
	assert.NotNil(t, r.ProcessDuration)
	assert.NotNil(t, r.Decisions)
	assert.NotNil(t, r.Reevaluations)
	assert.NotNil(t, r.GraphNodes)
	assert.NotNil(t, r.HTTPRequestsTotal)
	assert.NotNil(t, r.Handler())
}

func TestRecordNotice(t *testing.T) {
	r := NewRegistry()

	r.RecordNotice("GCN_JSON", StatusAccepted, 5*time.Millisecond)
	r.RecordNotice("GCN_JSON", StatusAccepted, 7*time.Millisecond)
	r.RecordNotice("GCN_JSON", StatusMalformed, time.Millisecond)

	accepted := r.NoticesTotal.WithLabelValues("GCN_JSON", StatusAccepted)
	assert.Equal(t, 2.0, testutil.ToFloat64(accepted))
	malformed := r.NoticesTotal.WithLabelValues("GCN_JSON", StatusMalformed)
	assert.Equal(t, 1.0, testutil.ToFloat64(malformed))
}

func TestSetGraphSize(t *testing.T) {
	r := NewRegistry()

	r.SetGraphSize(10, 8, 25, 2)
	assert.Equal(t, 10.0, testutil.ToFloat64(r.GraphNodes))
	assert.Equal(t, 8.0, testutil.ToFloat64(r.GraphCanonical))
	assert.Equal(t, 25.0, testutil.ToFloat64(r.GraphEdges))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.OpenCases))
}

func TestRecordReevaluation(t *testing.T) {
	r := NewRegistry()

	r.RecordReevaluation(true)
	r.RecordReevaluation(false)
	r.RecordReevaluation(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Reevaluations.WithLabelValues("settled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Reevaluations.WithLabelValues("open")))
}
