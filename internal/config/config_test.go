package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	raw := `
sources_path = "testdata/sources.yaml"

[matcher]
temporal_window = "45m"
max_separation_sigma = 2.5

[resolver]
accept_threshold = 0.6
margin = 0.15

[storage]
backend = "bolt"
uri = "bolt://graph:7687"
user = "neo4j"

[[instruments.cooperating]]
a = "Fermi-GBM"
b = "Swift-BAT"
factor = 1.2

[[event_types.conflicts]]
a = "GW"
b = "SN"

[[pipeline.partitions]]
name = "gamma"
instruments = ["Fermi-GBM", "Swift-BAT"]
`
	path := filepath.Join(t.TempDir(), "afterglow.toml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.Matcher.TemporalWindow.Std())
	assert.Equal(t, 2.5, cfg.Matcher.MaxSeparationSigma)
	// Unset fields keep their defaults.
	assert.Equal(t, 0.05, cfg.Matcher.Epsilon)
	assert.Equal(t, 0.9, cfg.Resolver.CorroborationConfidence)

	assert.Equal(t, 0.6, cfg.Resolver.AcceptThreshold)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, "bolt://graph:7687", cfg.Storage.URI)
	assert.Equal(t, "testdata/sources.yaml", cfg.SourcesPath)

	assert.Equal(t, 1.2, cfg.Instruments.Factor("Fermi-GBM", "Swift-BAT"))
	assert.False(t, cfg.EventTypes.Compatible("GW", "SN"))
	require.Len(t, cfg.Pipeline.Partitions, 1)
	assert.Equal(t, "gamma", cfg.Pipeline.Partitions[0].Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window", func(c *Config) { c.Matcher.TemporalWindow = 0 }},
		{"negative epsilon", func(c *Config) { c.Matcher.Epsilon = -0.1 }},
		{"accept above one", func(c *Config) { c.Resolver.AcceptThreshold = 1.5 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"negative retries", func(c *Config) { c.Storage.Retries = -1 }},
		{"zero max depth", func(c *Config) { c.Query.MaxDepth = 0 }},
		{"instrument in two partitions", func(c *Config) {
			c.Pipeline.Partitions = []Partition{
				{Name: "a", Instruments: []string{"Fermi-GBM"}},
				{Name: "b", Instruments: []string{"Fermi-GBM"}},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInstrumentFactor(t *testing.T) {
	table := InstrumentTable{Cooperating: []CooperatingPair{
		{A: "Fermi-GBM", B: "Swift-BAT", Factor: 1.15},
		{A: "IceCube", B: "Fermi-LAT", Factor: 0}, // misconfigured factor falls back to neutral
	}}

	assert.Equal(t, 1.0, table.Factor("Fermi-GBM", "Fermi-GBM"))
	assert.Equal(t, 1.15, table.Factor("Fermi-GBM", "Swift-BAT"))
	assert.Equal(t, 1.15, table.Factor("Swift-BAT", "Fermi-GBM"))
	assert.Equal(t, 1.0, table.Factor("IceCube", "Fermi-LAT"))
	assert.Equal(t, 1.0, table.Factor("MAXI", "Swift-BAT"))
}

func TestEventTypeCompatible(t *testing.T) {
	table := EventTypeTable{Conflicts: []ConflictPair{{A: "GW", B: "SN"}}}

	assert.True(t, table.Compatible("GRB", "GRB"))
	assert.True(t, table.Compatible("", "GRB"))
	assert.True(t, table.Compatible("GRB", "GW"), "unlisted pairs may be multi-messenger views of one event")
	assert.False(t, table.Compatible("GW", "SN"))
	assert.False(t, table.Compatible("SN", "GW"))
}
