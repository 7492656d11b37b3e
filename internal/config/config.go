package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so TOML values can be written as "30m".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// MatcherConfig tunes the spatiotemporal matcher.
type MatcherConfig struct {
	// TemporalWindow widens every node's observed span on both ends when
	// gating candidates. Nodes outside the widened span are never scored.
	TemporalWindow Duration `toml:"temporal_window"`
	// MaxSeparationSigma zeroes the spatial score once the separation
	// exceeds this many combined sigmas.
	MaxSeparationSigma float64 `toml:"max_separation_sigma"`
	// Epsilon is the score distance within which two matches count as tied
	// for tie-break ordering.
	Epsilon float64 `toml:"epsilon"`
}

// ResolverConfig tunes merge/ambiguity decisions.
type ResolverConfig struct {
	// AcceptThreshold is the minimum match score considered a real match.
	AcceptThreshold float64 `toml:"accept_threshold"`
	// Margin is the lead the best match needs over the runner-up before a
	// merge is automatic; closer contests open an ambiguous case.
	Margin float64 `toml:"margin"`
	// CorroborationConfidence marks a follow-up merge as strong independent
	// corroboration, triggering re-evaluation of open cases on that node.
	CorroborationConfidence float64 `toml:"corroboration_confidence"`
}

// StorageConfig selects and tunes the graph store backend.
type StorageConfig struct {
	// Backend is "memory" or "bolt".
	Backend  string `toml:"backend"`
	URI      string `toml:"uri"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	// Retries bounds re-attempts of a failed store write before the error
	// surfaces to the ingest caller.
	Retries int      `toml:"retries"`
	Backoff Duration `toml:"retry_backoff"`
}

// Partition names an ordered ingest lane. Notices from its instruments are
// processed serially relative to each other; separate partitions run
// concurrently and must not need cross-matching.
type Partition struct {
	Name        string   `toml:"name"`
	Instruments []string `toml:"instruments"`
}

// PipelineConfig shapes the ingest workers.
type PipelineConfig struct {
	Partitions []Partition `toml:"partitions"`
	QueueSize  int         `toml:"queue_size"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// QueryConfig caps traversal work regardless of what callers request.
type QueryConfig struct {
	MaxDepth   int `toml:"max_depth"`
	MaxResults int `toml:"max_results"`
}

// CooperatingPair raises match scores between two instruments known to
// observe the same phenomena (e.g. Fermi-GBM and Swift-BAT).
type CooperatingPair struct {
	A      string  `toml:"a"`
	B      string  `toml:"b"`
	Factor float64 `toml:"factor"`
}

// InstrumentTable is the instrument-compatibility configuration.
type InstrumentTable struct {
	Cooperating []CooperatingPair `toml:"cooperating"`
}

// Factor returns the score multiplier for a candidate from instrument a
// against a node whose evidence includes instrument b. Same instrument and
// unlisted pairs are neutral; listed pairs apply their configured bonus.
func (t *InstrumentTable) Factor(a, b string) float64 {
	if a == b {
		return 1
	}
	for _, p := range t.Cooperating {
		if (p.A == a && p.B == b) || (p.A == b && p.B == a) {
			if p.Factor <= 0 {
				return 1
			}
			return p.Factor
		}
	}
	return 1
}

// ConflictPair marks two hard event types as physically incompatible.
type ConflictPair struct {
	A string `toml:"a"`
	B string `toml:"b"`
}

// EventTypeTable is the event-type compatibility configuration.
type EventTypeTable struct {
	Conflicts []ConflictPair `toml:"conflicts"`
}

// Compatible reports whether two event type labels may describe the same
// physical transient. Unknown labels are compatible with everything;
// distinct hard types conflict only when listed.
func (t *EventTypeTable) Compatible(a, b string) bool {
	if a == b || a == "" || b == "" {
		return true
	}
	for _, p := range t.Conflicts {
		if (p.A == a && p.B == b) || (p.A == b && p.B == a) {
			return false
		}
	}
	return true
}

// Config is the full afterglow configuration.
type Config struct {
	Matcher     MatcherConfig   `toml:"matcher"`
	Resolver    ResolverConfig  `toml:"resolver"`
	Storage     StorageConfig   `toml:"storage"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Server      ServerConfig    `toml:"server"`
	Query       QueryConfig     `toml:"query"`
	Instruments InstrumentTable `toml:"instruments"`
	EventTypes  EventTypeTable  `toml:"event_types"`
	// SourcesPath points at the YAML source registry consumed by the
	// normalizer (recognized sources, formats, priors).
	SourcesPath string `toml:"sources_path"`
}

// Default returns the configuration used when no file is given. Thresholds
// are starting points for domain tuning, not physical constants.
func Default() *Config {
	return &Config{
		Matcher: MatcherConfig{
			TemporalWindow:     Duration(30 * time.Minute),
			MaxSeparationSigma: 3.0,
			Epsilon:            0.05,
		},
		Resolver: ResolverConfig{
			AcceptThreshold:         0.5,
			Margin:                  0.1,
			CorroborationConfidence: 0.9,
		},
		Storage: StorageConfig{
			Backend: "memory",
			URI:     "bolt://localhost:7687",
			Retries: 3,
			Backoff: Duration(200 * time.Millisecond),
		},
		Pipeline:    PipelineConfig{QueueSize: 256},
		Server:      ServerConfig{Addr: ":8080"},
		Query:       QueryConfig{MaxDepth: 6, MaxResults: 500},
		SourcesPath: "config/sources.yaml",
	}
}

// Load reads a TOML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Matcher.TemporalWindow.Std() <= 0 {
		return fmt.Errorf("matcher.temporal_window must be positive")
	}
	if c.Matcher.MaxSeparationSigma <= 0 {
		return fmt.Errorf("matcher.max_separation_sigma must be positive")
	}
	if c.Matcher.Epsilon < 0 {
		return fmt.Errorf("matcher.epsilon must not be negative")
	}
	if c.Resolver.AcceptThreshold <= 0 || c.Resolver.AcceptThreshold > 1 {
		return fmt.Errorf("resolver.accept_threshold must be in (0, 1]")
	}
	if c.Resolver.Margin < 0 || c.Resolver.Margin > 1 {
		return fmt.Errorf("resolver.margin must be in [0, 1]")
	}
	switch c.Storage.Backend {
	case "memory", "bolt":
	default:
		return fmt.Errorf("storage.backend must be \"memory\" or \"bolt\", got %q", c.Storage.Backend)
	}
	if c.Storage.Retries < 0 {
		return fmt.Errorf("storage.retries must not be negative")
	}
	if c.Query.MaxDepth <= 0 || c.Query.MaxResults <= 0 {
		return fmt.Errorf("query.max_depth and query.max_results must be positive")
	}
	seen := make(map[string]string)
	for _, p := range c.Pipeline.Partitions {
		for _, inst := range p.Instruments {
			if prev, ok := seen[inst]; ok {
				return fmt.Errorf("instrument %q assigned to partitions %q and %q", inst, prev, p.Name)
			}
			seen[inst] = p.Name
		}
	}
	return nil
}
