package normalize

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Source describes one recognized notice producer: which wire format it
// speaks and the defaults applied when a payload omits a field.
type Source struct {
	// Tag is the identifier the transport hands us alongside each payload,
	// e.g. "FERMI_GBM". Candidate IDs are built as TAG:trigger.
	Tag string `yaml:"tag"`
	// Format selects the parser: "json", "text" or "voevent".
	Format string `yaml:"format"`
	// Instrument names the detecting instrument when the payload does not.
	Instrument string `yaml:"instrument"`
	// Prior is the confidence assumed when the payload carries none.
	Prior float64 `yaml:"prior"`
	// TypeHint is the event type assumed when the payload carries none.
	TypeHint string `yaml:"type_hint"`
	// DefaultRadius substitutes for a missing positional uncertainty,
	// in degrees. Zero means the source always reports one.
	DefaultRadius float64 `yaml:"default_error_radius"`
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads the source registry from a YAML file.
func LoadSources(path string) ([]Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse sources %s: %w", path, err)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("sources %s: no sources defined", path)
	}
	return f.Sources, nil
}
