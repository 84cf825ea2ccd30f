package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/skiplabs/skfs/internal/value"
)

// Scenario defines one conformance scenario.
type Scenario struct {
	// Name uniquely identifies the scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description,omitempty"`

	// Graph declares the directories to register before the steps run.
	Graph Graph `yaml:"graph"`

	// Steps drive the graph in order.
	Steps []Step `yaml:"steps"`
}

// Graph declares the directory graph of a scenario.
type Graph struct {
	// Inputs lists the eager input directories.
	Inputs []string `yaml:"inputs"`

	// Mappers lists the derived directories.
	Mappers []MapperDecl `yaml:"mappers,omitempty"`

	// Lazies lists the lazy directories.
	Lazies []LazyDecl `yaml:"lazies,omitempty"`
}

// MapperDecl declares one derived directory.
type MapperDecl struct {
	Source  string `yaml:"source"`
	Out     string `yaml:"out"`
	Mapper  string `yaml:"mapper"`
	Reducer string `yaml:"reducer,omitempty"`
}

// LazyDecl declares one lazy directory.
type LazyDecl struct {
	Dir string `yaml:"dir"`
	Fn  string `yaml:"fn"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	Write      *WriteStep  `yaml:"write,omitempty"`
	WriteMany  []WriteStep `yaml:"write_many,omitempty"`
	Remove     *CellRef    `yaml:"remove,omitempty"`
	Feed       string      `yaml:"feed,omitempty"`
	Update     bool        `yaml:"update,omitempty"`
	Expect     *ExpectStep `yaml:"expect,omitempty"`
	ExpectLazy *ExpectStep `yaml:"expect_lazy,omitempty"`
}

// WriteStep writes one entry.
type WriteStep struct {
	Dir    string `yaml:"dir"`
	Key    any    `yaml:"key"`
	Values []any  `yaml:"values"`
}

// CellRef names one cell.
type CellRef struct {
	Dir string `yaml:"dir"`
	Key any    `yaml:"key"`
}

// ExpectStep asserts one cell's contents. An empty Values list asserts the
// cell reads empty.
type ExpectStep struct {
	Dir    string `yaml:"dir"`
	Key    any    `yaml:"key"`
	Values []any  `yaml:"values"`
}

// LoadScenario reads and validates one scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks structural requirements before a run.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario has no name")
	}
	if len(s.Graph.Inputs) == 0 && len(s.Graph.Lazies) == 0 {
		return fmt.Errorf("scenario %s declares no directories", s.Name)
	}
	for i, step := range s.Steps {
		set := 0
		if step.Write != nil {
			set++
		}
		if len(step.WriteMany) > 0 {
			set++
		}
		if step.Remove != nil {
			set++
		}
		if step.Feed != "" {
			set++
		}
		if step.Update {
			set++
		}
		if step.Expect != nil {
			set++
		}
		if step.ExpectLazy != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("scenario %s: step %d must set exactly one action, has %d", s.Name, i, set)
		}
	}
	return nil
}

// scenarioKey converts a YAML key scalar: strings are SIDs, integers IIDs.
func scenarioKey(k any) (value.BaseName, error) {
	switch v := k.(type) {
	case string:
		return value.SID(v), nil
	case int:
		return value.IID(int64(v)), nil
	case int64:
		return value.IID(v), nil
	}
	return value.BaseName{}, fmt.Errorf("unsupported key type %T", k)
}

// scenarioValues converts YAML value scalars: strings to string files,
// integers to int files.
func scenarioValues(vals []any) ([]value.File, error) {
	out := make([]value.File, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case string:
			out[i] = value.StringFile(t)
		case int:
			out[i] = value.IntFile(int64(t))
		case int64:
			out[i] = value.IntFile(t)
		default:
			return nil, fmt.Errorf("unsupported value type %T", v)
		}
	}
	return out, nil
}
