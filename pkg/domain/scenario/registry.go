// Package scenario holds the catalogue of test scenarios a run may reference.
//
// The catalogue is read once at startup and never mutated; components receive
// the *Registry they need instead of consulting shared state.
package scenario

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// Scenario describes one test scenario.
type Scenario struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Category    string   `yaml:"category" json:"category,omitempty"`
	Tools       []string `yaml:"tools" json:"tools"`
}

// Registry is an immutable set of scenarios keyed by ID.
type Registry struct {
	byID  map[string]Scenario
	order []string
}

type file struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// NewRegistry builds a registry, rejecting blank or duplicate IDs.
func NewRegistry(scenarios []Scenario) (*Registry, error) {
	r := &Registry{byID: make(map[string]Scenario, len(scenarios))}
	for _, s := range scenarios {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, shared.NewValidationError("scenario id is required")
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, shared.NewValidationError(fmt.Sprintf("duplicate scenario %q", s.ID))
		}
		s.Tools = slices.Clone(s.Tools)
		r.byID[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r, nil
}

// Parse decodes a YAML document with a top-level "scenarios" list.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	return NewRegistry(f.Scenarios)
}

// Load reads a registry from path. An empty path yields an open registry.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Open(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenarios file: %w", err)
	}
	return Parse(data)
}

// Open returns an empty registry that accepts any scenario ID.
func Open() *Registry {
	return &Registry{byID: map[string]Scenario{}}
}

// Get returns the scenario with id.
func (r *Registry) Get(id string) (Scenario, bool) {
	s, ok := r.byID[id]
	if ok {
		s.Tools = slices.Clone(s.Tools)
	}
	return s, ok
}

// Validate checks that id may be used for a run.
func (r *Registry) Validate(id string) error {
	if len(r.byID) == 0 {
		return nil
	}
	if _, ok := r.byID[id]; !ok {
		return shared.NewValidationError(fmt.Sprintf("unknown scenario %q", id))
	}
	return nil
}

// All returns the scenarios in file order.
func (r *Registry) All() []Scenario {
	out := make([]Scenario, 0, len(r.order))
	for _, id := range r.order {
		s, _ := r.Get(id)
		out = append(out, s)
	}
	return out
}

// Len returns the number of scenarios.
func (r *Registry) Len() int { return len(r.byID) }
