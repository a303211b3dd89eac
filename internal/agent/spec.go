// Package agent defines the static interface declaration an environment
// supplies at setup, and the per-step observation and action records
// exchanged with the inference brain.
package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Action space kinds.
const (
	ActionDiscrete   = "discrete"
	ActionContinuous = "continuous"
)

// InterfaceSpec declares what an agent observes and how it acts. It is the
// contract the loaded model is validated against.
type InterfaceSpec struct {
	Name string `yaml:"name" json:"name,omitempty"`

	// ObservationGroups holds the vector length of each sensor group, in the
	// order the environment emits them.
	ObservationGroups []int `yaml:"observation_groups" json:"observation_groups"`

	ActionType string `yaml:"action_type" json:"action_type"`

	// DiscreteBranches holds the size of each discrete action branch.
	// Only meaningful when ActionType is "discrete".
	DiscreteBranches []int `yaml:"discrete_branches,omitempty" json:"discrete_branches,omitempty"`

	// ContinuousSize is the continuous action dimension.
	// Only meaningful when ActionType is "continuous".
	ContinuousSize int `yaml:"continuous_size,omitempty" json:"continuous_size,omitempty"`

	// MemorySize is the per-agent recurrent state length, zero for
	// memoryless models.
	MemorySize int `yaml:"memory_size,omitempty" json:"memory_size,omitempty"`
}

// LoadSpec reads an InterfaceSpec from a YAML descriptor file.
func LoadSpec(path string) (*InterfaceSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent spec %s: %w", path, err)
	}
	var s InterfaceSpec
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parsing agent spec %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("agent spec %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks the declaration for internal consistency.
func (s *InterfaceSpec) Validate() error {
	if len(s.ObservationGroups) == 0 {
		return fmt.Errorf("at least one observation group is required")
	}
	for i, n := range s.ObservationGroups {
		if n <= 0 {
			return fmt.Errorf("observation group %d has non-positive length %d", i, n)
		}
	}
	switch s.ActionType {
	case ActionDiscrete:
		if len(s.DiscreteBranches) == 0 {
			return fmt.Errorf("discrete action type requires at least one branch")
		}
		for i, n := range s.DiscreteBranches {
			if n <= 0 {
				return fmt.Errorf("discrete branch %d has non-positive size %d", i, n)
			}
		}
	case ActionContinuous:
		if s.ContinuousSize <= 0 {
			return fmt.Errorf("continuous action type requires a positive continuous_size")
		}
	default:
		return fmt.Errorf("unknown action type %q", s.ActionType)
	}
	if s.MemorySize < 0 {
		return fmt.Errorf("memory_size must be non-negative")
	}
	return nil
}

// ActionSize returns the width of the raw action tensor: the sum of branch
// sizes for discrete actions or the continuous dimension.
func (s *InterfaceSpec) ActionSize() int {
	if s.ActionType == ActionDiscrete {
		total := 0
		for _, n := range s.DiscreteBranches {
			total += n
		}
		return total
	}
	return s.ContinuousSize
}
