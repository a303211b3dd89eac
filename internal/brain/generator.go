package brain

import (
	"fmt"
	"math/rand"

	"github.com/effenzeffer/ml-agents/internal/agent"
	"github.com/effenzeffer/ml-agents/internal/tensor"
)

// Generator converts a batch of agent observation records into the input
// tensors an engine expects. Given the same batch order and the same seed
// state, the produced tensors are bit-identical.
type Generator struct {
	spec  *agent.InterfaceSpec
	alloc *tensor.Allocator
	rng   *rand.Rand
}

// NewGenerator creates a generator drawing epsilon values from the given
// seeded source. The allocator is shared with the owning brain.
func NewGenerator(spec *agent.InterfaceSpec, alloc *tensor.Allocator, rng *rand.Rand) *Generator {
	return &Generator{spec: spec, alloc: alloc, rng: rng}
}

// Generate builds one input tensor per spec, in the order the engine
// requires. The batch dimension equals len(batch), which must be at least 1.
func (g *Generator) Generate(inputSpecs []tensor.Spec, batch []*agent.Observation) ([]*tensor.Proxy, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	tensors := make([]*tensor.Proxy, 0, len(inputSpecs))
	for _, spec := range inputSpecs {
		rowSize := spec.RowSize()
		p, err := g.alloc.Allocate(spec.Name, []int64{int64(len(batch)), rowSize})
		if err != nil {
			return nil, err
		}

		switch spec.Role {
		case tensor.RoleObservation:
			group, err := observationGroupIndex(spec.Name)
			if err != nil {
				return nil, err
			}
			for r, rec := range batch {
				if group >= len(rec.Groups) {
					return nil, fmt.Errorf("agent %q has %d observation groups, input %q needs group %d",
						rec.AgentID, len(rec.Groups), spec.Name, group)
				}
				obs := rec.Groups[group]
				if int64(len(obs)) != rowSize {
					return nil, fmt.Errorf("agent %q observation group %d has length %d, input %q expects %d",
						rec.AgentID, group, len(obs), spec.Name, rowSize)
				}
				copy(p.Row(r), obs)
			}

		case tensor.RoleActionMask:
			// 1 marks an illegal action; a record without a mask leaves its
			// row all-legal.
			for r, rec := range batch {
				if rec.ActionMask == nil {
					continue
				}
				if int64(len(rec.ActionMask)) != rowSize {
					return nil, fmt.Errorf("agent %q action mask has length %d, input %q expects %d",
						rec.AgentID, len(rec.ActionMask), spec.Name, rowSize)
				}
				row := p.Row(r)
				for i, masked := range rec.ActionMask {
					if masked {
						row[i] = 1
					}
				}
			}

		case tensor.RoleRecurrentState:
			// Agents with no prior state keep the zero vector from the
			// allocator.
			for r, rec := range batch {
				if rec.RecurrentState == nil {
					continue
				}
				if int64(len(rec.RecurrentState)) != rowSize {
					return nil, fmt.Errorf("agent %q recurrent state has length %d, input %q expects %d",
						rec.AgentID, len(rec.RecurrentState), spec.Name, rowSize)
				}
				copy(p.Row(r), rec.RecurrentState)
			}

		case tensor.RoleEpsilon:
			for i := range p.Data {
				p.Data[i] = float32(g.rng.NormFloat64())
			}

		default:
			return nil, fmt.Errorf("cannot generate input %q: unknown role", spec.Name)
		}

		tensors = append(tensors, p)
	}
	return tensors, nil
}

func observationGroupIndex(name string) (int, error) {
	var group int
	if _, err := fmt.Sscanf(name, "obs_%d", &group); err != nil {
		return 0, fmt.Errorf("input %q is not an observation tensor", name)
	}
	return group, nil
}
