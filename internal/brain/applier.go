package brain

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/effenzeffer/ml-agents/internal/agent"
	"github.com/effenzeffer/ml-agents/internal/tensor"
)

// SamplePolicy selects how a discrete action index is chosen from logits.
// The reference behavior is engine-dependent, so it is configuration here.
type SamplePolicy int

const (
	// SampleGreedy picks the highest logit per branch.
	SampleGreedy SamplePolicy = iota
	// SampleStochastic draws from the softmax distribution per branch using
	// the shared seeded source.
	SampleStochastic
)

// ParseSamplePolicy parses a policy name from configuration.
func ParseSamplePolicy(s string) (SamplePolicy, error) {
	switch s {
	case "", "greedy":
		return SampleGreedy, nil
	case "stochastic":
		return SampleStochastic, nil
	}
	return SampleGreedy, fmt.Errorf("unknown sample policy %q", s)
}

// Applier scatters engine output tensors back onto agent records, preserving
// the submission order of the batch.
type Applier struct {
	spec   *agent.InterfaceSpec
	policy SamplePolicy
	rng    *rand.Rand
}

// NewApplier creates an applier. The rng must be the same seeded source the
// generator uses so that a run is reproducible end to end.
func NewApplier(spec *agent.InterfaceSpec, policy SamplePolicy, rng *rand.Rand) *Applier {
	return &Applier{spec: spec, policy: policy, rng: rng}
}

// Apply splits each output tensor's rows back to the owning agents by
// position and returns one action record per agent, in batch order.
// Recurrent state is also written back into the observation records for the
// next step.
func (ap *Applier) Apply(outputs []*tensor.Proxy, batch []*agent.Observation) ([]*agent.Action, error) {
	var actionOut, recurrentOut *tensor.Proxy
	for _, out := range outputs {
		switch tensor.RoleOf(out.Name) {
		case tensor.RoleAction:
			actionOut = out
		case tensor.RoleRecurrentState:
			recurrentOut = out
		}
	}
	if actionOut == nil {
		return nil, fmt.Errorf("engine produced no %q tensor", tensor.ActionName)
	}
	if actionOut.Batch() != int64(len(batch)) {
		return nil, fmt.Errorf("action tensor has batch %d, submitted %d agents", actionOut.Batch(), len(batch))
	}
	if recurrentOut != nil && recurrentOut.Batch() != int64(len(batch)) {
		return nil, fmt.Errorf("recurrent tensor has batch %d, submitted %d agents", recurrentOut.Batch(), len(batch))
	}

	actions := make([]*agent.Action, len(batch))
	for r, rec := range batch {
		act := &agent.Action{AgentID: rec.AgentID}
		row := actionOut.Row(r)

		switch ap.spec.ActionType {
		case agent.ActionDiscrete:
			indices, err := ap.selectDiscrete(row, rec.ActionMask)
			if err != nil {
				return nil, fmt.Errorf("agent %q: %w", rec.AgentID, err)
			}
			act.Discrete = indices
		case agent.ActionContinuous:
			if len(row) != ap.spec.ContinuousSize {
				return nil, fmt.Errorf("agent %q: action row has %d values, expected %d",
					rec.AgentID, len(row), ap.spec.ContinuousSize)
			}
			act.Continuous = append([]float32(nil), row...)
		}

		if recurrentOut != nil {
			state := append([]float32(nil), recurrentOut.Row(r)...)
			act.RecurrentState = state
			rec.RecurrentState = state
		}

		actions[r] = act
	}
	return actions, nil
}

// selectDiscrete converts an action row into one index per branch. A row as
// wide as the branch count carries already-selected indices; a row as wide
// as the summed branch sizes carries logits that still need selection. The
// widths coincide when every branch has size one; logits win that tie so a
// raw logit value is never misread as an out-of-range index.
func (ap *Applier) selectDiscrete(row []float32, mask []bool) ([]int, error) {
	branches := ap.spec.DiscreteBranches

	if len(row) == len(branches) && len(row) != ap.spec.ActionSize() {
		indices := make([]int, len(branches))
		for i, v := range row {
			idx := int(v)
			if idx < 0 || idx >= branches[i] {
				return nil, fmt.Errorf("branch %d index %d out of range [0,%d)", i, idx, branches[i])
			}
			indices[i] = idx
		}
		return indices, nil
	}

	if len(row) != ap.spec.ActionSize() {
		return nil, fmt.Errorf("action row has %d values, expected %d indices or %d logits",
			len(row), len(branches), ap.spec.ActionSize())
	}

	indices := make([]int, len(branches))
	offset := 0
	for b, size := range branches {
		logits := row[offset : offset+size]
		var branchMask []bool
		if mask != nil {
			branchMask = mask[offset : offset+size]
		}

		var idx int
		var err error
		if ap.policy == SampleStochastic {
			idx, err = sampleSoftmax(logits, branchMask, ap.rng)
		} else {
			idx, err = argmax(logits, branchMask)
		}
		if err != nil {
			return nil, fmt.Errorf("branch %d: %w", b, err)
		}
		indices[b] = idx
		offset += size
	}
	return indices, nil
}

func argmax(logits []float32, mask []bool) (int, error) {
	best := -1
	var bestV float32
	for i, v := range logits {
		if mask != nil && mask[i] {
			continue
		}
		if best == -1 || v > bestV {
			best, bestV = i, v
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("every action is masked")
	}
	return best, nil
}

func sampleSoftmax(logits []float32, mask []bool, rng *rand.Rand) (int, error) {
	maxV := float32(math.Inf(-1))
	legal := 0
	for i, v := range logits {
		if mask != nil && mask[i] {
			continue
		}
		legal++
		if v > maxV {
			maxV = v
		}
	}
	if legal == 0 {
		return 0, fmt.Errorf("every action is masked")
	}

	probs := make([]float64, len(logits))
	total := 0.0
	for i, v := range logits {
		if mask != nil && mask[i] {
			continue
		}
		p := math.Exp(float64(v - maxV))
		probs[i] = p
		total += p
	}

	if total == 0 {
		return argmax(logits, mask)
	}

	draw := rng.Float64() * total
	acc := 0.0
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		acc += p
		last = i
		if draw < acc {
			return i, nil
		}
	}
	return last, nil
}
