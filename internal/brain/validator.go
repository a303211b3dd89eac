// Package brain implements the batched inference brain: it marshals agent
// observation records into model input tensors, runs a pluggable execution
// engine, and scatters the resulting action tensors back to the agents.
package brain

import (
	"fmt"
	"strings"

	"github.com/effenzeffer/ml-agents/internal/agent"
	"github.com/effenzeffer/ml-agents/internal/tensor"
)

// CompatibilityReport lists every mismatch between a loaded model's declared
// tensors and the agent interface declaration. It is recomputed on each load
// and never cached across reloads. An empty report means the model is usable.
type CompatibilityReport struct {
	Issues []string
}

func (r CompatibilityReport) IsEmpty() bool { return len(r.Issues) == 0 }

func (r CompatibilityReport) String() string {
	if r.IsEmpty() {
		return "model is compatible"
	}
	return strings.Join(r.Issues, "; ")
}

// ValidateModel compares the model's declared inputs and outputs against the
// agent interface declaration. It collects one issue per mismatch and never
// fails: callers must check IsEmpty before running inference.
func ValidateModel(inputs, outputs []tensor.Spec, spec *agent.InterfaceSpec) CompatibilityReport {
	var r CompatibilityReport
	add := func(format string, args ...interface{}) {
		r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
	}

	inByName := make(map[string]tensor.Spec, len(inputs))
	for _, in := range inputs {
		inByName[in.Name] = in
	}

	// Every declared observation group needs a matching input of the right
	// width.
	for i, size := range spec.ObservationGroups {
		name := tensor.ObservationName(i)
		in, ok := inByName[name]
		if !ok {
			add("model is missing observation input %q (group %d, length %d)", name, i, size)
			continue
		}
		if got := in.RowSize(); got != int64(size) {
			add("observation input %q expects %d values per agent, agent declares %d", name, got, size)
		}
		delete(inByName, name)
	}

	// Remaining inputs must be the well-known auxiliary tensors.
	for name, in := range inByName {
		switch in.Role {
		case tensor.RoleActionMask:
			if spec.ActionType != agent.ActionDiscrete {
				add("model declares %q but the agent has no discrete actions", name)
			} else if got := in.RowSize(); got != int64(spec.ActionSize()) {
				add("action mask input %q expects %d values, agent declares %d branch slots", name, got, spec.ActionSize())
			}
		case tensor.RoleRecurrentState:
			if spec.MemorySize == 0 {
				add("model declares recurrent input %q but the agent declares no memory", name)
			} else if got := in.RowSize(); got != int64(spec.MemorySize) {
				add("recurrent input %q expects %d values, agent declares memory size %d", name, got, spec.MemorySize)
			}
		case tensor.RoleEpsilon:
			// Filled by the generator from the seeded source; any width works.
		default:
			add("model declares input %q which the agent interface cannot supply", name)
		}
	}

	// Output side: an action tensor is mandatory.
	var actionOut, recurrentOut *tensor.Spec
	for i := range outputs {
		switch outputs[i].Role {
		case tensor.RoleAction:
			actionOut = &outputs[i]
		case tensor.RoleRecurrentState:
			recurrentOut = &outputs[i]
		}
	}

	if actionOut == nil {
		add("model declares no %q output", tensor.ActionName)
	} else {
		width := actionOut.RowSize()
		switch spec.ActionType {
		case agent.ActionDiscrete:
			branches := int64(len(spec.DiscreteBranches))
			logits := int64(spec.ActionSize())
			if width != branches && width != logits {
				add("discrete action output emits %d values per agent, expected %d indices or %d logits", width, branches, logits)
			}
		case agent.ActionContinuous:
			if width != int64(spec.ContinuousSize) {
				add("continuous action output emits %d values per agent, agent declares %d", width, spec.ContinuousSize)
			}
		}
	}

	if spec.MemorySize > 0 && recurrentOut == nil {
		add("agent declares memory size %d but model has no %q output", spec.MemorySize, tensor.RecurrentOutName)
	}
	if recurrentOut != nil {
		if spec.MemorySize == 0 {
			add("model emits recurrent output %q but the agent declares no memory", recurrentOut.Name)
		} else if got := recurrentOut.RowSize(); got != int64(spec.MemorySize) {
			add("recurrent output %q emits %d values, agent declares memory size %d", recurrentOut.Name, got, spec.MemorySize)
		}
	}

	return r
}
