// Package tensor defines the named, shaped float32 buffers exchanged with an
// execution backend, and a pooled allocator for reusing their storage across
// decision steps.
package tensor

import "fmt"

// Role describes the semantic purpose of a tensor in the model interface.
type Role int

const (
	RoleObservation Role = iota
	RoleActionMask
	RoleRecurrentState
	RoleEpsilon
	RoleAction
	RoleUnknown
)

// Well-known tensor names. Observation inputs are named per group via
// ObservationName; everything else uses a fixed name.
const (
	ActionMaskName   = "action_masks"
	RecurrentInName  = "recurrent_in"
	RecurrentOutName = "recurrent_out"
	EpsilonName      = "epsilon"
	ActionName       = "action"
)

// ObservationName returns the input name for observation group i.
func ObservationName(i int) string {
	return fmt.Sprintf("obs_%d", i)
}

// RoleOf infers a tensor's role from its name.
func RoleOf(name string) Role {
	switch name {
	case ActionMaskName:
		return RoleActionMask
	case RecurrentInName, RecurrentOutName:
		return RoleRecurrentState
	case EpsilonName:
		return RoleEpsilon
	case ActionName:
		return RoleAction
	}
	if len(name) > 4 && name[:4] == "obs_" {
		return RoleObservation
	}
	return RoleUnknown
}

// Spec describes an expected tensor: its name, shape and role. The first
// shape dimension is the batch dimension; a value of -1 means the batch size
// is dynamic. Non-batch dimensions are fixed once a model is loaded.
type Spec struct {
	Name  string
	Shape []int64
	Role  Role
}

// RowSize returns the number of elements per batch row (the product of the
// non-batch dimensions).
func (s Spec) RowSize() int64 {
	n := int64(1)
	for _, d := range s.Shape[1:] {
		n *= d
	}
	return n
}

// Proxy is a named tensor backed by allocator-owned storage. The Data slice
// is a non-owning reference: it is valid only until the owning allocator is
// reset or the model is reloaded.
type Proxy struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Batch returns the batch size (first shape dimension).
func (p *Proxy) Batch() int64 {
	if len(p.Shape) == 0 {
		return 0
	}
	return p.Shape[0]
}

// Row returns the i-th batch row of the tensor's data.
func (p *Proxy) Row(i int) []float32 {
	rowSize := Spec{Shape: p.Shape}.RowSize()
	return p.Data[int64(i)*rowSize : (int64(i)+1)*rowSize]
}
