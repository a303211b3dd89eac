// Package backend provides the pluggable execution engines that run a neural
// network forward pass over batched tensors. Two real engines are supported:
// the ONNX runtime engine (cgo, device-selectable) and a pure-Go graph
// engine. Swapping engines does not change observable brain behavior.
package backend

import (
	"fmt"

	"github.com/effenzeffer/ml-agents/internal/tensor"
)

// Device selects where the forward pass executes. Only the ONNX engine
// honors the accelerator choice; the graph engine always runs on CPU.
type Device int

const (
	DeviceCPU Device = iota
	DeviceAccelerator
)

func (d Device) String() string {
	if d == DeviceAccelerator {
		return "accelerator"
	}
	return "cpu"
}

// ParseDevice parses a device name from configuration.
func ParseDevice(s string) (Device, error) {
	switch s {
	case "", "cpu":
		return DeviceCPU, nil
	case "accelerator", "gpu", "cuda":
		return DeviceAccelerator, nil
	}
	return DeviceCPU, fmt.Errorf("unknown device %q", s)
}

// Engine kinds accepted by Load.
const (
	KindONNX  = "onnx"
	KindGraph = "graph"
)

// Engine runs forward passes for a loaded model. Implementations are safe
// for sequential use only; an engine instance must not be shared between
// concurrently stepping brains.
type Engine interface {
	// Name identifies the engine kind for logs and error reports.
	Name() string

	// Inputs returns the model's declared input tensor specs, in the order
	// Run expects them.
	Inputs() []tensor.Spec

	// Outputs returns the model's declared output tensor specs.
	Outputs() []tensor.Spec

	// Run performs one forward pass. The returned proxies own fresh storage
	// and are ordered like Outputs.
	Run(inputs []*tensor.Proxy) ([]*tensor.Proxy, error)

	// Close releases the engine's resources. The engine must not be used
	// afterwards.
	Close() error
}

// Load constructs the engine of the given kind from serialized model bytes.
// Failures are reported as *LoadError.
func Load(kind string, modelBytes []byte, device Device) (Engine, error) {
	switch kind {
	case KindONNX:
		return newONNX(modelBytes, device)
	case KindGraph:
		return newGraphEngine(modelBytes)
	}
	return nil, &LoadError{Engine: kind, Err: fmt.Errorf("unknown engine kind %q", kind)}
}

// LoadError reports malformed or unsupported model bytes. The load attempt
// is fatal but the caller's previous state is untouched.
type LoadError struct {
	Engine string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: model load failed: %v", e.Engine, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ExecutionError reports a forward-pass failure. It is fatal to the current
// decision step only.
type ExecutionError struct {
	Engine string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: forward pass failed: %v", e.Engine, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
