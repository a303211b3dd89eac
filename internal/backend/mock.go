package backend

import (
	"fmt"

	"github.com/effenzeffer/ml-agents/internal/tensor"
)

// Mock is a scriptable engine for tests. It can echo its inputs back as
// outputs (to verify tensor marshaling round-trips) or tile a fixed row per
// output across the batch.
type Mock struct {
	DeclaredInputs  []tensor.Spec
	DeclaredOutputs []tensor.Spec

	// Echo copies input tensor i into output tensor i, keeping output names.
	Echo bool

	// Rows maps an output name to the row emitted for every agent in the
	// batch. Ignored in Echo mode.
	Rows map[string][]float32

	// ShouldError makes the next Run fail with ErrorMessage.
	ShouldError  bool
	ErrorMessage string

	// CallCount tracks the number of Run invocations.
	CallCount int

	// LastBatch records the batch size of the most recent Run.
	LastBatch int64

	closed bool
}

// NewEchoMock creates a mock that reflects inputs back as outputs.
func NewEchoMock(inputs, outputs []tensor.Spec) *Mock {
	return &Mock{DeclaredInputs: inputs, DeclaredOutputs: outputs, Echo: true}
}

// NewScriptedMock creates a mock that emits fixed rows for each output.
func NewScriptedMock(inputs, outputs []tensor.Spec, rows map[string][]float32) *Mock {
	return &Mock{DeclaredInputs: inputs, DeclaredOutputs: outputs, Rows: rows}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Inputs() []tensor.Spec { return m.DeclaredInputs }

func (m *Mock) Outputs() []tensor.Spec { return m.DeclaredOutputs }

func (m *Mock) Run(inputs []*tensor.Proxy) ([]*tensor.Proxy, error) {
	m.CallCount++

	if m.closed {
		return nil, &ExecutionError{Engine: m.Name(), Err: fmt.Errorf("engine is closed")}
	}
	if m.ShouldError {
		msg := m.ErrorMessage
		if msg == "" {
			msg = "mock execution error"
		}
		return nil, &ExecutionError{Engine: m.Name(), Err: fmt.Errorf("%s", msg)}
	}
	if len(inputs) != len(m.DeclaredInputs) {
		return nil, &ExecutionError{Engine: m.Name(),
			Err: fmt.Errorf("expected %d input tensors, got %d", len(m.DeclaredInputs), len(inputs))}
	}
	if len(inputs) == 0 || inputs[0].Batch() < 1 {
		return nil, &ExecutionError{Engine: m.Name(), Err: fmt.Errorf("empty batch")}
	}
	batch := inputs[0].Batch()
	m.LastBatch = batch

	outs := make([]*tensor.Proxy, len(m.DeclaredOutputs))
	for i, spec := range m.DeclaredOutputs {
		if m.Echo {
			if i >= len(inputs) {
				return nil, &ExecutionError{Engine: m.Name(),
					Err: fmt.Errorf("echo mode has no input for output %q", spec.Name)}
			}
			src := inputs[i]
			outs[i] = &tensor.Proxy{
				Name:  spec.Name,
				Shape: append([]int64(nil), src.Shape...),
				Data:  append([]float32(nil), src.Data...),
			}
			continue
		}

		row, ok := m.Rows[spec.Name]
		if !ok {
			return nil, &ExecutionError{Engine: m.Name(),
				Err: fmt.Errorf("no scripted row for output %q", spec.Name)}
		}
		data := make([]float32, 0, int(batch)*len(row))
		for r := int64(0); r < batch; r++ {
			data = append(data, row...)
		}
		outs[i] = &tensor.Proxy{
			Name:  spec.Name,
			Shape: []int64{batch, int64(len(row))},
			Data:  data,
		}
	}
	return outs, nil
}

// SetError configures the mock to fail on the next Run call.
func (m *Mock) SetError(msg string) {
	m.ShouldError = true
	m.ErrorMessage = msg
}

// ClearError clears any configured error.
func (m *Mock) ClearError() {
	m.ShouldError = false
	m.ErrorMessage = ""
}

func (m *Mock) Close() error {
	m.closed = true
	return nil
}

var _ Engine = (*Mock)(nil)
