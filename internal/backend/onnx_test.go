package backend

import (
	"os"
	"testing"

	"github.com/effenzeffer/ml-agents/internal/tensor"
)

func TestONNXWithModel(t *testing.T) {
	// Needs both a model artifact and the onnxruntime shared library.
	modelPath := "testdata/brain.onnx"
	modelBytes, err := os.ReadFile(modelPath)
	if err != nil {
		t.Skipf("Skipping ONNX test: %s not found", modelPath)
	}

	eng, err := Load(KindONNX, modelBytes, DeviceCPU)
	if err != nil {
		t.Skipf("Skipping ONNX test: %v", err)
	}
	defer eng.Close()

	if len(eng.Inputs()) == 0 {
		t.Fatal("Expected at least one declared input")
	}

	obsSpec := eng.Inputs()[0]
	obs := &tensor.Proxy{
		Name:  obsSpec.Name,
		Shape: []int64{1, obsSpec.RowSize()},
		Data:  make([]float32, obsSpec.RowSize()),
	}

	outs, err := eng.Run([]*tensor.Proxy{obs})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(outs) != len(eng.Outputs()) {
		t.Errorf("Expected %d outputs, got %d", len(eng.Outputs()), len(outs))
	}
}

func TestONNXEnvironmentSharedAcrossEngines(t *testing.T) {
	modelPath := "testdata/brain.onnx"
	modelBytes, err := os.ReadFile(modelPath)
	if err != nil {
		t.Skipf("Skipping ONNX test: %s not found", modelPath)
	}

	first, err := Load(KindONNX, modelBytes, DeviceCPU)
	if err != nil {
		t.Skipf("Skipping ONNX test: %v", err)
	}

	// A second engine must come up while the first is still open, the way a
	// reload constructs the replacement before closing the old handle.
	second, err := Load(KindONNX, modelBytes, DeviceCPU)
	if err != nil {
		t.Fatalf("Second concurrent engine failed to load: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Closing first engine: %v", err)
	}

	// Closing one engine must not take the runtime down for the other.
	obsSpec := second.Inputs()[0]
	obs := &tensor.Proxy{
		Name:  obsSpec.Name,
		Shape: []int64{1, obsSpec.RowSize()},
		Data:  make([]float32, obsSpec.RowSize()),
	}
	if _, err := second.Run([]*tensor.Proxy{obs}); err != nil {
		t.Fatalf("Run after sibling close failed: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("Closing second engine: %v", err)
	}

	// With every engine gone the environment is torn down; a fresh load must
	// bring it back up.
	third, err := Load(KindONNX, modelBytes, DeviceCPU)
	if err != nil {
		t.Fatalf("Load after full teardown failed: %v", err)
	}
	if err := third.Close(); err != nil {
		t.Fatalf("Closing third engine: %v", err)
	}
}

func TestONNXDoubleCloseIsSafe(t *testing.T) {
	o := &ONNX{}
	if err := o.Close(); err != nil {
		t.Fatalf("First close: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Second close: %v", err)
	}
}
