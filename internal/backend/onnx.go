package backend

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/effenzeffer/ml-agents/internal/tensor"
)

// ONNX is the portable runtime engine: it executes an optimized intermediate
// model representation through the ONNX runtime. The session is not
// reentrant, so Run is mutex-guarded.
type ONNX struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	inputs  []tensor.Spec
	outputs []tensor.Spec
	closed  bool
}

// The onnxruntime environment is process-global: InitializeEnvironment
// refuses to run twice and DestroyEnvironment tears the environment down for
// every live session. Engines share it through a reference count so reloads
// and concurrent sessions can overlap.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

func newONNX(modelBytes []byte, device Device) (engine *ONNX, loadErr error) {
	if err := acquireEnvironment(); err != nil {
		return nil, &LoadError{Engine: KindONNX, Err: fmt.Errorf("initializing runtime environment: %w", err)}
	}
	defer func() {
		if loadErr != nil {
			_ = releaseEnvironment()
		}
	}()

	inputInfo, outputInfo, err := ort.GetInputOutputInfoWithONNXData(modelBytes)
	if err != nil {
		return nil, &LoadError{Engine: KindONNX, Err: fmt.Errorf("reading model interface: %w", err)}
	}

	inputs := make([]tensor.Spec, len(inputInfo))
	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputs[i] = tensor.Spec{Name: info.Name, Shape: append([]int64(nil), info.Dimensions...), Role: tensor.RoleOf(info.Name)}
		inputNames[i] = info.Name
	}
	outputs := make([]tensor.Spec, len(outputInfo))
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputs[i] = tensor.Spec{Name: info.Name, Shape: append([]int64(nil), info.Dimensions...), Role: tensor.RoleOf(info.Name)}
		outputNames[i] = info.Name
	}

	var opts *ort.SessionOptions
	if device == DeviceAccelerator {
		opts, err = ort.NewSessionOptions()
		if err != nil {
			return nil, &LoadError{Engine: KindONNX, Err: fmt.Errorf("creating session options: %w", err)}
		}
		defer opts.Destroy()

		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, &LoadError{Engine: KindONNX, Err: fmt.Errorf("accelerator unavailable: %w", err)}
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, &LoadError{Engine: KindONNX, Err: fmt.Errorf("enabling accelerator: %w", err)}
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(modelBytes, inputNames, outputNames, opts)
	if err != nil {
		return nil, &LoadError{Engine: KindONNX, Err: fmt.Errorf("creating session: %w", err)}
	}

	return &ONNX{session: session, inputs: inputs, outputs: outputs}, nil
}

func (o *ONNX) Name() string { return KindONNX }

func (o *ONNX) Inputs() []tensor.Spec { return o.inputs }

func (o *ONNX) Outputs() []tensor.Spec { return o.outputs }

// Run performs one forward pass. Input proxies must match the declared
// input order; output proxies are returned in declared output order with
// fresh storage.
func (o *ONNX) Run(inputs []*tensor.Proxy) ([]*tensor.Proxy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return nil, &ExecutionError{Engine: KindONNX, Err: fmt.Errorf("session is closed")}
	}
	if len(inputs) != len(o.inputs) {
		return nil, &ExecutionError{Engine: KindONNX,
			Err: fmt.Errorf("expected %d input tensors, got %d", len(o.inputs), len(inputs))}
	}

	batch := int64(0)
	inTensors := make([]ort.ArbitraryTensor, len(inputs))
	for i, in := range inputs {
		if i == 0 {
			batch = in.Batch()
		}
		t, err := ort.NewTensor(ort.NewShape(in.Shape...), in.Data)
		if err != nil {
			return nil, &ExecutionError{Engine: KindONNX,
				Err: fmt.Errorf("creating input tensor %q: %w", in.Name, err)}
		}
		defer t.Destroy()
		inTensors[i] = t
	}
	if batch < 1 {
		return nil, &ExecutionError{Engine: KindONNX, Err: fmt.Errorf("empty batch")}
	}

	outTensors := make([]ort.ArbitraryTensor, len(o.outputs))
	outTyped := make([]*ort.Tensor[float32], len(o.outputs))
	for i, spec := range o.outputs {
		rowSize := spec.RowSize()
		t, err := ort.NewTensor(ort.NewShape(batch, rowSize), make([]float32, batch*rowSize))
		if err != nil {
			return nil, &ExecutionError{Engine: KindONNX,
				Err: fmt.Errorf("creating output tensor %q: %w", spec.Name, err)}
		}
		defer t.Destroy()
		outTensors[i] = t
		outTyped[i] = t
	}

	if err := o.session.Run(inTensors, outTensors); err != nil {
		return nil, &ExecutionError{Engine: KindONNX, Err: err}
	}

	outs := make([]*tensor.Proxy, len(o.outputs))
	for i, spec := range o.outputs {
		data := outTyped[i].GetData()
		outs[i] = &tensor.Proxy{
			Name:  spec.Name,
			Shape: []int64{batch, spec.RowSize()},
			Data:  append([]float32(nil), data...),
		}
	}
	return outs, nil
}

// Close destroys the session and releases its hold on the runtime
// environment. The environment itself is only torn down once no engine is
// left using it.
func (o *ONNX) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	var err error
	if o.session != nil {
		if derr := o.session.Destroy(); derr != nil {
			err = fmt.Errorf("destroying session: %w", derr)
		}
		o.session = nil
	}
	if rerr := releaseEnvironment(); rerr != nil && err == nil {
		err = fmt.Errorf("releasing runtime environment: %w", rerr)
	}
	return err
}

var _ Engine = (*ONNX)(nil)
