package backend

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/klauspost/compress/zstd"

	"github.com/effenzeffer/ml-agents/internal/tensor"
)

// maskedLogit replaces the logit of a masked-out discrete action so that
// neither argmax nor softmax sampling can select it.
const maskedLogit = float32(-1e9)

// Dense is one fully connected layer: y = act(W*x + b). W is row-major with
// Out rows of In columns.
type Dense struct {
	In, Out    int
	W          []float32
	B          []float32
	Activation string // "linear", "relu", "tanh", "sigmoid"
}

// NewDense creates a dense layer with weights drawn from the given source,
// scaled for stable forward passes.
func NewDense(in, out int, activation string, rng *rand.Rand) Dense {
	d := Dense{
		In:         in,
		Out:        out,
		W:          make([]float32, in*out),
		B:          make([]float32, out),
		Activation: activation,
	}
	scale := float32(1.0 / math.Sqrt(float64(in)))
	for i := range d.W {
		d.W[i] = (rng.Float32()*2 - 1) * scale
	}
	return d
}

func (d *Dense) forward(x []float32) ([]float32, error) {
	if len(x) != d.In {
		return nil, fmt.Errorf("dense layer expects %d inputs, got %d", d.In, len(x))
	}
	y := make([]float32, d.Out)
	for o := 0; o < d.Out; o++ {
		sum := d.B[o]
		row := d.W[o*d.In : (o+1)*d.In]
		for i, w := range row {
			sum += w * x[i]
		}
		y[o] = activate(d.Activation, sum)
	}
	return y, nil
}

func activate(kind string, v float32) float32 {
	switch kind {
	case "relu":
		if v < 0 {
			return 0
		}
		return v
	case "tanh":
		return float32(math.Tanh(float64(v)))
	case "sigmoid":
		return float32(1 / (1 + math.Exp(-float64(v))))
	}
	return v
}

// Model is a serialized feed-forward computation graph for the native graph
// engine: a stack of dense layers over the concatenated observation groups
// (plus recurrent state for models with memory), an action head, and an
// optional recurrent head.
type Model struct {
	Name string

	ObservationSizes []int
	ActionType       string // "discrete" or "continuous"
	DiscreteBranches []int
	ContinuousSize   int
	MemorySize       int

	// UseMask declares an action_masks input; masked logits are forced to
	// an unselectable value before the action tensor is emitted.
	UseMask bool

	// UseEpsilon declares an epsilon input added to the continuous action
	// mean, for stochastic continuous policies.
	UseEpsilon bool

	Hidden        []Dense
	Head          Dense
	RecurrentHead *Dense
}

// ActionSize returns the width of the model's action output row.
func (m *Model) ActionSize() int {
	if m.ActionType == "discrete" {
		total := 0
		for _, n := range m.DiscreteBranches {
			total += n
		}
		return total
	}
	return m.ContinuousSize
}

// InputSpecs derives the declared input tensors from the model structure.
func (m *Model) InputSpecs() []tensor.Spec {
	var specs []tensor.Spec
	for i, n := range m.ObservationSizes {
		name := tensor.ObservationName(i)
		specs = append(specs, tensor.Spec{Name: name, Shape: []int64{-1, int64(n)}, Role: tensor.RoleObservation})
	}
	if m.UseMask && m.ActionType == "discrete" {
		specs = append(specs, tensor.Spec{Name: tensor.ActionMaskName, Shape: []int64{-1, int64(m.ActionSize())}, Role: tensor.RoleActionMask})
	}
	if m.MemorySize > 0 {
		specs = append(specs, tensor.Spec{Name: tensor.RecurrentInName, Shape: []int64{-1, int64(m.MemorySize)}, Role: tensor.RoleRecurrentState})
	}
	if m.UseEpsilon && m.ActionType == "continuous" {
		specs = append(specs, tensor.Spec{Name: tensor.EpsilonName, Shape: []int64{-1, int64(m.ContinuousSize)}, Role: tensor.RoleEpsilon})
	}
	return specs
}

// OutputSpecs derives the declared output tensors from the model structure.
func (m *Model) OutputSpecs() []tensor.Spec {
	specs := []tensor.Spec{
		{Name: tensor.ActionName, Shape: []int64{-1, int64(m.ActionSize())}, Role: tensor.RoleAction},
	}
	if m.MemorySize > 0 {
		specs = append(specs, tensor.Spec{Name: tensor.RecurrentOutName, Shape: []int64{-1, int64(m.MemorySize)}, Role: tensor.RoleRecurrentState})
	}
	return specs
}

func (m *Model) validate() error {
	if len(m.ObservationSizes) == 0 {
		return fmt.Errorf("model declares no observation inputs")
	}
	switch m.ActionType {
	case "discrete":
		if len(m.DiscreteBranches) == 0 {
			return fmt.Errorf("discrete model declares no branches")
		}
	case "continuous":
		if m.ContinuousSize <= 0 {
			return fmt.Errorf("continuous model declares no action size")
		}
	default:
		return fmt.Errorf("unknown action type %q", m.ActionType)
	}
	if m.Head.Out != m.ActionSize() {
		return fmt.Errorf("action head emits %d values, model declares %d", m.Head.Out, m.ActionSize())
	}
	if m.MemorySize > 0 {
		if m.RecurrentHead == nil {
			return fmt.Errorf("model declares memory but has no recurrent head")
		}
		if m.RecurrentHead.Out != m.MemorySize {
			return fmt.Errorf("recurrent head emits %d values, model declares %d", m.RecurrentHead.Out, m.MemorySize)
		}
	}
	return nil
}

// manifest is the human-readable first line of a graph artifact, written
// before the gob body so tooling can inspect an artifact without decoding it.
type manifest struct {
	Version int      `json:"version"`
	Name    string   `json:"name"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

const manifestVersion = 1

// Save writes the model as a graph artifact: a zstd stream containing a JSON
// manifest line followed by the gob-encoded graph.
func (m *Model) Save(w io.Writer) error {
	if err := m.validate(); err != nil {
		return fmt.Errorf("refusing to save invalid model: %w", err)
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()

	man := manifest{Version: manifestVersion, Name: m.Name}
	for _, s := range m.InputSpecs() {
		man.Inputs = append(man.Inputs, s.Name)
	}
	for _, s := range m.OutputSpecs() {
		man.Outputs = append(man.Outputs, s.Name)
	}
	hb, _ := json.Marshal(man)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(m); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

// SaveBytes serializes the model to an in-memory artifact.
func (m *Model) SaveBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func loadModel(r io.Reader) (*Model, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var man manifest
	if err := json.Unmarshal(line, &man); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if man.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", man.Version)
	}

	var m Model
	if err := gob.NewDecoder(br).Decode(&m); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// GraphEngine executes a Model. It is deterministic and cheap to construct,
// which also makes it the engine of choice in tests.
type GraphEngine struct {
	model   *Model
	inputs  []tensor.Spec
	outputs []tensor.Spec
}

func newGraphEngine(modelBytes []byte) (*GraphEngine, error) {
	m, err := loadModel(bytes.NewReader(modelBytes))
	if err != nil {
		return nil, &LoadError{Engine: KindGraph, Err: err}
	}
	return &GraphEngine{
		model:   m,
		inputs:  m.InputSpecs(),
		outputs: m.OutputSpecs(),
	}, nil
}

// NewGraphEngine wraps an already-decoded model, for callers that build
// models programmatically.
func NewGraphEngine(m *Model) (*GraphEngine, error) {
	if err := m.validate(); err != nil {
		return nil, &LoadError{Engine: KindGraph, Err: err}
	}
	return &GraphEngine{model: m, inputs: m.InputSpecs(), outputs: m.OutputSpecs()}, nil
}

func (g *GraphEngine) Name() string { return KindGraph }

func (g *GraphEngine) Inputs() []tensor.Spec { return g.inputs }

func (g *GraphEngine) Outputs() []tensor.Spec { return g.outputs }

// Run performs one forward pass over the batch. Inputs must arrive in the
// order declared by Inputs.
func (g *GraphEngine) Run(inputs []*tensor.Proxy) ([]*tensor.Proxy, error) {
	if g.model == nil {
		return nil, &ExecutionError{Engine: KindGraph, Err: fmt.Errorf("engine is closed")}
	}
	if len(inputs) != len(g.inputs) {
		return nil, &ExecutionError{Engine: KindGraph,
			Err: fmt.Errorf("expected %d input tensors, got %d", len(g.inputs), len(inputs))}
	}
	byName := make(map[string]*tensor.Proxy, len(inputs))
	batch := int64(0)
	for i, in := range inputs {
		if in.Name != g.inputs[i].Name {
			return nil, &ExecutionError{Engine: KindGraph,
				Err: fmt.Errorf("input %d is %q, expected %q", i, in.Name, g.inputs[i].Name)}
		}
		if i == 0 {
			batch = in.Batch()
		} else if in.Batch() != batch {
			return nil, &ExecutionError{Engine: KindGraph,
				Err: fmt.Errorf("input %q has batch %d, expected %d", in.Name, in.Batch(), batch)}
		}
		byName[in.Name] = in
	}
	if batch < 1 {
		return nil, &ExecutionError{Engine: KindGraph, Err: fmt.Errorf("empty batch")}
	}

	m := g.model
	actionSize := m.ActionSize()
	actionOut := make([]float32, int(batch)*actionSize)
	var memoryOut []float32
	if m.MemorySize > 0 {
		memoryOut = make([]float32, int(batch)*m.MemorySize)
	}

	inputWidth := m.MemorySize
	for _, n := range m.ObservationSizes {
		inputWidth += n
	}

	for r := 0; r < int(batch); r++ {
		x := make([]float32, 0, inputWidth)
		for i := range m.ObservationSizes {
			x = append(x, byName[tensor.ObservationName(i)].Row(r)...)
		}
		if m.MemorySize > 0 {
			x = append(x, byName[tensor.RecurrentInName].Row(r)...)
		}

		h := x
		var err error
		for li := range m.Hidden {
			if h, err = m.Hidden[li].forward(h); err != nil {
				return nil, &ExecutionError{Engine: KindGraph, Err: err}
			}
		}

		action, err := m.Head.forward(h)
		if err != nil {
			return nil, &ExecutionError{Engine: KindGraph, Err: err}
		}
		if m.ActionType == "discrete" && m.UseMask {
			mask := byName[tensor.ActionMaskName].Row(r)
			for i, masked := range mask {
				if masked != 0 {
					action[i] = maskedLogit
				}
			}
		}
		if m.ActionType == "continuous" && m.UseEpsilon {
			eps := byName[tensor.EpsilonName].Row(r)
			for i := range action {
				action[i] += eps[i]
			}
		}
		copy(actionOut[r*actionSize:], action)

		if m.MemorySize > 0 {
			mem, err := m.RecurrentHead.forward(h)
			if err != nil {
				return nil, &ExecutionError{Engine: KindGraph, Err: err}
			}
			copy(memoryOut[r*m.MemorySize:], mem)
		}
	}

	outs := []*tensor.Proxy{{
		Name:  tensor.ActionName,
		Shape: []int64{batch, int64(actionSize)},
		Data:  actionOut,
	}}
	if m.MemorySize > 0 {
		outs = append(outs, &tensor.Proxy{
			Name:  tensor.RecurrentOutName,
			Shape: []int64{batch, int64(m.MemorySize)},
			Data:  memoryOut,
		})
	}
	return outs, nil
}

func (g *GraphEngine) Close() error {
	g.model = nil
	return nil
}

var _ Engine = (*GraphEngine)(nil)
