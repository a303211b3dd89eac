package brain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/effenzeffer/ml-agents/internal/agent"
	"github.com/effenzeffer/ml-agents/internal/backend"
	"github.com/effenzeffer/ml-agents/internal/metrics"
	"github.com/effenzeffer/ml-agents/internal/tensor"
)

// State tracks the brain's load lifecycle. Validation is one-shot per load:
// a brain never moves from Loaded back to a validated-ready substate, it is
// simply reloaded wholesale.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
)

func (s State) String() string {
	if s == StateLoaded {
		return "loaded"
	}
	return "unloaded"
}

// ErrNotLoaded is returned when a decision is requested before a model has
// been loaded.
var ErrNotLoaded = errors.New("brain: no model loaded")

// Config carries everything a brain needs at construction. There is no
// global lookup: the agent interface declaration, engine choice, device and
// seed all arrive here.
type Config struct {
	Agent *agent.InterfaceSpec

	// Engine is the execution engine kind, backend.KindONNX or
	// backend.KindGraph.
	Engine string

	Device backend.Device

	// Seed drives the epsilon input and stochastic action selection.
	Seed int64

	Policy SamplePolicy

	// ExternalControl defers action selection to an external trainer:
	// DecideActions clears the buffer without running inference.
	ExternalControl bool

	// BudgetBytes caps the tensor pool; zero selects the default budget.
	BudgetBytes int64
}

// Brain buffers per-agent decision requests and processes them as one batch
// per DecideActions call. It is single-threaded by contract: one control
// loop steps it, and no method may be called concurrently with another.
type Brain struct {
	cfg   Config
	state State

	engine backend.Engine
	report CompatibilityReport
	digest string

	alloc *tensor.Allocator
	gen   *Generator
	app   *Applier

	queue []*agent.Observation

	// gauged marks that this brain is counted in the loaded-models gauge.
	gauged bool
}

// New constructs an unloaded brain from explicit configuration.
func New(cfg Config) (*Brain, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("brain: agent interface spec is required")
	}
	if err := cfg.Agent.Validate(); err != nil {
		return nil, fmt.Errorf("brain: %w", err)
	}
	return &Brain{
		cfg:   cfg,
		alloc: tensor.NewAllocator(cfg.BudgetBytes),
	}, nil
}

// State returns the current lifecycle state.
func (b *Brain) State() State { return b.state }

// Report returns the compatibility report of the current model. It is only
// meaningful in the Loaded state.
func (b *Brain) Report() CompatibilityReport { return b.report }

// ModelDigest returns the hex SHA-256 of the loaded model bytes, or "" when
// unloaded. Used for cache keying and logs.
func (b *Brain) ModelDigest() string { return b.digest }

// Engine exposes the engine kind for logs; empty when unloaded.
func (b *Brain) EngineName() string {
	if b.engine == nil {
		return ""
	}
	return b.engine.Name()
}

// LoadModel constructs the configured engine from the model bytes, validates
// it against the agent interface and replaces any previously loaded handle.
// On a load failure the brain keeps its previous state and engine. The brain
// transitions to Loaded regardless of the compatibility outcome, but
// inference short-circuits while the report is non-empty.
//
// Reloading invalidates every outstanding tensor reference: the allocator is
// reset (keeping its storage) and callers must not retain proxies or action
// records across the reload.
func (b *Brain) LoadModel(modelBytes []byte) error {
	engine, err := backend.Load(b.cfg.Engine, modelBytes, b.cfg.Device)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(modelBytes)
	b.install(engine, hex.EncodeToString(sum[:]))
	return nil
}

// LoadEngine installs an already-constructed engine. Used when the engine is
// built programmatically, such as the mock engine in tests and mock mode.
func (b *Brain) LoadEngine(engine backend.Engine) {
	b.install(engine, "")
}

func (b *Brain) install(engine backend.Engine, digest string) {
	if b.engine != nil {
		if cerr := b.engine.Close(); cerr != nil {
			log.Printf("brain: closing previous engine: %v", cerr)
		}
	}
	b.engine = engine
	b.digest = digest

	b.alloc.Reset(true)
	b.queue = b.queue[:0]

	rng := rand.New(rand.NewSource(b.cfg.Seed))
	b.gen = NewGenerator(b.cfg.Agent, b.alloc, rng)
	b.app = NewApplier(b.cfg.Agent, b.cfg.Policy, rng)

	b.report = ValidateModel(engine.Inputs(), engine.Outputs(), b.cfg.Agent)
	b.state = StateLoaded
	if b.gauged {
		metrics.ModelUnloaded()
	}
	b.gauged = b.report.IsEmpty()
	if b.gauged {
		metrics.ModelLoaded()
	}

	if !b.report.IsEmpty() {
		log.Printf("brain: model %s loaded with %d compatibility issue(s): %s",
			b.shortDigest(), len(b.report.Issues), b.report)
	} else {
		log.Printf("brain: model %s loaded on %s engine (%s)", b.shortDigest(), engine.Name(), b.cfg.Device)
	}
}

func (b *Brain) shortDigest() string {
	if len(b.digest) < 12 {
		return "unkeyed"
	}
	return b.digest[:12]
}

// RequestDecision appends one agent's observation record to the pending
// batch. It never runs inference by itself.
func (b *Brain) RequestDecision(rec *agent.Observation) error {
	if rec == nil {
		return fmt.Errorf("brain: nil observation record")
	}
	if rec.AgentID == "" {
		return fmt.Errorf("brain: observation record without agent id")
	}
	b.queue = append(b.queue, rec)
	return nil
}

// Pending reports how many decision requests are buffered.
func (b *Brain) Pending() int { return len(b.queue) }

// DecideActions processes every request buffered since the previous call as
// one batch: generate input tensors, run the engine once, scatter outputs
// back. It returns one action record per buffered agent, in request order.
//
// The buffer is cleared on every path out of this method; records are never
// carried into the next step. An empty buffer is a no-op. In external-
// control mode the buffer is cleared without inference. An execution failure
// skips the whole step: no agent receives an action.
func (b *Brain) DecideActions() ([]*agent.Action, error) {
	if len(b.queue) == 0 {
		return nil, nil
	}
	batch := b.queue
	b.queue = b.queue[:0]
	defer b.alloc.Reset(true)

	if b.cfg.ExternalControl {
		return nil, nil
	}
	if b.state != StateLoaded {
		return nil, fmt.Errorf("%w: dropping %d buffered request(s)", ErrNotLoaded, len(batch))
	}
	if !b.report.IsEmpty() {
		log.Printf("brain: refusing inference for %d agent(s), model %s is incompatible: %s",
			len(batch), b.shortDigest(), b.report)
		return nil, nil
	}

	metrics.RecordInferenceBatch(len(batch))

	inputs, err := b.gen.Generate(b.engine.Inputs(), batch)
	if err != nil {
		return nil, fmt.Errorf("brain: generating input tensors: %w", err)
	}

	start := time.Now()
	outputs, err := b.engine.Run(inputs)
	metrics.RecordInferenceLatency(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("brain: %w", err)
	}

	actions, err := b.app.Apply(outputs, batch)
	if err != nil {
		return nil, fmt.Errorf("brain: applying output tensors: %w", err)
	}
	return actions, nil
}

// Close releases the engine and drops the tensor pool. The brain returns to
// Unloaded and can be reused with a fresh LoadModel.
func (b *Brain) Close() error {
	b.queue = nil
	b.alloc.Reset(false)
	b.state = StateUnloaded
	b.digest = ""
	if b.gauged {
		metrics.ModelUnloaded()
		b.gauged = false
	}
	if b.engine == nil {
		return nil
	}
	err := b.engine.Close()
	b.engine = nil
	return err
}
