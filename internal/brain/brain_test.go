package brain

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/effenzeffer/ml-agents/internal/agent"
	"github.com/effenzeffer/ml-agents/internal/backend"
	"github.com/effenzeffer/ml-agents/internal/metrics"
	"github.com/effenzeffer/ml-agents/internal/tensor"
)

func strikerSpec() *agent.InterfaceSpec {
	return &agent.InterfaceSpec{
		Name:              "striker",
		ObservationGroups: []int{8},
		ActionType:        agent.ActionDiscrete,
		DiscreteBranches:  []int{3, 2, 2, 4},
	}
}

func strikerModel(seed int64) *backend.Model {
	rng := rand.New(rand.NewSource(seed))
	return &backend.Model{
		Name:             "striker",
		ObservationSizes: []int{8},
		ActionType:       "discrete",
		DiscreteBranches: []int{3, 2, 2, 4},
		UseMask:          true,
		Hidden:           []backend.Dense{backend.NewDense(8, 16, "relu", rng)},
		Head:             backend.NewDense(16, 11, "linear", rng),
	}
}

func strikerObservation(id string, fill float32) *agent.Observation {
	obs := make([]float32, 8)
	for i := range obs {
		obs[i] = fill + float32(i)*0.125
	}
	return &agent.Observation{AgentID: id, Groups: [][]float32{obs}}
}

func newLoadedBrain(t *testing.T, cfg Config, model *backend.Model) *Brain {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	artifact, err := model.SaveBytes()
	if err != nil {
		t.Fatalf("SaveBytes failed: %v", err)
	}
	if err := b.LoadModel(artifact); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	return b
}

func TestDecideActionsProducesOneActionPerAgent(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 32} {
		b := newLoadedBrain(t, Config{Agent: strikerSpec(), Engine: backend.KindGraph, Seed: 1}, strikerModel(5))

		want := make([]string, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("agent-%d", i)
			want[i] = id
			if err := b.RequestDecision(strikerObservation(id, float32(i))); err != nil {
				t.Fatalf("RequestDecision failed: %v", err)
			}
		}

		actions, err := b.DecideActions()
		if err != nil {
			t.Fatalf("DecideActions failed: %v", err)
		}
		if len(actions) != n {
			t.Fatalf("batch %d: expected %d actions, got %d", n, n, len(actions))
		}
		for i, act := range actions {
			if act.AgentID != want[i] {
				t.Errorf("batch %d: action %d belongs to %q, expected %q", n, i, act.AgentID, want[i])
			}
		}
		if b.Pending() != 0 {
			t.Errorf("batch %d: expected empty buffer after DecideActions, got %d", n, b.Pending())
		}
		b.Close()
	}
}

func TestDecideActionsEmptyBufferIsNoOp(t *testing.T) {
	spec := strikerSpec()
	mock := backend.NewScriptedMock(
		[]tensor.Spec{{Name: "obs_0", Shape: []int64{-1, 8}, Role: tensor.RoleObservation}},
		[]tensor.Spec{{Name: tensor.ActionName, Shape: []int64{-1, 11}, Role: tensor.RoleAction}},
		map[string][]float32{tensor.ActionName: make([]float32, 11)},
	)
	b, err := New(Config{Agent: spec})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b.LoadEngine(mock)

	actions, err := b.DecideActions()
	if err != nil {
		t.Fatalf("DecideActions on empty buffer failed: %v", err)
	}
	if actions != nil {
		t.Errorf("Expected nil actions, got %d", len(actions))
	}
	if mock.CallCount != 0 {
		t.Errorf("Expected no engine invocation, got %d", mock.CallCount)
	}
}

func TestDecideActionsDeterministic(t *testing.T) {
	model := strikerModel(5)
	run := func() [][]int {
		b := newLoadedBrain(t, Config{
			Agent:  strikerSpec(),
			Engine: backend.KindGraph,
			Seed:   99,
			Policy: SampleStochastic,
		}, model)
		defer b.Close()

		var out [][]int
		for step := 0; step < 4; step++ {
			for i := 0; i < 3; i++ {
				id := fmt.Sprintf("agent-%d", i)
				if err := b.RequestDecision(strikerObservation(id, float32(step))); err != nil {
					t.Fatalf("RequestDecision failed: %v", err)
				}
			}
			actions, err := b.DecideActions()
			if err != nil {
				t.Fatalf("DecideActions failed: %v", err)
			}
			for _, act := range actions {
				out = append(out, act.Discrete)
			}
		}
		return out
	}

	a, b := run(), run()
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Two runs with the same seed diverged:\n%v\n%v", a, b)
	}
}

func TestMarshalingRoundTripThroughEchoEngine(t *testing.T) {
	// An engine that echoes the observation tensor as the action tensor must
	// reproduce each agent's observation values in its action slots.
	spec := &agent.InterfaceSpec{
		ObservationGroups: []int{4},
		ActionType:        agent.ActionContinuous,
		ContinuousSize:    4,
	}
	mock := backend.NewEchoMock(
		[]tensor.Spec{{Name: "obs_0", Shape: []int64{-1, 4}, Role: tensor.RoleObservation}},
		[]tensor.Spec{{Name: tensor.ActionName, Shape: []int64{-1, 4}, Role: tensor.RoleAction}},
	)
	b, err := New(Config{Agent: spec})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b.LoadEngine(mock)

	obs := [][]float32{
		{0.1, 0.2, 0.3, 0.4},
		{0.5, 0.6, 0.7, 0.8},
		{-1, -2, -3, -4},
	}
	for i, o := range obs {
		rec := &agent.Observation{AgentID: fmt.Sprintf("agent-%d", i), Groups: [][]float32{o}}
		if err := b.RequestDecision(rec); err != nil {
			t.Fatalf("RequestDecision failed: %v", err)
		}
	}

	actions, err := b.DecideActions()
	if err != nil {
		t.Fatalf("DecideActions failed: %v", err)
	}
	if len(actions) != len(obs) {
		t.Fatalf("Expected %d actions, got %d", len(obs), len(actions))
	}
	for i, act := range actions {
		if !reflect.DeepEqual(act.Continuous, obs[i]) {
			t.Errorf("Agent %d: action %v does not round-trip observation %v", i, act.Continuous, obs[i])
		}
	}
}

func TestScenarioThreeAgentsFourBranches(t *testing.T) {
	// Model: one observation input of length 8, discrete output with
	// branches [3,2,2,4]. Three agents in, three actions out, each index
	// within its branch's range.
	b := newLoadedBrain(t, Config{Agent: strikerSpec(), Engine: backend.KindGraph, Seed: 3}, strikerModel(5))
	defer b.Close()

	for i := 0; i < 3; i++ {
		if err := b.RequestDecision(strikerObservation(fmt.Sprintf("agent-%d", i), float32(i))); err != nil {
			t.Fatalf("RequestDecision failed: %v", err)
		}
	}

	actions, err := b.DecideActions()
	if err != nil {
		t.Fatalf("DecideActions failed: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("Expected 3 actions, got %d", len(actions))
	}

	branches := []int{3, 2, 2, 4}
	for _, act := range actions {
		if len(act.Discrete) != 4 {
			t.Fatalf("Agent %q: expected 4 branch indices, got %d", act.AgentID, len(act.Discrete))
		}
		for bi, idx := range act.Discrete {
			if idx < 0 || idx >= branches[bi] {
				t.Errorf("Agent %q branch %d: index %d out of range [0,%d)", act.AgentID, bi, idx, branches[bi])
			}
		}
	}
}

func TestActionMaskExcludesIllegalActions(t *testing.T) {
	b := newLoadedBrain(t, Config{Agent: strikerSpec(), Engine: backend.KindGraph, Seed: 3}, strikerModel(5))
	defer b.Close()

	// Mask every action of branch 3 except index 2.
	mask := make([]bool, 11)
	mask[7] = true
	mask[8] = true
	mask[10] = true

	rec := strikerObservation("masked", 0.5)
	rec.ActionMask = mask
	if err := b.RequestDecision(rec); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}

	actions, err := b.DecideActions()
	if err != nil {
		t.Fatalf("DecideActions failed: %v", err)
	}
	if got := actions[0].Discrete[3]; got != 2 {
		t.Errorf("Branch 3 selected masked index %d, expected 2", got)
	}
}

func TestExternalControlClearsWithoutInference(t *testing.T) {
	mock := backend.NewScriptedMock(
		[]tensor.Spec{{Name: "obs_0", Shape: []int64{-1, 8}, Role: tensor.RoleObservation}},
		[]tensor.Spec{{Name: tensor.ActionName, Shape: []int64{-1, 11}, Role: tensor.RoleAction}},
		map[string][]float32{tensor.ActionName: make([]float32, 11)},
	)
	b, err := New(Config{Agent: strikerSpec(), ExternalControl: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b.LoadEngine(mock)

	if err := b.RequestDecision(strikerObservation("agent-0", 1)); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}
	actions, err := b.DecideActions()
	if err != nil {
		t.Fatalf("DecideActions failed: %v", err)
	}
	if actions != nil {
		t.Errorf("Expected no actions in external-control mode, got %d", len(actions))
	}
	if mock.CallCount != 0 {
		t.Errorf("Expected no engine invocation, got %d", mock.CallCount)
	}
	if b.Pending() != 0 {
		t.Errorf("Expected cleared buffer, got %d pending", b.Pending())
	}
}

func TestIncompatibleModelShortCircuits(t *testing.T) {
	// The mock declares a 4-wide observation input against an 8-wide agent
	// declaration: the report must be non-empty and inference disabled.
	mock := backend.NewScriptedMock(
		[]tensor.Spec{{Name: "obs_0", Shape: []int64{-1, 4}, Role: tensor.RoleObservation}},
		[]tensor.Spec{{Name: tensor.ActionName, Shape: []int64{-1, 11}, Role: tensor.RoleAction}},
		map[string][]float32{tensor.ActionName: make([]float32, 11)},
	)
	b, err := New(Config{Agent: strikerSpec()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b.LoadEngine(mock)

	if b.State() != StateLoaded {
		t.Errorf("Expected Loaded state despite incompatibility, got %s", b.State())
	}
	if b.Report().IsEmpty() {
		t.Fatal("Expected non-empty compatibility report")
	}

	if err := b.RequestDecision(strikerObservation("agent-0", 1)); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}
	actions, err := b.DecideActions()
	if err != nil {
		t.Fatalf("Expected logged short-circuit, got error: %v", err)
	}
	if actions != nil {
		t.Errorf("Expected no actions, got %d", len(actions))
	}
	if mock.CallCount != 0 {
		t.Errorf("Expected no engine invocation, got %d", mock.CallCount)
	}
}

func TestDecideActionsWithoutModel(t *testing.T) {
	b, err := New(Config{Agent: strikerSpec(), Engine: backend.KindGraph})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.RequestDecision(strikerObservation("agent-0", 1)); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}
	_, err = b.DecideActions()
	if !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Expected ErrNotLoaded, got: %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Expected cleared buffer, got %d pending", b.Pending())
	}
}

func TestExecutionErrorSkipsStep(t *testing.T) {
	mock := backend.NewScriptedMock(
		[]tensor.Spec{{Name: "obs_0", Shape: []int64{-1, 8}, Role: tensor.RoleObservation}},
		[]tensor.Spec{{Name: tensor.ActionName, Shape: []int64{-1, 11}, Role: tensor.RoleAction}},
		map[string][]float32{tensor.ActionName: make([]float32, 11)},
	)
	mock.SetError("forward pass exploded")
	b, err := New(Config{Agent: strikerSpec()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b.LoadEngine(mock)

	if err := b.RequestDecision(strikerObservation("agent-0", 1)); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}
	actions, err := b.DecideActions()
	if err == nil {
		t.Fatal("Expected execution error")
	}
	var ee *backend.ExecutionError
	if !errors.As(err, &ee) {
		t.Errorf("Expected *backend.ExecutionError, got %T", err)
	}
	if actions != nil {
		t.Errorf("Expected no actions on failed step, got %d", len(actions))
	}
	if b.Pending() != 0 {
		t.Errorf("Expected cleared buffer after failed step, got %d", b.Pending())
	}

	// The brain stays Loaded; the next step works once the engine recovers.
	mock.ClearError()
	if err := b.RequestDecision(strikerObservation("agent-0", 1)); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}
	if _, err := b.DecideActions(); err != nil {
		t.Fatalf("Step after recovery failed: %v", err)
	}
}

func TestReloadReplacesHandleAndKeepsWorking(t *testing.T) {
	b := newLoadedBrain(t, Config{Agent: strikerSpec(), Engine: backend.KindGraph, Seed: 1}, strikerModel(5))
	defer b.Close()

	firstDigest := b.ModelDigest()
	if err := b.RequestDecision(strikerObservation("agent-0", 1)); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}
	before, err := b.DecideActions()
	if err != nil {
		t.Fatalf("DecideActions failed: %v", err)
	}
	snapshot := append([]int(nil), before[0].Discrete...)

	artifact, err := strikerModel(1234).SaveBytes()
	if err != nil {
		t.Fatalf("SaveBytes failed: %v", err)
	}
	if err := b.LoadModel(artifact); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if b.ModelDigest() == firstDigest {
		t.Error("Expected a different model digest after reload")
	}

	// Stepping after the reload must work and must not disturb action
	// records handed out before the reload.
	if err := b.RequestDecision(strikerObservation("agent-0", 1)); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}
	if _, err := b.DecideActions(); err != nil {
		t.Fatalf("DecideActions after reload failed: %v", err)
	}
	if !reflect.DeepEqual(before[0].Discrete, snapshot) {
		t.Errorf("Pre-reload action record was mutated: %v vs %v", before[0].Discrete, snapshot)
	}
}

func TestFailedLoadKeepsPreviousModel(t *testing.T) {
	b := newLoadedBrain(t, Config{Agent: strikerSpec(), Engine: backend.KindGraph, Seed: 1}, strikerModel(5))
	defer b.Close()
	digest := b.ModelDigest()

	err := b.LoadModel([]byte("garbage"))
	if err == nil {
		t.Fatal("Expected load error for garbage bytes")
	}
	var le *backend.LoadError
	if !errors.As(err, &le) {
		t.Errorf("Expected *backend.LoadError, got %T", err)
	}
	if b.State() != StateLoaded || b.ModelDigest() != digest {
		t.Error("Failed load must leave the previous model in place")
	}

	if err := b.RequestDecision(strikerObservation("agent-0", 1)); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}
	if _, err := b.DecideActions(); err != nil {
		t.Fatalf("Step after failed reload failed: %v", err)
	}
}

func TestSingleActionBranchesReadRowAsLogits(t *testing.T) {
	// With branches [1,1,1] the index-row and logit-row widths coincide; the
	// values must be read as logits, so one above 1.0 is legal and each
	// branch resolves to its only index.
	spec := &agent.InterfaceSpec{
		ObservationGroups: []int{4},
		ActionType:        agent.ActionDiscrete,
		DiscreteBranches:  []int{1, 1, 1},
	}
	ap := NewApplier(spec, SampleGreedy, rand.New(rand.NewSource(1)))

	out := &tensor.Proxy{Name: tensor.ActionName, Shape: []int64{1, 3}, Data: []float32{2.5, -3, 7}}
	actions, err := ap.Apply([]*tensor.Proxy{out}, []*agent.Observation{{AgentID: "solo"}})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !reflect.DeepEqual(actions[0].Discrete, []int{0, 0, 0}) {
		t.Errorf("Expected indices [0 0 0], got %v", actions[0].Discrete)
	}
}

func TestLoadedModelsGaugeCountsBrains(t *testing.T) {
	base := testutil.ToFloat64(metrics.LoadedModels)

	b1 := newLoadedBrain(t, Config{Agent: strikerSpec(), Engine: backend.KindGraph, Seed: 1}, strikerModel(5))
	b2 := newLoadedBrain(t, Config{Agent: strikerSpec(), Engine: backend.KindGraph, Seed: 2}, strikerModel(7))
	if got := testutil.ToFloat64(metrics.LoadedModels); got != base+2 {
		t.Fatalf("Expected gauge %v with two loaded brains, got %v", base+2, got)
	}

	// Replacing a compatible model with an incompatible one withdraws that
	// brain's contribution without touching the other session's.
	incompatible := backend.NewScriptedMock(
		[]tensor.Spec{{Name: "obs_0", Shape: []int64{-1, 4}, Role: tensor.RoleObservation}},
		[]tensor.Spec{{Name: tensor.ActionName, Shape: []int64{-1, 11}, Role: tensor.RoleAction}},
		map[string][]float32{tensor.ActionName: make([]float32, 11)},
	)
	b2.LoadEngine(incompatible)
	if got := testutil.ToFloat64(metrics.LoadedModels); got != base+1 {
		t.Errorf("Expected gauge %v after incompatible reload, got %v", base+1, got)
	}

	b1.Close()
	if got := testutil.ToFloat64(metrics.LoadedModels); got != base {
		t.Errorf("Expected gauge %v after closing the loaded brain, got %v", base, got)
	}

	// Closing a brain that no longer counts must not drive the gauge negative.
	b2.Close()
	if got := testutil.ToFloat64(metrics.LoadedModels); got != base {
		t.Errorf("Expected gauge %v after closing the incompatible brain, got %v", base, got)
	}
}

func TestRecurrentStateFlowsAcrossSteps(t *testing.T) {
	spec := &agent.InterfaceSpec{
		ObservationGroups: []int{4, 6},
		ActionType:        agent.ActionContinuous,
		ContinuousSize:    2,
		MemorySize:        3,
	}
	rng := rand.New(rand.NewSource(11))
	model := &backend.Model{
		Name:             "chaser",
		ObservationSizes: []int{4, 6},
		ActionType:       "continuous",
		ContinuousSize:   2,
		MemorySize:       3,
		Hidden:           []backend.Dense{backend.NewDense(13, 8, "tanh", rng)},
		Head:             backend.NewDense(8, 2, "linear", rng),
		RecurrentHead:    func() *backend.Dense { d := backend.NewDense(8, 3, "tanh", rng); return &d }(),
	}
	b := newLoadedBrain(t, Config{Agent: spec, Engine: backend.KindGraph, Seed: 1}, model)
	defer b.Close()

	rec := &agent.Observation{
		AgentID: "chaser-0",
		Groups:  [][]float32{{1, 2, 3, 4}, {1, 2, 3, 4, 5, 6}},
	}
	if err := b.RequestDecision(rec); err != nil {
		t.Fatalf("RequestDecision failed: %v", err)
	}
	actions, err := b.DecideActions()
	if err != nil {
		t.Fatalf("DecideActions failed: %v", err)
	}
	if len(actions[0].RecurrentState) != 3 {
		t.Fatalf("Expected 3-wide recurrent state, got %d", len(actions[0].RecurrentState))
	}
	if rec.RecurrentState == nil {
		t.Fatal("Expected recurrent state written back to the observation record")
	}
	if !reflect.DeepEqual(rec.RecurrentState, actions[0].RecurrentState) {
		t.Error("Record and action carry different recurrent states")
	}
}
