package agent

// Observation is one agent's decision request for the current step. Records
// are created by the environment once per decision step and consumed by the
// brain when the batch is processed; they are never persisted.
type Observation struct {
	AgentID string

	// Groups holds one observation vector per declared sensor group, in
	// declaration order.
	Groups [][]float32

	// PrevAction is the action taken at the previous step, for recurrent
	// models. Nil on the first step.
	PrevAction []float32

	// ActionMask marks currently illegal discrete actions, flattened over
	// all branches in declaration order. True means masked out. Nil means
	// every action is legal.
	ActionMask []bool

	// RecurrentState is the memory vector carried from the previous step.
	// Nil until a recurrent model has produced one. The brain writes the
	// new state back here after each decision.
	RecurrentState []float32

	// Done and Reward are carried for the environment's bookkeeping; the
	// brain does not read them.
	Done   bool
	Reward float32
}

// Action is one agent's decision for the current step, valid for exactly one
// step. Discrete actions carry one selected index per branch; continuous
// actions carry the raw float vector.
type Action struct {
	AgentID string

	Continuous []float32
	Discrete   []int

	// RecurrentState is the updated memory vector, present for recurrent
	// models only.
	RecurrentState []float32
}
