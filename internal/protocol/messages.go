package protocol

// HELLO (client -> server). Declares the agent interface, names the model to
// serve and fixes the session's engine, device, seed and selection policy.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	Agent AgentDecl `json:"agent"`

	// Exactly one of ModelPath (server-side artifact) or ModelB64
	// (base64-encoded artifact bytes carried inline) must be set.
	ModelPath string `json:"model_path,omitempty"`
	ModelB64  string `json:"model_b64,omitempty"`

	Engine  string `json:"engine,omitempty"`  // "onnx" or "graph"
	Device  string `json:"device,omitempty"`  // "cpu" or "accelerator"
	Seed    int64  `json:"seed,omitempty"`
	Policy  string `json:"policy,omitempty"`  // "greedy" or "stochastic"
	Control string `json:"control,omitempty"` // "" or "external"
}

// AgentDecl mirrors the agent interface declaration on the wire.
type AgentDecl struct {
	Name              string `json:"name,omitempty"`
	ObservationGroups []int  `json:"observation_groups"`
	ActionType        string `json:"action_type"`
	DiscreteBranches  []int  `json:"discrete_branches,omitempty"`
	ContinuousSize    int    `json:"continuous_size,omitempty"`
	MemorySize        int    `json:"memory_size,omitempty"`
}

// WELCOME (server -> client). The compatibility issues list is the full
// validation report; an empty list means decision steps will run inference.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	SessionID   string   `json:"session_id"`
	ModelDigest string   `json:"model_digest,omitempty"`
	Engine      string   `json:"engine"`
	Device      string   `json:"device"`
	Compatible  bool     `json:"compatible"`
	Issues      []string `json:"issues,omitempty"`
}

// STEP_OBS (client -> server). One decision batch: every agent that wants a
// decision this step, in the order the client expects the actions back.
type StepObsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	Step   uint64     `json:"step"`
	Agents []ObsEntry `json:"agents"`
}

type ObsEntry struct {
	AgentID        string      `json:"agent_id"`
	Observations   [][]float32 `json:"observations"`
	ActionMask     []bool      `json:"action_mask,omitempty"`
	RecurrentState []float32   `json:"recurrent_state,omitempty"`
	Done           bool        `json:"done,omitempty"`
	Reward         float32     `json:"reward,omitempty"`
}

// STEP_ACT (server -> client). Actions in the same agent order as the
// STEP_OBS that produced them. Empty agents list in external-control mode.
type StepActMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	Step   uint64     `json:"step"`
	Agents []ActEntry `json:"agents"`
}

type ActEntry struct {
	AgentID        string    `json:"agent_id"`
	Continuous     []float32 `json:"continuous,omitempty"`
	Discrete       []int     `json:"discrete,omitempty"`
	RecurrentState []float32 `json:"recurrent_state,omitempty"`
}

// ERROR (server -> client).
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	Code    string `json:"code"`
	Message string `json:"message"`
	Step    uint64 `json:"step,omitempty"`
}
