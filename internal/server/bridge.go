// Package server hosts the websocket bridge between external collaborators
// (environment processes, trainers) and the inference brain. One websocket
// session owns one brain instance; all stepping for a session happens on the
// connection's goroutine, so the brain's single-threaded contract holds by
// construction.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/effenzeffer/ml-agents/internal/agent"
	"github.com/effenzeffer/ml-agents/internal/backend"
	"github.com/effenzeffer/ml-agents/internal/brain"
	"github.com/effenzeffer/ml-agents/internal/cache"
	"github.com/effenzeffer/ml-agents/internal/config"
	"github.com/effenzeffer/ml-agents/internal/decisionlog"
	"github.com/effenzeffer/ml-agents/internal/metrics"
	"github.com/effenzeffer/ml-agents/internal/protocol"
	"github.com/effenzeffer/ml-agents/internal/tensor"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 5 * time.Minute
	writeTimeout     = 5 * time.Second

	decisionTTL = 10 * time.Minute
)

// Bridge accepts websocket sessions and steps a brain per session.
type Bridge struct {
	cfg   *config.Config
	cache *cache.Cache     // optional, may be nil
	dlog  *decisionlog.Log // optional, may be nil

	upgrader websocket.Upgrader
	tracer   trace.Tracer
}

func NewBridge(cfg *config.Config, c *cache.Cache, dl *decisionlog.Log) *Bridge {
	return &Bridge{
		cfg:   cfg,
		cache: c,
		dlog:  dl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		tracer: otel.Tracer("ml-agents/bridge"),
	}
}

// session is the per-connection state. It lives on the connection goroutine.
type session struct {
	id    string
	brain *brain.Brain

	// cacheable sessions (greedy policy, no recurrent state, brain control)
	// may consult the decision cache.
	cacheable bool
	engine    string
}

func (b *Bridge) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := b.handshake(conn)
		if sess == nil {
			return
		}
		defer sess.brain.Close()

		metrics.SessionStarted()
		defer metrics.SessionEnded()
		log.Printf("[%s] session opened: engine=%s model=%s", sess.id, sess.engine, sess.brain.ModelDigest())

		ctx := r.Context()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				b.writeError(conn, sess.id, protocol.ErrProtoBadRequest, "malformed JSON", 0)
				continue
			}
			if base.Type != protocol.TypeStepObs {
				b.writeError(conn, sess.id, protocol.ErrProtoBadRequest, "expected STEP_OBS", 0)
				continue
			}
			var stepObs protocol.StepObsMsg
			if err := json.Unmarshal(msg, &stepObs); err != nil {
				b.writeError(conn, sess.id, protocol.ErrProtoBadRequest, "malformed STEP_OBS", 0)
				continue
			}
			if stepObs.ProtocolVersion != protocol.Version {
				b.writeError(conn, sess.id, protocol.ErrProtoVersion, "unsupported protocol_version", stepObs.Step)
				continue
			}

			act, err := b.step(ctx, sess, &stepObs)
			if err != nil {
				log.Printf("[%s] step %d failed: %v", sess.id, stepObs.Step, err)
				b.writeError(conn, sess.id, errorCode(err), err.Error(), stepObs.Step)
				continue
			}
			if err := writeJSON(conn, act); err != nil {
				break
			}
		}

		log.Printf("[%s] session closed", sess.id)
	}
}

// handshake reads the HELLO frame, builds the session's brain and answers
// with WELCOME. A nil return means the connection is unusable.
func (b *Bridge) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"),
			time.Now().Add(time.Second))
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	sessionID := uuid.New().String()

	if hello.ProtocolVersion != protocol.Version {
		b.writeError(conn, sessionID, protocol.ErrProtoVersion, "unsupported protocol_version", 0)
		return nil
	}

	// A HELLO without an inline declaration falls back to the server's
	// configured agent descriptor file.
	var spec *agent.InterfaceSpec
	if len(hello.Agent.ObservationGroups) == 0 && b.cfg.AgentSpec != "" {
		loaded, lerr := agent.LoadSpec(b.cfg.AgentSpec)
		if lerr != nil {
			b.writeError(conn, sessionID, protocol.ErrProtoBadRequest, lerr.Error(), 0)
			return nil
		}
		spec = loaded
	} else {
		spec = specFromDecl(hello.Agent)
	}
	if err := spec.Validate(); err != nil {
		b.writeError(conn, sessionID, protocol.ErrProtoBadRequest, err.Error(), 0)
		return nil
	}

	engineKind := hello.Engine
	if engineKind == "" {
		engineKind = b.cfg.Engine
	}
	deviceName := hello.Device
	if deviceName == "" {
		deviceName = b.cfg.Device
	}
	device, err := backend.ParseDevice(deviceName)
	if err != nil {
		b.writeError(conn, sessionID, protocol.ErrProtoBadRequest, err.Error(), 0)
		return nil
	}
	policyName := hello.Policy
	if policyName == "" {
		policyName = b.cfg.Policy
	}
	policy, err := brain.ParseSamplePolicy(policyName)
	if err != nil {
		b.writeError(conn, sessionID, protocol.ErrProtoBadRequest, err.Error(), 0)
		return nil
	}
	seed := hello.Seed
	if seed == 0 {
		seed = b.cfg.Seed
	}

	br, err := brain.New(brain.Config{
		Agent:           spec,
		Engine:          engineKind,
		Device:          device,
		Seed:            seed,
		Policy:          policy,
		ExternalControl: hello.Control == "external",
		BudgetBytes:     b.cfg.BudgetBytes,
	})
	if err != nil {
		b.writeError(conn, sessionID, protocol.ErrProtoBadRequest, err.Error(), 0)
		return nil
	}

	if b.cfg.UseMockEngine {
		br.LoadEngine(mockEngineFor(spec))
	} else {
		modelBytes, merr := b.resolveModel(&hello)
		if merr != nil {
			b.writeError(conn, sessionID, protocol.ErrModelLoad, merr.Error(), 0)
			return nil
		}
		if err := br.LoadModel(modelBytes); err != nil {
			_ = br.Close()
			b.writeError(conn, sessionID, errorCode(err), err.Error(), 0)
			return nil
		}
	}

	report := br.Report()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		ModelDigest:     br.ModelDigest(),
		Engine:          br.EngineName(),
		Device:          device.String(),
		Compatible:      report.IsEmpty(),
		Issues:          report.Issues,
	}
	if err := writeJSON(conn, welcome); err != nil {
		_ = br.Close()
		return nil
	}

	return &session{
		id:    sessionID,
		brain: br,
		cacheable: b.cache != nil &&
			policy == brain.SampleGreedy &&
			spec.MemorySize == 0 &&
			hello.Control != "external",
		engine: br.EngineName(),
	}
}

// resolveModel picks the model artifact for a session: inline bytes win over
// a server-side path, which wins over the configured default.
func (b *Bridge) resolveModel(hello *protocol.HelloMsg) ([]byte, error) {
	if hello.ModelB64 != "" {
		return base64.StdEncoding.DecodeString(hello.ModelB64)
	}
	path := hello.ModelPath
	if path == "" {
		path = b.cfg.Model
	}
	return os.ReadFile(path)
}

// step runs one decision batch, consulting the cache for deterministic
// sessions. Actions come back in the same agent order as the request.
func (b *Bridge) step(ctx context.Context, sess *session, stepObs *protocol.StepObsMsg) (*protocol.StepActMsg, error) {
	ctx, span := b.tracer.Start(ctx, "bridge.decision_step",
		trace.WithAttributes(
			attribute.String("session.id", sess.id),
			attribute.Int64("step", int64(stepObs.Step)),
			attribute.Int("batch.size", len(stepObs.Agents)),
		))
	defer span.End()

	start := time.Now()

	entries := make([]protocol.ActEntry, len(stepObs.Agents))
	var missIdx []int
	var missDigests []string

	for i := range stepObs.Agents {
		in := &stepObs.Agents[i]
		if sess.cacheable {
			digest := obsDigest(in)
			if data, err := b.cache.GetDecision(sess.brain.ModelDigest(), digest); err == nil && data != "" {
				var cached protocol.ActEntry
				if json.Unmarshal([]byte(data), &cached) == nil {
					cached.AgentID = in.AgentID
					entries[i] = cached
					continue
				}
			}
			missDigests = append(missDigests, digest)
		}
		rec := &agent.Observation{
			AgentID:        in.AgentID,
			Groups:         in.Observations,
			ActionMask:     in.ActionMask,
			RecurrentState: in.RecurrentState,
			Done:           in.Done,
			Reward:         in.Reward,
		}
		if err := sess.brain.RequestDecision(rec); err != nil {
			return nil, err
		}
		missIdx = append(missIdx, i)
	}

	actions, err := sess.brain.DecideActions()
	if err != nil {
		return nil, err
	}

	act := &protocol.StepActMsg{
		Type:            protocol.TypeStepAct,
		ProtocolVersion: protocol.Version,
		Step:            stepObs.Step,
	}

	// External control and incompatible models yield no actions; the caller
	// gets an empty frame and decides what to do.
	if actions == nil && len(missIdx) > 0 {
		elapsed := time.Since(start)
		metrics.RecordDecisionStep(elapsed.Seconds())
		return act, nil
	}

	for n, i := range missIdx {
		a := actions[n]
		entries[i] = protocol.ActEntry{
			AgentID:        a.AgentID,
			Continuous:     a.Continuous,
			Discrete:       a.Discrete,
			RecurrentState: a.RecurrentState,
		}
		if sess.cacheable {
			if data, merr := json.Marshal(entries[i]); merr == nil {
				_ = b.cache.SetDecision(sess.brain.ModelDigest(), missDigests[n], string(data), decisionTTL)
			}
		}
	}
	act.Agents = entries

	elapsed := time.Since(start)
	metrics.RecordDecisionStep(elapsed.Seconds())
	b.dlog.Record(decisionlog.Entry{
		SessionID:   sess.id,
		Step:        stepObs.Step,
		BatchSize:   len(stepObs.Agents),
		Engine:      sess.engine,
		ModelDigest: sess.brain.ModelDigest(),
		InferenceMs: float64(elapsed.Microseconds()) / 1000.0,
	})
	log.Printf("[%s] step=%d batch_size=%d cached=%d total_ms=%.2f",
		sess.id, stepObs.Step, len(stepObs.Agents), len(stepObs.Agents)-len(missIdx),
		float64(elapsed.Microseconds())/1000.0)

	return act, nil
}

func (b *Bridge) writeError(conn *websocket.Conn, sessionID, code, message string, step uint64) {
	log.Printf("[%s] error %s: %s", sessionID, code, message)
	_ = writeJSON(conn, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
		Step:            step,
	})
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func specFromDecl(d protocol.AgentDecl) *agent.InterfaceSpec {
	return &agent.InterfaceSpec{
		Name:              d.Name,
		ObservationGroups: d.ObservationGroups,
		ActionType:        d.ActionType,
		DiscreteBranches:  d.DiscreteBranches,
		ContinuousSize:    d.ContinuousSize,
		MemorySize:        d.MemorySize,
	}
}

// mockEngineFor builds a scripted engine matching the agent declaration.
// Used in mock mode so the whole bridge can run without a model artifact.
func mockEngineFor(spec *agent.InterfaceSpec) *backend.Mock {
	inputs := make([]tensor.Spec, 0, len(spec.ObservationGroups))
	for i, size := range spec.ObservationGroups {
		inputs = append(inputs, tensor.Spec{
			Name:  tensor.ObservationName(i),
			Shape: []int64{-1, int64(size)},
			Role:  tensor.RoleObservation,
		})
	}
	outputs := []tensor.Spec{{
		Name:  tensor.ActionName,
		Shape: []int64{-1, int64(spec.ActionSize())},
		Role:  tensor.RoleAction,
	}}
	rows := map[string][]float32{
		tensor.ActionName: make([]float32, spec.ActionSize()),
	}
	return backend.NewScriptedMock(inputs, outputs, rows)
}

// obsDigest keys the decision cache by everything that influences a greedy
// memoryless decision for one agent.
func obsDigest(in *protocol.ObsEntry) string {
	payload := struct {
		Obs  [][]float32 `json:"obs"`
		Mask []bool      `json:"mask,omitempty"`
	}{Obs: in.Observations, Mask: in.ActionMask}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
