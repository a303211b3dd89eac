package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	helloSchema := compile("hello.schema.json")
	welcomeSchema := compile("welcome.schema.json")
	stepObsSchema := compile("step_obs.schema.json")
	stepActSchema := compile("step_act.schema.json")
	errorSchema := compile("error.schema.json")

	var hello any
	_ = json.Unmarshal([]byte(`{
	  "type":"HELLO",
	  "protocol_version":"1.0",
	  "agent":{
	    "name":"striker",
	    "observation_groups":[8],
	    "action_type":"discrete",
	    "discrete_branches":[3,2,2,4]
	  },
	  "model_path":"models/striker.graph",
	  "engine":"graph",
	  "device":"cpu",
	  "seed":42,
	  "policy":"greedy"
	}`), &hello)
	validate(helloSchema, hello)

	var welcome any
	_ = json.Unmarshal([]byte(`{
	  "type":"WELCOME",
	  "protocol_version":"1.0",
	  "session_id":"9f2c9d1e-4b7a-4f7e-8a3c-1d2e3f4a5b6c",
	  "model_digest":"deadbeefdeadbeef",
	  "engine":"graph",
	  "device":"cpu",
	  "compatible":true
	}`), &welcome)
	validate(welcomeSchema, welcome)

	var stepObs any
	_ = json.Unmarshal([]byte(`{
	  "type":"STEP_OBS",
	  "protocol_version":"1.0",
	  "step":7,
	  "agents":[
	    {"agent_id":"agent-0","observations":[[0.1,0.2,0.3,0.4,0.5,0.6,0.7,0.8]]},
	    {"agent_id":"agent-1",
	     "observations":[[1,2,3,4,5,6,7,8]],
	     "action_mask":[false,false,true,false,false,false,false,true,false,false,false],
	     "reward":0.5}
	  ]
	}`), &stepObs)
	validate(stepObsSchema, stepObs)

	var stepAct any
	_ = json.Unmarshal([]byte(`{
	  "type":"STEP_ACT",
	  "protocol_version":"1.0",
	  "step":7,
	  "agents":[
	    {"agent_id":"agent-0","discrete":[1,0,1,2]},
	    {"agent_id":"agent-1","discrete":[0,1,0,3]}
	  ]
	}`), &stepAct)
	validate(stepActSchema, stepAct)

	var errMsg any
	_ = json.Unmarshal([]byte(`{
	  "type":"ERROR",
	  "protocol_version":"1.0",
	  "code":"E_MODEL_INCOMPATIBLE",
	  "message":"model is missing observation input \"obs_1\""
	}`), &errMsg)
	validate(errorSchema, errMsg)
}
