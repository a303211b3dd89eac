package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session/model layer.
	ErrModelLoad         = "E_MODEL_LOAD"
	ErrModelIncompatible = "E_MODEL_INCOMPATIBLE"
	ErrSessionState      = "E_SESSION_STATE"

	// Decision step layer.
	ErrExecution  = "E_EXECUTION"
	ErrAllocation = "E_ALLOCATION"
	ErrBadBatch   = "E_BAD_BATCH"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrProtoVersion:      {},
	ErrModelLoad:         {},
	ErrModelIncompatible: {},
	ErrSessionState:      {},
	ErrExecution:         {},
	ErrAllocation:        {},
	ErrBadBatch:          {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
