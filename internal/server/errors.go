// internal/server/errors.go
package server

import (
	"errors"

	"github.com/effenzeffer/ml-agents/internal/backend"
	"github.com/effenzeffer/ml-agents/internal/brain"
	"github.com/effenzeffer/ml-agents/internal/protocol"
	"github.com/effenzeffer/ml-agents/internal/tensor"
)

// errorCode maps known internal errors to protocol error codes
func errorCode(err error) string {
	if err == nil {
		return ""
	}

	var loadErr *backend.LoadError
	var execErr *backend.ExecutionError

	switch {
	case errors.As(err, &loadErr):
		return protocol.ErrModelLoad

	case errors.As(err, &execErr):
		return protocol.ErrExecution

	case errors.Is(err, tensor.ErrBudgetExhausted):
		return protocol.ErrAllocation

	case errors.Is(err, brain.ErrNotLoaded):
		return protocol.ErrSessionState

	default:
		return protocol.ErrInternal
	}
}
