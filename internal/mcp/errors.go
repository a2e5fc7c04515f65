package mcp

import (
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// JSON-RPC error codes used for invocations rejected before reaching a server.
const (
	MethodNotFound = mcpgo.METHOD_NOT_FOUND
	InvalidParams  = mcpgo.INVALID_PARAMS
)

// ServerStartupError reports a spawn or handshake failure.
type ServerStartupError struct {
	Server string
	Err    error
}

func (e *ServerStartupError) Error() string {
	return fmt.Sprintf("server %s failed to start: %v", e.Server, e.Err)
}

func (e *ServerStartupError) Unwrap() error { return e.Err }

// Retryable keeps the gateway from re-spawning on its own; restarts are
// counted by the Manager.
func (e *ServerStartupError) Retryable() bool { return false }

// ServerCrashedError reports a session that died with calls outstanding,
// or a server that exhausted its restarts.
type ServerCrashedError struct {
	Server string
	Err    error
	// Lost is set once the server will not be restarted again.
	Lost bool
}

func (e *ServerCrashedError) Error() string {
	if e.Lost {
		return fmt.Sprintf("server %s lost: %v", e.Server, e.Err)
	}
	return fmt.Sprintf("server %s crashed: %v", e.Server, e.Err)
}

func (e *ServerCrashedError) Unwrap() error { return e.Err }

func (e *ServerCrashedError) Retryable() bool { return false }

// CapabilityInvocationError carries the error payload reported by a server.
type CapabilityInvocationError struct {
	Server     string
	Capability string
	Code       int
	Message    string
}

func (e *CapabilityInvocationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s on %s failed (code %d): %s", e.Capability, e.Server, e.Code, e.Message)
	}
	return fmt.Sprintf("%s on %s failed: %s", e.Capability, e.Server, e.Message)
}

func (e *CapabilityInvocationError) Retryable() bool { return false }
