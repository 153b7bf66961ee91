// Package client holds the error taxonomy shared across the client
// core's subpackages, plus the narrow external collaborator contracts
// that the core calls through an interface and never assumes
// durability of.
//
// Timeout and disconnected-waiter errors are owned by
// internal/client/dispatch (TimeoutError, DisconnectedError) since the
// Dispatcher is what actually detects and constructs them; decode
// errors are likewise owned by their detecting package,
// internal/client/frame.ErrDecode.
package client

import "fmt"

// TransportError wraps a connect failure, socket error, or unexpected
// close at the Connection layer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// LoginCooldown is an authoritative server refusal with a retry-after.
type LoginCooldown struct {
	Seconds int
}

func (e *LoginCooldown) Error() string {
	return fmt.Sprintf("client: login cooldown, retry in %ds", e.Seconds)
}

// AuthFailed covers any login error_code other than 0 or the cooldown
// sentinel.
type AuthFailed struct {
	Code int
}

func (e *AuthFailed) Error() string {
	return fmt.Sprintf("client: authentication failed (code %d)", e.Code)
}

// ValidationError is returned synchronously, before anything is sent,
// when a caller submits an impossible request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("client: invalid request: %s", e.Reason)
}

// ServerRejected surfaces a response whose payload encodes an explicit
// application-level error; only raised when a caller opted to parse a
// typed response.
type ServerRejected struct {
	Code    int
	Message string
}

func (e *ServerRejected) Error() string {
	return fmt.Sprintf("client: server rejected request (code %d): %s", e.Code, e.Message)
}
