package domain

import "errors"

// Failure taxonomy shared by every layer. Adapters map transport errors
// onto these sentinels so the core can branch with errors.Is.
var (
	// ErrEngineUnavailable: the container engine socket is unreachable
	// or timed out. The cache keeps serving its last snapshot.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrConflict: a command is already in flight for the resource.
	ErrConflict = errors.New("command already in progress")

	// ErrPreconditionFailed: the command violates a state guard, such as
	// deleting a running container without force.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrNotFound: the resource does not exist on the engine.
	ErrNotFound = errors.New("resource not found")

	// ErrRegistryUnreachable: the remote registry could not be queried.
	ErrRegistryUnreachable = errors.New("registry unreachable")

	// ErrRegistryAuthFailed: the registry rejected our credentials.
	ErrRegistryAuthFailed = errors.New("registry authentication failed")

	// ErrBrokerUnavailable: the message broker is not connected. The
	// bridge is additive, so the rest of the system stays usable.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)
