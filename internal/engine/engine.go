// Package engine defines the abstraction for compute backends that host
// ephemeral GitHub Actions runners.  Each backend (EC2, GCP, Docker)
// implements Engine so the lifecycle code stays compute-agnostic.
package engine

import (
	"context"
	"errors"
)

// Failure conditions shared by every backend.  Backends wrap them together
// with the underlying provider error so both are reachable via errors.Is
// and errors.As.
var (
	// ErrPlacementNotFound means no eligible network placement exists.
	ErrPlacementNotFound = errors.New("placement not found")

	// ErrNotRunning means the instance did not reach the running state
	// within the wait budget, or entered a state it cannot leave.
	ErrNotRunning = errors.New("instance did not reach running state")

	// ErrTerminate means the provider rejected the termination request.
	ErrTerminate = errors.New("instance termination failed")
)

// Engine is the contract every compute backend must satisfy.
//
// The lifecycle is driven entirely by the caller:
//
//	absent → Launch → launched → AwaitRunning → running → Terminate → terminated
//
// Nothing is retried or rolled back.  A failure leaves whatever the last
// successful call produced; for example a launched instance stays up when
// AwaitRunning fails.
type Engine interface {
	// Launch provisions exactly one instance whose first-boot script
	// registers a runner using token under label.  The returned id is
	// opaque: an EC2 instance id, a GCP instance name or a container id.
	Launch(ctx context.Context, token, label string) (id string, err error)

	// AwaitRunning blocks until the instance is running or the backend's
	// bounded wait is exhausted.
	AwaitRunning(ctx context.Context, id string) error

	// Terminate permanently destroys the instance.  Behaviour for an id
	// that is already gone is whatever the provider does.
	Terminate(ctx context.Context, id string) error
}
