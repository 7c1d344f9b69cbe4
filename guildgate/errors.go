package guildgate

import "errors"

var (
	// ErrConnectionExhausted indicates the coordination store could not be
	// reached within the configured retry budget, or that the connection
	// pool had no free connection within its timeout.
	ErrConnectionExhausted = errors.New("coordination store connections exhausted")

	// ErrLockTimeout indicates a lease could not be acquired within the
	// caller's deadline. This is an expected condition: another shard or
	// goroutine is already doing the protected work, and callers should
	// skip rather than fail.
	ErrLockTimeout = errors.New("timed out waiting for lock")

	// ErrShuttingDown is returned by operations attempted after shutdown
	// has begun.
	ErrShuttingDown = errors.New("shutting down")

	// ErrNoDeliverer is returned by Coordinator.Run when dispatch is
	// enabled but no Deliverer was provided and no Discord token is
	// configured.
	ErrNoDeliverer = errors.New("no deliverer configured")
)
