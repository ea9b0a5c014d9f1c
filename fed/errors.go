package fed

import "errors"

var (
	// ErrLifecycleViolation reports an operation invoked in a lifecycle state
	// that does not allow it.
	ErrLifecycleViolation = errors.New("lifecycle violation")

	// ErrIncompleteHandshake reports a coordinator built before every rank of
	// the group announced its identities.
	ErrIncompleteHandshake = errors.New("incomplete handshake")

	// ErrDuplicateIdentity reports a logical identity announced by more than
	// one rank.
	ErrDuplicateIdentity = errors.New("duplicate identity")

	// ErrUnknownIdentity reports a logical identity that no rank announced.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrTransportFailure wraps send and receive faults of a transport group.
	ErrTransportFailure = errors.New("transport failure")

	// ErrExitSignal marks a loop ended by an Exit envelope. Main loops
	// translate it into a clean return, so it never escapes Run.
	ErrExitSignal = errors.New("exit signal")

	// ErrQueueClosed reports a Put or Get on a closed queue.
	ErrQueueClosed = errors.New("queue closed")
)
