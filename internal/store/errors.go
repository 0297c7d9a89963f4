package store

import "errors"

// Sentinel errors returned by store implementations. Handlers translate
// these to API status codes with errors.Is; nothing else inspects error
// strings.
var (
	// ErrNotFound means the requested run, lease, node or deployment does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a uniqueness constraint was violated, such as
	// registering a node ID twice.
	ErrConflict = errors.New("conflict")

	// ErrStaleState means a conditional transition found the row in a
	// different state than expected. The caller lost a race; the winner's
	// transition stands.
	ErrStaleState = errors.New("stale state")

	// ErrNodeMismatch means a node tried to act on a lease bound to a
	// different node.
	ErrNodeMismatch = errors.New("lease bound to different node")

	// ErrInvalidTransition means the requested transition is not an edge
	// of the run state machine, such as cancelling a completed run.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRunCancelled means the run was cancelled while its lease was in
	// flight; the lease has been invalidated.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrAlreadyResolved means a Complete or Fail was re-delivered for a
	// lease that already resolved with the same outcome. Callers report
	// it as a no-op success.
	ErrAlreadyResolved = errors.New("lease already resolved")
)
