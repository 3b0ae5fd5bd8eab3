package models

import "errors"

// Sentinel error kinds. Callers classify failures with errors.Is; the
// API layer maps each kind to an HTTP status.
var (
	// ErrInvalidInput marks malformed identifiers, illegal state
	// transitions, and constraint violations in submissions.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTenantUnknown marks operations against an unregistered tenant.
	ErrTenantUnknown = errors.New("unknown tenant")

	// ErrTenantBusy marks rejections under backpressure or rate limits.
	// The operation left no partial state and can be retried.
	ErrTenantBusy = errors.New("tenant busy")

	// ErrIncompatibleSnapshot marks restore attempts from an envelope
	// this build cannot read.
	ErrIncompatibleSnapshot = errors.New("incompatible snapshot")

	// ErrStaleGeneration marks an install attempt from a discovery pass
	// whose snapshot the live graph has moved past.
	ErrStaleGeneration = errors.New("stale generation")

	// ErrInternalInconsistency marks an integrity-check failure; the
	// graph violated its own invariants.
	ErrInternalInconsistency = errors.New("internal inconsistency")
)
