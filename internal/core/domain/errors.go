package domain

import "errors"

var (
	// Identity and access.
	ErrAuthUnavailable  = errors.New("identity unavailable")
	ErrPermissionDenied = errors.New("permission denied")

	// Rejected locally, before any write reaches the store.
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidItem       = errors.New("invalid item")
	ErrInvalidDirection  = errors.New("invalid movement direction")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrMalformedQuery    = errors.New("malformed query")

	// Store outcomes.
	ErrTransport      = errors.New("transport error")
	ErrAmbiguousWrite = errors.New("ambiguous write: outcome unknown")
	ErrConflict       = errors.New("optimistic lock conflict")
	ErrNotFound       = errors.New("not found")

	// Catalog rules.
	ErrItemExists     = errors.New("item already exists")
	ErrItemReferenced = errors.New("item is referenced by movements")
	ErrLocationInUse  = errors.New("location is referenced by items")

	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Retryable reports whether err is a transient store failure that a
// live query may recover from by re-subscribing.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
