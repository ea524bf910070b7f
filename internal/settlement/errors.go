package settlement

import "errors"

var (
	// ErrInvalidMatch means the proposed match fails a structural or pricing
	// precondition. Not retryable: the matcher must recompute the match.
	ErrInvalidMatch = errors.New("invalid match")

	// ErrContention means the order-pair locks could not be acquired within
	// the bounded wait. Retryable with the same match request.
	ErrContention = errors.New("settlement lock contention")
)
