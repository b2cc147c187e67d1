package domain

import "errors"

var (
	// ErrNotFound means an identifier has no materialized object.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict means an append was issued against a revision that is
	// no longer the tail of the stream.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrValidationFailed means a payload or identifier failed structural validation.
	ErrValidationFailed = errors.New("validation failed")
	// ErrStorage wraps cache, log and snapshot backend I/O failures.
	ErrStorage = errors.New("storage error")
	// ErrReplayInconsistency means an event could not be folded against the
	// accumulated state, e.g. the delete of an object that does not exist.
	ErrReplayInconsistency = errors.New("replay inconsistency")
)
