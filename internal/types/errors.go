package types

import "errors"

var (
	// ErrDataUnavailable: market or sentiment data could not be obtained.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrBrokerRejected: the broker refused or failed an order.
	ErrBrokerRejected = errors.New("broker rejected")
	// ErrUnrecoverable marks a broker error that must not be retried.
	ErrUnrecoverable = errors.New("unrecoverable broker error")
	// ErrPersistenceFailure: state could not be written.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrInvariantViolation: a ledger or risk invariant would have been broken.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrNoPosition: no active position exists for the instrument.
	ErrNoPosition = errors.New("no active position")
)
