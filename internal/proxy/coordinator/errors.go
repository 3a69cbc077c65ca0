package coordinator

import "errors"

// ErrUnknownExchange names the case of an operator command referencing
// an id the Coordinator has no record of - already forwarded, dropped,
// or never existed. Forward and Drop do not return it: they treat that
// case as an idempotent no-op and return nil.
var ErrUnknownExchange = errors.New("coordinator: unknown exchange id")

// ErrInvariantViolation marks an internal invariant violation. In
// release builds the affected exchange is
// dropped and logged; in debug builds it panics.
var ErrInvariantViolation = errors.New("coordinator: internal invariant violation")
