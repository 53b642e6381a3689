package statechain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every typed error below unwraps to exactly one of these,
// so callers can branch with errors.Is without caring about the detail.
var (
	// ErrConfiguration indicates a matrix or size that disagrees with the declared model shape.
	ErrConfiguration = errors.New("invalid model configuration")

	// ErrDimensionMismatch indicates an input vector of the wrong length.
	ErrDimensionMismatch = errors.New("input dimension mismatch")

	// ErrNonFinite indicates a NaN or infinite value where a canonical encoding was required.
	ErrNonFinite = errors.New("non-finite value cannot be encoded")

	// ErrConcurrencyConflict indicates an append lost the tail race more times than allowed.
	ErrConcurrencyConflict = errors.New("concurrent append conflict")

	// ErrStaleTail is returned by a Store when an entry's PrevHash no longer
	// matches the stored tail. Chain.Append retries on it.
	ErrStaleTail = errors.New("stale tail: previous hash does not match store tail")

	// ErrEntryPersisted is returned by a Store when the entry itself was
	// durably written but bookkeeping after it failed. The entry is part of
	// the chain; callers must not undo what it records.
	ErrEntryPersisted = errors.New("entry persisted, store bookkeeping failed")

	// ErrStoreFailed is returned by a Store that refuses work after an
	// earlier write failure. Reopening it runs recovery.
	ErrStoreFailed = errors.New("store failed, reopen to recover")
)

// ConfigurationError reports a shape problem found while constructing a Model.
type ConfigurationError struct {
	Matrix   string // "A", "B", "C", "D" or "sizes"
	Expected string
	Actual   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: matrix %s: expected %s, got %s", ErrConfiguration, e.Matrix, e.Expected, e.Actual)
}

func (*ConfigurationError) Unwrap() error { return ErrConfiguration }

func shapeError(name string, wantRows, wantCols, gotRows, gotCols int) error {
	return &ConfigurationError{
		Matrix:   name,
		Expected: fmt.Sprintf("%dx%d", wantRows, wantCols),
		Actual:   fmt.Sprintf("%dx%d", gotRows, gotCols),
	}
}

// DimensionMismatchError reports an input vector whose length differs from the
// model's configured input size. The model state is never touched when it is returned.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %d values, got %d", ErrDimensionMismatch, e.Expected, e.Actual)
}

func (*DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// SerializationError reports a value that has no canonical encoding.
type SerializationError struct {
	Field string
	Index int
	Value float64
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s: %s[%d] = %v", ErrNonFinite, e.Field, e.Index, e.Value)
}

func (*SerializationError) Unwrap() error { return ErrNonFinite }

// ConcurrencyConflictError is returned by Chain.Append once the store has
// rejected Attempts consecutive CAS writes.
type ConcurrencyConflictError struct {
	Attempts int
	PrevHash Hash
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts (last prev %s)", ErrConcurrencyConflict, e.Attempts, e.PrevHash)
}

func (*ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }
