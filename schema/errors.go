package schema

import (
	"errors"
	"fmt"
)

// Mapping error causes.
var (
	// ErrUnmappedMember is returned when a member has no mapped column.
	ErrUnmappedMember = errors.New("member has no mapped column")
	// ErrMissingKey is returned when an entity or a by-example value lacks a key.
	ErrMissingKey = errors.New("missing key")
	// ErrInvalidModel is returned for types that cannot be mapped.
	ErrInvalidModel = errors.New("invalid model")
)

// MappingError reports a mapping failure. Mapping errors are detected before
// any statement executes.
type MappingError struct {
	Entity string
	Member string
	Err    error
}

// Error implements the error interface.
func (e *MappingError) Error() string {
	if e.Member == "" {
		return fmt.Sprintf("schema: %s: %v", e.Entity, e.Err)
	}
	return fmt.Sprintf("schema: %s.%s: %v", e.Entity, e.Member, e.Err)
}

// Unwrap returns the cause.
func (e *MappingError) Unwrap() error { return e.Err }

// IsMappingError returns a boolean indicating whether the error is a mapping error.
func IsMappingError(err error) bool {
	if err == nil {
		return false
	}
	var e *MappingError
	return errors.As(err, &e)
}
