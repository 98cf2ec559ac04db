package compiler

import (
	"errors"
	"strings"
)

// Sentinel errors for build failures. Build failures are detected before any
// statement executes.
var (
	// ErrAmbiguousColumn is returned when two outputs of a projection share a name.
	ErrAmbiguousColumn = errors.New("compiler: ambiguous column")
	// ErrUnknownTable is returned when an expression references a table that
	// is not part of the query.
	ErrUnknownTable = errors.New("compiler: table is not part of the query")
	// ErrInvalidQuery is returned for malformed ASTs.
	ErrInvalidQuery = errors.New("compiler: invalid query")
)

// ColumnError reports an output column that cannot be projected.
type ColumnError struct {
	Name   string
	Target string
	Err    error
}

// Error implements the error interface.
func (e *ColumnError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	b.WriteString(": ")
	b.WriteString(e.Name)
	if e.Target != "" {
		b.WriteString(" (")
		b.WriteString(e.Target)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *ColumnError) Unwrap() error { return e.Err }

// Is reports whether the target is the cause of e.
func (e *ColumnError) Is(target error) bool { return target == e.Err }

// IsAmbiguousColumn reports whether err is an ambiguous column error.
func IsAmbiguousColumn(err error) bool {
	return errors.Is(err, ErrAmbiguousColumn)
}
