package sqlgraph

import (
	"errors"
	"strings"
)

// ConstraintKind classifies a constraint violation.
type ConstraintKind uint8

// Constraint kinds.
const (
	UniqueConstraint ConstraintKind = iota + 1
	ForeignKeyConstraint
	CheckConstraint
)

// String returns the kind name.
func (k ConstraintKind) String() string {
	switch k {
	case UniqueConstraint:
		return "unique"
	case ForeignKeyConstraint:
		return "foreign-key"
	case CheckConstraint:
		return "check"
	}
	return "unknown"
}

// ConstraintError wraps a driver error caused by a constraint violation.
type ConstraintError struct {
	Kind ConstraintKind
	err  error
}

// Error implements the error interface.
func (e *ConstraintError) Error() string {
	return "sqlgraph: " + e.Kind.String() + " constraint violation: " + e.err.Error()
}

// Unwrap returns the underlying driver error.
func (e *ConstraintError) Unwrap() error { return e.err }

// Classify wraps err in a *ConstraintError when it resulted from a constraint
// violation. Other errors, and nil, are returned unchanged.
func Classify(err error) error {
	var ce *ConstraintError
	switch {
	case err == nil, errors.As(err, &ce):
		return err
	case IsUniqueConstraintError(err):
		return &ConstraintError{Kind: UniqueConstraint, err: err}
	case IsForeignKeyConstraintError(err):
		return &ConstraintError{Kind: ForeignKeyConstraint, err: err}
	case IsCheckConstraintError(err):
		return &ConstraintError{Kind: CheckConstraint, err: err}
	}
	return err
}

// IsConstraintError returns true if the error resulted from a database constraint violation.
func IsConstraintError(err error) bool {
	var e *ConstraintError
	return errors.As(err, &e) ||
		IsUniqueConstraintError(err) ||
		IsForeignKeyConstraintError(err) ||
		IsCheckConstraintError(err)
}

// errorCoder is an interface for database errors that provide error codes.
// Implemented by: pq.Error, modernc.org/sqlite, etc.
type errorCoder interface {
	Code() string
}

// errorNumberer is an interface for database errors that provide numeric error codes.
type errorNumberer interface {
	Number() uint16
}

// sqlStateError is an interface for errors that provide SQLSTATE codes.
// Implemented by: pq.Error, pgconn.PgError.
type sqlStateError interface {
	SQLState() string
}

// PostgreSQL SQLSTATE codes for constraint violations (Class 23).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // Cannot delete or update a parent row
	mysqlForeignKeyChild        = 1452 // Cannot add or update a child row
	mysqlCheckConstraintViolate = 3819
)

// violation describes how one constraint kind is reported by each driver family.
type violation struct {
	state   string
	numbers []uint16
	texts   []string
}

var (
	uniqueViolation = violation{
		state:   pgUniqueViolation,
		numbers: []uint16{mysqlDuplicateEntry},
		texts: []string{
			"Error 1062",                 // MySQL (string fallback)
			"violates unique constraint", // Postgres (string fallback)
			"UNIQUE constraint failed",   // SQLite
			"Violation of UNIQUE KEY",    // SQL Server
			"Violation of PRIMARY KEY",   // SQL Server
		},
	}
	foreignKeyViolation = violation{
		state:   pgForeignKeyViolation,
		numbers: []uint16{mysqlForeignKeyParent, mysqlForeignKeyChild},
		texts: []string{
			"Error 1451",                      // MySQL (Cannot delete or update a parent row)
			"Error 1452",                      // MySQL (Cannot add or update a child row)
			"violates foreign key constraint", // Postgres
			"FOREIGN KEY constraint failed",   // SQLite
			"conflicted with the FOREIGN KEY", // SQL Server
		},
	}
	checkViolation = violation{
		state:   pgCheckViolation,
		numbers: []uint16{mysqlCheckConstraintViolate},
		texts: []string{
			"Error 3819",                // MySQL
			"violates check constraint", // Postgres
			"CHECK constraint failed",   // SQLite
			"conflicted with the CHECK", // SQL Server
		},
	}
)

func (v violation) match(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := asError[sqlStateError](err); ok && e.SQLState() == v.state {
		return true
	}
	if e, ok := asError[errorCoder](err); ok && e.Code() == v.state {
		return true
	}
	if e, ok := asError[errorNumberer](err); ok {
		for _, n := range v.numbers {
			if e.Number() == n {
				return true
			}
		}
	}
	// Fallback to string matching for drivers that don't implement interfaces
	return containsAny(err.Error(), v.texts...)
}

// IsUniqueConstraintError reports if the error resulted from a DB uniqueness constraint violation.
func IsUniqueConstraintError(err error) bool { return uniqueViolation.match(err) }

// IsForeignKeyConstraintError reports if the error resulted from a database foreign-key constraint violation.
func IsForeignKeyConstraintError(err error) bool { return foreignKeyViolation.match(err) }

// IsCheckConstraintError reports if the error resulted from a database check constraint violation.
func IsCheckConstraintError(err error) bool { return checkViolation.match(err) }

// asError attempts to extract an error implementing interface T from the error chain.
func asError[T any](err error) (T, bool) {
	var target T
	for err != nil {
		if e, ok := err.(T); ok {
			return e, true
		}
		err = errors.Unwrap(err)
	}
	return target, false
}

// containsAny returns true if s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
