// Package field describes native column types and converts member values
// to and from their native representation.
//
// A Converter is resolved per (Go type, native type) pair with Lookup and
// cached process-wide. Custom converters are installed with Register:
//
//	field.Register(reflect.TypeOf(Money{}), field.TypeInt64, field.Funcs{
//	    ValueFunc:  func(v reflect.Value) (any, error) { return v.Interface().(Money).Cents(), nil },
//	    AssignFunc: func(dst reflect.Value, src any) error { ... },
//	})
//
// The defaults cover:
//
//   - integer enums stored as their underlying value, or by name in text columns
//   - uuid.UUID stored as 16 bytes or as its canonical string
//   - time.Duration stored as int64 nanoseconds or as text
//   - time.Time passed through, or RFC 3339 text in text columns
//   - pointers as nullable values
//   - numeric widening with overflow checks
//   - []byte and string interchange
//   - composite values in JSON columns
//   - types implementing driver.Valuer and sql.Scanner
package field
