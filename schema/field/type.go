package field

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// A Type represents the native column type of a member.
type Type uint8

// List of native column types.
const (
	TypeInvalid Type = iota
	TypeBool
	TypeTime
	TypeJSON
	TypeUUID
	TypeBytes
	TypeEnum
	TypeString
	TypeOther
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint
	TypeUint64
	TypeFloat32
	TypeFloat64
	endTypes
)

var typeNames = [...]string{
	TypeInvalid: "invalid",
	TypeBool:    "bool",
	TypeTime:    "time.Time",
	TypeJSON:    "json.RawMessage",
	TypeUUID:    "[16]byte",
	TypeBytes:   "[]byte",
	TypeEnum:    "string",
	TypeString:  "string",
	TypeOther:   "other",
	TypeInt:     "int",
	TypeInt8:    "int8",
	TypeInt16:   "int16",
	TypeInt32:   "int32",
	TypeInt64:   "int64",
	TypeUint:    "uint",
	TypeUint8:   "uint8",
	TypeUint16:  "uint16",
	TypeUint32:  "uint32",
	TypeUint64:  "uint64",
	TypeFloat32: "float32",
	TypeFloat64: "float64",
}

// String returns the string representation of a type.
func (t Type) String() string {
	if t < endTypes {
		return typeNames[t]
	}
	return typeNames[TypeInvalid]
}

// Numeric reports if the given type is a numeric type.
func (t Type) Numeric() bool {
	return t >= TypeInt8 && t < endTypes
}

// Integer reports if the given type is an integral type.
func (t Type) Integer() bool {
	return t.Numeric() && t < TypeFloat32
}

// Valid reports if the given type if known type.
func (t Type) Valid() bool {
	return t > TypeInvalid && t < endTypes
}

// Textual reports if values of the type are stored as text.
func (t Type) Textual() bool {
	return t == TypeString || t == TypeEnum
}

// ParseType returns the type of the given name ("string", "int64", "time" ...).
func ParseType(name string) (Type, bool) {
	switch name {
	case "time":
		return TypeTime, true
	case "json":
		return TypeJSON, true
	case "uuid":
		return TypeUUID, true
	case "bytes":
		return TypeBytes, true
	case "enum":
		return TypeEnum, true
	}
	for t := TypeBool; t < endTypes; t++ {
		if t != TypeEnum && typeNames[t] == name {
			return t, true
		}
	}
	return TypeInvalid, false
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	uuidType     = reflect.TypeOf(uuid.UUID{})
	bytesType    = reflect.TypeOf([]byte(nil))
	rawJSONType  = reflect.TypeOf(json.RawMessage(nil))
	valuerType   = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	scannerType  = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// TypeOf returns the default native type of a Go type. Pointers are
// unwrapped, as they only mark a member as nullable.
func TypeOf(t reflect.Type) Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case timeType:
		return TypeTime
	case durationType:
		return TypeInt64
	case uuidType:
		return TypeUUID
	case rawJSONType:
		return TypeJSON
	}
	if t.Implements(valuerType) || reflect.PointerTo(t).Implements(scannerType) {
		return TypeOther
	}
	switch t.Kind() {
	case reflect.Bool:
		return TypeBool
	case reflect.String:
		return TypeString
	case reflect.Int:
		return TypeInt
	case reflect.Int8:
		return TypeInt8
	case reflect.Int16:
		return TypeInt16
	case reflect.Int32:
		return TypeInt32
	case reflect.Int64:
		return TypeInt64
	case reflect.Uint:
		return TypeUint
	case reflect.Uint8:
		return TypeUint8
	case reflect.Uint16:
		return TypeUint16
	case reflect.Uint32:
		return TypeUint32
	case reflect.Uint64:
		return TypeUint64
	case reflect.Float32:
		return TypeFloat32
	case reflect.Float64:
		return TypeFloat64
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return TypeBytes
		}
		return TypeJSON
	case reflect.Map, reflect.Struct, reflect.Array:
		return TypeJSON
	}
	return TypeOther
}

// Scalar reports whether values of the Go type map to a single column
// rather than a nested entity.
func Scalar(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch TypeOf(t) {
	case TypeJSON:
		return t == rawJSONType
	case TypeOther:
		return t.Kind() != reflect.Struct || t.Implements(valuerType) || reflect.PointerTo(t).Implements(scannerType)
	}
	return true
}
