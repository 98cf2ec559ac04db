package field

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Converter maps values between a Go type and its native column representation.
type Converter interface {
	// Value returns the native representation of v, ready to be bound as a
	// statement parameter.
	Value(v reflect.Value) (any, error)
	// Assign stores the native value src, as returned by the driver, into dst.
	Assign(dst reflect.Value, src any) error
}

// Funcs adapts a pair of functions to the Converter interface.
type Funcs struct {
	ValueFunc  func(reflect.Value) (any, error)
	AssignFunc func(reflect.Value, any) error
}

// Value calls f.ValueFunc.
func (f Funcs) Value(v reflect.Value) (any, error) { return f.ValueFunc(v) }

// Assign calls f.AssignFunc.
func (f Funcs) Assign(dst reflect.Value, src any) error { return f.AssignFunc(dst, src) }

// ConvertError is returned when a value cannot be converted.
type ConvertError struct {
	From, To string
	Err      error
}

// Error implements the error interface.
func (e *ConvertError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("field: cannot convert %s to %s: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("field: cannot convert %s to %s", e.From, e.To)
}

// Unwrap returns the underlying error.
func (e *ConvertError) Unwrap() error { return e.Err }

func convertErr(src any, dst reflect.Type, err error) error {
	return &ConvertError{From: fmt.Sprintf("%T", src), To: dst.String(), Err: err}
}

// errOverflow is reported when a native value does not fit the Go type.
var errOverflow = errors.New("value out of range")

type convKey struct {
	t      reflect.Type
	native Type
}

var (
	registered sync.Map // convKey => Converter
	resolved   sync.Map // convKey => Converter
)

// Register installs a custom converter for the Go type t stored as native.
// TypeInvalid registers the converter for every native type of t. Converters
// must be registered before the first lookup of the same pair.
func Register(t reflect.Type, native Type, c Converter) {
	registered.Store(convKey{t, native}, c)
}

// Lookup returns the converter of the Go type t stored as native. Custom
// converters take precedence over the defaults. The result is cached.
func Lookup(t reflect.Type, native Type) Converter {
	key := convKey{t, native}
	if c, ok := resolved.Load(key); ok {
		return c.(Converter)
	}
	c, _ := resolved.LoadOrStore(key, build(t, native))
	return c.(Converter)
}

func build(t reflect.Type, native Type) Converter {
	if c, ok := registered.Load(convKey{t, native}); ok {
		return c.(Converter)
	}
	if c, ok := registered.Load(convKey{t, TypeInvalid}); ok {
		return c.(Converter)
	}
	if native == TypeInvalid {
		native = TypeOf(t)
	}
	switch {
	case t.Kind() == reflect.Pointer:
		return nullable{elem: Lookup(t.Elem(), native), t: t}
	case t == uuidType:
		return uuidConv{native: native}
	case t == durationType:
		return durationConv{native: native}
	case t == timeType:
		return timeConv{native: native}
	case t.Implements(valuerType) && reflect.PointerTo(t).Implements(scannerType):
		return scannerConv{}
	case native == TypeJSON && t != rawJSONType && t != bytesType:
		return jsonConv{}
	case native.Textual() && isInteger(t.Kind()):
		return enumText{}
	}
	return basic{native: native}
}

// nullable unwraps pointer members. A nil pointer is stored as NULL and a
// NULL value resets the pointer.
type nullable struct {
	elem Converter
	t    reflect.Type
}

func (c nullable) Value(v reflect.Value) (any, error) {
	if v.IsNil() {
		return nil, nil
	}
	return c.elem.Value(v.Elem())
}

func (c nullable) Assign(dst reflect.Value, src any) error {
	if src == nil {
		dst.SetZero()
		return nil
	}
	ptr := reflect.New(c.t.Elem())
	if err := c.elem.Assign(ptr.Elem(), src); err != nil {
		return err
	}
	dst.Set(ptr)
	return nil
}

// uuidConv stores UUIDs as 16 raw bytes or as their canonical string.
type uuidConv struct{ native Type }

func (c uuidConv) Value(v reflect.Value) (any, error) {
	u := v.Interface().(uuid.UUID)
	if c.native == TypeBytes {
		return u[:], nil
	}
	return u.String(), nil
}

func (uuidConv) Assign(dst reflect.Value, src any) error {
	var (
		u   uuid.UUID
		err error
	)
	switch src := src.(type) {
	case uuid.UUID:
		u = src
	case []byte:
		if len(src) == 16 {
			u, err = uuid.FromBytes(src)
		} else {
			u, err = uuid.ParseBytes(src)
		}
	case string:
		u, err = uuid.Parse(src)
	default:
		err = errors.New("unsupported source type")
	}
	if err != nil {
		return convertErr(src, uuidType, err)
	}
	dst.Set(reflect.ValueOf(u))
	return nil
}

// durationConv stores durations as int64 nanoseconds, or as text
// ("1h30m") for textual columns.
type durationConv struct{ native Type }

func (c durationConv) Value(v reflect.Value) (any, error) {
	d := time.Duration(v.Int())
	if c.native.Textual() {
		return d.String(), nil
	}
	return int64(d), nil
}

func (durationConv) Assign(dst reflect.Value, src any) error {
	switch s := src.(type) {
	case string:
		d, err := time.ParseDuration(s)
		if err != nil {
			return convertErr(src, durationType, err)
		}
		dst.SetInt(int64(d))
		return nil
	case []byte:
		return durationConv{}.Assign(dst, string(s))
	}
	return assignInt(dst, src)
}

// timeConv passes times through, or formats them as RFC 3339 for textual
// columns. Drivers returning times as text are parsed.
type timeConv struct{ native Type }

func (c timeConv) Value(v reflect.Value) (any, error) {
	t := v.Interface().(time.Time)
	if c.native.Textual() {
		return t.Format(time.RFC3339Nano), nil
	}
	return t, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func (timeConv) Assign(dst reflect.Value, src any) error {
	switch s := src.(type) {
	case time.Time:
		dst.Set(reflect.ValueOf(s))
		return nil
	case []byte:
		return timeConv{}.Assign(dst, string(s))
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				dst.Set(reflect.ValueOf(t))
				return nil
			}
		}
		return convertErr(src, timeType, errors.New("unrecognized time format"))
	case int64:
		dst.Set(reflect.ValueOf(time.Unix(s, 0).UTC()))
		return nil
	}
	return convertErr(src, timeType, nil)
}

// scannerConv delegates to driver.Valuer and sql.Scanner.
type scannerConv struct{}

func (scannerConv) Value(v reflect.Value) (any, error) {
	return v.Interface().(driver.Valuer).Value()
}

func (scannerConv) Assign(dst reflect.Value, src any) error {
	return dst.Addr().Interface().(sql.Scanner).Scan(src)
}

// jsonConv stores composite values as JSON documents.
type jsonConv struct{}

func (jsonConv) Value(v reflect.Value) (any, error) {
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, convertErr(v.Interface(), bytesType, err)
	}
	return b, nil
}

func (jsonConv) Assign(dst reflect.Value, src any) error {
	var b []byte
	switch s := src.(type) {
	case []byte:
		b = s
	case string:
		b = []byte(s)
	default:
		return convertErr(src, dst.Type(), nil)
	}
	ptr := reflect.New(dst.Type())
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return convertErr(src, dst.Type(), err)
	}
	dst.Set(ptr.Elem())
	return nil
}

// enumText stores integer enums by name. Names are produced by fmt.Stringer
// and parsed by encoding.TextUnmarshaler; enums lacking them use the decimal
// form of the underlying value.
type enumText struct{}

func (enumText) Value(v reflect.Value) (any, error) {
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String(), nil
	}
	if v.Kind() > reflect.Int64 {
		return strconv.FormatUint(v.Uint(), 10), nil
	}
	return strconv.FormatInt(v.Int(), 10), nil
}

func (enumText) Assign(dst reflect.Value, src any) error {
	var text string
	switch s := src.(type) {
	case string:
		text = s
	case []byte:
		text = string(s)
	default:
		return assignInt(dst, src)
	}
	if u, ok := dst.Addr().Interface().(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText([]byte(text)); err != nil {
			return convertErr(src, dst.Type(), err)
		}
		return nil
	}
	return assignInt(dst, text)
}

// basic converts scalar kinds: booleans, numbers, strings and bytes,
// including named types of those kinds (enum to underlying).
type basic struct{ native Type }

func (c basic) Value(v reflect.Value) (any, error) {
	switch k := v.Kind(); {
	case k == reflect.Bool:
		return v.Bool(), nil
	case isInteger(k) && k <= reflect.Int64:
		if c.native.Textual() {
			return strconv.FormatInt(v.Int(), 10), nil
		}
		return v.Int(), nil
	case isInteger(k):
		u := v.Uint()
		if c.native.Textual() {
			return strconv.FormatUint(u, 10), nil
		}
		if u > math.MaxInt64 {
			// database/sql rejects uint64 values with the high bit set.
			return strconv.FormatUint(u, 10), nil
		}
		return int64(u), nil
	case k == reflect.Float32 || k == reflect.Float64:
		return v.Float(), nil
	case k == reflect.String:
		return v.String(), nil
	case k == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
		if v.IsNil() {
			return nil, nil
		}
		return v.Bytes(), nil
	}
	return v.Interface(), nil
}

func (basic) Assign(dst reflect.Value, src any) error {
	switch k := dst.Kind(); {
	case k == reflect.Bool:
		return assignBool(dst, src)
	case isInteger(k):
		return assignInt(dst, src)
	case k == reflect.Float32 || k == reflect.Float64:
		return assignFloat(dst, src)
	case k == reflect.String:
		return assignString(dst, src)
	case k == reflect.Slice && dst.Type().Elem().Kind() == reflect.Uint8:
		switch s := src.(type) {
		case []byte:
			dst.SetBytes(append([]byte(nil), s...))
			return nil
		case string:
			dst.SetBytes([]byte(s))
			return nil
		}
	}
	sv := reflect.ValueOf(src)
	if sv.IsValid() && sv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return convertErr(src, dst.Type(), nil)
}

func isInteger(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Uint64
}

func assignBool(dst reflect.Value, src any) error {
	switch s := src.(type) {
	case bool:
		dst.SetBool(s)
	case int64:
		dst.SetBool(s != 0)
	case []byte:
		return assignBool(dst, string(s))
	case string:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return convertErr(src, dst.Type(), err)
		}
		dst.SetBool(b)
	default:
		return convertErr(src, dst.Type(), nil)
	}
	return nil
}

func assignInt(dst reflect.Value, src any) error {
	var (
		i   int64
		u   uint64
		neg bool
	)
	switch s := src.(type) {
	case int64:
		i, neg = s, s < 0
		u = uint64(s)
	case int:
		return assignInt(dst, int64(s))
	case int32:
		return assignInt(dst, int64(s))
	case uint64:
		u, i = s, int64(s)
		if s > math.MaxInt64 {
			i = math.MaxInt64
		}
	case float64:
		if s != math.Trunc(s) {
			return convertErr(src, dst.Type(), errors.New("fractional value"))
		}
		return assignInt(dst, int64(s))
	case bool:
		if s {
			return assignInt(dst, int64(1))
		}
		return assignInt(dst, int64(0))
	case []byte:
		return assignInt(dst, string(s))
	case string:
		s = strings.TrimSpace(s)
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return assignInt(dst, v)
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return convertErr(src, dst.Type(), err)
		}
		return assignInt(dst, v)
	default:
		return convertErr(src, dst.Type(), nil)
	}
	if dst.Kind() <= reflect.Int64 {
		if dst.OverflowInt(i) || (!neg && u > math.MaxInt64) {
			return convertErr(src, dst.Type(), errOverflow)
		}
		dst.SetInt(i)
		return nil
	}
	if neg || dst.OverflowUint(u) {
		return convertErr(src, dst.Type(), errOverflow)
	}
	dst.SetUint(u)
	return nil
}

func assignFloat(dst reflect.Value, src any) error {
	var f float64
	switch s := src.(type) {
	case float64:
		f = s
	case float32:
		f = float64(s)
	case int64:
		f = float64(s)
	case []byte:
		return assignFloat(dst, string(s))
	case string:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return convertErr(src, dst.Type(), err)
		}
		f = v
	default:
		return convertErr(src, dst.Type(), nil)
	}
	if dst.OverflowFloat(f) {
		return convertErr(src, dst.Type(), errOverflow)
	}
	dst.SetFloat(f)
	return nil
}

func assignString(dst reflect.Value, src any) error {
	switch s := src.(type) {
	case string:
		dst.SetString(s)
	case []byte:
		dst.SetString(string(s))
	case int64:
		dst.SetString(strconv.FormatInt(s, 10))
	case float64:
		dst.SetString(strconv.FormatFloat(s, 'g', -1, 64))
	case bool:
		dst.SetString(strconv.FormatBool(s))
	case time.Time:
		dst.SetString(s.Format(time.RFC3339Nano))
	default:
		return convertErr(src, dst.Type(), nil)
	}
	return nil
}
