package field_test

import (
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/shardql/schema/field"
)

type Status int

const (
	StatusPending Status = iota
	StatusPaid
	StatusShipped
)

var statusNames = []string{"pending", "paid", "shipped"}

func (s Status) String() string { return statusNames[s] }

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

type Address struct {
	City string `json:"city"`
	Zip  string `json:"zip"`
}

func roundTrip(t *testing.T, v any, native field.Type) any {
	t.Helper()
	rt := reflect.TypeOf(v)
	c := field.Lookup(rt, native)
	nv, err := c.Value(reflect.ValueOf(v))
	require.NoError(t, err)
	dst := reflect.New(rt).Elem()
	require.NoError(t, c.Assign(dst, nv))
	return dst.Interface()
}

func TestConverter_RoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 30, 15, 123456789, time.UTC)
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	tests := []struct {
		name   string
		value  any
		native field.Type
	}{
		{"int", 42, field.TypeInt64},
		{"negative int8", int8(-7), field.TypeInt8},
		{"uint64", uint64(math.MaxUint64), field.TypeUint64},
		{"string", "shardql", field.TypeString},
		{"float", 12.75, field.TypeFloat64},
		{"bool", true, field.TypeBool},
		{"bytes", []byte{1, 2, 3}, field.TypeBytes},
		{"time", now, field.TypeTime},
		{"time as text", now, field.TypeString},
		{"enum", StatusShipped, field.TypeInt},
		{"enum as text", StatusPaid, field.TypeString},
		{"uuid as string", id, field.TypeUUID},
		{"uuid as bytes", id, field.TypeBytes},
		{"duration", 90 * time.Minute, field.TypeInt64},
		{"duration as text", 1500 * time.Millisecond, field.TypeString},
		{"json", Address{City: "Oslo", Zip: "0150"}, field.TypeJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.value, roundTrip(t, tt.value, tt.native))
		})
	}
}

func TestConverter_EnumStoredAsText(t *testing.T) {
	c := field.Lookup(reflect.TypeOf(Status(0)), field.TypeString)
	v, err := c.Value(reflect.ValueOf(StatusShipped))
	require.NoError(t, err)
	assert.Equal(t, "shipped", v)

	var s Status
	require.NoError(t, c.Assign(reflect.ValueOf(&s).Elem(), []byte("paid")))
	assert.Equal(t, StatusPaid, s)
	require.Error(t, c.Assign(reflect.ValueOf(&s).Elem(), "lost"))

	// Integer columns holding the enum still decode.
	require.NoError(t, c.Assign(reflect.ValueOf(&s).Elem(), int64(2)))
	assert.Equal(t, StatusShipped, s)
}

func TestConverter_Nullable(t *testing.T) {
	c := field.Lookup(reflect.TypeOf((*int32)(nil)), field.TypeInt32)
	var p *int32
	dst := reflect.ValueOf(&p).Elem()
	v, err := c.Value(dst)
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, c.Assign(dst, int64(12)))
	require.NotNil(t, p)
	assert.Equal(t, int32(12), *p)

	require.NoError(t, c.Assign(dst, nil))
	assert.Nil(t, p)
}

func TestConverter_Widening(t *testing.T) {
	var i16 int16
	c := field.Lookup(reflect.TypeOf(i16), field.TypeInt16)
	dst := reflect.ValueOf(&i16).Elem()
	require.NoError(t, c.Assign(dst, int64(300)))
	assert.Equal(t, int16(300), i16)
	require.NoError(t, c.Assign(dst, "-12"))
	assert.Equal(t, int16(-12), i16)

	err := c.Assign(dst, int64(math.MaxInt32))
	var ce *field.ConvertError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "int16", ce.To)

	var u8 uint8
	err = field.Lookup(reflect.TypeOf(u8), field.TypeUint8).Assign(reflect.ValueOf(&u8).Elem(), int64(-1))
	require.Error(t, err)

	var f32 float32
	require.NoError(t, field.Lookup(reflect.TypeOf(f32), field.TypeFloat32).Assign(reflect.ValueOf(&f32).Elem(), []byte("2.5")))
	assert.Equal(t, float32(2.5), f32)
}

func TestConverter_DriverShapes(t *testing.T) {
	var (
		b  bool
		s  string
		tm time.Time
	)
	require.NoError(t, field.Lookup(reflect.TypeOf(b), field.TypeBool).Assign(reflect.ValueOf(&b).Elem(), int64(1)))
	assert.True(t, b)
	require.NoError(t, field.Lookup(reflect.TypeOf(s), field.TypeString).Assign(reflect.ValueOf(&s).Elem(), []byte("raw")))
	assert.Equal(t, "raw", s)
	require.NoError(t, field.Lookup(reflect.TypeOf(tm), field.TypeTime).Assign(reflect.ValueOf(&tm).Elem(), "2024-02-29 23:59:58"))
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 58, 0, time.UTC), tm)
}

type cents int64

func TestRegister(t *testing.T) {
	field.Register(reflect.TypeOf(cents(0)), field.TypeString, field.Funcs{
		ValueFunc: func(v reflect.Value) (any, error) {
			return fmt.Sprintf("%d.%02d", v.Int()/100, v.Int()%100), nil
		},
		AssignFunc: func(dst reflect.Value, src any) error {
			var whole, frac int64
			if _, err := fmt.Sscanf(src.(string), "%d.%d", &whole, &frac); err != nil {
				return err
			}
			dst.SetInt(whole*100 + frac)
			return nil
		},
	})
	assert.Equal(t, cents(1999), roundTrip(t, cents(1999), field.TypeString))
	// Other native types keep the defaults.
	assert.Equal(t, cents(5), roundTrip(t, cents(5), field.TypeInt64))
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		v    any
		want field.Type
	}{
		{true, field.TypeBool},
		{"", field.TypeString},
		{int64(0), field.TypeInt64},
		{new(int), field.TypeInt},
		{uint16(0), field.TypeUint16},
		{float32(0), field.TypeFloat32},
		{[]byte(nil), field.TypeBytes},
		{time.Time{}, field.TypeTime},
		{time.Duration(0), field.TypeInt64},
		{uuid.UUID{}, field.TypeUUID},
		{Address{}, field.TypeJSON},
		{StatusPaid, field.TypeInt},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, field.TypeOf(reflect.TypeOf(tt.v)), "%T", tt.v)
	}
	assert.True(t, field.Scalar(reflect.TypeOf(uuid.UUID{})))
	assert.True(t, field.Scalar(reflect.TypeOf(&time.Time{})))
	assert.False(t, field.Scalar(reflect.TypeOf(Address{})))

	typ, ok := field.ParseType("int64")
	require.True(t, ok)
	assert.Equal(t, field.TypeInt64, typ)
	typ, ok = field.ParseType("enum")
	require.True(t, ok)
	assert.Equal(t, field.TypeEnum, typ)
	assert.True(t, field.TypeUint8.Integer())
	assert.False(t, field.TypeFloat64.Integer())
	assert.Equal(t, "time.Time", field.TypeTime.String())
}
