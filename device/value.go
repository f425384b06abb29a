// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value is a data point value tagged with its DataType. Only the accessor
// matching the type carries meaning; the zero Value has no type.
type Value struct {
	typ DataType
	b   bool
	i   int64
	u   uint64
	f   float64
	s   string
}

func BoolValue(v bool) Value       { return Value{typ: Bool, b: v} }
func ByteValue(v uint8) Value      { return Value{typ: Byte, u: uint64(v)} }
func Int16Value(v int16) Value     { return Value{typ: Int16, i: int64(v)} }
func UInt16Value(v uint16) Value   { return Value{typ: UInt16, u: uint64(v)} }
func Int32Value(v int32) Value     { return Value{typ: Int32, i: int64(v)} }
func UInt32Value(v uint32) Value   { return Value{typ: UInt32, u: uint64(v)} }
func Int64Value(v int64) Value     { return Value{typ: Int64, i: v} }
func UInt64Value(v uint64) Value   { return Value{typ: UInt64, u: v} }
func Float32Value(v float32) Value { return Value{typ: Float32, u: uint64(math.Float32bits(v))} }
func Float64Value(v float64) Value { return Value{typ: Float64, f: v} }
func ASCIIValue(v string) Value    { return Value{typ: ASCII, s: v} }

// Zero returns the zero value of type t.
func Zero(t DataType) Value {
	return Value{typ: t}
}

// Type returns the data type of v.
func (v Value) Type() DataType { return v.typ }

// IsZero reports whether v carries no type.
func (v Value) IsZero() bool { return v.typ == 0 }

// Bool returns the value of a Bool.
func (v Value) Bool() bool { return v.b }

// Int returns the value of a signed integer type.
func (v Value) Int() int64 { return v.i }

// Uint returns the value of an unsigned integer type.
func (v Value) Uint() uint64 { return v.u }

// Float returns the value of a floating point type.
func (v Value) Float() float64 {
	if v.typ == Float32 {
		return float64(math.Float32frombits(uint32(v.u)))
	}
	return v.f
}

// Text returns the value of an ASCII.
func (v Value) Text() string { return v.s }

// Number returns v as a float64. It reports false for ASCII and untyped values.
func (v Value) Number() (float64, bool) {
	switch {
	case v.typ == Bool:
		if v.b {
			return 1, true
		}
		return 0, true
	case v.typ.IsSigned():
		return float64(v.i), true
	case v.typ.IsUnsigned():
		return float64(v.u), true
	case v.typ.IsFloat():
		return v.Float(), true
	default:
		return 0, false
	}
}

// Interface returns v as the matching Go type, or nil for an untyped value.
func (v Value) Interface() any {
	switch v.typ {
	case Bool:
		return v.b
	case Byte:
		return uint8(v.u)
	case Int16:
		return int16(v.i)
	case UInt16:
		return uint16(v.u)
	case Int32:
		return int32(v.i)
	case UInt32:
		return uint32(v.u)
	case Int64:
		return v.i
	case UInt64:
		return v.u
	case Float32:
		return math.Float32frombits(uint32(v.u))
	case Float64:
		return v.f
	case ASCII:
		return v.s
	default:
		return nil
	}
}

func (v Value) String() string {
	if v.typ == 0 {
		return "<nil>"
	}
	return fmt.Sprint(v.Interface())
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// MarshalYAML renders v as its native scalar.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.Interface(), nil
}

// ParseValue decodes a JSON scalar into a value of type t. Integers may be
// given as numbers or decimal strings; null or empty input yields Zero(t).
func ParseValue(t DataType, raw []byte) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Zero(t), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return ValueOf(t, x)
}

// ValueOf converts a Go scalar into a value of type t, checking the range.
func ValueOf(t DataType, x any) (Value, error) {
	if !t.Valid() {
		return Value{}, fmt.Errorf("%w: unknown data type %d", ErrInvalidValue, uint8(t))
	}

	switch t {
	case Bool:
		switch b := x.(type) {
		case bool:
			return BoolValue(b), nil
		case Value:
			if b.typ == Bool {
				return b, nil
			}
		}
		if f, ok := toFloat(x); ok && (f == 0 || f == 1) {
			return BoolValue(f == 1), nil
		}
		return Value{}, fmt.Errorf("%w: %v is not a Bool", ErrInvalidValue, x)
	case ASCII:
		switch s := x.(type) {
		case string:
			return ASCIIValue(s), nil
		case Value:
			if s.typ == ASCII {
				return s, nil
			}
		}
		return Value{}, fmt.Errorf("%w: %v is not a string", ErrInvalidValue, x)
	}

	if val, ok := x.(Value); ok {
		if val.typ == t {
			return val, nil
		}
		x = val.Interface()
	}

	text, ok := numberText(x)
	if !ok {
		return Value{}, fmt.Errorf("%w: %v is not a number", ErrInvalidValue, x)
	}

	switch t {
	case Float32:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s: %v", ErrInvalidValue, t, err)
		}
		return Float32Value(float32(f)), nil
	case Float64:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s: %v", ErrInvalidValue, t, err)
		}
		return Float64Value(f), nil
	}

	bits := t.RegisterLength() * 16
	if t == Byte {
		bits = 8
	}
	if t.IsSigned() {
		n, err := strconv.ParseInt(text, 10, bits)
		if err != nil {
			f, ferr := strconv.ParseFloat(text, 64)
			lo, hi := t.bounds()
			if ferr != nil || f != math.Trunc(f) || f < lo || f > hi {
				return Value{}, fmt.Errorf("%w: %s out of range for %s", ErrInvalidValue, text, t)
			}
			n = int64(f)
		}
		return Value{typ: t, i: n}, nil
	}
	n, err := strconv.ParseUint(text, 10, bits)
	if err != nil {
		f, ferr := strconv.ParseFloat(text, 64)
		lo, hi := t.bounds()
		if ferr != nil || f != math.Trunc(f) || f < lo || f > hi {
			return Value{}, fmt.Errorf("%w: %s out of range for %s", ErrInvalidValue, text, t)
		}
		n = uint64(f)
	}
	return Value{typ: t, u: n}, nil
}

func numberText(x any) (string, bool) {
	switch n := x.(type) {
	case json.Number:
		return n.String(), true
	case string:
		return n, true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32), true
	case int:
		return strconv.FormatInt(int64(n), 10), true
	case int8:
		return strconv.FormatInt(int64(n), 10), true
	case int16:
		return strconv.FormatInt(int64(n), 10), true
	case int32:
		return strconv.FormatInt(int64(n), 10), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case uint:
		return strconv.FormatUint(uint64(n), 10), true
	case uint8:
		return strconv.FormatUint(uint64(n), 10), true
	case uint16:
		return strconv.FormatUint(uint64(n), 10), true
	case uint32:
		return strconv.FormatUint(uint64(n), 10), true
	case uint64:
		return strconv.FormatUint(n, 10), true
	default:
		return "", false
	}
}

func toFloat(x any) (float64, bool) {
	text, ok := numberText(x)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(text, 64)
	return f, err == nil
}

// valueFromFloat converts f to type t, rounding for integer types and
// clamping to the representable range.
func valueFromFloat(t DataType, f float64) Value {
	lo, hi := t.bounds()
	if !t.IsFloat() {
		f = math.Round(f)
	}
	if f < lo {
		f = lo
	}
	if f > hi {
		f = hi
	}

	switch {
	case t == Bool:
		return BoolValue(f != 0)
	case t == Float32:
		return Float32Value(float32(f))
	case t == Float64:
		return Float64Value(f)
	case t.IsSigned():
		if f >= math.MaxInt64 {
			return Value{typ: t, i: math.MaxInt64}
		}
		return Value{typ: t, i: int64(f)}
	case t.IsUnsigned():
		if f >= math.MaxUint64 {
			return Value{typ: t, u: math.MaxUint64}
		}
		return Value{typ: t, u: uint64(f)}
	default:
		return Zero(t)
	}
}
