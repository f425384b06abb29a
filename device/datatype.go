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
	"fmt"
	"math"
)

// DataType is the native representation of a data point value.
type DataType uint8

// Supported data types. The zero value is not a valid type.
const (
	Bool DataType = iota + 1
	Byte
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
	ASCII
)

var dataTypeNames = map[DataType]string{
	Bool:    "Bool",
	Byte:    "Byte",
	Int16:   "Int16",
	UInt16:  "UInt16",
	Int32:   "Int32",
	UInt32:  "UInt32",
	Int64:   "Int64",
	UInt64:  "UInt64",
	Float32: "Float32",
	Float64: "Float64",
	ASCII:   "ASCII",
}

func (t DataType) String() string {
	if s, ok := dataTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// Valid reports whether t is one of the supported types.
func (t DataType) Valid() bool {
	_, ok := dataTypeNames[t]
	return ok
}

// RegisterLength returns the number of registers a value of type t occupies.
// ASCII has no fixed length and returns 0.
func (t DataType) RegisterLength() int {
	switch t {
	case Bool, Byte, Int16, UInt16:
		return 1
	case Int32, UInt32, Float32:
		return 2
	case Int64, UInt64, Float64:
		return 4
	default:
		return 0
	}
}

// IsFloat reports whether t is a floating point type.
func (t DataType) IsFloat() bool {
	return t == Float32 || t == Float64
}

// IsSigned reports whether t is a signed integer type.
func (t DataType) IsSigned() bool {
	return t == Int16 || t == Int32 || t == Int64
}

// IsUnsigned reports whether t is an unsigned integer type.
func (t DataType) IsUnsigned() bool {
	return t == Byte || t == UInt16 || t == UInt32 || t == UInt64
}

// bounds returns the representable range of a numeric type as float64.
func (t DataType) bounds() (lo, hi float64) {
	switch t {
	case Bool:
		return 0, 1
	case Byte:
		return 0, math.MaxUint8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt16:
		return 0, math.MaxUint16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case UInt32:
		return 0, math.MaxUint32
	case Int64:
		return math.MinInt64, math.MaxInt64
	case UInt64:
		return 0, math.MaxUint64
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

func (t DataType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown data type %d", ErrInvalidSpec, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *DataType) UnmarshalText(text []byte) error {
	return parseEnum(dataTypeNames, text, "data type", t)
}

// AccessMode gates protocol reads and writes of a data point.
type AccessMode uint8

const (
	ReadOnly AccessMode = iota + 1
	WriteOnly
	ReadWrite
)

var accessModeNames = map[AccessMode]string{
	ReadOnly:  "ReadOnly",
	WriteOnly: "WriteOnly",
	ReadWrite: "ReadWrite",
}

func (m AccessMode) String() string {
	if s, ok := accessModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("AccessMode(%d)", uint8(m))
}

// CanRead reports whether the protocol may read a data point with mode m.
func (m AccessMode) CanRead() bool { return m == ReadOnly || m == ReadWrite }

// CanWrite reports whether the protocol may write a data point with mode m.
func (m AccessMode) CanWrite() bool { return m == WriteOnly || m == ReadWrite }

func (m AccessMode) MarshalText() ([]byte, error) {
	if _, ok := accessModeNames[m]; !ok {
		return nil, fmt.Errorf("%w: unknown access mode %d", ErrInvalidSpec, uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *AccessMode) UnmarshalText(text []byte) error {
	return parseEnum(accessModeNames, text, "access mode", m)
}

// DataArea is one of the four Modbus address spaces.
type DataArea uint8

const (
	Coil DataArea = iota + 1
	DiscreteInput
	HoldingRegister
	InputRegister
)

var dataAreaNames = map[DataArea]string{
	Coil:            "Coil",
	DiscreteInput:   "DiscreteInput",
	HoldingRegister: "HoldingRegister",
	InputRegister:   "InputRegister",
}

func (a DataArea) String() string {
	if s, ok := dataAreaNames[a]; ok {
		return s
	}
	return fmt.Sprintf("DataArea(%d)", uint8(a))
}

// Valid reports whether a is one of the four areas.
func (a DataArea) Valid() bool {
	_, ok := dataAreaNames[a]
	return ok
}

// IsBit reports whether a holds single bits (coils and discrete inputs).
// Bit areas only accept Bool data points.
func (a DataArea) IsBit() bool {
	return a == Coil || a == DiscreteInput
}

func (a DataArea) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: unknown data area %d", ErrInvalidSpec, uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *DataArea) UnmarshalText(text []byte) error {
	return parseEnum(dataAreaNames, text, "data area", a)
}

// Endian selects the word order of multi-register values.
type Endian uint8

const (
	BigEndian Endian = iota
	LittleEndian
)

var endianNames = map[Endian]string{
	BigEndian:    "BigEndian",
	LittleEndian: "LittleEndian",
}

func (e Endian) String() string {
	if s, ok := endianNames[e]; ok {
		return s
	}
	return fmt.Sprintf("Endian(%d)", uint8(e))
}

func (e Endian) MarshalText() ([]byte, error) {
	if _, ok := endianNames[e]; !ok {
		return nil, fmt.Errorf("%w: unknown endian %d", ErrInvalidSpec, uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *Endian) UnmarshalText(text []byte) error {
	return parseEnum(endianNames, text, "endian", e)
}

func parseEnum[T comparable](names map[T]string, text []byte, kind string, out *T) error {
	for v, name := range names {
		if name == string(text) {
			*out = v
			return nil
		}
	}
	return fmt.Errorf("%w: unknown %s %q", ErrInvalidSpec, kind, text)
}
