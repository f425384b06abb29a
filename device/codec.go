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
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Register codec.
//
// A value is serialized into a buffer of length*2 bytes with its natural
// big-endian layout. Register o of the value is the 16-bit word at byte
// o*2 for BigEndian devices and at length*2-2-o*2 for LittleEndian ones.
// Types that fit one register bypass the buffer.

// RegisterAt returns register offset of v, a value spanning length registers.
func RegisterAt(v Value, length, offset int, e Endian) (uint16, error) {
	if err := checkOffset(length, offset); err != nil {
		return 0, err
	}
	if v.typ.RegisterLength() == 1 {
		return registerOf(v), nil
	}

	buf := encodeBuffer(v, length)
	return binary.BigEndian.Uint16(buf[wordIndex(length, offset, e):]), nil
}

// WithRegister returns v with register offset replaced by reg. The whole
// buffer is decoded again, so a multi-register value only changes in the
// bytes of that register.
func WithRegister(v Value, length, offset int, e Endian, reg uint16) (Value, error) {
	if err := checkOffset(length, offset); err != nil {
		return Value{}, err
	}
	if err := checkRegister(v.typ, reg); err != nil {
		return Value{}, err
	}
	if v.typ.RegisterLength() == 1 {
		return valueOfRegister(v.typ, reg), nil
	}

	buf := encodeBuffer(v, length)
	binary.BigEndian.PutUint16(buf[wordIndex(length, offset, e):], reg)
	return decodeBuffer(v.typ, buf), nil
}

// Registers returns every register of v in address order.
func Registers(v Value, length int, e Endian) []uint16 {
	regs := make([]uint16, length)
	for i := range regs {
		regs[i], _ = RegisterAt(v, length, i, e)
	}
	return regs
}

func checkOffset(length, offset int) error {
	if offset < 0 || offset >= length {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidOffset, offset, length)
	}
	return nil
}

// checkRegister rejects register values the type cannot hold.
func checkRegister(t DataType, reg uint16) error {
	if t == Byte && reg > math.MaxUint8 {
		return fmt.Errorf("%w: %d does not fit a Byte", ErrInvalidValue, reg)
	}
	return nil
}

func wordIndex(length, offset int, e Endian) int {
	if e == LittleEndian {
		return length*2 - 2 - offset*2
	}
	return offset * 2
}

func registerOf(v Value) uint16 {
	switch v.typ {
	case Bool:
		if v.b {
			return 1
		}
		return 0
	case Int16:
		return uint16(int16(v.i))
	default:
		return uint16(v.u)
	}
}

func valueOfRegister(t DataType, reg uint16) Value {
	switch t {
	case Bool:
		return BoolValue(reg != 0)
	case Byte:
		return ByteValue(uint8(reg))
	case Int16:
		return Int16Value(int16(reg))
	default:
		return UInt16Value(reg)
	}
}

func encodeBuffer(v Value, length int) []byte {
	buf := make([]byte, length*2)
	switch v.typ {
	case Bool, Byte, Int16, UInt16:
		binary.BigEndian.PutUint16(buf, registerOf(v))
	case Int32:
		binary.BigEndian.PutUint32(buf, uint32(int32(v.i)))
	case UInt32:
		binary.BigEndian.PutUint32(buf, uint32(v.u))
	case Int64:
		binary.BigEndian.PutUint64(buf, uint64(v.i))
	case UInt64:
		binary.BigEndian.PutUint64(buf, v.u)
	case Float32:
		binary.BigEndian.PutUint32(buf, uint32(v.u))
	case Float64:
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.f))
	case ASCII:
		// Unused bytes stay NUL
		copy(buf, v.s)
	}
	return buf
}

func decodeBuffer(t DataType, buf []byte) Value {
	switch t {
	case Bool, Byte, Int16, UInt16:
		return valueOfRegister(t, binary.BigEndian.Uint16(buf))
	case Int32:
		return Int32Value(int32(binary.BigEndian.Uint32(buf)))
	case UInt32:
		return UInt32Value(binary.BigEndian.Uint32(buf))
	case Int64:
		return Int64Value(int64(binary.BigEndian.Uint64(buf)))
	case UInt64:
		return UInt64Value(binary.BigEndian.Uint64(buf))
	case Float32:
		// Raw bits: a half written value may be a signaling NaN.
		return Value{typ: Float32, u: uint64(binary.BigEndian.Uint32(buf))}
	case Float64:
		return Float64Value(math.Float64frombits(binary.BigEndian.Uint64(buf)))
	case ASCII:
		return ASCIIValue(strings.TrimRight(string(buf), "\x00"))
	default:
		return Zero(t)
	}
}
