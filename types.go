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

// Package modbus is the Modbus TCP transport of the device emulator. It
// frames MBAP requests, decodes the eight data access function codes into
// Requests, answers with data or exception PDUs and hands every decoded
// request to a Handler.
package modbus

import "fmt"

// UnitID addresses one unit behind a TCP endpoint.
type UnitID uint8

// FunctionCode is the first byte of a PDU.
type FunctionCode uint8

// Data access function codes. Every other code is answered with
// ExceptionIllegalFunction.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

type functionInfo struct {
	name   string
	limit  uint16 // largest quantity, 1 for single writes
	isBit  bool
	isRead bool
}

var functions = map[FunctionCode]functionInfo{
	FuncReadCoils:              {"ReadCoils", 2000, true, true},
	FuncReadDiscreteInputs:     {"ReadDiscreteInputs", 2000, true, true},
	FuncReadHoldingRegisters:   {"ReadHoldingRegisters", 125, false, true},
	FuncReadInputRegisters:     {"ReadInputRegisters", 125, false, true},
	FuncWriteSingleCoil:        {"WriteSingleCoil", 1, true, false},
	FuncWriteSingleRegister:    {"WriteSingleRegister", 1, false, false},
	FuncWriteMultipleCoils:     {"WriteMultipleCoils", 1968, true, false},
	FuncWriteMultipleRegisters: {"WriteMultipleRegisters", 123, false, false},
}

func (fc FunctionCode) String() string {
	if f, ok := functions[fc]; ok {
		return f.name
	}
	return fmt.Sprintf("Function(0x%02X)", uint8(fc))
}

// Supported reports whether the emulator serves fc.
func (fc FunctionCode) Supported() bool {
	_, ok := functions[fc]
	return ok
}

// IsRead reports whether fc reads data.
func (fc FunctionCode) IsRead() bool { return functions[fc].isRead }

// IsBit reports whether fc addresses coils or discrete inputs.
func (fc FunctionCode) IsBit() bool { return functions[fc].isBit }

// MaxQuantity returns the largest item count fc may carry.
func (fc FunctionCode) MaxQuantity() uint16 { return functions[fc].limit }

// Wire constants.
const (
	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the largest PDU a TCP frame may carry.
	MaxPDUSize = 253

	// ProtocolID is always 0 for Modbus.
	ProtocolID = 0

	// DefaultPort is the registered Modbus TCP port.
	DefaultPort = 502

	// CoilOn and CoilOff are the only values FC05 accepts.
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Handler serves decoded requests. The server has already checked the
// quantity limits and the address span of every request.
//
// Implementations return a *ModbusError to answer with a specific exception
// code. Any other error is reported to the client as a server device failure.
type Handler interface {
	ReadCoils(unitID UnitID, addr, qty uint16) ([]bool, error)
	ReadDiscreteInputs(unitID UnitID, addr, qty uint16) ([]bool, error)
	WriteSingleCoil(unitID UnitID, addr uint16, value bool) error
	WriteMultipleCoils(unitID UnitID, addr uint16, values []bool) error

	ReadHoldingRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error)
	ReadInputRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error)
	WriteSingleRegister(unitID UnitID, addr, value uint16) error
	WriteMultipleRegisters(unitID UnitID, addr uint16, values []uint16) error
}

// RejectRecorder is implemented by handlers that want to see requests the
// server refused while decoding: unsupported function codes, malformed PDUs
// and quantities outside the protocol limits. Such requests never reach the
// Handler methods.
type RejectRecorder interface {
	Rejected(unitID UnitID, pdu []byte, err *ModbusError)
}
