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

package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one PDU with its MBAP header. The length field is derived from
// the PDU and is not stored.
type Frame struct {
	TransactionID uint16
	UnitID        UnitID
	PDU           []byte
}

// MarshalBinary encodes f with its MBAP header.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.PDU) == 0 || len(f.PDU) > MaxPDUSize {
		return nil, fmt.Errorf("%w: PDU length %d", ErrInvalidFrame, len(f.PDU))
	}
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	binary.BigEndian.PutUint16(buf[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(f.PDU)+1))
	buf[6] = byte(f.UnitID)
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf, nil
}

// ReadFrame reads one frame from r. A short read returns the io error, a
// bad header ErrInvalidFrame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [MBAPHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	if id := binary.BigEndian.Uint16(header[2:4]); id != ProtocolID {
		return nil, fmt.Errorf("%w: protocol id %d", ErrInvalidFrame, id)
	}
	// The length field counts the unit id.
	n := int(binary.BigEndian.Uint16(header[4:6])) - 1
	if n < 1 || n > MaxPDUSize {
		return nil, fmt.Errorf("%w: PDU length %d", ErrInvalidFrame, n)
	}

	f := &Frame{
		TransactionID: binary.BigEndian.Uint16(header[0:2]),
		UnitID:        UnitID(header[6]),
		PDU:           make([]byte, n),
	}
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		return nil, err
	}
	return f, nil
}

// Request is a decoded data access request. Quantity is the item count for
// every function code, 1 for single writes. Coils or Registers hold the
// written values.
type Request struct {
	Function  FunctionCode
	Address   uint16
	Quantity  uint16
	Coils     []bool
	Registers []uint16
}

// ReadRequest builds a request for one of the four read function codes.
func ReadRequest(fc FunctionCode, addr, qty uint16) *Request {
	return &Request{Function: fc, Address: addr, Quantity: qty}
}

// WriteCoilsRequest builds FC05 for one value and FC15 for more.
func WriteCoilsRequest(addr uint16, values ...bool) *Request {
	fc := FuncWriteMultipleCoils
	if len(values) == 1 {
		fc = FuncWriteSingleCoil
	}
	return &Request{Function: fc, Address: addr, Quantity: uint16(len(values)), Coils: values}
}

// WriteRegistersRequest builds FC06 for one value and FC16 for more.
func WriteRegistersRequest(addr uint16, values ...uint16) *Request {
	fc := FuncWriteMultipleRegisters
	if len(values) == 1 {
		fc = FuncWriteSingleRegister
	}
	return &Request{Function: fc, Address: addr, Quantity: uint16(len(values)), Registers: values}
}

// check applies the protocol limits of r's function code.
func (r *Request) check() *ModbusError {
	if !r.Function.Supported() {
		return NewModbusError(r.Function, ExceptionIllegalFunction)
	}
	if r.Quantity < 1 || r.Quantity > r.Function.MaxQuantity() {
		return NewModbusError(r.Function, ExceptionIllegalDataValue)
	}
	if int(r.Address)+int(r.Quantity) > 0x10000 {
		return NewModbusError(r.Function, ExceptionIllegalDataAddress)
	}
	if r.Function.IsRead() {
		return nil
	}
	if r.Function.IsBit() && len(r.Coils) != int(r.Quantity) ||
		!r.Function.IsBit() && len(r.Registers) != int(r.Quantity) {
		return NewModbusError(r.Function, ExceptionIllegalDataValue)
	}
	return nil
}

// MarshalBinary encodes r as a PDU. A request outside the protocol limits
// returns the *ModbusError a server would answer with.
func (r *Request) MarshalBinary() ([]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	pdu := make([]byte, 5, MaxPDUSize)
	pdu[0] = byte(r.Function)
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)

	switch r.Function {
	case FuncWriteSingleCoil:
		binary.BigEndian.PutUint16(pdu[3:5], coilValue(r.Coils[0]))
	case FuncWriteSingleRegister:
		binary.BigEndian.PutUint16(pdu[3:5], r.Registers[0])
	case FuncWriteMultipleCoils:
		binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
		packed := packBits(r.Coils)
		pdu = append(pdu, byte(len(packed)))
		pdu = append(pdu, packed...)
	case FuncWriteMultipleRegisters:
		binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
		pdu = append(pdu, byte(2*r.Quantity))
		pdu = appendRegisters(pdu, r.Registers)
	default:
		binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
	}
	return pdu, nil
}

// DecodeRequest parses a request PDU. Protocol violations are returned as
// the *ModbusError to answer with.
func DecodeRequest(pdu []byte) (*Request, error) {
	if len(pdu) == 0 {
		return nil, NewModbusError(0, ExceptionIllegalFunction)
	}
	fc := FunctionCode(pdu[0])
	if !fc.Supported() {
		return nil, NewModbusError(fc, ExceptionIllegalFunction)
	}
	if len(pdu) < 5 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	r := &Request{
		Function: fc,
		Address:  binary.BigEndian.Uint16(pdu[1:3]),
		Quantity: binary.BigEndian.Uint16(pdu[3:5]),
	}

	switch fc {
	case FuncWriteSingleCoil:
		switch r.Quantity {
		case CoilOn, CoilOff:
			r.Coils = []bool{r.Quantity == CoilOn}
		default:
			return nil, NewModbusError(fc, ExceptionIllegalDataValue)
		}
		r.Quantity = 1
	case FuncWriteSingleRegister:
		r.Registers = []uint16{r.Quantity}
		r.Quantity = 1
	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		size := int(r.Quantity) * 2
		if fc == FuncWriteMultipleCoils {
			size = (int(r.Quantity) + 7) / 8
		}
		if len(pdu) < 6 || int(pdu[5]) != size || len(pdu) < 6+size {
			return nil, NewModbusError(fc, ExceptionIllegalDataValue)
		}
		data := pdu[6 : 6+size]
		if fc == FuncWriteMultipleCoils {
			r.Coils = unpackBits(data, int(r.Quantity))
		} else {
			r.Registers = readRegisters(data, int(r.Quantity))
		}
	}

	if err := r.check(); err != nil {
		return nil, err
	}
	return r, nil
}

// Response carries the data of a read response. Write responses echo the
// request and carry no data.
type Response struct {
	Coils     []bool
	Registers []uint16
}

// encodeResponse builds the normal response PDU to r.
func encodeResponse(r *Request, resp *Response) []byte {
	pdu := []byte{byte(r.Function)}

	switch r.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		packed := packBits(resp.Coils)
		pdu = append(pdu, byte(len(packed)))
		return append(pdu, packed...)
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		pdu = append(pdu, byte(2*len(resp.Registers)))
		return appendRegisters(pdu, resp.Registers)
	case FuncWriteSingleCoil:
		pdu = binary.BigEndian.AppendUint16(pdu, r.Address)
		return binary.BigEndian.AppendUint16(pdu, coilValue(r.Coils[0]))
	case FuncWriteSingleRegister:
		pdu = binary.BigEndian.AppendUint16(pdu, r.Address)
		return binary.BigEndian.AppendUint16(pdu, r.Registers[0])
	default:
		pdu = binary.BigEndian.AppendUint16(pdu, r.Address)
		return binary.BigEndian.AppendUint16(pdu, r.Quantity)
	}
}

// DecodeResponse parses the answer to r. An exception response is returned
// as a *ModbusError.
func DecodeResponse(r *Request, pdu []byte) (*Response, error) {
	if len(pdu) >= 2 && pdu[0]&0x80 != 0 {
		return nil, NewModbusError(FunctionCode(pdu[0]&0x7F), ExceptionCode(pdu[1]))
	}
	if len(pdu) < 2 || FunctionCode(pdu[0]) != r.Function {
		return nil, fmt.Errorf("%w: %d bytes answering %s", ErrInvalidResponse, len(pdu), r.Function)
	}

	if r.Function.IsRead() {
		size := int(r.Quantity) * 2
		if r.Function.IsBit() {
			size = (int(r.Quantity) + 7) / 8
		}
		if int(pdu[1]) != size || len(pdu) < 2+size {
			return nil, fmt.Errorf("%w: byte count %d, expected %d", ErrInvalidResponse, pdu[1], size)
		}
		if r.Function.IsBit() {
			return &Response{Coils: unpackBits(pdu[2:], int(r.Quantity))}, nil
		}
		return &Response{Registers: readRegisters(pdu[2:], int(r.Quantity))}, nil
	}

	want := encodeResponse(r, nil)
	if len(pdu) != len(want) || string(pdu) != string(want) {
		return nil, fmt.Errorf("%w: %s echo mismatch", ErrInvalidResponse, r.Function)
	}
	return &Response{}, nil
}

// RoundTrip sends r to the unit over rw and waits for the answer. It is the
// minimal exchange used by tests and tooling that talk to a served device,
// not a general purpose client: requests must not be pipelined.
func RoundTrip(rw io.ReadWriter, txID uint16, unitID UnitID, r *Request) (*Response, error) {
	pdu, err := r.MarshalBinary()
	if err != nil {
		return nil, err
	}
	resp, err := exchange(rw, &Frame{TransactionID: txID, UnitID: unitID, PDU: pdu})
	if err != nil {
		return nil, err
	}
	return DecodeResponse(r, resp.PDU)
}

func exchange(rw io.ReadWriter, req *Frame) (*Frame, error) {
	buf, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := rw.Write(buf); err != nil {
		return nil, err
	}
	resp, err := ReadFrame(rw)
	if err != nil {
		return nil, err
	}
	if resp.TransactionID != req.TransactionID || resp.UnitID != req.UnitID {
		return nil, fmt.Errorf("%w: frame %d/unit %d answering %d/unit %d", ErrInvalidResponse,
			resp.TransactionID, resp.UnitID, req.TransactionID, req.UnitID)
	}
	return resp, nil
}

func coilValue(on bool) uint16 {
	if on {
		return CoilOn
	}
	return CoilOff
}

// packBits packs bits LSB first.
func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func unpackBits(data []byte, n int) []bool {
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits
}

func appendRegisters(pdu []byte, regs []uint16) []byte {
	for _, v := range regs {
		pdu = binary.BigEndian.AppendUint16(pdu, v)
	}
	return pdu
}

func readRegisters(data []byte, n int) []uint16 {
	regs := make([]uint16, n)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return regs
}
