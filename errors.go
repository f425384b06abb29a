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
	"errors"
	"fmt"
)

// ExceptionCode is the second byte of an exception response.
type ExceptionCode uint8

// Exception codes the emulator answers with.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

var exceptionNames = map[ExceptionCode]string{
	ExceptionIllegalFunction:                    "illegal function",
	ExceptionIllegalDataAddress:                 "illegal data address",
	ExceptionIllegalDataValue:                   "illegal data value",
	ExceptionServerDeviceFailure:                "server device failure",
	ExceptionGatewayTargetDeviceFailedToRespond: "gateway target device failed to respond",
}

func (e ExceptionCode) String() string {
	if s, ok := exceptionNames[e]; ok {
		return s
	}
	return fmt.Sprintf("exception 0x%02X", uint8(e))
}

// ModbusError is an exception answer to one function code. Handlers return
// it to choose the exception; RoundTrip returns it when the peer sent one.
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// NewModbusError creates an exception for fc.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{FunctionCode: fc, ExceptionCode: ec}
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: %s: %s", e.FunctionCode, e.ExceptionCode)
}

// Is matches any *ModbusError carrying the same exception code.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	return ok && e.ExceptionCode == t.ExceptionCode
}

// PDU encodes e as an exception response.
func (e *ModbusError) PDU() []byte {
	return []byte{byte(e.FunctionCode) | 0x80, byte(e.ExceptionCode)}
}

var (
	// ErrInvalidFrame is returned for a malformed MBAP frame.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrInvalidResponse is returned when a response does not answer its request.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrServerClosed is returned by Serve after Close has been called.
	ErrServerClosed = errors.New("modbus: server closed")
)

// ExceptionOf returns the exception code carried by err. Errors that are not
// a *ModbusError map to ExceptionServerDeviceFailure; ok reports which case
// applied.
func ExceptionOf(err error) (code ExceptionCode, ok bool) {
	var mbErr *ModbusError
	if errors.As(err, &mbErr) {
		return mbErr.ExceptionCode, true
	}
	return ExceptionServerDeviceFailure, false
}

// IsException reports whether err carries the exception code.
func IsException(err error, code ExceptionCode) bool {
	ec, ok := ExceptionOf(err)
	return ok && ec == code
}

func IsIllegalFunction(err error) bool    { return IsException(err, ExceptionIllegalFunction) }
func IsIllegalDataAddress(err error) bool { return IsException(err, ExceptionIllegalDataAddress) }
func IsIllegalDataValue(err error) bool   { return IsException(err, ExceptionIllegalDataValue) }

// IsGatewayTargetFailed reports an exception for an unknown unit id.
func IsGatewayTargetFailed(err error) bool {
	return IsException(err, ExceptionGatewayTargetDeviceFailedToRespond)
}
