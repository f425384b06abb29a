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
	"errors"
	"log/slog"

	modbus "github.com/edgeo-scada/modbus-sim"
)

// Read returns count registers of area starting at addr. Bit areas yield 0 or 1
// per address. Failures are *modbus.ModbusError values:
// an unknown unit is GATEWAY_TARGET_FAILED_TO_RESPOND, an unmapped or
// unreadable address is ILLEGAL_DATA_ADDRESS.
func (d *Device) Read(area DataArea, unitID modbus.UnitID, addr uint16, count int) ([]uint16, error) {
	fc := readFunction(area)
	values, err := d.read(fc, area, unitID, addr, count)
	d.record(fc, area, unitID, addr, count, values, err)
	return values, err
}

// Write stores values into area starting at addr. Every address is checked
// before anything is written: an unmapped address is ILLEGAL_DATA_ADDRESS and
// a data point without write access is ILLEGAL_DATA_VALUE. A written data
// point's feedback data point receives the same register, regardless of its
// own access mode.
func (d *Device) Write(area DataArea, unitID modbus.UnitID, addr uint16, values []uint16) error {
	return d.dispatchWrite(writeFunction(area, len(values)), area, unitID, addr, values)
}

func (d *Device) dispatchWrite(fc modbus.FunctionCode, area DataArea, unitID modbus.UnitID, addr uint16, values []uint16) error {
	err := d.write(fc, area, unitID, addr, values)
	d.record(fc, area, unitID, addr, len(values), values, err)
	return err
}

func (d *Device) read(fc modbus.FunctionCode, area DataArea, unitID modbus.UnitID, addr uint16, count int) ([]uint16, error) {
	if count < 1 {
		return nil, modbus.NewModbusError(fc, modbus.ExceptionIllegalDataValue)
	}
	if int(addr)+count > 0x10000 {
		return nil, modbus.NewModbusError(fc, modbus.ExceptionIllegalDataAddress)
	}

	u, ok := d.Unit(unitID)
	if !ok {
		return nil, modbus.NewModbusError(fc, modbus.ExceptionGatewayTargetDeviceFailedToRespond)
	}
	endian := d.Endian()

	values := make([]uint16, 0, count)
	for i := 0; i < count; i++ {
		a := addr + uint16(i)
		dp, ok := u.DataPointAt(area, a)
		if !ok || !dp.HasReadAccess() {
			return nil, modbus.NewModbusError(fc, modbus.ExceptionIllegalDataAddress)
		}
		v, err := dp.RegisterValue(int(a-dp.Address()), endian)
		if err != nil {
			return nil, modbus.NewModbusError(fc, modbus.ExceptionIllegalDataAddress)
		}
		values = append(values, v)
	}
	return values, nil
}

func (d *Device) write(fc modbus.FunctionCode, area DataArea, unitID modbus.UnitID, addr uint16, values []uint16) error {
	if len(values) == 0 {
		return modbus.NewModbusError(fc, modbus.ExceptionIllegalDataValue)
	}
	if int(addr)+len(values) > 0x10000 {
		return modbus.NewModbusError(fc, modbus.ExceptionIllegalDataAddress)
	}

	u, ok := d.Unit(unitID)
	if !ok {
		return modbus.NewModbusError(fc, modbus.ExceptionGatewayTargetDeviceFailedToRespond)
	}
	endian := d.Endian()

	targets := make([]*DataPoint, len(values))
	for i, v := range values {
		dp, ok := u.DataPointAt(area, addr+uint16(i))
		if !ok {
			return modbus.NewModbusError(fc, modbus.ExceptionIllegalDataAddress)
		}
		if !dp.HasWriteAccess() || checkRegister(dp.Type(), v) != nil {
			return modbus.NewModbusError(fc, modbus.ExceptionIllegalDataValue)
		}
		targets[i] = dp
	}

	for i, v := range values {
		dp := targets[i]
		offset := int(addr + uint16(i) - dp.Address())
		if _, err := dp.SetRegisterValue(v, false, offset, endian); err != nil {
			return modbus.NewModbusError(fc, modbus.ExceptionServerDeviceFailure)
		}
		d.propagateFeedback(u, dp, v, offset, endian)
	}
	return nil
}

func (d *Device) propagateFeedback(u *Unit, dp *DataPoint, reg uint16, offset int, endian Endian) {
	id := dp.FeedbackDataPoint()
	if id == "" {
		return
	}
	fb, ok := u.DataPoint(id)
	if !ok {
		return
	}
	if _, err := fb.SetRegisterValue(reg, true, offset, endian); err != nil && !errors.Is(err, ErrInvalidOffset) {
		d.logger.Debug("feedback not applied",
			slog.String("datapoint", dp.ID()),
			slog.String("feedback", id),
			slog.String("error", err.Error()))
	}
}

func readFunction(area DataArea) modbus.FunctionCode {
	switch area {
	case Coil:
		return modbus.FuncReadCoils
	case DiscreteInput:
		return modbus.FuncReadDiscreteInputs
	case InputRegister:
		return modbus.FuncReadInputRegisters
	default:
		return modbus.FuncReadHoldingRegisters
	}
}

func writeFunction(area DataArea, n int) modbus.FunctionCode {
	switch {
	case area.IsBit() && n == 1:
		return modbus.FuncWriteSingleCoil
	case area.IsBit():
		return modbus.FuncWriteMultipleCoils
	case n == 1:
		return modbus.FuncWriteSingleRegister
	default:
		return modbus.FuncWriteMultipleRegisters
	}
}

func toBits(regs []uint16) []bool {
	bits := make([]bool, len(regs))
	for i, r := range regs {
		bits[i] = r != 0
	}
	return bits
}

func fromBits(bits []bool) []uint16 {
	regs := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			regs[i] = 1
		}
	}
	return regs
}

// ReadCoils implements modbus.Handler.
func (d *Device) ReadCoils(unitID modbus.UnitID, addr, qty uint16) ([]bool, error) {
	regs, err := d.Read(Coil, unitID, addr, int(qty))
	if err != nil {
		return nil, err
	}
	return toBits(regs), nil
}

// ReadDiscreteInputs implements modbus.Handler.
func (d *Device) ReadDiscreteInputs(unitID modbus.UnitID, addr, qty uint16) ([]bool, error) {
	regs, err := d.Read(DiscreteInput, unitID, addr, int(qty))
	if err != nil {
		return nil, err
	}
	return toBits(regs), nil
}

// WriteSingleCoil implements modbus.Handler.
func (d *Device) WriteSingleCoil(unitID modbus.UnitID, addr uint16, value bool) error {
	return d.dispatchWrite(modbus.FuncWriteSingleCoil, Coil, unitID, addr, fromBits([]bool{value}))
}

// WriteMultipleCoils implements modbus.Handler.
func (d *Device) WriteMultipleCoils(unitID modbus.UnitID, addr uint16, values []bool) error {
	return d.dispatchWrite(modbus.FuncWriteMultipleCoils, Coil, unitID, addr, fromBits(values))
}

// ReadHoldingRegisters implements modbus.Handler.
func (d *Device) ReadHoldingRegisters(unitID modbus.UnitID, addr, qty uint16) ([]uint16, error) {
	return d.Read(HoldingRegister, unitID, addr, int(qty))
}

// ReadInputRegisters implements modbus.Handler.
func (d *Device) ReadInputRegisters(unitID modbus.UnitID, addr, qty uint16) ([]uint16, error) {
	return d.Read(InputRegister, unitID, addr, int(qty))
}

// WriteSingleRegister implements modbus.Handler.
func (d *Device) WriteSingleRegister(unitID modbus.UnitID, addr, value uint16) error {
	return d.dispatchWrite(modbus.FuncWriteSingleRegister, HoldingRegister, unitID, addr, []uint16{value})
}

// WriteMultipleRegisters implements modbus.Handler.
func (d *Device) WriteMultipleRegisters(unitID modbus.UnitID, addr uint16, values []uint16) error {
	return d.dispatchWrite(modbus.FuncWriteMultipleRegisters, HoldingRegister, unitID, addr, values)
}

// Rejected implements modbus.RejectRecorder so requests refused while
// decoding still reach the request log.
func (d *Device) Rejected(unitID modbus.UnitID, pdu []byte, err *modbus.ModbusError) {
	var addr uint16
	var count int
	if len(pdu) >= 5 {
		addr = binary.BigEndian.Uint16(pdu[1:3])
		count = int(binary.BigEndian.Uint16(pdu[3:5]))
	}
	d.record(err.FunctionCode, areaOf(err.FunctionCode), unitID, addr, count, nil, err)
}

func areaOf(fc modbus.FunctionCode) DataArea {
	switch fc {
	case modbus.FuncReadCoils, modbus.FuncWriteSingleCoil, modbus.FuncWriteMultipleCoils:
		return Coil
	case modbus.FuncReadDiscreteInputs:
		return DiscreteInput
	case modbus.FuncReadHoldingRegisters, modbus.FuncWriteSingleRegister, modbus.FuncWriteMultipleRegisters:
		return HoldingRegister
	case modbus.FuncReadInputRegisters:
		return InputRegister
	}
	return 0
}
