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
	"slices"
	"strings"
	"sync"
)

// DataPoint is a typed value mapped onto one or more consecutive registers
// in one or more data areas. All value access is serialized by the data
// point's own lock, so protocol handlers and the simulation never race.
type DataPoint struct {
	id           string
	name         string
	unit         string
	typ          DataType
	length       int
	address      uint16
	access       AccessMode
	defaultValue Value
	feedback     string

	mu    sync.Mutex
	areas []DataArea
	value Value
	sim   *SimulationSpec
	task  *simulation

	removed bool // set once the point leaves its unit
}

// NewDataPoint validates spec and builds a data point holding its default value.
func NewDataPoint(spec DataPointSpec) (*DataPoint, error) {
	dp, problems := newDataPoint(spec)
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: data point %q: %s", ErrInvalidSpec, spec.ID, strings.Join(problems, "; "))
	}
	return dp, nil
}

func newDataPoint(spec DataPointSpec) (*DataPoint, []string) {
	var problems []string
	addProblem := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if spec.ID == "" {
		addProblem("id is required")
	}
	if !spec.Type.Valid() {
		addProblem("unknown type %d", uint8(spec.Type))
	}
	if !spec.AccessMode.CanRead() && !spec.AccessMode.CanWrite() {
		addProblem("unknown access mode %d", uint8(spec.AccessMode))
	}

	if len(spec.Areas) == 0 {
		addProblem("at least one area is required")
	}
	areas := make([]DataArea, 0, len(spec.Areas))
	for _, a := range spec.Areas {
		switch {
		case !a.Valid():
			addProblem("unknown area %d", uint8(a))
		case slices.Contains(areas, a):
			addProblem("area %s listed twice", a)
		case a.IsBit() && spec.Type != Bool:
			addProblem("area %s requires type Bool, got %s", a, spec.Type)
		default:
			areas = append(areas, a)
		}
	}

	value := spec.DefaultValue
	if value.IsZero() {
		value = Zero(spec.Type)
	} else if value.Type() != spec.Type {
		addProblem("default value is %s, expected %s", value.Type(), spec.Type)
	}

	length := spec.Type.RegisterLength()
	if spec.Type == ASCII {
		length = spec.Length
		if length == 0 {
			length = max(1, (len(value.Text())+1)/2)
		}
		if length < 1 {
			addProblem("ASCII length must be positive")
		} else if len(value.Text()) > length*2 {
			addProblem("default value %q exceeds %d registers", value.Text(), length)
		}
	} else if spec.Type.Valid() && spec.Length != 0 && spec.Length != length {
		addProblem("length %d does not match %s (%d registers)", spec.Length, spec.Type, length)
	}

	if spec.Address < 0 || spec.Address > 0xFFFF {
		addProblem("address %d out of range 0-65535", spec.Address)
	} else if length > 0 && spec.Address+length-1 > 0xFFFF {
		addProblem("registers %d-%d exceed address 65535", spec.Address, spec.Address+length-1)
	}

	var sim *SimulationSpec
	if spec.Simulation != nil {
		if spec.Simulation.MinValue > spec.Simulation.MaxValue {
			addProblem("simulation minValue %g greater than maxValue %g",
				spec.Simulation.MinValue, spec.Simulation.MaxValue)
		}
		s := *spec.Simulation
		sim = &s
	}

	if len(problems) > 0 {
		return nil, problems
	}

	return &DataPoint{
		id:           spec.ID,
		name:         spec.Name,
		unit:         spec.Unit,
		typ:          spec.Type,
		length:       length,
		address:      uint16(spec.Address),
		access:       spec.AccessMode,
		defaultValue: value,
		feedback:     spec.FeedbackDataPoint,
		areas:        areas,
		value:        value,
		sim:          sim,
	}, nil
}

func (dp *DataPoint) ID() string                { return dp.id }
func (dp *DataPoint) Name() string              { return dp.name }
func (dp *DataPoint) UnitLabel() string         { return dp.unit }
func (dp *DataPoint) Type() DataType            { return dp.typ }
func (dp *DataPoint) Length() int               { return dp.length }
func (dp *DataPoint) Address() uint16           { return dp.address }
func (dp *DataPoint) AccessMode() AccessMode    { return dp.access }
func (dp *DataPoint) DefaultValue() Value       { return dp.defaultValue }
func (dp *DataPoint) FeedbackDataPoint() string { return dp.feedback }

// EndAddress returns the last register address occupied by dp.
func (dp *DataPoint) EndAddress() uint16 {
	return dp.address + uint16(dp.length-1)
}

// HasReadAccess reports whether the protocol may read dp.
func (dp *DataPoint) HasReadAccess() bool { return dp.access.CanRead() }

// HasWriteAccess reports whether the protocol may write dp.
func (dp *DataPoint) HasWriteAccess() bool { return dp.access.CanWrite() }

// Areas returns the areas dp is mapped into.
func (dp *DataPoint) Areas() []DataArea {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return slices.Clone(dp.areas)
}

// InArea reports whether dp is mapped into area.
func (dp *DataPoint) InArea(area DataArea) bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return slices.Contains(dp.areas, area)
}

// AddDataArea maps dp into one more area. A data point that belongs to a
// unit must be changed through Unit.AddDataPointToArea so the address index
// follows.
func (dp *DataPoint) AddDataArea(area DataArea) error {
	if !area.Valid() {
		return validationError(fmt.Sprintf("unknown area %d", uint8(area)))
	}
	if area.IsBit() && dp.typ != Bool {
		return validationError(fmt.Sprintf("area %s requires type Bool, data point %q is %s", area, dp.id, dp.typ))
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()
	if !slices.Contains(dp.areas, area) {
		dp.areas = append(dp.areas, area)
	}
	return nil
}

// DeleteDataArea removes dp from area. The last area cannot be removed.
func (dp *DataPoint) DeleteDataArea(area DataArea) error {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	i := slices.Index(dp.areas, area)
	if i < 0 {
		return validationError(fmt.Sprintf("data point %q is not in area %s", dp.id, area))
	}
	if len(dp.areas) == 1 {
		return validationError(fmt.Sprintf("cannot remove last area %s of data point %q", area, dp.id))
	}
	dp.areas = slices.Delete(dp.areas, i, i+1)
	return nil
}

// Value returns the current value.
func (dp *DataPoint) Value() Value {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.value
}

// SetValue stores v. Without force it returns false and leaves the value
// untouched when dp has no write access. v must have dp's type.
func (dp *DataPoint) SetValue(v Value, force bool) (bool, error) {
	if v.Type() != dp.typ {
		return false, fmt.Errorf("%w: %s value for %s data point %q", ErrInvalidValue, v.Type(), dp.typ, dp.id)
	}
	if dp.typ == ASCII && len(v.Text()) > dp.length*2 {
		return false, fmt.Errorf("%w: %q exceeds %d registers", ErrInvalidValue, v.Text(), dp.length)
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()
	if !force && !dp.access.CanWrite() {
		return false, nil
	}
	dp.value = v
	return true, nil
}

// RegisterValue returns register offset of the current value.
func (dp *DataPoint) RegisterValue(offset int, e Endian) (uint16, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return RegisterAt(dp.value, dp.length, offset, e)
}

// Registers returns every register of the current value.
func (dp *DataPoint) Registers(e Endian) []uint16 {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return Registers(dp.value, dp.length, e)
}

// SetRegisterValue replaces register offset of the current value. The access
// mode is applied as in SetValue.
func (dp *DataPoint) SetRegisterValue(reg uint16, force bool, offset int, e Endian) (bool, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if !force && !dp.access.CanWrite() {
		return false, nil
	}

	v, err := WithRegister(dp.value, dp.length, offset, e, reg)
	if err != nil {
		return false, err
	}
	dp.value = v
	return true, nil
}

// Spec returns the persisted form of dp. The stored default value is kept;
// the current value is not persisted.
func (dp *DataPoint) Spec() DataPointSpec {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	spec := DataPointSpec{
		ID:                dp.id,
		Areas:             slices.Clone(dp.areas),
		Type:              dp.typ,
		Address:           int(dp.address),
		AccessMode:        dp.access,
		DefaultValue:      dp.defaultValue,
		Name:              dp.name,
		Unit:              dp.unit,
		FeedbackDataPoint: dp.feedback,
	}
	if dp.typ == ASCII {
		spec.Length = dp.length
	}
	if dp.sim != nil {
		s := *dp.sim
		spec.Simulation = &s
	}
	return spec
}
