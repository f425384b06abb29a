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
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	modbus "github.com/edgeo-scada/modbus-sim"
)

// Unit ids a device can serve.
const (
	MinUnitID modbus.UnitID = 1
	MaxUnitID modbus.UnitID = 254
)

type slot struct {
	area DataArea
	addr uint16
}

// Unit is the address space of one Modbus unit id. No two data points may
// claim the same area and address.
type Unit struct {
	id modbus.UnitID

	mu     sync.RWMutex
	points map[string]*DataPoint
	order  []string
	slots  map[slot]*DataPoint
}

// NewUnit creates an empty unit.
func NewUnit(id modbus.UnitID) (*Unit, error) {
	if id < MinUnitID || id > MaxUnitID {
		return nil, fmt.Errorf("%w: unit id %d out of range %d-%d", ErrInvalidSpec, id, MinUnitID, MaxUnitID)
	}
	return &Unit{
		id:     id,
		points: make(map[string]*DataPoint),
		slots:  make(map[slot]*DataPoint),
	}, nil
}

// ID returns the unit id.
func (u *Unit) ID() modbus.UnitID {
	return u.id
}

// AddDataPoint inserts dp. Bit areas require a Bool, the id must be new and
// every register of every area must be free. On failure the unit is unchanged.
func (u *Unit) AddDataPoint(dp *DataPoint) error {
	areas := dp.Areas()
	for _, a := range areas {
		if a.IsBit() && dp.Type() != Bool {
			return validationError(fmt.Sprintf("data point %q: area %s requires type Bool, got %s", dp.ID(), a, dp.Type()))
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.points[dp.ID()]; ok {
		return validationError(fmt.Sprintf("data point %q already exists in unit %d", dp.ID(), u.id))
	}
	if problems := u.conflicts(dp, areas); len(problems) > 0 {
		return validationError(problems...)
	}

	u.points[dp.ID()] = dp
	u.order = append(u.order, dp.ID())
	for _, a := range areas {
		u.claim(dp, a)
	}
	return nil
}

// AddDataPointToArea maps an existing data point into one more area.
func (u *Unit) AddDataPointToArea(id string, area DataArea) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	dp, ok := u.points[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrDataPointNotFound, id)
	}
	if dp.InArea(area) {
		return nil
	}
	if area.IsBit() && dp.Type() != Bool {
		return validationError(fmt.Sprintf("data point %q: area %s requires type Bool, got %s", id, area, dp.Type()))
	}
	if problems := u.conflicts(dp, []DataArea{area}); len(problems) > 0 {
		return validationError(problems...)
	}
	if err := dp.AddDataArea(area); err != nil {
		return err
	}
	u.claim(dp, area)
	return nil
}

// DeleteDataPoint removes a data point from every area and stops its simulation.
func (u *Unit) DeleteDataPoint(id string) error {
	u.mu.Lock()
	dp, ok := u.points[id]
	if !ok {
		u.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDataPointNotFound, id)
	}
	for _, a := range dp.Areas() {
		u.release(dp, a)
	}
	delete(u.points, id)
	u.order = slices.DeleteFunc(u.order, func(s string) bool { return s == id })
	u.mu.Unlock()

	dp.remove()
	return nil
}

// DeleteDataPointFromArea removes a data point from one area. It is refused
// for the data point's last area.
func (u *Unit) DeleteDataPointFromArea(id string, area DataArea) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	dp, ok := u.points[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrDataPointNotFound, id)
	}
	if err := dp.DeleteDataArea(area); err != nil {
		return err
	}
	u.release(dp, area)
	return nil
}

// HasDataPoint reports whether id exists in the unit.
func (u *Unit) HasDataPoint(id string) bool {
	_, ok := u.DataPoint(id)
	return ok
}

// DataPoint returns the data point with the given id.
func (u *Unit) DataPoint(id string) (*DataPoint, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	dp, ok := u.points[id]
	return dp, ok
}

// HasDataPointAt reports whether a data point occupies addr in area.
func (u *Unit) HasDataPointAt(area DataArea, addr uint16) bool {
	_, ok := u.DataPointAt(area, addr)
	return ok
}

// DataPointAt returns the data point occupying addr in area.
func (u *Unit) DataPointAt(area DataArea, addr uint16) (*DataPoint, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	dp, ok := u.slots[slot{area, addr}]
	return dp, ok
}

// DataPoints returns every data point in insertion order.
func (u *Unit) DataPoints() []*DataPoint {
	u.mu.RLock()
	defer u.mu.RUnlock()
	points := make([]*DataPoint, 0, len(u.order))
	for _, id := range u.order {
		points = append(points, u.points[id])
	}
	return points
}

// Spec returns the persisted form of the unit.
func (u *Unit) Spec() UnitSpec {
	points := u.DataPoints()
	spec := UnitSpec{
		UnitID:     int(u.id),
		DataPoints: make([]DataPointSpec, 0, len(points)),
	}
	for _, dp := range points {
		spec.DataPoints = append(spec.DataPoints, dp.Spec())
	}
	return spec
}

// StartEnabledSimulations starts every data point whose simulation is enabled
// and not yet running.
func (u *Unit) StartEnabledSimulations(interval time.Duration) error {
	var errs []error
	for _, dp := range u.DataPoints() {
		if !dp.SimulationEnabled() {
			continue
		}
		err := dp.StartSimulation(interval)
		if err != nil && !errors.Is(err, ErrSimulationRunning) && !errors.Is(err, ErrDataPointRemoved) {
			errs = append(errs, fmt.Errorf("unit %d data point %q: %w", u.id, dp.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// StopSimulations stops every running simulation of the unit.
func (u *Unit) StopSimulations() {
	for _, dp := range u.DataPoints() {
		dp.StopSimulation()
	}
}

// remove retires every data point of a unit deleted from its device.
func (u *Unit) remove() {
	for _, dp := range u.DataPoints() {
		dp.remove()
	}
}

// conflicts lists the occupied slots dp would claim in areas. Callers hold u.mu.
func (u *Unit) conflicts(dp *DataPoint, areas []DataArea) []string {
	var problems []string
	for _, a := range areas {
		for addr := int(dp.Address()); addr <= int(dp.EndAddress()); addr++ {
			if other, ok := u.slots[slot{a, uint16(addr)}]; ok && other != dp {
				problems = append(problems, fmt.Sprintf("address %d in %s already occupied by %q", addr, a, other.ID()))
			}
		}
	}
	return problems
}

func (u *Unit) claim(dp *DataPoint, area DataArea) {
	for addr := int(dp.Address()); addr <= int(dp.EndAddress()); addr++ {
		u.slots[slot{area, uint16(addr)}] = dp
	}
}

func (u *Unit) release(dp *DataPoint, area DataArea) {
	for addr := int(dp.Address()); addr <= int(dp.EndAddress()); addr++ {
		if u.slots[slot{area, uint16(addr)}] == dp {
			delete(u.slots, slot{area, uint16(addr)})
		}
	}
}
