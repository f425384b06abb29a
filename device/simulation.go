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
	"math"
	"math/rand"
	"time"
)

// DefaultSimulationInterval is used when a simulation is started without interval.
const DefaultSimulationInterval = time.Second

// simulation is a running value generator owned by one data point.
type simulation struct {
	stop chan struct{}
	done chan struct{}
}

// StartSimulation starts generating values every interval. ASCII data points
// cannot be simulated. The persisted enabled flag is not changed.
func (dp *DataPoint) StartSimulation(interval time.Duration) error {
	if dp.typ == ASCII {
		return fmt.Errorf("%w: %s", ErrSimulationUnsupported, dp.typ)
	}
	if interval <= 0 {
		interval = DefaultSimulationInterval
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.removed {
		return fmt.Errorf("%w: %q", ErrDataPointRemoved, dp.id)
	}
	if dp.task != nil {
		return ErrSimulationRunning
	}

	s := &simulation{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	dp.task = s
	go dp.runSimulation(s, interval)
	return nil
}

// StopSimulation stops the generator and waits for it to exit. It is a no-op
// when no simulation is running.
func (dp *DataPoint) StopSimulation() {
	dp.mu.Lock()
	s := dp.task
	dp.task = nil
	dp.mu.Unlock()

	if s != nil {
		close(s.stop)
		<-s.done
	}
}

// remove marks dp as deleted and stops its simulation. Later starts fail.
func (dp *DataPoint) remove() {
	dp.mu.Lock()
	dp.removed = true
	s := dp.task
	dp.task = nil
	dp.mu.Unlock()

	if s != nil {
		close(s.stop)
		<-s.done
	}
}

// EnableSimulation sets the persisted enabled flag and starts the simulation.
func (dp *DataPoint) EnableSimulation(interval time.Duration) error {
	if dp.typ == ASCII {
		return fmt.Errorf("%w: %s", ErrSimulationUnsupported, dp.typ)
	}

	dp.mu.Lock()
	if dp.sim == nil {
		dp.sim = &SimulationSpec{}
	}
	dp.sim.Enabled = true
	dp.mu.Unlock()

	if err := dp.StartSimulation(interval); err != nil && !errors.Is(err, ErrSimulationRunning) {
		return err
	}
	return nil
}

// DisableSimulation clears the persisted enabled flag and stops the simulation.
func (dp *DataPoint) DisableSimulation() {
	dp.mu.Lock()
	if dp.sim != nil {
		dp.sim.Enabled = false
	}
	dp.mu.Unlock()

	dp.StopSimulation()
}

// SetSimulationRange changes the range numeric values are drawn from.
func (dp *DataPoint) SetSimulationRange(minValue, maxValue float64) error {
	if minValue > maxValue {
		return validationError(fmt.Sprintf("simulation minValue %g greater than maxValue %g", minValue, maxValue))
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.sim == nil {
		dp.sim = &SimulationSpec{}
	}
	dp.sim.MinValue = minValue
	dp.sim.MaxValue = maxValue
	return nil
}

// SimulationEnabled reports the persisted enabled flag.
func (dp *DataPoint) SimulationEnabled() bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.sim != nil && dp.sim.Enabled
}

// SimulationRunning reports whether a generator is active.
func (dp *DataPoint) SimulationRunning() bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.task != nil
}

func (dp *DataPoint) runSimulation(s *simulation, interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			dp.mu.Lock()
			dp.value = dp.generate()
			dp.mu.Unlock()
		}
	}
}

// generate returns the next simulated value. Bool toggles; numeric types are
// drawn uniformly from the simulation range and rounded for integer types.
// Callers hold dp.mu.
func (dp *DataPoint) generate() Value {
	switch dp.typ {
	case Bool:
		return BoolValue(!dp.value.Bool())
	case ASCII:
		return dp.value
	}

	var lo, hi float64
	if dp.sim != nil {
		lo, hi = dp.sim.MinValue, dp.sim.MaxValue
	}

	f := lo + rand.Float64()*(hi-lo)
	if !dp.typ.IsFloat() {
		f = math.Round(f)
		// Stay inside the integer part of the range.
		if c, fl := math.Ceil(lo), math.Floor(hi); c <= fl {
			f = math.Min(math.Max(f, c), fl)
		}
	}
	return valueFromFloat(dp.typ, f)
}
