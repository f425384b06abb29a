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
	"strings"
)

// Lifecycle and lookup errors.
var (
	// ErrInvalidSpec wraps every construction-time validation failure.
	ErrInvalidSpec = errors.New("device: invalid spec")

	// ErrInvalidOffset is returned when a register offset is outside a data point.
	ErrInvalidOffset = errors.New("device: invalid register offset")

	// ErrInvalidValue is returned when a value does not fit the data point type.
	ErrInvalidValue = errors.New("device: invalid value")

	// ErrAlreadyRunning is returned when starting a server that is not stopped.
	ErrAlreadyRunning = errors.New("device: server already running")

	// ErrNotRunning is returned when stopping a server that is not running.
	ErrNotRunning = errors.New("device: server not running")

	// ErrAddressInUse is returned when the listening port is taken.
	ErrAddressInUse = errors.New("device: address already in use")

	// ErrStartTimeout is returned when the listener is not up within the start timeout.
	ErrStartTimeout = errors.New("device: server start timed out")

	// ErrSimulationRunning is returned when starting a simulation twice.
	ErrSimulationRunning = errors.New("device: simulation already running")

	// ErrSimulationUnsupported is returned when simulating an ASCII data point.
	ErrSimulationUnsupported = errors.New("device: simulation not supported for type")

	// ErrDeviceExists is returned by Manager.AddDevice for a tracked name.
	ErrDeviceExists = errors.New("device: device already exists")

	// ErrDeviceNotFound is returned when a name is not tracked by the manager.
	ErrDeviceNotFound = errors.New("device: device not found")

	// ErrUnitNotFound is returned when a unit id is not configured on a device.
	ErrUnitNotFound = errors.New("device: unit not found")

	// ErrDataPointRemoved is returned when simulating a data point deleted from its unit.
	ErrDataPointRemoved = errors.New("device: data point removed")

	// ErrDataPointNotFound is returned when a data point id is unknown in a unit.
	ErrDataPointNotFound = errors.New("device: data point not found")
)

// ValidationError reports business rule violations. The object it was
// returned from is left unchanged.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "device: " + strings.Join(e.Problems, "; ")
}

func validationError(problems ...string) error {
	return &ValidationError{Problems: problems}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
