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
	"encoding/json"
	"fmt"
)

// DeviceSpec is the persisted form of a device. The storage key (file name)
// is not part of the document.
type DeviceSpec struct {
	ID          string     `json:"id" yaml:"id"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	Port        int        `json:"port" yaml:"port"`
	Endian      Endian     `json:"endian" yaml:"endian"`
	Name        string     `json:"name" yaml:"name"`
	Vendor      string     `json:"vendor" yaml:"vendor"`
	Description string     `json:"description" yaml:"description"`
	Units       []UnitSpec `json:"units" yaml:"units"`
}

// UnitSpec is the persisted form of a unit.
type UnitSpec struct {
	UnitID     int             `json:"unitId" yaml:"unitId"`
	DataPoints []DataPointSpec `json:"dataPoints" yaml:"dataPoints"`
}

// DataPointSpec is the persisted form of a data point. Length may be omitted
// for fixed size types and for ASCII, where it is derived from the default value.
type DataPointSpec struct {
	ID                string          `json:"id" yaml:"id"`
	Areas             []DataArea      `json:"areas" yaml:"areas"`
	Type              DataType        `json:"type" yaml:"type"`
	Address           int             `json:"address" yaml:"address"`
	AccessMode        AccessMode      `json:"accessMode" yaml:"accessMode"`
	Length            int             `json:"length,omitempty" yaml:"length,omitempty"`
	DefaultValue      Value           `json:"defaultValue" yaml:"defaultValue"`
	Name              string          `json:"name" yaml:"name"`
	Unit              string          `json:"unit" yaml:"unit"`
	Simulation        *SimulationSpec `json:"simulation,omitempty" yaml:"simulation,omitempty"`
	FeedbackDataPoint string          `json:"feedbackDataPoint,omitempty" yaml:"feedbackDataPoint,omitempty"`
}

// SimulationSpec configures value generation for a data point.
type SimulationSpec struct {
	Enabled  bool    `json:"enabled" yaml:"enabled"`
	MinValue float64 `json:"minValue" yaml:"minValue"`
	MaxValue float64 `json:"maxValue" yaml:"maxValue"`
}

// UnmarshalJSON decodes the default value according to the declared type.
func (s *DataPointSpec) UnmarshalJSON(data []byte) error {
	type plain DataPointSpec
	aux := struct {
		*plain
		DefaultValue json.RawMessage `json:"defaultValue"`
	}{plain: (*plain)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.DefaultValue = Value{}
	if !s.Type.Valid() {
		// Reported by NewDataPoint.
		return nil
	}
	v, err := ParseValue(s.Type, aux.DefaultValue)
	if err != nil {
		return fmt.Errorf("data point %q: default value: %w", s.ID, err)
	}
	s.DefaultValue = v
	return nil
}

// ParseDeviceSpec decodes a persisted device document.
func ParseDeviceSpec(data []byte) (*DeviceSpec, error) {
	var spec DeviceSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// MarshalIndent encodes spec as pretty-printed JSON.
func (s *DeviceSpec) MarshalIndent() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
