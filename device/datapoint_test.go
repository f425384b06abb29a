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
	"testing"
	"time"
)

func TestNewDataPoint_Invalid(t *testing.T) {
	valid := DataPointSpec{
		ID:         "temp",
		Areas:      []DataArea{HoldingRegister},
		Type:       Int32,
		Address:    100,
		AccessMode: ReadOnly,
	}

	tests := []struct {
		name   string
		mutate func(*DataPointSpec)
		want   string
	}{
		{"missing id", func(s *DataPointSpec) { s.ID = "" }, "id is required"},
		{"coil non bool", func(s *DataPointSpec) { s.Areas = []DataArea{Coil} }, "requires type Bool"},
		{"discrete input non bool", func(s *DataPointSpec) { s.Areas = []DataArea{DiscreteInput} }, "requires type Bool"},
		{"no area", func(s *DataPointSpec) { s.Areas = nil }, "at least one area"},
		{"duplicate area", func(s *DataPointSpec) { s.Areas = []DataArea{HoldingRegister, HoldingRegister} }, "listed twice"},
		{"no type", func(s *DataPointSpec) { s.Type = 0 }, "unknown type"},
		{"no access mode", func(s *DataPointSpec) { s.AccessMode = 0 }, "unknown access mode"},
		{"address range", func(s *DataPointSpec) { s.Address = 65535 }, "exceed address 65535"},
		{"negative address", func(s *DataPointSpec) { s.Address = -1 }, "out of range"},
		{"wrong length", func(s *DataPointSpec) { s.Length = 4 }, "does not match"},
		{"wrong default type", func(s *DataPointSpec) { s.DefaultValue = Int16Value(1) }, "default value is Int16"},
		{"ascii too long", func(s *DataPointSpec) {
			s.Type, s.Length, s.DefaultValue = ASCII, 1, ASCIIValue("ABC")
		}, "exceeds 1 registers"},
		{"simulation range", func(s *DataPointSpec) {
			s.Simulation = &SimulationSpec{MinValue: 10, MaxValue: 0}
		}, "greater than maxValue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			dp, err := NewDataPoint(spec)
			if dp != nil {
				t.Fatal("expected construction to be refused")
			}
			if !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("expected ErrInvalidSpec, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNewDataPoint_Defaults(t *testing.T) {
	dp, err := NewDataPoint(DataPointSpec{
		ID:           "serial",
		Areas:        []DataArea{InputRegister},
		Type:         ASCII,
		AccessMode:   ReadOnly,
		DefaultValue: ASCIIValue("SN-12345"),
	})
	if err != nil {
		t.Fatalf("NewDataPoint failed: %v", err)
	}
	if dp.Length() != 4 {
		t.Errorf("ASCII length should be derived as 4, got %d", dp.Length())
	}
	if dp.EndAddress() != 3 {
		t.Errorf("EndAddress: expected 3, got %d", dp.EndAddress())
	}

	dp, err = NewDataPoint(DataPointSpec{
		ID:         "flow",
		Areas:      []DataArea{HoldingRegister},
		Type:       Float64,
		AccessMode: ReadWrite,
	})
	if err != nil {
		t.Fatalf("NewDataPoint failed: %v", err)
	}
	if dp.Length() != 4 {
		t.Errorf("Float64 length: expected 4, got %d", dp.Length())
	}
	if dp.Value() != Float64Value(0) {
		t.Errorf("missing default should be zero, got %v", dp.Value())
	}
}

func TestSetValue_AccessMode(t *testing.T) {
	dp, err := NewDataPoint(DataPointSpec{
		ID:           "status",
		Areas:        []DataArea{InputRegister},
		Type:         UInt16,
		AccessMode:   ReadOnly,
		DefaultValue: UInt16Value(7),
	})
	if err != nil {
		t.Fatalf("NewDataPoint failed: %v", err)
	}

	ok, err := dp.SetValue(UInt16Value(42), false)
	if ok || err != nil {
		t.Fatalf("SetValue without force: expected false, nil; got %v, %v", ok, err)
	}
	if dp.Value().Uint() != 7 {
		t.Errorf("value should be unchanged, got %v", dp.Value())
	}

	ok, err = dp.SetValue(UInt16Value(42), true)
	if !ok || err != nil {
		t.Fatalf("SetValue with force: expected true, nil; got %v, %v", ok, err)
	}
	if dp.Value().Uint() != 42 {
		t.Errorf("value should be 42, got %v", dp.Value())
	}

	if ok, _ := dp.SetRegisterValue(1, false, 0, BigEndian); ok {
		t.Error("SetRegisterValue without force should be refused")
	}
	if _, err := dp.SetValue(Int16Value(1), true); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("type mismatch: expected ErrInvalidValue, got %v", err)
	}
}

func TestAccessModes(t *testing.T) {
	tests := []struct {
		mode        AccessMode
		read, write bool
	}{
		{ReadOnly, true, false},
		{WriteOnly, false, true},
		{ReadWrite, true, true},
	}
	for _, tt := range tests {
		if tt.mode.CanRead() != tt.read || tt.mode.CanWrite() != tt.write {
			t.Errorf("%s: read=%v write=%v", tt.mode, tt.mode.CanRead(), tt.mode.CanWrite())
		}
	}
}

func TestDataAreas(t *testing.T) {
	dp, err := NewDataPoint(DataPointSpec{
		ID:         "setpoint",
		Areas:      []DataArea{HoldingRegister},
		Type:       Int16,
		AccessMode: ReadWrite,
	})
	if err != nil {
		t.Fatalf("NewDataPoint failed: %v", err)
	}

	if err := dp.AddDataArea(Coil); !IsValidation(err) {
		t.Errorf("adding Coil to Int16: expected validation error, got %v", err)
	}
	if err := dp.DeleteDataArea(HoldingRegister); !IsValidation(err) {
		t.Errorf("deleting last area: expected validation error, got %v", err)
	}
	if err := dp.AddDataArea(InputRegister); err != nil {
		t.Fatalf("AddDataArea failed: %v", err)
	}
	if err := dp.DeleteDataArea(HoldingRegister); err != nil {
		t.Fatalf("DeleteDataArea failed: %v", err)
	}
	if areas := dp.Areas(); len(areas) != 1 || areas[0] != InputRegister {
		t.Errorf("expected [InputRegister], got %v", areas)
	}
}

func TestGenerate_NumericRange(t *testing.T) {
	for _, typ := range []DataType{Byte, Int16, UInt16, Int32, UInt32, Int64, UInt64, Float32, Float64} {
		t.Run(typ.String(), func(t *testing.T) {
			dp, err := NewDataPoint(DataPointSpec{
				ID:         "sim",
				Areas:      []DataArea{HoldingRegister},
				Type:       typ,
				AccessMode: ReadOnly,
				Simulation: &SimulationSpec{Enabled: true, MinValue: 0, MaxValue: 100},
			})
			if err != nil {
				t.Fatalf("NewDataPoint failed: %v", err)
			}

			for i := 0; i < 1000; i++ {
				v := dp.generate()
				if v.Type() != typ {
					t.Fatalf("generated %s, expected %s", v.Type(), typ)
				}
				n, _ := v.Number()
				if n < 0 || n > 100 {
					t.Fatalf("generated %v outside [0,100]", v)
				}
				if !typ.IsFloat() && n != float64(int64(n)) {
					t.Fatalf("generated %v is not an integer", v)
				}
			}
		})
	}
}

func TestGenerate_BoolToggles(t *testing.T) {
	dp, err := NewDataPoint(DataPointSpec{
		ID:         "alarm",
		Areas:      []DataArea{DiscreteInput},
		Type:       Bool,
		AccessMode: ReadOnly,
		Simulation: &SimulationSpec{Enabled: true},
	})
	if err != nil {
		t.Fatalf("NewDataPoint failed: %v", err)
	}

	prev := dp.Value().Bool()
	for i := 0; i < 10; i++ {
		dp.mu.Lock()
		dp.value = dp.generate()
		cur := dp.value.Bool()
		dp.mu.Unlock()
		if cur == prev {
			t.Fatalf("step %d: value did not toggle", i)
		}
		prev = cur
	}
}

func TestSimulation_Lifecycle(t *testing.T) {
	dp, err := NewDataPoint(DataPointSpec{
		ID:         "level",
		Areas:      []DataArea{InputRegister},
		Type:       UInt16,
		AccessMode: ReadOnly,
		Simulation: &SimulationSpec{MinValue: 10, MaxValue: 20},
	})
	if err != nil {
		t.Fatalf("NewDataPoint failed: %v", err)
	}

	if err := dp.StartSimulation(5 * time.Millisecond); err != nil {
		t.Fatalf("StartSimulation failed: %v", err)
	}
	if err := dp.StartSimulation(5 * time.Millisecond); !errors.Is(err, ErrSimulationRunning) {
		t.Errorf("second start: expected ErrSimulationRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for dp.Value().Uint() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if v := dp.Value().Uint(); v < 10 || v > 20 {
		t.Errorf("simulated value %d outside [10,20]", v)
	}

	dp.StopSimulation()
	if dp.SimulationRunning() {
		t.Error("simulation should be stopped")
	}
	frozen := dp.Value()
	time.Sleep(20 * time.Millisecond)
	if dp.Value() != frozen {
		t.Error("value changed after StopSimulation")
	}

	// Stopping twice is harmless.
	dp.StopSimulation()
}

func TestSimulation_EnableDisable(t *testing.T) {
	dp, err := NewDataPoint(DataPointSpec{
		ID:         "speed",
		Areas:      []DataArea{HoldingRegister},
		Type:       Float32,
		AccessMode: ReadWrite,
	})
	if err != nil {
		t.Fatalf("NewDataPoint failed: %v", err)
	}

	if err := dp.EnableSimulation(time.Hour); err != nil {
		t.Fatalf("EnableSimulation failed: %v", err)
	}
	if !dp.SimulationEnabled() || !dp.SimulationRunning() {
		t.Error("simulation should be enabled and running")
	}
	if spec := dp.Spec(); spec.Simulation == nil || !spec.Simulation.Enabled {
		t.Error("enabled flag should be persisted")
	}

	dp.DisableSimulation()
	if dp.SimulationEnabled() || dp.SimulationRunning() {
		t.Error("simulation should be disabled and stopped")
	}
}

func TestSimulation_ASCIIUnsupported(t *testing.T) {
	dp, err := NewDataPoint(DataPointSpec{
		ID:           "name",
		Areas:        []DataArea{HoldingRegister},
		Type:         ASCII,
		AccessMode:   ReadOnly,
		DefaultValue: ASCIIValue("AB"),
	})
	if err != nil {
		t.Fatalf("NewDataPoint failed: %v", err)
	}

	if err := dp.StartSimulation(0); !errors.Is(err, ErrSimulationUnsupported) {
		t.Errorf("expected ErrSimulationUnsupported, got %v", err)
	}
	if err := dp.EnableSimulation(0); !errors.Is(err, ErrSimulationUnsupported) {
		t.Errorf("expected ErrSimulationUnsupported, got %v", err)
	}
	if dp.SimulationEnabled() {
		t.Error("enabled flag should not be set")
	}
}
