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

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Devices.Dir != "./devices" {
		t.Errorf("devices.dir: expected ./devices, got %q", cfg.Devices.Dir)
	}
	if !cfg.Devices.StartServers {
		t.Error("devices.start_servers should default to true")
	}
	if cfg.Devices.StartTimeout != 3*time.Second {
		t.Errorf("devices.start_timeout: expected 3s, got %s", cfg.Devices.StartTimeout)
	}
	if cfg.Devices.LogCapacity != 100 {
		t.Errorf("devices.log_capacity: expected 100, got %d", cfg.Devices.LogCapacity)
	}
	if cfg.Devices.MaxConnections != 100 || cfg.Devices.IdleTimeout != 30*time.Second {
		t.Errorf("connection limits: got %d, %s", cfg.Devices.MaxConnections, cfg.Devices.IdleTimeout)
	}
	if cfg.Simulation.Interval != time.Second {
		t.Errorf("simulation.interval: expected 1s, got %s", cfg.Simulation.Interval)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http.addr: expected :8080, got %q", cfg.HTTP.Addr)
	}
	if cfg.MQTT.Broker != "" {
		t.Errorf("mqtt should be disabled by default, got broker %q", cfg.MQTT.Broker)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.yaml")
	content := `
devices:
  dir: /var/lib/sim
  start_servers: false
  log_capacity: 20
  idle_timeout: 0s
simulation:
  interval: 250ms
mqtt:
  broker: tcp://localhost:1883
  topic_prefix: /plant/sim/
log:
  level: DEBUG
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig failed: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Devices.Dir != "/var/lib/sim" || cfg.Devices.StartServers || cfg.Devices.LogCapacity != 20 {
		t.Errorf("unexpected devices config: %+v", cfg.Devices)
	}
	if cfg.Devices.IdleTimeout != 0 {
		t.Errorf("devices.idle_timeout: expected 0, got %s", cfg.Devices.IdleTimeout)
	}
	if cfg.Simulation.Interval != 250*time.Millisecond {
		t.Errorf("simulation.interval: expected 250ms, got %s", cfg.Simulation.Interval)
	}
	if cfg.MQTT.TopicPrefix != "plant/sim" {
		t.Errorf("topic prefix should be trimmed, got %q", cfg.MQTT.TopicPrefix)
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil || level != slog.LevelDebug || cfg.Log.Format != "json" {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("MODBUS_SIM_DEVICES_DIR", "/tmp/devices")

	v := newViper()
	BindEnv(v)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Devices.Dir != "/tmp/devices" {
		t.Errorf("devices.dir: expected env value, got %q", cfg.Devices.Dir)
	}
}

func TestLoad_Invalid(t *testing.T) {
	v := newViper()
	v.Set("devices.log_capacity", 0)
	v.Set("devices.max_connections", -1)
	v.Set("simulation.interval", "-1s")
	v.Set("mqtt.broker", "tcp://localhost:1883")
	v.Set("mqtt.interval", 0)
	v.Set("log.level", "chatty")
	v.Set("log.format", "xml")

	_, err := Load(v)
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	for _, key := range []string{"devices.log_capacity", "devices.max_connections", "simulation.interval", "mqtt.interval", "log.level", "log.format"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should mention %s: %v", key, err)
		}
	}
}
