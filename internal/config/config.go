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

// Package config loads emulator settings from flags, environment and an
// optional YAML file through viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: MODBUS_SIM_DEVICES_DIR sets devices.dir.
const EnvPrefix = "MODBUS_SIM"

// Config holds every runtime setting.
type Config struct {
	Devices    DevicesConfig
	Simulation SimulationConfig
	HTTP       HTTPConfig
	MQTT       MQTTConfig
	Log        LogConfig
}

// DevicesConfig controls the device directory and listeners.
type DevicesConfig struct {
	Dir          string
	StartServers bool
	StartTimeout time.Duration
	LogCapacity  int
	ListenHost   string

	// MaxConnections limits clients per device, 0 for no limit.
	MaxConnections int
	IdleTimeout    time.Duration
}

// SimulationConfig controls value generation.
type SimulationConfig struct {
	Interval time.Duration
}

// HTTPConfig controls the API listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr string
}

// MQTTConfig controls the value mirror. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Interval    time.Duration
	Username    string
	Password    string
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("devices.dir", "./devices")
	v.SetDefault("devices.start_servers", true)
	v.SetDefault("devices.start_timeout", 3*time.Second)
	v.SetDefault("devices.log_capacity", 100)
	v.SetDefault("devices.listen_host", "")
	v.SetDefault("devices.max_connections", 100)
	v.SetDefault("devices.idle_timeout", 30*time.Second)
	v.SetDefault("simulation.interval", time.Second)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "modbus-sim")
	v.SetDefault("mqtt.topic_prefix", "modbus-sim")
	v.SetDefault("mqtt.interval", 5*time.Second)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindEnv makes v read MODBUS_SIM_* variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads and validates the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Devices: DevicesConfig{
			Dir:          v.GetString("devices.dir"),
			StartServers: v.GetBool("devices.start_servers"),
			StartTimeout: v.GetDuration("devices.start_timeout"),
			LogCapacity:  v.GetInt("devices.log_capacity"),
			ListenHost:   v.GetString("devices.listen_host"),

			MaxConnections: v.GetInt("devices.max_connections"),
			IdleTimeout:    v.GetDuration("devices.idle_timeout"),
		},
		Simulation: SimulationConfig{
			Interval: v.GetDuration("simulation.interval"),
		},
		HTTP: HTTPConfig{
			Addr: v.GetString("http.addr"),
		},
		MQTT: MQTTConfig{
			Broker:      v.GetString("mqtt.broker"),
			ClientID:    v.GetString("mqtt.client_id"),
			TopicPrefix: strings.Trim(v.GetString("mqtt.topic_prefix"), "/"),
			Interval:    v.GetDuration("mqtt.interval"),
			Username:    v.GetString("mqtt.username"),
			Password:    v.GetString("mqtt.password"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every out of range setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Devices.Dir == "" {
		errs = append(errs, errors.New("devices.dir must not be empty"))
	}
	if c.Devices.StartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("devices.start_timeout must be positive, got %s", c.Devices.StartTimeout))
	}
	if c.Devices.LogCapacity <= 0 {
		errs = append(errs, fmt.Errorf("devices.log_capacity must be positive, got %d", c.Devices.LogCapacity))
	}
	if c.Devices.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("devices.max_connections must not be negative, got %d", c.Devices.MaxConnections))
	}
	if c.Devices.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("devices.idle_timeout must not be negative, got %s", c.Devices.IdleTimeout))
	}
	if c.Simulation.Interval <= 0 {
		errs = append(errs, fmt.Errorf("simulation.interval must be positive, got %s", c.Simulation.Interval))
	}
	if c.MQTT.Broker != "" {
		if c.MQTT.Interval <= 0 {
			errs = append(errs, fmt.Errorf("mqtt.interval must be positive, got %s", c.MQTT.Interval))
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, errors.New("mqtt.topic_prefix must not be empty"))
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch c.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Level)
}
