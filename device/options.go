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
	"log/slog"
	"time"

	modbus "github.com/edgeo-scada/modbus-sim"
)

// DefaultStartTimeout bounds how long Start waits for the listener.
const DefaultStartTimeout = 3 * time.Second

// Option configures devices and the manager.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	startTimeout time.Duration
	simInterval  time.Duration
	logCapacity  int
	listenHost   string
	serverOpts   []modbus.ServerOption
}

func defaultOptions() *options {
	return &options{
		logger:       slog.Default(),
		startTimeout: DefaultStartTimeout,
		simInterval:  DefaultSimulationInterval,
		logCapacity:  DefaultLogCapacity,
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStartTimeout sets how long Start waits for the listener to come up.
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// WithSimulationInterval sets the tick of every data point simulation.
func WithSimulationInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.simInterval = d
		}
	}
}

// WithLogCapacity sets the size of each device's request log.
func WithLogCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.logCapacity = n
		}
	}
}

// WithListenHost restricts listeners to one host. The default listens on
// all interfaces.
func WithListenHost(host string) Option {
	return func(o *options) {
		o.listenHost = host
	}
}

// WithServerOptions passes options to each device's Modbus server.
func WithServerOptions(opts ...modbus.ServerOption) Option {
	return func(o *options) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}
