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

package modbus

import (
	"log/slog"
	"time"
)

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	maxConns    int
	idleTimeout time.Duration
	metrics     *ServerMetrics
}

// Defaults for a device server.
const (
	DefaultMaxConnections = 100
	DefaultIdleTimeout    = 30 * time.Second
)

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      slog.Default(),
		maxConns:    DefaultMaxConnections,
		idleTimeout: DefaultIdleTimeout,
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxConnections limits concurrent client connections. Connections over
// the limit are closed right after accept. Zero removes the limit.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		if n >= 0 {
			o.maxConns = n
		}
	}
}

// WithIdleTimeout closes a connection that sends no request for d.
// Zero keeps idle connections open.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		if d >= 0 {
			o.idleTimeout = d
		}
	}
}

// WithMetrics makes the server count into m, so a device keeps its counters
// across restarts.
func WithMetrics(m *ServerMetrics) ServerOption {
	return func(o *serverOptions) {
		o.metrics = m
	}
}
