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

// Package api exposes the device manager over HTTP: device and data point
// CRUD, server control, request logs, a websocket value stream and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeo-scada/modbus-sim/device"
	"github.com/edgeo-scada/modbus-sim/internal/metrics"
)

// DefaultStreamInterval is the period of websocket value snapshots.
const DefaultStreamInterval = time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStreamInterval sets the websocket snapshot period.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

// Server serves the HTTP API of one device manager.
type Server struct {
	manager        *device.Manager
	logger         *slog.Logger
	streamInterval time.Duration
	registry       *prometheus.Registry
	upgrader       websocket.Upgrader
	engine         *gin.Engine
}

// New builds the router for m.
func New(m *device.Manager, opts ...Option) *Server {
	s := &Server{
		manager:        m,
		logger:         slog.Default(),
		streamInterval: DefaultStreamInterval,
		registry:       prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(
		metrics.NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Registry returns the registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("http api listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.POST("/reload", s.reload)

	devices := api.Group("/devices")
	devices.GET("", s.listDevices)
	devices.GET("/:name", s.getDevice)
	devices.PUT("/:name", s.putDevice)
	devices.DELETE("/:name", s.deleteDevice)
	devices.POST("/:name/save", s.saveDevice)
	devices.POST("/:name/start", s.startDevice)
	devices.POST("/:name/stop", s.stopDevice)
	devices.POST("/:name/enable", s.enableDevice)
	devices.POST("/:name/disable", s.disableDevice)
	devices.GET("/:name/logs", s.deviceLogs)
	devices.GET("/:name/stream", s.stream)

	devices.POST("/:name/units", s.addUnit)
	devices.DELETE("/:name/units/:unit", s.deleteUnit)
	devices.POST("/:name/units/:unit/datapoints", s.addDataPoint)
	devices.GET("/:name/units/:unit/datapoints/:dp", s.getDataPoint)
	devices.PUT("/:name/units/:unit/datapoints/:dp", s.putDataPoint)
	devices.DELETE("/:name/units/:unit/datapoints/:dp", s.deleteDataPoint)
	devices.POST("/:name/units/:unit/datapoints/:dp/simulation/enable", s.enableSimulation)
	devices.POST("/:name/units/:unit/datapoints/:dp/simulation/disable", s.disableSimulation)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}
