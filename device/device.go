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

// Package device implements emulated Modbus TCP field devices: typed data
// points mapped onto register areas, per unit address spaces, the request
// dispatcher served by each device's own listener, and a manager that keeps
// a directory of persisted device definitions.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	modbus "github.com/edgeo-scada/modbus-sim"
)

// State is the listener state of a device.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Device is one emulated Modbus TCP device. It implements modbus.Handler.
// Units and data points may be changed while the device is serving.
type Device struct {
	id     string
	opts   *options
	logger *slog.Logger

	mu          sync.RWMutex
	filename    string
	enabled     bool
	port        int
	endian      Endian
	name        string
	vendor      string
	description string
	units       map[modbus.UnitID]*Unit

	// lifeMu serializes Start and Stop.
	lifeMu  sync.Mutex
	state   atomic.Int32
	server  *modbus.Server
	addr    net.Addr
	served  chan error
	metrics *modbus.ServerMetrics
	log     *RequestLog
}

var (
	_ modbus.Handler        = (*Device)(nil)
	_ modbus.RejectRecorder = (*Device)(nil)
)

// NewDevice validates spec and builds a stopped device. Every problem found
// is reported; nothing is returned unless the whole document is valid.
func NewDevice(spec DeviceSpec, opts ...Option) (*Device, error) {
	var problems []string
	addProblem := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if spec.ID == "" {
		addProblem("id is required")
	}
	if err := checkPort(spec.Port); err != nil {
		addProblem("%s", err.Error())
	}
	if _, ok := endianNames[spec.Endian]; !ok {
		addProblem("unknown endian %d", uint8(spec.Endian))
	}

	units := make(map[modbus.UnitID]*Unit, len(spec.Units))
	for _, us := range spec.Units {
		if us.UnitID < int(MinUnitID) || us.UnitID > int(MaxUnitID) {
			addProblem("unit id %d out of range %d-%d", us.UnitID, MinUnitID, MaxUnitID)
			continue
		}
		id := modbus.UnitID(us.UnitID)
		if _, dup := units[id]; dup {
			addProblem("unit %d declared twice", id)
			continue
		}
		u, _ := NewUnit(id)
		units[id] = u

		for _, ds := range us.DataPoints {
			dp, dpProblems := newDataPoint(ds)
			for _, p := range dpProblems {
				addProblem("unit %d data point %q: %s", id, ds.ID, p)
			}
			if dp == nil {
				continue
			}
			if err := u.AddDataPoint(dp); err != nil {
				var verr *ValidationError
				if errors.As(err, &verr) {
					for _, p := range verr.Problems {
						addProblem("unit %d: %s", id, p)
					}
				} else {
					addProblem("unit %d: %v", id, err)
				}
			}
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: device %q: %s", ErrInvalidSpec, spec.ID, strings.Join(problems, "; "))
	}

	o := buildOptions(opts)
	return &Device{
		id:          spec.ID,
		opts:        o,
		logger:      o.logger.With(slog.String("device", spec.ID)),
		enabled:     spec.Enabled,
		port:        spec.Port,
		endian:      spec.Endian,
		name:        spec.Name,
		vendor:      spec.Vendor,
		description: spec.Description,
		units:       units,
		metrics:     modbus.NewServerMetrics(),
		log:         NewRequestLog(o.logCapacity),
	}, nil
}

func checkPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}

// ID returns the device id from its document.
func (d *Device) ID() string { return d.id }

// Filename returns the storage key assigned by the manager.
func (d *Device) Filename() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filename
}

func (d *Device) setFilename(name string) {
	d.mu.Lock()
	d.filename = name
	d.mu.Unlock()
}

// Enabled reports whether the device should serve after loading.
func (d *Device) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// Port returns the TCP port.
func (d *Device) Port() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.port
}

// Endian returns the word order of multi-register values.
func (d *Device) Endian() Endian {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.endian
}

// Info returns the display name, vendor and description.
func (d *Device) Info() (name, vendor, description string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name, d.vendor, d.description
}

// SetInfo replaces the display name, vendor and description.
func (d *Device) SetInfo(name, vendor, description string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name, d.vendor, d.description = name, vendor, description
}

// SetEndian changes the word order. It applies to the next request.
func (d *Device) SetEndian(e Endian) error {
	if _, ok := endianNames[e]; !ok {
		return validationError(fmt.Sprintf("unknown endian %d", uint8(e)))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endian = e
	return nil
}

// SetPort changes the TCP port. It is refused unless the server is stopped.
func (d *Device) SetPort(port int) error {
	if err := checkPort(port); err != nil {
		return validationError(err.Error())
	}

	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.State() != StateStopped {
		return fmt.Errorf("%w: stop the server before changing the port", ErrAlreadyRunning)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.port = port
	return nil
}

// AddUnit creates an empty unit.
func (d *Device) AddUnit(id modbus.UnitID) (*Unit, error) {
	u, err := NewUnit(id)
	if err != nil {
		return nil, validationError(fmt.Sprintf("unit id %d out of range %d-%d", id, MinUnitID, MaxUnitID))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.units[id]; ok {
		return nil, validationError(fmt.Sprintf("unit %d already exists", id))
	}
	d.units[id] = u
	return u, nil
}

// DeleteUnit removes a unit and stops its simulations.
func (d *Device) DeleteUnit(id modbus.UnitID) error {
	d.mu.Lock()
	u, ok := d.units[id]
	delete(d.units, id)
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	u.remove()
	return nil
}

// Unit returns the unit with the given id.
func (d *Device) Unit(id modbus.UnitID) (*Unit, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.units[id]
	return u, ok
}

// Units returns every unit ordered by id.
func (d *Device) Units() []*Unit {
	d.mu.RLock()
	units := make([]*Unit, 0, len(d.units))
	for _, u := range d.units {
		units = append(units, u)
	}
	d.mu.RUnlock()

	slices.SortFunc(units, func(a, b *Unit) int { return int(a.id) - int(b.id) })
	return units
}

// Spec returns the persisted form of the device.
func (d *Device) Spec() DeviceSpec {
	d.mu.RLock()
	spec := DeviceSpec{
		ID:          d.id,
		Enabled:     d.enabled,
		Port:        d.port,
		Endian:      d.endian,
		Name:        d.name,
		Vendor:      d.vendor,
		Description: d.description,
	}
	d.mu.RUnlock()

	units := d.Units()
	spec.Units = make([]UnitSpec, 0, len(units))
	for _, u := range units {
		spec.Units = append(spec.Units, u.Spec())
	}
	return spec
}

// Log returns the request log.
func (d *Device) Log() *RequestLog { return d.log }

// Metrics returns the server metrics. They survive restarts.
func (d *Device) Metrics() *modbus.ServerMetrics { return d.metrics }

// SimulationInterval returns the tick used by the device's simulations.
func (d *Device) SimulationInterval() time.Duration { return d.opts.simInterval }

// State returns the listener state.
func (d *Device) State() State { return State(d.state.Load()) }

// Running reports whether the listener is serving.
func (d *Device) Running() bool { return d.State() == StateRunning }

// Addr returns the listening address while running.
func (d *Device) Addr() net.Addr {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.addr
}

// StartAllEnabledSimulations starts every enabled simulation of every unit.
func (d *Device) StartAllEnabledSimulations() error {
	var errs []error
	for _, u := range d.Units() {
		if err := u.StartEnabledSimulations(d.opts.simInterval); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAllSimulations stops every simulation of every unit and waits for them.
func (d *Device) StopAllSimulations() {
	for _, u := range d.Units() {
		u.StopSimulations()
	}
}

// Start binds the listener and serves requests. It fails with ErrAddressInUse
// when the port is taken and ErrStartTimeout when the listener is not up
// within the start timeout. Enabled simulations are started with the server.
func (d *Device) Start(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if d.State() != StateStopped {
		return ErrAlreadyRunning
	}
	d.state.Store(int32(StateStarting))

	addr := net.JoinHostPort(d.opts.listenHost, strconv.Itoa(d.Port()))
	ctx, cancel := context.WithTimeout(ctx, d.opts.startTimeout)
	defer cancel()

	ln, err := listen(ctx, addr)
	if err != nil {
		d.state.Store(int32(StateStopped))
		d.logger.Error("failed to start server", slog.String("addr", addr), slog.String("error", err.Error()))
		return err
	}

	opts := append([]modbus.ServerOption{
		modbus.WithServerLogger(d.logger),
		modbus.WithMetrics(d.metrics),
	}, d.opts.serverOpts...)
	srv := modbus.NewServer(d, opts...)
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ln)
	}()

	d.server, d.addr, d.served = srv, ln.Addr(), served
	d.state.Store(int32(StateRunning))

	if err := d.StartAllEnabledSimulations(); err != nil {
		d.logger.Warn("some simulations did not start", slog.String("error", err.Error()))
	}
	return nil
}

// Stop closes the listener, drops client connections and stops every
// simulation of the device before returning.
func (d *Device) Stop(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if d.State() != StateRunning {
		return ErrNotRunning
	}
	d.state.Store(int32(StateStopping))

	d.StopAllSimulations()
	err := d.server.Close()

	select {
	case serveErr := <-d.served:
		if err == nil && serveErr != nil && !errors.Is(serveErr, modbus.ErrServerClosed) {
			err = serveErr
		}
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	d.server, d.addr, d.served = nil, nil, nil
	d.state.Store(int32(StateStopped))
	return err
}

// Enable sets the enabled flag and starts the server if it is stopped.
func (d *Device) Enable(ctx context.Context) error {
	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()

	if d.Running() {
		return nil
	}
	return d.Start(ctx)
}

// Disable clears the enabled flag and stops the server if it is running.
func (d *Device) Disable(ctx context.Context) error {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()

	if !d.Running() {
		return nil
	}
	return d.Stop(ctx)
}

// Close stops the server if needed and every simulation.
func (d *Device) Close(ctx context.Context) error {
	var err error
	if d.Running() {
		err = d.Stop(ctx)
	}
	d.StopAllSimulations()
	return err
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	type result struct {
		ln  net.Listener
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		ch <- result{ln, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.ln, nil
		}
		if isAddrInUse(r.err) {
			return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
		}
		if errors.Is(r.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrStartTimeout, addr)
		}
		return nil, fmt.Errorf("device: listen %s: %w", addr, r.err)
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.ln != nil {
				r.ln.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrStartTimeout, addr)
		}
		return nil, ctx.Err()
	}
}

// record appends a request outcome to the log and emits it to slog.
func (d *Device) record(fc modbus.FunctionCode, area DataArea, unitID modbus.UnitID, addr uint16, count int, values []uint16, err error) {
	entry := LogEntry{
		Time:     time.Now(),
		Unit:     unitID,
		Function: fc.String(),
		Area:     area,
		Address:  addr,
		Count:    count,
		Values:   slices.Clone(values),
	}

	attrs := []any{
		slog.Uint64("unit", uint64(unitID)),
		slog.String("func", fc.String()),
		slog.Uint64("addr", uint64(addr)),
		slog.Int("count", count),
	}

	if err != nil {
		if code, ok := modbus.ExceptionOf(err); ok {
			entry.Error = code.String()
		} else {
			entry.Error = err.Error()
		}
		d.logger.Warn("request failed", append(attrs, slog.String("error", entry.Error))...)
	} else {
		d.logger.Debug("request served", append(attrs, slog.Any("values", values))...)
	}

	d.log.Append(entry)
}

// isAddrInUse reports a bind failure on a taken port. Windows reports
// WSAEADDRINUSE instead of EADDRINUSE.
func isAddrInUse(err error) bool {
	return errors.Is(err, errAddrInUse)
}
