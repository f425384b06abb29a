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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// FileExt is the extension of persisted device documents.
const FileExt = ".json"

// Manager owns a directory of device documents and the live devices loaded
// from it. A device is keyed by its file name without extension.
type Manager struct {
	dir    string
	opts   []Option
	logger *slog.Logger

	// loadMu serializes bulk operations so LoadDevices never interleaves
	// with another reload or a bulk start/stop.
	loadMu sync.Mutex

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewManager creates a manager for dir. opts are applied to every device it
// loads and supply the manager's logger.
func NewManager(dir string, opts ...Option) *Manager {
	return &Manager{
		dir:     dir,
		opts:    opts,
		logger:  buildOptions(opts).logger,
		devices: make(map[string]*Device),
	}
}

// Dir returns the device directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Options returns the options passed to devices created by the manager.
func (m *Manager) Options() []Option {
	return slices.Clone(m.opts)
}

// Path returns the document path of a device name.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name+FileExt)
}

// HasDevice reports whether name is tracked.
func (m *Manager) HasDevice(name string) bool {
	_, ok := m.Device(name)
	return ok
}

// Device returns the device tracked under name.
func (m *Manager) Device(name string) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[name]
	return d, ok
}

// Devices returns every tracked device ordered by name.
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	slices.SortFunc(devices, func(a, b *Device) int { return strings.Compare(a.Filename(), b.Filename()) })
	return devices
}

// Names returns every tracked name in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AddDevice tracks d under name. The document is not written; see SaveDevice.
func (m *Manager) AddDevice(name string, d *Device) error {
	if err := checkName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[name]; ok {
		return fmt.Errorf("%w: %q", ErrDeviceExists, name)
	}
	d.setFilename(name)
	m.devices[name] = d
	return nil
}

// DeleteDevice stops the device, forgets it and removes its document.
func (m *Manager) DeleteDevice(ctx context.Context, name string) error {
	m.mu.Lock()
	d, ok := m.devices[name]
	delete(m.devices, name)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}

	err := d.Close(ctx)
	if rmErr := os.Remove(m.Path(name)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	m.logger.Info("device deleted", slog.String("name", name))
	return err
}

// SaveDevice writes the device document as indented JSON, replacing the file.
func (m *Manager) SaveDevice(name string) error {
	d, ok := m.Device(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}

	spec := d.Spec()
	data, err := spec.MarshalIndent()
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(m.Path(name), data, 0o644); err != nil {
		return err
	}
	m.logger.Debug("device saved", slog.String("name", name), slog.String("path", m.Path(name)))
	return nil
}

// LoadDevices stops and forgets every tracked device, then loads every
// document in the directory. Invalid documents are skipped. Loaded devices
// start their enabled simulations and, when startServers is set and they are
// enabled, their servers. The returned messages describe every file.
func (m *Manager) LoadDevices(ctx context.Context, startServers bool) []string {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	var messages []string
	addMessage := func(format string, args ...any) {
		messages = append(messages, fmt.Sprintf(format, args...))
	}

	if err := m.closeAll(ctx); err != nil {
		addMessage("error: stop devices: %v", err)
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		addMessage("error: read %s: %v", m.dir, err)
		return messages
	}

	for _, entry := range entries {
		// Path rebuilds file names from FileExt, so other spellings are skipped.
		if entry.IsDir() || filepath.Ext(entry.Name()) != FileExt {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), FileExt)

		d, err := m.loadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			m.logger.Warn("device skipped", slog.String("file", entry.Name()), slog.String("error", err.Error()))
			addMessage("error: %s: %v", entry.Name(), err)
			continue
		}
		if err := m.AddDevice(name, d); err != nil {
			addMessage("error: %s: %v", entry.Name(), err)
			continue
		}
		addMessage("loaded %s: device %q with %d units", entry.Name(), d.ID(), len(d.Units()))

		if err := d.StartAllEnabledSimulations(); err != nil {
			addMessage("error: %s: %v", entry.Name(), err)
		}
		if startServers && d.Enabled() {
			if err := d.Start(ctx); err != nil {
				addMessage("error: %s: start server on port %d: %v", entry.Name(), d.Port(), err)
			} else {
				addMessage("started %s on port %d", entry.Name(), d.Port())
			}
		}
	}

	m.logger.Info("devices loaded", slog.String("dir", m.dir), slog.Int("count", len(m.Names())))
	return messages
}

func (m *Manager) loadFile(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec, err := ParseDeviceSpec(data)
	if err != nil {
		return nil, err
	}
	return NewDevice(*spec, m.opts...)
}

// StartAllServers starts every enabled device that is stopped, one at a time.
func (m *Manager) StartAllServers(ctx context.Context) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	var errs []error
	for _, d := range m.Devices() {
		if !d.Enabled() || d.State() != StateStopped {
			continue
		}
		if err := d.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Filename(), err))
		}
	}
	return errors.Join(errs...)
}

// StopAllServers stops every running device, waiting for each in turn.
func (m *Manager) StopAllServers(ctx context.Context) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.stopAll(ctx)
}

func (m *Manager) stopAll(ctx context.Context) error {
	var errs []error
	for _, d := range m.Devices() {
		if !d.Running() {
			continue
		}
		if err := d.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Filename(), err))
		}
	}
	return errors.Join(errs...)
}

// closeAll stops every device and its simulations and clears the map.
func (m *Manager) closeAll(ctx context.Context) error {
	var errs []error
	for _, d := range m.Devices() {
		if err := d.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Filename(), err))
		}
	}

	m.mu.Lock()
	clear(m.devices)
	m.mu.Unlock()
	return errors.Join(errs...)
}

// Close stops every device and forgets them. Documents are left in place.
func (m *Manager) Close(ctx context.Context) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.closeAll(ctx)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return validationError(fmt.Sprintf("invalid device name %q", name))
	}
	return nil
}
