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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	modbus "github.com/edgeo-scada/modbus-sim"
	"github.com/edgeo-scada/modbus-sim/device"
)

type deviceSummary struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Port    int    `json:"port"`
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
	Units   int    `json:"units"`
	Addr    string `json:"addr,omitempty"`
}

type deviceDetail struct {
	deviceSummary
	Spec device.DeviceSpec `json:"spec"`
}

type dataPointView struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Unit              string            `json:"unit"`
	Type              device.DataType   `json:"type"`
	AccessMode        device.AccessMode `json:"accessMode"`
	Areas             []device.DataArea `json:"areas"`
	Address           uint16            `json:"address"`
	Length            int               `json:"length"`
	Value             device.Value      `json:"value"`
	SimulationEnabled bool              `json:"simulationEnabled"`
	SimulationRunning bool              `json:"simulationRunning"`
}

type writeValueRequest struct {
	Value json.RawMessage `json:"value"`
	Force bool            `json:"force"`
}

type addUnitRequest struct {
	UnitID int `json:"unitId"`
}

func summarize(name string, d *device.Device) deviceSummary {
	s := deviceSummary{
		Name:    name,
		ID:      d.ID(),
		Port:    d.Port(),
		Enabled: d.Enabled(),
		State:   d.State().String(),
		Units:   len(d.Units()),
	}
	if addr := d.Addr(); addr != nil {
		s.Addr = addr.String()
	}
	return s
}

func viewDataPoint(dp *device.DataPoint) dataPointView {
	return dataPointView{
		ID:                dp.ID(),
		Name:              dp.Name(),
		Unit:              dp.UnitLabel(),
		Type:              dp.Type(),
		AccessMode:        dp.AccessMode(),
		Areas:             dp.Areas(),
		Address:           dp.Address(),
		Length:            dp.Length(),
		Value:             dp.Value(),
		SimulationEnabled: dp.SimulationEnabled(),
		SimulationRunning: dp.SimulationRunning(),
	}
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrUnitNotFound),
		errors.Is(err, device.ErrDataPointNotFound):
		return http.StatusNotFound
	case errors.Is(err, device.ErrDeviceExists),
		errors.Is(err, device.ErrAlreadyRunning),
		errors.Is(err, device.ErrNotRunning),
		errors.Is(err, device.ErrAddressInUse),
		errors.Is(err, device.ErrSimulationRunning):
		return http.StatusConflict
	case errors.Is(err, device.ErrStartTimeout):
		return http.StatusGatewayTimeout
	case device.IsValidation(err),
		errors.Is(err, device.ErrInvalidSpec),
		errors.Is(err, device.ErrInvalidValue),
		errors.Is(err, device.ErrSimulationUnsupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error()}
	var verr *device.ValidationError
	if errors.As(err, &verr) {
		body["problems"] = verr.Problems
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()))
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) lookupDevice(c *gin.Context) (*device.Device, bool) {
	name := c.Param("name")
	d, ok := s.manager.Device(name)
	if !ok {
		s.fail(c, fmt.Errorf("%w: %q", device.ErrDeviceNotFound, name))
	}
	return d, ok
}

func (s *Server) lookupUnit(c *gin.Context) (*device.Device, *device.Unit, bool) {
	d, ok := s.lookupDevice(c)
	if !ok {
		return nil, nil, false
	}
	id, err := strconv.Atoi(c.Param("unit"))
	if err != nil || id < int(device.MinUnitID) || id > int(device.MaxUnitID) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid unit id %q", c.Param("unit"))})
		return nil, nil, false
	}
	u, ok := d.Unit(modbus.UnitID(id))
	if !ok {
		s.fail(c, fmt.Errorf("%w: %d", device.ErrUnitNotFound, id))
		return nil, nil, false
	}
	return d, u, true
}

func (s *Server) lookupDataPoint(c *gin.Context) (*device.Device, *device.DataPoint, bool) {
	d, u, ok := s.lookupUnit(c)
	if !ok {
		return nil, nil, false
	}
	dp, ok := u.DataPoint(c.Param("dp"))
	if !ok {
		s.fail(c, fmt.Errorf("%w: %q", device.ErrDataPointNotFound, c.Param("dp")))
		return nil, nil, false
	}
	return d, dp, true
}

func (s *Server) reload(c *gin.Context) {
	messages := s.manager.LoadDevices(c.Request.Context(), true)
	c.JSON(http.StatusOK, gin.H{"messages": messages, "devices": s.manager.Names()})
}

func (s *Server) listDevices(c *gin.Context) {
	names := s.manager.Names()
	out := make([]deviceSummary, 0, len(names))
	for _, name := range names {
		if d, ok := s.manager.Device(name); ok {
			out = append(out, summarize(name, d))
		}
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

func (s *Server) getDevice(c *gin.Context) {
	d, ok := s.lookupDevice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, deviceDetail{
		deviceSummary: summarize(c.Param("name"), d),
		Spec:          d.Spec(),
	})
}

// putDevice creates a device from a JSON document and saves it. An enabled
// device is started; a failed start is reported but keeps the device.
func (s *Server) putDevice(c *gin.Context) {
	name := c.Param("name")
	if s.manager.HasDevice(name) {
		s.fail(c, fmt.Errorf("%w: %q", device.ErrDeviceExists, name))
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec, err := device.ParseDeviceSpec(body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := device.NewDevice(*spec, s.manager.Options()...)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.manager.AddDevice(name, d); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.manager.SaveDevice(name); err != nil {
		s.fail(c, err)
		return
	}

	resp := gin.H{}
	if err := d.StartAllEnabledSimulations(); err != nil {
		resp["simulationError"] = err.Error()
	}
	if d.Enabled() {
		if err := d.Start(c.Request.Context()); err != nil {
			resp["startError"] = err.Error()
		}
	}
	resp["device"] = summarize(name, d)
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) deleteDevice(c *gin.Context) {
	if err := s.manager.DeleteDevice(c.Request.Context(), c.Param("name")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) saveDevice(c *gin.Context) {
	if err := s.manager.SaveDevice(c.Param("name")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": s.manager.Path(c.Param("name"))})
}

func (s *Server) control(c *gin.Context, op func(*device.Device) error) {
	d, ok := s.lookupDevice(c)
	if !ok {
		return
	}
	if err := op(d); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(c.Param("name"), d))
}

func (s *Server) startDevice(c *gin.Context) {
	s.control(c, func(d *device.Device) error { return d.Start(c.Request.Context()) })
}

func (s *Server) stopDevice(c *gin.Context) {
	s.control(c, func(d *device.Device) error { return d.Stop(c.Request.Context()) })
}

// enableDevice and disableDevice persist the flag as well.
func (s *Server) enableDevice(c *gin.Context) {
	s.control(c, func(d *device.Device) error {
		if err := d.Enable(c.Request.Context()); err != nil {
			return err
		}
		return s.manager.SaveDevice(c.Param("name"))
	})
}

func (s *Server) disableDevice(c *gin.Context) {
	s.control(c, func(d *device.Device) error {
		if err := d.Disable(c.Request.Context()); err != nil {
			return err
		}
		return s.manager.SaveDevice(c.Param("name"))
	})
}

func (s *Server) deviceLogs(c *gin.Context) {
	d, ok := s.lookupDevice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": d.Log().Entries()})
}

func (s *Server) addUnit(c *gin.Context) {
	d, ok := s.lookupDevice(c)
	if !ok {
		return
	}
	var req addUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UnitID < int(device.MinUnitID) || req.UnitID > int(device.MaxUnitID) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unit id %d out of range", req.UnitID)})
		return
	}
	u, err := d.AddUnit(modbus.UnitID(req.UnitID))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, u.Spec())
}

func (s *Server) deleteUnit(c *gin.Context) {
	d, u, ok := s.lookupUnit(c)
	if !ok {
		return
	}
	if err := d.DeleteUnit(u.ID()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) addDataPoint(c *gin.Context) {
	d, u, ok := s.lookupUnit(c)
	if !ok {
		return
	}
	var spec device.DataPointSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dp, err := device.NewDataPoint(spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := u.AddDataPoint(dp); err != nil {
		s.fail(c, err)
		return
	}
	if dp.SimulationEnabled() {
		if err := dp.StartSimulation(d.SimulationInterval()); err != nil {
			s.logger.Warn("simulation not started", slog.String("datapoint", dp.ID()), slog.String("error", err.Error()))
		}
	}
	c.JSON(http.StatusCreated, viewDataPoint(dp))
}

func (s *Server) getDataPoint(c *gin.Context) {
	_, dp, ok := s.lookupDataPoint(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewDataPoint(dp))
}

// putDataPoint writes a value. Without force, a data point lacking write
// access answers 403 and keeps its value.
func (s *Server) putDataPoint(c *gin.Context) {
	_, dp, ok := s.lookupDataPoint(c)
	if !ok {
		return
	}
	var req writeValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Value) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}
	v, err := device.ParseValue(dp.Type(), req.Value)
	if err != nil {
		s.fail(c, err)
		return
	}
	written, err := dp.SetValue(v, req.Force)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !written {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("data point %q is %s", dp.ID(), dp.AccessMode())})
		return
	}
	c.JSON(http.StatusOK, viewDataPoint(dp))
}

func (s *Server) deleteDataPoint(c *gin.Context) {
	_, u, ok := s.lookupUnit(c)
	if !ok {
		return
	}
	if err := u.DeleteDataPoint(c.Param("dp")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) enableSimulation(c *gin.Context) {
	d, dp, ok := s.lookupDataPoint(c)
	if !ok {
		return
	}
	if err := dp.EnableSimulation(d.SimulationInterval()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewDataPoint(dp))
}

func (s *Server) disableSimulation(c *gin.Context) {
	_, dp, ok := s.lookupDataPoint(c)
	if !ok {
		return
	}
	dp.DisableSimulation()
	c.JSON(http.StatusOK, viewDataPoint(dp))
}
