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
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgeo-scada/modbus-sim/device"
)

// Snapshot is one websocket frame: every readable value of a device.
type Snapshot struct {
	Device string       `json:"device"`
	State  string       `json:"state"`
	Time   time.Time    `json:"time"`
	Values []PointValue `json:"values"`
}

// PointValue is the current value of one data point.
type PointValue struct {
	Unit      int             `json:"unit"`
	DataPoint string          `json:"datapoint"`
	Type      device.DataType `json:"type"`
	Value     device.Value    `json:"value"`
}

func snapshot(name string, d *device.Device) Snapshot {
	snap := Snapshot{
		Device: name,
		State:  d.State().String(),
		Time:   time.Now(),
		Values: []PointValue{},
	}
	for _, u := range d.Units() {
		for _, dp := range u.DataPoints() {
			if !dp.HasReadAccess() {
				continue
			}
			snap.Values = append(snap.Values, PointValue{
				Unit:      int(u.ID()),
				DataPoint: dp.ID(),
				Type:      dp.Type(),
				Value:     dp.Value(),
			})
		}
	}
	return snap
}

// stream pushes a snapshot right away and then every stream interval until
// the client goes away.
func (s *Server) stream(c *gin.Context) {
	name := c.Param("name")
	d, ok := s.lookupDevice(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(snapshot(name, d)); err != nil {
			s.logger.Debug("websocket closed", slog.String("device", name), slog.String("error", err.Error()))
			return
		}
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

