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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgeo-scada/modbus-sim/device"
)

const plcDocument = `{
  "id": "plc-1",
  "enabled": false,
  "port": %d,
  "endian": "BigEndian",
  "name": "PLC",
  "vendor": "Edgeo",
  "description": "line 1",
  "units": [{
    "unitId": 1,
    "dataPoints": [
      {"id": "speed", "areas": ["HoldingRegister"], "type": "UInt16", "address": 0,
       "accessMode": "ReadWrite", "defaultValue": 1200, "name": "Speed", "unit": "rpm"},
      {"id": "temp", "areas": ["InputRegister"], "type": "Float32", "address": 0,
       "accessMode": "ReadOnly", "defaultValue": 20.5, "name": "Temp", "unit": "C",
       "simulation": {"enabled": false, "minValue": 10, "maxValue": 30}}
    ]
  }]
}`

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestServer(t *testing.T) (*Server, *device.Manager) {
	t.Helper()
	dir := t.TempDir()
	doc := fmt.Sprintf(plcDocument, freePort(t))
	if err := os.WriteFile(filepath.Join(dir, "plc.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := device.NewManager(dir,
		device.WithLogger(logger),
		device.WithListenHost("127.0.0.1"),
		device.WithSimulationInterval(5*time.Millisecond))
	m.LoadDevices(context.Background(), false)
	t.Cleanup(func() { m.Close(context.Background()) })

	return New(m, WithLogger(logger), WithStreamInterval(10*time.Millisecond)), m
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
}

func TestListAndGetDevices(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Devices []deviceSummary `json:"devices"`
	}
	decode(t, w, &list)
	if len(list.Devices) != 1 || list.Devices[0].Name != "plc" || list.Devices[0].State != "Stopped" {
		t.Errorf("unexpected device list: %+v", list.Devices)
	}

	w = do(t, s, http.MethodGet, "/api/devices/plc", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"description":"line 1"`) {
		t.Errorf("unexpected device detail %d: %s", w.Code, w.Body.String())
	}

	if w := do(t, s, http.MethodGet, "/api/devices/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device: expected 404, got %d", w.Code)
	}
}

func TestPutDevice(t *testing.T) {
	s, m := newTestServer(t)
	doc := fmt.Sprintf(plcDocument, freePort(t))

	w := do(t, s, http.MethodPut, "/api/devices/second", doc)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(m.Path("second")); err != nil {
		t.Errorf("document should be saved: %v", err)
	}

	if w := do(t, s, http.MethodPut, "/api/devices/second", doc); w.Code != http.StatusConflict {
		t.Errorf("existing name: expected 409, got %d", w.Code)
	}

	bad := strings.Replace(doc, `"unitId": 1`, `"unitId": 0`, 1)
	w = do(t, s, http.MethodPut, "/api/devices/third", bad)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "unit id 0") {
		t.Errorf("invalid document: expected 400 naming the unit, got %d: %s", w.Code, w.Body.String())
	}
	if m.HasDevice("third") {
		t.Error("invalid document must not register a device")
	}

	if w := do(t, s, http.MethodDelete, "/api/devices/second", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", w.Code)
	}
	if _, err := os.Stat(m.Path("second")); !os.IsNotExist(err) {
		t.Errorf("document should be removed")
	}
}

func TestDataPointValues(t *testing.T) {
	s, _ := newTestServer(t)
	base := "/api/devices/plc/units/1/datapoints/"

	w := do(t, s, http.MethodGet, base+"speed", "")
	var view struct {
		Value json.Number `json:"value"`
		Type  string      `json:"type"`
	}
	decode(t, w, &view)
	if view.Value.String() != "1200" || view.Type != "UInt16" {
		t.Errorf("unexpected speed view: %s", w.Body.String())
	}

	if w := do(t, s, http.MethodPut, base+"speed", `{"value": 1500}`); w.Code != http.StatusOK {
		t.Errorf("write: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodPut, base+"speed", `{"value": "fast"}`); w.Code != http.StatusBadRequest {
		t.Errorf("wrong value type: expected 400, got %d", w.Code)
	}
	if w := do(t, s, http.MethodPut, base+"temp", `{"value": 25}`); w.Code != http.StatusForbidden {
		t.Errorf("read-only without force: expected 403, got %d", w.Code)
	}
	w = do(t, s, http.MethodPut, base+"temp", `{"value": 25, "force": true}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"value":25`) {
		t.Errorf("forced write: expected 200 with value 25, got %d: %s", w.Code, w.Body.String())
	}

	if w := do(t, s, http.MethodGet, base+"missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown data point: expected 404, got %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/devices/plc/units/9/datapoints/speed", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown unit: expected 404, got %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/devices/plc/units/x/datapoints/speed", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad unit id: expected 400, got %d", w.Code)
	}
}

func TestUnitAndDataPointCRUD(t *testing.T) {
	s, m := newTestServer(t)

	if w := do(t, s, http.MethodPost, "/api/devices/plc/units", `{"unitId": 2}`); w.Code != http.StatusCreated {
		t.Fatalf("add unit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodPost, "/api/devices/plc/units", `{"unitId": 2}`); w.Code != http.StatusBadRequest {
		t.Errorf("duplicate unit: expected 400, got %d", w.Code)
	}

	dp := `{"id": "flow", "areas": ["HoldingRegister"], "type": "Int32", "address": 10, "accessMode": "ReadWrite", "defaultValue": -5}`
	if w := do(t, s, http.MethodPost, "/api/devices/plc/units/2/datapoints", dp); w.Code != http.StatusCreated {
		t.Fatalf("add data point: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	overlap := `{"id": "other", "areas": ["HoldingRegister"], "type": "UInt16", "address": 11, "accessMode": "ReadWrite"}`
	w := do(t, s, http.MethodPost, "/api/devices/plc/units/2/datapoints", overlap)
	var body struct {
		Problems []string `json:"problems"`
	}
	decode(t, w, &body)
	if w.Code != http.StatusBadRequest || len(body.Problems) != 1 || !strings.Contains(body.Problems[0], "address 11") {
		t.Errorf("overlap: expected 400 with one problem, got %d: %s", w.Code, w.Body.String())
	}

	d, _ := m.Device("plc")
	regs, err := d.Read(device.HoldingRegister, 2, 10, 2)
	if err != nil || regs[0] != 0xFFFF || regs[1] != 0xFFFB {
		t.Errorf("new data point should be served, got %04X (%v)", regs, err)
	}

	if w := do(t, s, http.MethodDelete, "/api/devices/plc/units/2/datapoints/flow", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete data point: expected 204, got %d", w.Code)
	}
	if w := do(t, s, http.MethodDelete, "/api/devices/plc/units/2", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete unit: expected 204, got %d", w.Code)
	}
}

func TestSimulationToggle(t *testing.T) {
	s, m := newTestServer(t)
	base := "/api/devices/plc/units/1/datapoints/temp/simulation/"

	if w := do(t, s, http.MethodPost, base+"enable", ""); w.Code != http.StatusOK {
		t.Fatalf("enable: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	d, _ := m.Device("plc")
	u, _ := d.Unit(1)
	temp, _ := u.DataPoint("temp")
	if !temp.SimulationEnabled() || !temp.SimulationRunning() {
		t.Error("simulation should be enabled and running")
	}

	if w := do(t, s, http.MethodPost, base+"disable", ""); w.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d", w.Code)
	}
	if temp.SimulationEnabled() || temp.SimulationRunning() {
		t.Error("simulation should be disabled and stopped")
	}
}

func TestServerControl(t *testing.T) {
	s, m := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/devices/plc/start", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"state":"Running"`) {
		t.Fatalf("start: expected running, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodPost, "/api/devices/plc/start", ""); w.Code != http.StatusConflict {
		t.Errorf("second start: expected 409, got %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/devices/plc/stop", ""); w.Code != http.StatusOK {
		t.Errorf("stop: expected 200, got %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/devices/plc/stop", ""); w.Code != http.StatusConflict {
		t.Errorf("second stop: expected 409, got %d", w.Code)
	}

	if w := do(t, s, http.MethodPost, "/api/devices/plc/enable", ""); w.Code != http.StatusOK {
		t.Fatalf("enable: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data, err := os.ReadFile(m.Path("plc"))
	if err != nil || !strings.Contains(string(data), `"enabled": true`) {
		t.Errorf("enable should persist the flag, got %s (%v)", data, err)
	}
	if w := do(t, s, http.MethodPost, "/api/devices/plc/disable", ""); w.Code != http.StatusOK {
		t.Errorf("disable: expected 200, got %d", w.Code)
	}
}

func TestLogsAndMetrics(t *testing.T) {
	s, m := newTestServer(t)
	d, _ := m.Device("plc")
	d.Read(device.HoldingRegister, 1, 0, 1)
	d.Read(device.HoldingRegister, 7, 0, 1)

	w := do(t, s, http.MethodGet, "/api/devices/plc/logs", "")
	var logs struct {
		Entries []device.LogEntry `json:"entries"`
	}
	decode(t, w, &logs)
	if len(logs.Entries) != 2 || logs.Entries[1].Error == "" {
		t.Errorf("expected two entries with the second failing, got %+v", logs.Entries)
	}

	w = do(t, s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	for _, want := range []string{
		`modbus_sim_device_running{device="plc"} 0`,
		`modbus_sim_datapoint_value{datapoint="speed",device="plc",unit="1"} 1200`,
	} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("metrics should contain %q", want)
		}
	}
}

func TestReload(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/reload", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "loaded plc.json") {
		t.Errorf("reload: unexpected response %d: %s", w.Code, w.Body.String())
	}
}

func TestStream(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/devices/plc/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var snap struct {
			Device string `json:"device"`
			Values []struct {
				DataPoint string `json:"datapoint"`
			} `json:"values"`
		}
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		if snap.Device != "plc" || len(snap.Values) != 2 {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	}
}
