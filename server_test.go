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
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// tableHandler serves a single unit backed by flat tables.
type tableHandler struct {
	mu        sync.Mutex
	unit      UnitID
	coils     []bool
	registers []uint16
}

func newTableHandler(unit UnitID) *tableHandler {
	return &tableHandler{
		unit:      unit,
		coils:     make([]bool, 16),
		registers: make([]uint16, 16),
	}
}

func (h *tableHandler) check(unitID UnitID, fc FunctionCode, addr, qty uint16, size int) error {
	if unitID != h.unit {
		return NewModbusError(fc, ExceptionGatewayTargetDeviceFailedToRespond)
	}
	if int(addr)+int(qty) > size {
		return NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return nil
}

func (h *tableHandler) ReadCoils(unitID UnitID, addr, qty uint16) ([]bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(unitID, FuncReadCoils, addr, qty, len(h.coils)); err != nil {
		return nil, err
	}
	return append([]bool(nil), h.coils[addr:addr+qty]...), nil
}

func (h *tableHandler) ReadDiscreteInputs(unitID UnitID, addr, qty uint16) ([]bool, error) {
	return nil, errors.New("discrete inputs unavailable")
}

func (h *tableHandler) WriteSingleCoil(unitID UnitID, addr uint16, value bool) error {
	return h.WriteMultipleCoils(unitID, addr, []bool{value})
}

func (h *tableHandler) WriteMultipleCoils(unitID UnitID, addr uint16, values []bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(unitID, FuncWriteMultipleCoils, addr, uint16(len(values)), len(h.coils)); err != nil {
		return err
	}
	copy(h.coils[addr:], values)
	return nil
}

func (h *tableHandler) ReadHoldingRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(unitID, FuncReadHoldingRegisters, addr, qty, len(h.registers)); err != nil {
		return nil, err
	}
	return append([]uint16(nil), h.registers[addr:addr+qty]...), nil
}

func (h *tableHandler) ReadInputRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error) {
	return h.ReadHoldingRegisters(unitID, addr, qty)
}

func (h *tableHandler) WriteSingleRegister(unitID UnitID, addr, value uint16) error {
	return h.WriteMultipleRegisters(unitID, addr, []uint16{value})
}

func (h *tableHandler) WriteMultipleRegisters(unitID UnitID, addr uint16, values []uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(unitID, FuncWriteMultipleRegisters, addr, uint16(len(values)), len(h.registers)); err != nil {
		return err
	}
	copy(h.registers[addr:], values)
	return nil
}

// startServer serves h on a loopback port and returns a connected client.
func startServer(t *testing.T, h Handler, opts ...ServerOption) (*Server, net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	server := NewServer(h, opts...)
	done := make(chan error, 1)
	go func() { done <- server.Serve(listener) }()

	conn, err := net.DialTimeout("tcp", listener.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	t.Cleanup(func() {
		conn.Close()
		server.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
	return server, conn
}

func TestNewServer(t *testing.T) {
	server := NewServer(newTableHandler(1))
	if server == nil {
		t.Fatal("NewServer returned nil")
	}
	if server.Metrics() == nil {
		t.Fatal("server should create its own metrics")
	}

	shared := NewServerMetrics()
	server = NewServer(newTableHandler(1), WithMetrics(shared))
	if server.Metrics() != shared {
		t.Error("WithMetrics should be used as the server metrics")
	}
}

func TestServer_WriteThenReadRegisters(t *testing.T) {
	_, conn := startServer(t, newTableHandler(1))

	if _, err := RoundTrip(conn, 1, 1, WriteRegistersRequest(2, 0x0001, 0x86A0)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	resp, err := RoundTrip(conn, 2, 1, ReadRequest(FuncReadHoldingRegisters, 2, 2))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(resp.Registers) != 2 || resp.Registers[0] != 0x0001 || resp.Registers[1] != 0x86A0 {
		t.Errorf("expected [0x0001 0x86A0], got %04X", resp.Registers)
	}
}

func TestServer_Coils(t *testing.T) {
	_, conn := startServer(t, newTableHandler(1))

	if _, err := RoundTrip(conn, 1, 1, WriteCoilsRequest(3, true)); err != nil {
		t.Fatalf("write coil failed: %v", err)
	}
	if _, err := RoundTrip(conn, 2, 1, WriteCoilsRequest(6, true, true)); err != nil {
		t.Fatalf("write coils failed: %v", err)
	}

	resp, err := RoundTrip(conn, 3, 1, ReadRequest(FuncReadCoils, 0, 8))
	if err != nil {
		t.Fatalf("read coils failed: %v", err)
	}
	for i, c := range resp.Coils {
		if c != (i == 3 || i == 6 || i == 7) {
			t.Errorf("coil %d: got %v", i, c)
		}
	}
}

func TestServer_Exceptions(t *testing.T) {
	_, conn := startServer(t, newTableHandler(1))

	tests := []struct {
		name string
		unit UnitID
		pdu  []byte
		want ExceptionCode
	}{
		{"unknown unit", 9, []byte{0x03, 0x00, 0x00, 0x00, 0x01}, ExceptionGatewayTargetDeviceFailedToRespond},
		{"out of range", 1, []byte{0x03, 0x00, 0x0F, 0x00, 0x02}, ExceptionIllegalDataAddress},
		{"zero quantity", 1, []byte{0x03, 0x00, 0x00, 0x00, 0x00}, ExceptionIllegalDataValue},
		{"bad coil value", 1, []byte{0x05, 0x00, 0x00, 0x12, 0x34}, ExceptionIllegalDataValue},
		{"unsupported function", 1, []byte{0x08, 0x00, 0x00}, ExceptionIllegalFunction},
		{"handler failure", 1, []byte{0x02, 0x00, 0x00, 0x00, 0x01}, ExceptionServerDeviceFailure},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := exchange(conn, &Frame{TransactionID: uint16(i + 1), UnitID: tt.unit, PDU: tt.pdu})
			if err != nil {
				t.Fatalf("exchange failed: %v", err)
			}
			want := []byte{tt.pdu[0] | 0x80, byte(tt.want)}
			if !bytes.Equal(resp.PDU, want) {
				t.Errorf("expected % X, got % X", want, resp.PDU)
			}
			if resp.UnitID != tt.unit {
				t.Errorf("unit: expected %d, got %d", tt.unit, resp.UnitID)
			}
		})
	}

	// A decoded exception surfaces as a *ModbusError.
	if _, err := RoundTrip(conn, 100, 1, ReadRequest(FuncReadHoldingRegisters, 15, 2)); !IsIllegalDataAddress(err) {
		t.Errorf("expected illegal data address, got %v", err)
	}
}

func TestServer_Metrics(t *testing.T) {
	metrics := NewServerMetrics()
	_, conn := startServer(t, newTableHandler(1), WithMetrics(metrics))

	if _, err := RoundTrip(conn, 1, 1, ReadRequest(FuncReadHoldingRegisters, 0, 1)); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if _, err := RoundTrip(conn, 2, 1, ReadRequest(FuncReadHoldingRegisters, 20, 1)); !IsIllegalDataAddress(err) {
		t.Fatalf("expected illegal data address, got %v", err)
	}

	if got := metrics.RequestsTotal.Value(); got != 2 {
		t.Errorf("RequestsTotal: expected 2, got %d", got)
	}
	if got := metrics.Exceptions.Value(); got != 1 {
		t.Errorf("Exceptions: expected 1, got %d", got)
	}
	fm := metrics.ForFunction(FuncReadHoldingRegisters)
	if fm.Requests.Value() != 2 || fm.Exceptions.Value() != 1 {
		t.Errorf("per-function metrics: requests=%d exceptions=%d",
			fm.Requests.Value(), fm.Exceptions.Value())
	}
	if count, _, _ := fm.Latency.Snapshot(); count != 2 {
		t.Errorf("latency observations: expected 2, got %d", count)
	}
	if got := metrics.ActiveConns.Value(); got != 1 {
		t.Errorf("ActiveConns: expected 1, got %d", got)
	}
}

func TestServer_MaxConnections(t *testing.T) {
	server, conn := startServer(t, newTableHandler(1), WithMaxConnections(1))

	if _, err := RoundTrip(conn, 1, 1, ReadRequest(FuncReadCoils, 0, 1)); err != nil {
		t.Fatalf("first connection: %v", err)
	}

	extra, err := net.DialTimeout("tcp", server.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer extra.Close()
	extra.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := RoundTrip(extra, 1, 1, ReadRequest(FuncReadCoils, 0, 1)); err == nil {
		t.Error("connection over the limit should be dropped")
	}
	if got := server.ActiveConnections(); got != 1 {
		t.Errorf("ActiveConnections: expected 1, got %d", got)
	}
}

func TestServerAddr(t *testing.T) {
	server := NewServer(newTableHandler(1))

	// Before listening, Addr should be nil
	if server.Addr() != nil {
		t.Error("Addr should be nil before listening")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	expectedAddr := listener.Addr()

	go server.Serve(listener)
	defer server.Close()

	deadline := time.Now().Add(time.Second)
	for server.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	addr := server.Addr()
	if addr == nil {
		t.Error("Addr should not be nil after listening")
	} else if addr.String() != expectedAddr.String() {
		t.Errorf("Addr mismatch: expected %s, got %s", expectedAddr, addr)
	}
}

func TestServer_CloseBeforeServe(t *testing.T) {
	server := NewServer(newTableHandler(1))
	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := server.Serve(listener); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}

	// The listener must have been released.
	if _, err := listener.Accept(); err == nil {
		t.Error("listener should be closed")
	}
}

type rejectingHandler struct {
	*tableHandler
	mu       sync.Mutex
	rejected []ExceptionCode
}

func (h *rejectingHandler) Rejected(unitID UnitID, pdu []byte, err *ModbusError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, err.ExceptionCode)
}

func TestServer_RejectRecorder(t *testing.T) {
	h := &rejectingHandler{tableHandler: newTableHandler(1)}
	_, conn := startServer(t, h)

	for i, pdu := range [][]byte{
		{0x08, 0x00, 0x00},
		{0x03, 0x00, 0x00, 0x00, 0x00},
		{0x03, 0x00, 0x0F, 0x00, 0x02}, // decodes; refused by the handler
	} {
		if _, err := exchange(conn, &Frame{TransactionID: uint16(i + 1), UnitID: 1, PDU: pdu}); err != nil {
			t.Fatalf("exchange failed: %v", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	want := []ExceptionCode{ExceptionIllegalFunction, ExceptionIllegalDataValue}
	if len(h.rejected) != len(want) || h.rejected[0] != want[0] || h.rejected[1] != want[1] {
		t.Errorf("expected rejections %v, got %v", want, h.rejected)
	}
}
