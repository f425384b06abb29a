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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Server answers Modbus TCP requests on one listener with a Handler.
// Requests on a connection are served in order; connections are served
// concurrently. A closed Server cannot be reused.
type Server struct {
	handler Handler
	opts    *serverOptions
	metrics *ServerMetrics
	logger  *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer creates a server for handler.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(o)
	}

	metrics := o.metrics
	if metrics == nil {
		metrics = NewServerMetrics()
	}

	return &Server{
		handler: handler,
		opts:    o,
		metrics: metrics,
		logger:  o.logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// Serve accepts connections on listener until Close is called. It returns nil
// after Close and ErrServerClosed when the server was closed before Serve.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("modbus server listening", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept failed", slog.String("error", err.Error()))
			continue
		}

		if !s.track(conn) {
			s.logger.Warn("connection limit reached",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Int("max", s.opts.maxConns))
			conn.Close()
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetKeepAlive(true)
			tcp.SetKeepAlivePeriod(30 * time.Second)
			tcp.SetNoDelay(true)
		}

		go s.serveConn(conn)
	}
}

// track registers conn unless the connection limit is reached.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.maxConns > 0 && len(s.conns) >= s.opts.maxConns {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.metrics.ActiveConns.Add(1)
	s.metrics.TotalConns.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.metrics.ActiveConns.Add(-1)
	s.mu.Unlock()
	s.wg.Done()
}

// Close stops the listener, drops every client connection and waits for
// their goroutines to return.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("modbus server stopped")
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) serveConn(conn net.Conn) {
	remote := slog.String("remote", conn.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in connection handler", remote,
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		s.untrack(conn)
	}()

	s.logger.Debug("connection accepted", remote)

	for !s.closed.Load() {
		if s.opts.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.idleTimeout))
		}

		req, err := ReadFrame(conn)
		if err != nil {
			var netErr net.Error
			// EOF and idle timeouts end a connection normally
			if !errors.Is(err, io.EOF) && !(errors.As(err, &netErr) && netErr.Timeout()) && !s.closed.Load() {
				s.logger.Debug("read failed", remote, slog.String("error", err.Error()))
			}
			return
		}

		s.metrics.RequestsTotal.Add(1)
		resp := s.process(req)

		buf, err := resp.MarshalBinary()
		if err == nil {
			if s.opts.idleTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(s.opts.idleTimeout))
			}
			_, err = conn.Write(buf)
		}
		if err != nil {
			s.metrics.RequestsErrors.Add(1)
			s.logger.Debug("write failed", remote, slog.String("error", err.Error()))
			return
		}
		s.metrics.RequestsSuccess.Add(1)
	}
}

// process answers one frame. Every outcome, exceptions included, is a
// response frame for the same transaction and unit.
func (s *Server) process(req *Frame) *Frame {
	start := time.Now()

	var fc FunctionCode
	if len(req.PDU) > 0 {
		fc = FunctionCode(req.PDU[0])
	}

	pdu, exception := s.respond(req.UnitID, req.PDU)
	s.metrics.observe(fc, exception, time.Since(start))

	return &Frame{TransactionID: req.TransactionID, UnitID: req.UnitID, PDU: pdu}
}

func (s *Server) respond(unitID UnitID, pdu []byte) ([]byte, bool) {
	r, err := DecodeRequest(pdu)
	if err != nil {
		var mbErr *ModbusError
		if rec, ok := s.handler.(RejectRecorder); ok && errors.As(err, &mbErr) {
			rec.Rejected(unitID, pdu, mbErr)
		}
	} else {
		s.logger.Debug("request",
			slog.Uint64("unit", uint64(unitID)),
			slog.String("func", r.Function.String()),
			slog.Uint64("addr", uint64(r.Address)),
			slog.Uint64("qty", uint64(r.Quantity)))

		var resp *Response
		if resp, err = s.dispatch(unitID, r); err == nil {
			return encodeResponse(r, resp), false
		}
	}

	code, ok := ExceptionOf(err)
	if !ok {
		s.logger.Error("handler failed",
			slog.Uint64("unit", uint64(unitID)),
			slog.String("error", err.Error()))
	}
	var fc FunctionCode
	if len(pdu) > 0 {
		fc = FunctionCode(pdu[0])
	}
	return NewModbusError(fc, code).PDU(), true
}

// dispatch calls the handler method of r's function code and checks the
// size of the data it returns.
func (s *Server) dispatch(unitID UnitID, r *Request) (*Response, error) {
	var (
		resp Response
		err  error
	)

	switch r.Function {
	case FuncReadCoils:
		resp.Coils, err = s.handler.ReadCoils(unitID, r.Address, r.Quantity)
	case FuncReadDiscreteInputs:
		resp.Coils, err = s.handler.ReadDiscreteInputs(unitID, r.Address, r.Quantity)
	case FuncReadHoldingRegisters:
		resp.Registers, err = s.handler.ReadHoldingRegisters(unitID, r.Address, r.Quantity)
	case FuncReadInputRegisters:
		resp.Registers, err = s.handler.ReadInputRegisters(unitID, r.Address, r.Quantity)
	case FuncWriteSingleCoil:
		err = s.handler.WriteSingleCoil(unitID, r.Address, r.Coils[0])
	case FuncWriteSingleRegister:
		err = s.handler.WriteSingleRegister(unitID, r.Address, r.Registers[0])
	case FuncWriteMultipleCoils:
		err = s.handler.WriteMultipleCoils(unitID, r.Address, r.Coils)
	case FuncWriteMultipleRegisters:
		err = s.handler.WriteMultipleRegisters(unitID, r.Address, r.Registers)
	}
	if err != nil {
		return nil, err
	}

	if r.Function.IsRead() {
		n := len(resp.Registers)
		if r.Function.IsBit() {
			n = len(resp.Coils)
		}
		if n != int(r.Quantity) {
			return nil, fmt.Errorf("%s returned %d items for quantity %d", r.Function, n, r.Quantity)
		}
	}
	return &resp, nil
}
