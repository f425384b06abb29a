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
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is an atomic counter. Gauges use negative deltas.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Add(delta int64) { c.v.Add(delta) }
func (c *Counter) Value() int64    { return c.v.Load() }
func (c *Counter) Reset()          { c.v.Store(0) }

// LatencyBuckets are the upper bounds, in seconds, of request latency
// buckets. Emulated devices answer from memory, so they start well below
// a millisecond.
var LatencyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// Histogram counts durations into cumulative LatencyBuckets.
type Histogram struct {
	mu      sync.Mutex
	count   uint64
	sum     float64
	buckets []uint64
}

func newHistogram() *Histogram {
	return &Histogram{buckets: make([]uint64, len(LatencyBuckets))}
}

// Observe records one duration.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	i, _ := slices.BinarySearch(LatencyBuckets, sec)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += sec
	for ; i < len(h.buckets); i++ {
		h.buckets[i]++
	}
}

// Snapshot returns the observation count, the sum in seconds and the
// cumulative count per upper bound.
func (h *Histogram) Snapshot() (count uint64, sum float64, buckets map[float64]uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets = make(map[float64]uint64, len(LatencyBuckets))
	for i, bound := range LatencyBuckets {
		buckets[bound] = h.buckets[i]
	}
	return h.count, h.sum, buckets
}

func (h *Histogram) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count, h.sum = 0, 0
	clear(h.buckets)
}

// ServerMetrics counts the traffic of a server. A device passes the same
// instance to each server it starts, so the counters cover its lifetime.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter // responses that could not be written
	Exceptions      Counter
	ActiveConns     Counter
	TotalConns      Counter
	Latency         *Histogram

	mu        sync.Mutex
	functions map[FunctionCode]*FunctionMetrics
}

// FunctionMetrics counts the requests of one function code.
type FunctionMetrics struct {
	Requests   Counter
	Exceptions Counter
	Latency    *Histogram
}

// NewServerMetrics creates zeroed metrics.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		Latency:   newHistogram(),
		functions: make(map[FunctionCode]*FunctionMetrics),
	}
}

// ForFunction returns the metrics of fc, creating them on first use.
func (m *ServerMetrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	fm, ok := m.functions[fc]
	if !ok {
		fm = &FunctionMetrics{Latency: newHistogram()}
		m.functions[fc] = fm
	}
	return fm
}

func (m *ServerMetrics) observe(fc FunctionCode, exception bool, d time.Duration) {
	fm := m.ForFunction(fc)
	fm.Requests.Add(1)
	fm.Latency.Observe(d)
	m.Latency.Observe(d)
	if exception {
		fm.Exceptions.Add(1)
		m.Exceptions.Add(1)
	}
}

// RangeFunctions calls fn for every function code seen so far, in code order.
func (m *ServerMetrics) RangeFunctions(fn func(FunctionCode, *FunctionMetrics)) {
	m.mu.Lock()
	codes := make([]FunctionCode, 0, len(m.functions))
	for fc := range m.functions {
		codes = append(codes, fc)
	}
	m.mu.Unlock()

	slices.Sort(codes)
	for _, fc := range codes {
		fn(fc, m.ForFunction(fc))
	}
}

// Reset zeroes every counter except the open connection gauge.
func (m *ServerMetrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.RequestsErrors.Reset()
	m.Exceptions.Reset()
	m.TotalConns.Reset()
	m.Latency.reset()

	m.RangeFunctions(func(_ FunctionCode, fm *FunctionMetrics) {
		fm.Requests.Reset()
		fm.Exceptions.Reset()
		fm.Latency.reset()
	})
}
