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

// Package metrics exports emulator state to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	modbus "github.com/edgeo-scada/modbus-sim"
	"github.com/edgeo-scada/modbus-sim/device"
)

const namespace = "modbus_sim"

// DeviceSource lists the devices to export. *device.Manager satisfies it.
type DeviceSource interface {
	Devices() []*device.Device
}

// Collector reads server counters and data point values at scrape time.
type Collector struct {
	source DeviceSource

	requests         *prometheus.Desc
	requestErrors    *prometheus.Desc
	exceptions       *prometheus.Desc
	functionRequests *prometheus.Desc
	duration         *prometheus.Desc
	activeConns      *prometheus.Desc
	running          *prometheus.Desc
	datapointValue   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over source.
func NewCollector(source DeviceSource) *Collector {
	return &Collector{
		source: source,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_total"),
			"Modbus requests received by the device server.",
			[]string{"device"}, nil),
		requestErrors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "request_errors_total"),
			"Responses the device server failed to write.",
			[]string{"device"}, nil),
		exceptions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "exceptions_total"),
			"Modbus exception responses sent by the device server.",
			[]string{"device"}, nil),
		functionRequests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "function_requests_total"),
			"Modbus requests by function code.",
			[]string{"device", "function"}, nil),
		duration: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "request_duration_seconds"),
			"Time spent answering Modbus requests.",
			[]string{"device", "function"}, nil),
		activeConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_connections"),
			"Open client connections.",
			[]string{"device"}, nil),
		running: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "device_running"),
			"1 while the device listener is serving.",
			[]string{"device"}, nil),
		datapointValue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "datapoint_value"),
			"Current value of numeric and Bool data points.",
			[]string{"device", "unit", "datapoint"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.requestErrors
	ch <- c.exceptions
	ch <- c.functionRequests
	ch <- c.duration
	ch <- c.activeConns
	ch <- c.running
	ch <- c.datapointValue
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.source.Devices() {
		name := d.Filename()
		if name == "" {
			name = d.ID()
		}
		m := d.Metrics()

		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(m.RequestsTotal.Value()), name)
		ch <- prometheus.MustNewConstMetric(c.requestErrors, prometheus.CounterValue, float64(m.RequestsErrors.Value()), name)
		ch <- prometheus.MustNewConstMetric(c.exceptions, prometheus.CounterValue, float64(m.Exceptions.Value()), name)
		ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(m.ActiveConns.Value()), name)
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, boolFloat(d.Running()), name)

		m.RangeFunctions(func(fc modbus.FunctionCode, fm *modbus.FunctionMetrics) {
			ch <- prometheus.MustNewConstMetric(c.functionRequests, prometheus.CounterValue,
				float64(fm.Requests.Value()), name, fc.String())
			count, sum, buckets := fm.Latency.Snapshot()
			ch <- prometheus.MustNewConstHistogram(c.duration, count, sum, buckets, name, fc.String())
		})

		for _, u := range d.Units() {
			unit := strconv.Itoa(int(u.ID()))
			for _, dp := range u.DataPoints() {
				if !dp.HasReadAccess() {
					continue
				}
				v, ok := dp.Value().Number()
				if !ok {
					continue
				}
				ch <- prometheus.MustNewConstMetric(c.datapointValue, prometheus.GaugeValue, v, name, unit, dp.ID())
			}
		}
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
