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

// Package publish mirrors data point values to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgeo-scada/modbus-sim/device"
)

// DeviceSource lists the devices to mirror. *device.Manager satisfies it.
type DeviceSource interface {
	Devices() []*device.Device
}

// Options configures a Publisher.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Interval    time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Message is the JSON payload of one data point.
type Message struct {
	Device    string          `json:"device"`
	Unit      int             `json:"unit"`
	DataPoint string          `json:"datapoint"`
	Type      device.DataType `json:"type"`
	Value     device.Value    `json:"value"`
	Label     string          `json:"label,omitempty"`
	Time      time.Time       `json:"time"`
}

// Publisher periodically publishes every readable data point as a retained
// QoS 0 message on <prefix>/<device>/<unit>/<datapoint>.
type Publisher struct {
	client mqtt.Client
	source DeviceSource
	opts   Options
	logger *slog.Logger
}

// New creates a publisher. Call Connect before Run.
func New(source DeviceSource, opts Options) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("publish: broker is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.TopicPrefix = strings.Trim(opts.TopicPrefix, "/")
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetConnectTimeout(opts.Timeout).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true)

	return &Publisher{
		client: mqtt.NewClient(clientOpts),
		source: source,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "mqtt")),
	}, nil
}

// Connect opens the broker session.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.opts.Timeout) {
		return fmt.Errorf("publish: connect %s: timeout", p.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: connect %s: %w", p.opts.Broker, err)
	}
	p.logger.Info("connected to broker", slog.String("broker", p.opts.Broker))
	return nil
}

// Run publishes every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if err := p.PublishOnce(); err != nil {
			p.logger.Warn("publish failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PublishOnce publishes the current value of every readable data point.
// It returns the joined errors of the failed publications.
func (p *Publisher) PublishOnce() error {
	now := time.Now()
	var errs []error
	for _, d := range p.source.Devices() {
		name := d.Filename()
		if name == "" {
			name = d.ID()
		}
		for _, u := range d.Units() {
			for _, dp := range u.DataPoints() {
				if !dp.HasReadAccess() {
					continue
				}
				msg := Message{
					Device:    name,
					Unit:      int(u.ID()),
					DataPoint: dp.ID(),
					Type:      dp.Type(),
					Value:     dp.Value(),
					Label:     dp.UnitLabel(),
					Time:      now,
				}
				if err := p.publish(Topic(p.opts.TopicPrefix, name, msg.Unit, msg.DataPoint), msg); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) publish(topic string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s: %w", topic, err)
	}
	token := p.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(p.opts.Timeout) {
		return fmt.Errorf("%s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", topic, err)
	}
	return nil
}

// Close disconnects, waiting up to 250ms for pending work.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// Topic builds the topic of one data point.
func Topic(prefix, deviceName string, unit int, dataPoint string) string {
	parts := []string{deviceName, strconv.Itoa(unit), dataPoint}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, "/")
}
