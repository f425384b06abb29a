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
	"sync"
	"time"

	modbus "github.com/edgeo-scada/modbus-sim"
)

// DefaultLogCapacity is the number of request records a device keeps.
const DefaultLogCapacity = 100

// LogEntry records the outcome of one dispatched request. Area is zero for
// rejected function codes that address no area.
type LogEntry struct {
	Time     time.Time     `json:"time"`
	Unit     modbus.UnitID `json:"unit"`
	Function string        `json:"function"`
	Area     DataArea      `json:"area,omitempty"`
	Address  uint16        `json:"address"`
	Count    int           `json:"count"`
	Values   []uint16      `json:"values,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// RequestLog is a fixed capacity ring of log entries. The oldest entry is
// dropped when the log is full.
type RequestLog struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewRequestLog creates a log holding at most capacity entries.
func NewRequestLog(capacity int) *RequestLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &RequestLog{entries: make([]LogEntry, capacity)}
}

// Append adds an entry.
func (l *RequestLog) Append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns the retained entries, oldest first.
func (l *RequestLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]LogEntry(nil), l.entries[:l.next]...)
	}
	out := make([]LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Len returns the number of retained entries.
func (l *RequestLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Clear drops every entry.
func (l *RequestLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.next = 0
	l.full = false
}
