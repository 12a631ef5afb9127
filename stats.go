// Copyright 2012 Google Inc. All Rights Reserved.
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

// This file contains carving statistics shared by every worker.

package pcapcarver

import (
	"fmt"
	"io"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
)

// Stats counts what the carver has done.  It is safe for concurrent use, and
// a nil *Stats counts nothing.
type Stats struct {
	mu sync.Mutex
	s  StatsSnapshot
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Start            time.Time
	Packets          uint64
	Bytes            uint64
	FilesExtracted   uint64
	PacketErrors     uint64
	ExtractionErrors uint64
	SessionsEvicted  uint64
	// Packets dropped because a worker's queue was full.
	PacketsDropped uint64
	// Capture time of the packet that opened the latest extraction.
	LastExtraction time.Time
}

// NewStats returns zeroed statistics starting now.
func NewStats() *Stats {
	return &Stats{s: StatsSnapshot{Start: time.Now()}}
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

// Reset zeroes every counter but keeps the start time.
func (s *Stats) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.s = StatsSnapshot{Start: s.s.Start}
	s.mu.Unlock()
}

func (s *Stats) update(fn func(*StatsSnapshot)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	fn(&s.s)
	s.mu.Unlock()
}

func (s *Stats) addPacket(n int) {
	s.update(func(ss *StatsSnapshot) {
		ss.Packets++
		ss.Bytes += uint64(n)
	})
}

func (s *Stats) addPacketError() {
	s.update(func(ss *StatsSnapshot) { ss.PacketErrors++ })
}

func (s *Stats) addExtractionError() {
	s.update(func(ss *StatsSnapshot) { ss.ExtractionErrors++ })
}

func (s *Stats) addFile(ts time.Time) {
	s.update(func(ss *StatsSnapshot) {
		ss.FilesExtracted++
		ss.LastExtraction = ts
	})
}

func (s *Stats) addEvicted(n int) {
	s.update(func(ss *StatsSnapshot) { ss.SessionsEvicted += uint64(n) })
}

func (s *Stats) addDropped() {
	s.update(func(ss *StatsSnapshot) { ss.PacketsDropped++ })
}

// Uptime breaks the time since Start into whole days, hours, minutes and
// seconds.
func (ss StatsSnapshot) Uptime(now time.Time) (days, hours, mins, secs int) {
	d := now.Sub(ss.Start)
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	days = total / 86400
	hours = total % 86400 / 3600
	mins = total % 3600 / 60
	secs = total % 60
	return
}

type reportLine struct {
	label, value string
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s ", n, unit)
	}
	return fmt.Sprintf("%d %ss ", n, unit)
}

// Report writes a human readable summary of ss to w.  sessions is the number
// of live flows; captureSize, if positive, is the size of the capture file
// being read and enables a progress estimate.
func (ss StatsSnapshot) Report(w io.Writer, now time.Time, sessions int, captureSize int64) error {
	days, hours, mins, secs := ss.Uptime(now)
	running := ""
	if days > 0 {
		running += plural(days, "day")
	}
	if days > 0 || hours > 0 {
		running += plural(hours, "hour")
	}
	if days > 0 || hours > 0 || mins > 0 {
		running += plural(mins, "minute")
	}
	running += plural(secs, "second")

	lines := []reportLine{
		{"running time:", running},
		{"number of sessions:", humanize.Comma(int64(sessions))},
		{"packets churned:", humanize.Comma(int64(ss.Packets))},
		{"bytes churned:", fmt.Sprintf("%s (%s)", humanize.Comma(int64(ss.Bytes)), humanize.Bytes(ss.Bytes))},
	}
	if captureSize > 0 {
		lines = append(lines, reportLine{"approximate progress:", fmt.Sprintf("%.2f%%", float64(ss.Bytes)*100/float64(captureSize))})
	}
	last := "never"
	if !ss.LastExtraction.IsZero() {
		last = humanize.RelTime(ss.LastExtraction, now, "ago", "from now")
	}
	lines = append(lines, []reportLine{
		{"files extracted:", humanize.Comma(int64(ss.FilesExtracted))},
		{"last extraction:", last},
		{"packet errors:", humanize.Comma(int64(ss.PacketErrors))},
		{"extraction errors:", humanize.Comma(int64(ss.ExtractionErrors))},
		{"sessions evicted:", humanize.Comma(int64(ss.SessionsEvicted))},
		{"packets dropped:", humanize.Comma(int64(ss.PacketsDropped))},
	}...)

	if _, err := fmt.Fprintln(w, "statistics"); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%-24s%s\n", l.label, l.value); err != nil {
			return err
		}
	}
	return nil
}
