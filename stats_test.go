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

package pcapcarver

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCounters(t *testing.T) {
	s := NewStats()
	start := s.Snapshot().Start
	s.addPacket(100)
	s.addPacket(50)
	s.addPacketError()
	s.addExtractionError()
	s.addFile(carveEpoch)
	s.addEvicted(3)
	s.addDropped()

	ss := s.Snapshot()
	assert.Equal(t, uint64(2), ss.Packets)
	assert.Equal(t, uint64(150), ss.Bytes)
	assert.Equal(t, uint64(1), ss.PacketErrors)
	assert.Equal(t, uint64(1), ss.ExtractionErrors)
	assert.Equal(t, uint64(1), ss.FilesExtracted)
	assert.Equal(t, carveEpoch, ss.LastExtraction)
	assert.Equal(t, uint64(3), ss.SessionsEvicted)
	assert.Equal(t, uint64(1), ss.PacketsDropped)

	s.Reset()
	assert.Equal(t, StatsSnapshot{Start: start}, s.Snapshot())
}

func TestNilStats(t *testing.T) {
	var s *Stats
	s.addPacket(10)
	s.addFile(carveEpoch)
	s.Reset()
	assert.Equal(t, StatsSnapshot{}, s.Snapshot())
}

func TestUptime(t *testing.T) {
	ss := StatsSnapshot{Start: carveEpoch}
	days, hours, mins, secs := ss.Uptime(carveEpoch.Add(49*time.Hour + 3*time.Minute + 4*time.Second))
	assert.Equal(t, []int{2, 1, 3, 4}, []int{days, hours, mins, secs})
	days, hours, mins, secs = ss.Uptime(carveEpoch.Add(-time.Hour))
	assert.Equal(t, []int{0, 0, 0, 0}, []int{days, hours, mins, secs})
}

func TestReport(t *testing.T) {
	ss := StatsSnapshot{
		Start:          carveEpoch,
		Packets:        1234567,
		Bytes:          2048,
		FilesExtracted: 2,
		LastExtraction: carveEpoch.Add(time.Minute),
	}
	var buf bytes.Buffer
	require.NoError(t, ss.Report(&buf, carveEpoch.Add(time.Hour+5*time.Second), 42, 4096))
	out := buf.String()
	assert.Contains(t, out, "statistics\n")
	assert.Contains(t, out, "running time:           1 hour 0 minutes 5 seconds \n")
	assert.Contains(t, out, "number of sessions:     42\n")
	assert.Contains(t, out, "packets churned:        1,234,567\n")
	assert.Contains(t, out, "bytes churned:          2,048 (2.0 kB)\n")
	assert.Contains(t, out, "approximate progress:   50.00%\n")
	assert.Contains(t, out, "last extraction:        59 minutes ago\n")

	buf.Reset()
	require.NoError(t, StatsSnapshot{Start: carveEpoch}.Report(&buf, carveEpoch, 0, 0))
	assert.NotContains(t, buf.String(), "approximate progress")
	assert.Contains(t, buf.String(), "last extraction:        never\n")
	assert.Contains(t, buf.String(), "running time:           0 seconds \n")
}
