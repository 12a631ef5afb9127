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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectInt64(t *testing.T, reader sdkmetric.Reader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					got[m.Name] = dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					got[m.Name] = dp.Value
				}
			}
		}
	}
	return got
}

func TestRegisterMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	stats := NewStats()
	sessions := 5
	_, err := RegisterMetrics(provider.Meter(MeterName), stats, func() int { return sessions })
	require.NoError(t, err)

	stats.addPacket(60)
	stats.addPacket(40)
	stats.addFile(carveEpoch)
	stats.addPacketError()
	got := collectInt64(t, reader)
	assert.Equal(t, int64(2), got["pcapcarver.packets"])
	assert.Equal(t, int64(100), got["pcapcarver.bytes"])
	assert.Equal(t, int64(1), got["pcapcarver.files"])
	assert.Equal(t, int64(1), got["pcapcarver.packet.errors"])
	assert.Equal(t, int64(0), got["pcapcarver.packets.dropped"])
	assert.Equal(t, int64(5), got["pcapcarver.sessions"])

	sessions = 2
	stats.addPacket(1)
	got = collectInt64(t, reader)
	assert.Equal(t, int64(3), got["pcapcarver.packets"])
	assert.Equal(t, int64(2), got["pcapcarver.sessions"])
}

func TestRegisterMetricsWithoutSessions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	reg, err := RegisterMetrics(provider.Meter(MeterName), NewStats(), nil)
	require.NoError(t, err)
	got := collectInt64(t, reader)
	_, ok := got["pcapcarver.sessions"]
	assert.False(t, ok)
	assert.Contains(t, got, "pcapcarver.packets")
	require.NoError(t, reg.Unregister())
}
