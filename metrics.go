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

// This file contains OpenTelemetry metric export of carving statistics.

package pcapcarver

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName is the instrumentation scope of the carver's instruments.
const MeterName = "github.com/bongole/pcapcarver"

// RegisterMetrics registers observable instruments on meter that report
// stats, and the live flow count from sessions if it is not nil.  Values are
// read at collection time.
func RegisterMetrics(meter metric.Meter, stats *Stats, sessions func() int) (metric.Registration, error) {
	counter := func(name, unit, desc string) (metric.Int64ObservableCounter, error) {
		return meter.Int64ObservableCounter(name, metric.WithUnit(unit), metric.WithDescription(desc))
	}
	packets, err := counter("pcapcarver.packets", "{packet}", "Packets read from the source.")
	if err != nil {
		return nil, err
	}
	bytes, err := counter("pcapcarver.bytes", "By", "Captured bytes read from the source.")
	if err != nil {
		return nil, err
	}
	files, err := counter("pcapcarver.files", "{file}", "Files opened for extraction.")
	if err != nil {
		return nil, err
	}
	packetErrors, err := counter("pcapcarver.packet.errors", "{packet}", "Packets that failed to decode.")
	if err != nil {
		return nil, err
	}
	extractErrors, err := counter("pcapcarver.extraction.errors", "{error}", "Failed opens, writes and closes of extracted files.")
	if err != nil {
		return nil, err
	}
	evicted, err := counter("pcapcarver.sessions.evicted", "{session}", "Flows dropped after going idle.")
	if err != nil {
		return nil, err
	}
	dropped, err := counter("pcapcarver.packets.dropped", "{packet}", "Packets dropped on a full worker queue.")
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("pcapcarver.sessions",
		metric.WithUnit("{session}"), metric.WithDescription("Live flows."))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		ss := stats.Snapshot()
		o.ObserveInt64(packets, int64(ss.Packets))
		o.ObserveInt64(bytes, int64(ss.Bytes))
		o.ObserveInt64(files, int64(ss.FilesExtracted))
		o.ObserveInt64(packetErrors, int64(ss.PacketErrors))
		o.ObserveInt64(extractErrors, int64(ss.ExtractionErrors))
		o.ObserveInt64(evicted, int64(ss.SessionsEvicted))
		o.ObserveInt64(dropped, int64(ss.PacketsDropped))
		if sessions != nil {
			o.ObserveInt64(active, int64(sessions()))
		}
		return nil
	}, packets, bytes, files, packetErrors, extractErrors, evicted, dropped, active)
}

// NewMeterProvider creates a meter provider pushing to an OTLP gRPC
// collector at endpoint every interval.  Callers shut it down to flush.
func NewMeterProvider(ctx context.Context, endpoint string, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter for %s: %w", endpoint, err)
	}
	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewSchemaless(semconv.ServiceName("pcapcarver")))
	if err != nil {
		res = sdkresource.Default()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)), nil
}
