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
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
)

// Notifier is told about every carved file.
type Notifier interface {
	Notify(ctx context.Context, rec Record) error
}

// NotifierFunc allows a function to implement Notifier.
type NotifierFunc func(ctx context.Context, rec Record) error

// Notify implements Notifier by calling f.
func (f NotifierFunc) Notify(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// DefaultSubject is the NATS subject records are published on.
const DefaultSubject = "pcapcarver.files"

// NATSNotifier publishes records as JSON on a NATS subject.  Trace context
// from the ctx passed to Notify travels in the message headers.
type NATSNotifier struct {
	Subject string
	nc      *nats.Conn
}

// NewNATSNotifier connects to the NATS server at url.  An empty subject
// means DefaultSubject.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("pcapcarver"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return newNATSNotifier(nc, subject), nil
}

func newNATSNotifier(nc *nats.Conn, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{Subject: subject, nc: nc}
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, rec Record) error {
	msg, err := n.message(ctx, rec)
	if err != nil {
		return err
	}
	return n.nc.PublishMsg(msg)
}

func (n *NATSNotifier) message(ctx context.Context, rec Record) (*nats.Msg, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	hdr := nats.Header{}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(hdr))
	hdr.Set("Pcapcarver-Run", rec.RunID)
	return &nats.Msg{Subject: n.Subject, Data: data, Header: hdr}, nil
}

// Close flushes pending records and closes the connection.
func (n *NATSNotifier) Close() error {
	err := n.nc.Flush()
	n.nc.Close()
	return err
}
