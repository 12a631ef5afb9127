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

// This file contains the output directory writer and its index ledger.

package pcapcarver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Record describes one carved file.  Its String form is a line of the index
// ledger.
type Record struct {
	RunID  string    `json:"run_id"`
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
	Key    FlowKey   `json:"-"`
	Src    string    `json:"src"`
	Dst    string    `json:"dst"`
	Ext    string    `json:"ext"`
	File   string    `json:"file"`
}

// String renders the ledger line:
//
//	source, 2006-01-02T15:04:05.<usec>Z, a.b.c.d.port, a.b.c.d.port, <pid>-NNNNNN.ext
//
// Microseconds are printed without padding.
func (r Record) String() string {
	t := r.Time.UTC()
	return fmt.Sprintf("%s, %s.%dZ, %s, %s, %s",
		r.Source, t.Format("2006-01-02T15:04:05"), t.Nanosecond()/1000, r.Src, r.Dst, r.File)
}

// Output creates carved files in a directory and appends a line per file to
// the directory's index ledger.  Files are named <pid>-NNNNNN.<ext> from a
// counter shared by every worker.  An Output is safe for concurrent use.
type Output struct {
	Dir    string
	Source string
	// Identifies this run in published records.
	RunID string
	// Optional; told about every record after it is written to the ledger.
	Notifier Notifier

	pid        int
	mu         sync.Mutex
	counter    uint64
	ledger     io.WriteCloser
	ledgerPath string
}

// NewOutput creates dir if needed and opens its ledger, <pid>-index.txt.
// source labels records, normally LiveLabel or the capture file name.
func NewOutput(dir, source string) (*Output, error) {
	return newOutput(dir, source, os.Getpid())
}

func newOutput(dir, source string, pid int) (*Output, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-index.txt", pid))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening index file: %w", err)
	}
	o := &Output{
		Dir:        dir,
		Source:     source,
		RunID:      uuid.NewString(),
		pid:        pid,
		ledger:     f,
		ledgerPath: path,
	}
	cvlogf(logInfo, logrus.Fields{"dir": dir, "index": path, "run": o.RunID}, "output initialized")
	return o, nil
}

// LedgerPath returns the path of the index ledger.
func (o *Output) LedgerPath() string {
	return o.ledgerPath
}

// Files returns how many file names have been handed out.
func (o *Output) Files() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counter
}

// Open implements Opener.  The file is created exclusively, so an existing
// file is never overwritten.  A failed open still consumes its number.
func (o *Output) Open(sig *Signature, key FlowKey, ts time.Time) (io.WriteCloser, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counter++
	name := fmt.Sprintf("%d-%06d.%s", o.pid, o.counter, sig.Ext)
	f, err := os.OpenFile(filepath.Join(o.Dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, name, err
	}
	src, dst := key.Endpoints()
	rec := Record{
		RunID:  o.RunID,
		Source: o.Source,
		Time:   ts,
		Key:    key,
		Src:    src.String(),
		Dst:    dst.String(),
		Ext:    sig.Ext,
		File:   name,
	}
	if _, err := io.WriteString(o.ledger, rec.String()+"\n"); err != nil {
		cvlogf(logError, logrus.Fields{"file": name}, "writing index record: %v", err)
	}
	if o.Notifier != nil {
		o.notify(rec)
	}
	cvlogf(logDebug, logrus.Fields{"file": name, "flow": key.String()}, "opened output file")
	return f, name, nil
}

// notify publishes rec inside a span, so the trace context travels with it.
func (o *Output) notify(rec Record) {
	ctx, span := tracer().Start(context.Background(), "pcapcarver.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("pcapcarver.file", rec.File),
			attribute.String("pcapcarver.ext", rec.Ext),
			attribute.String("pcapcarver.run", rec.RunID),
		))
	defer span.End()
	if err := o.Notifier.Notify(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		cvlogf(logWarning, logrus.Fields{"file": rec.File}, "publishing index record: %v", err)
	}
}

// Close closes the ledger.  Open must not be called afterwards.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ledger.Close()
}
