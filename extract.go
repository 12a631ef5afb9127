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

// This file contains the extraction state machine that turns matches into
// writes on output files.

package pcapcarver

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Opener creates the output for a new extraction.  It returns the writer
// along with a name for logs and the index ledger.
type Opener interface {
	Open(sig *Signature, key FlowKey, ts time.Time) (io.WriteCloser, string, error)
}

// OpenerFunc allows a function to implement Opener.
type OpenerFunc func(sig *Signature, key FlowKey, ts time.Time) (io.WriteCloser, string, error)

// Open implements Opener by calling f.
func (f OpenerFunc) Open(sig *Signature, key FlowKey, ts time.Time) (io.WriteCloser, string, error) {
	return f(sig, key, ts)
}

// Extraction is one file being carved out of a flow.
type Extraction struct {
	Sig  *Signature
	Name string
	out  io.WriteCloser
	// Segment of the current payload to write, [start, end).
	start, end int
	written    uint64
	finished   bool
}

// Written returns the number of bytes written so far.
func (e *Extraction) Written() uint64 {
	return e.written
}

// Finished reports whether the extraction will be closed at the next sweep.
func (e *Extraction) Finished() bool {
	return e.finished
}

// ResourceError reports an output that could not be opened.
type ResourceError struct {
	Sig *Signature
	Key FlowKey
	Err error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return fmt.Sprintf("opening %s output for %v: %v", e.Sig.Ext, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResourceError) Unwrap() error {
	return e.Err
}

// WriteError reports a failed or short write to an output.
type WriteError struct {
	Name      string
	Want, Got int
	Err       error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("writing %d bytes to %s: wrote %d: %v", e.Want, e.Name, e.Got, e.Err)
	}
	return fmt.Sprintf("writing %d bytes to %s: short write of %d", e.Want, e.Name, e.Got)
}

// Unwrap returns the underlying error.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// Extractor applies one payload's matches to a flow's extractions.  Errors
// on this path never stop processing; they are counted in Stats and logged.
type Extractor struct {
	Opener Opener
	Stats  *Stats
}

// Apply runs the extraction passes over one payload of flow f, in order:
// cap existing extractions at their signature's maximum length, open an
// extraction per header match, end the nearest open extraction per footer
// match, write each extraction's segment, and close finished extractions.
func (x *Extractor) Apply(f *Flow, matches []Match, payload []byte, ts time.Time) {
	x.clamp(f, len(payload))
	for _, m := range matches {
		if m.Role == Header {
			x.open(f, m, len(payload), ts)
		}
	}
	for _, m := range matches {
		if m.Role == Footer {
			markFooter(f, m)
		}
	}
	x.write(f, payload)
	x.Sweep(f)
}

// clamp limits every extraction carried over from earlier payloads to its
// remaining length budget.
func (x *Extractor) clamp(f *Flow, n int) {
	for _, e := range f.extractions {
		e.start, e.end = 0, n
		var remaining uint64
		if e.Sig.MaxLen > e.written {
			remaining = e.Sig.MaxLen - e.written
		}
		if remaining < uint64(n) {
			e.end = int(remaining)
			e.finished = true
		}
	}
}

func (x *Extractor) open(f *Flow, m Match, n int, ts time.Time) {
	out, name, err := x.Opener.Open(m.Sig, f.Key, ts)
	if err != nil {
		x.Stats.addExtractionError()
		rerr := &ResourceError{Sig: m.Sig, Key: f.Key, Err: err}
		cvlogf(logError, logrus.Fields{"flow": f.Key.String(), "ext": m.Sig.Ext}, "%v", rerr)
		return
	}
	e := &Extraction{Sig: m.Sig, Name: name, out: out, end: n}
	if m.Start > 0 {
		e.start = m.Start
	}
	// Header bytes that went by in an earlier payload were never written, so
	// the cap counts from the first byte that will be.
	if avail := uint64(n - e.start); m.Sig.MaxLen <= avail {
		e.end = e.start + int(m.Sig.MaxLen)
		e.finished = true
	}
	f.extractions = append(f.extractions, e)
	x.Stats.addFile(ts)
	cvlogf(logInfo, logrus.Fields{"flow": f.Key.String(), "ext": m.Sig.Ext, "file": name}, "extraction opened")
}

// markFooter ends the most recently opened extraction of the footer's
// signature id whose segment in this payload starts before the footer does.
// An extraction carried over from an earlier payload starts at 0 here.
func markFooter(f *Flow, m Match) {
	for i := len(f.extractions) - 1; i >= 0; i-- {
		e := f.extractions[i]
		if e.Sig.ID != m.Sig.ID || e.start >= m.Start {
			continue
		}
		// May run past the signature's maximum length.
		e.end = m.End
		e.finished = true
		return
	}
}

func (x *Extractor) write(f *Flow, payload []byte) {
	for _, e := range f.extractions {
		if e.end <= e.start {
			continue
		}
		seg := payload[e.start:e.end]
		n, err := e.out.Write(seg)
		if err == nil && n < len(seg) {
			err = io.ErrShortWrite
		}
		if err != nil {
			x.Stats.addExtractionError()
			werr := &WriteError{Name: e.Name, Want: len(seg), Got: n, Err: err}
			cvlogf(logError, logrus.Fields{"flow": f.Key.String(), "file": e.Name}, "%v", werr)
			continue
		}
		e.written += uint64(n)
	}
}

// Sweep closes and drops every finished extraction of f.  Calling it again
// without new payload does nothing.
func (x *Extractor) Sweep(f *Flow) {
	live := f.extractions[:0]
	for _, e := range f.extractions {
		if e.finished {
			x.closeExtraction(f, e)
			continue
		}
		live = append(live, e)
	}
	for i := len(live); i < len(f.extractions); i++ {
		f.extractions[i] = nil
	}
	f.extractions = live
}

// CloseAll closes every extraction of f, finished or not.
func (x *Extractor) CloseAll(f *Flow) {
	for i, e := range f.extractions {
		x.closeExtraction(f, e)
		f.extractions[i] = nil
	}
	f.extractions = f.extractions[:0]
}

func (x *Extractor) closeExtraction(f *Flow, e *Extraction) {
	if err := e.out.Close(); err != nil {
		x.Stats.addExtractionError()
		cvlogf(logError, logrus.Fields{"flow": f.Key.String(), "file": e.Name}, "closing extraction: %v", err)
		return
	}
	cvlogf(logDebug, logrus.Fields{"flow": f.Key.String(), "file": e.Name, "bytes": e.written}, "extraction closed")
}
