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

// This file contains the glue between packet capture libraries and this one.

package pcapcarver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pcap "github.com/akrennmair/gopcap"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DefaultFilter is the BPF filter installed on libpcap handles.
const DefaultFilter = "tcp or udp"

// LiveLabel is the ledger source label for packets read off a device.
const LiveLabel = "live-capture"

// ErrReadTimeout is returned by a live Source when no packet arrived within
// its read timeout.  Callers should simply read again.
var ErrReadTimeout = errors.New("packet read timeout")

// Source produces raw frames.  ReadFrame returns io.EOF once an offline
// capture is exhausted.
type Source interface {
	ReadFrame() (data []byte, ts time.Time, err error)
	LinkType() layers.LinkType
	// Label names the source in the index ledger.
	Label() string
	Close() error
}

// Sizer is implemented by sources that read a capture file of known size.
type Sizer interface {
	CaptureSize() int64
}

// PcapSource reads frames from a libpcap handle.
type PcapSource struct {
	h     *pcap.Pcap
	label string
	size  int64
}

// OpenLive opens device for capture, promiscuously, with a one second read
// timeout.  An empty filter means DefaultFilter.
func OpenLive(device string, snaplen int32, filter string) (*PcapSource, error) {
	h, err := pcap.Openlive(device, snaplen, true, 1000)
	if h == nil {
		return nil, fmt.Errorf("opening device %s: %v", device, err)
	}
	s := &PcapSource{h: h, label: LiveLabel}
	if err := s.setFilter(filter); err != nil {
		h.Close()
		return nil, err
	}
	cvlogf(logInfo, nil, "capturing on %s", device)
	return s, nil
}

// OpenOffline opens a capture file through libpcap.  An empty filter means
// DefaultFilter.
func OpenOffline(file, filter string) (*PcapSource, error) {
	h, err := pcap.Openoffline(file)
	if h == nil {
		return nil, fmt.Errorf("opening capture %s: %v", file, err)
	}
	s := &PcapSource{h: h, label: file}
	if fi, err := os.Stat(file); err == nil {
		s.size = fi.Size()
	} else {
		cvlogf(logWarning, nil, "can't stat %s, progress will be unavailable: %v", file, err)
	}
	if err := s.setFilter(filter); err != nil {
		h.Close()
		return nil, err
	}
	return s, nil
}

func (s *PcapSource) setFilter(filter string) error {
	if filter == "" {
		filter = DefaultFilter
	}
	if err := s.h.Setfilter(filter); err != nil {
		return fmt.Errorf("installing filter %q: %v", filter, err)
	}
	return nil
}

// ReadFrame implements Source.
func (s *PcapSource) ReadFrame() ([]byte, time.Time, error) {
	pkt, res := s.h.NextEx()
	switch res {
	case 1:
		if pkt == nil {
			return nil, time.Time{}, ErrReadTimeout
		}
		return pkt.Data, pkt.Time, nil
	case 0:
		return nil, time.Time{}, ErrReadTimeout
	case -2:
		return nil, time.Time{}, io.EOF
	}
	return nil, time.Time{}, fmt.Errorf("reading packet: %v", s.h.Geterror())
}

// LinkType implements Source.
func (s *PcapSource) LinkType() layers.LinkType {
	return layers.LinkType(s.h.Datalink())
}

// Label implements Source.
func (s *PcapSource) Label() string {
	return s.label
}

// CaptureSize implements Sizer.  It is zero for live captures.
func (s *PcapSource) CaptureSize() int64 {
	return s.size
}

// CaptureStats returns libpcap's received and dropped counters.
func (s *PcapSource) CaptureStats() (received, dropped, ifDropped uint32, err error) {
	st, err := s.h.Getstats()
	if err != nil {
		return 0, 0, 0, err
	}
	return st.PacketsReceived, st.PacketsDropped, st.PacketsIfDropped, nil
}

// Close implements Source.
func (s *PcapSource) Close() error {
	s.h.Close()
	return nil
}

// FileSource reads a pcap or pcapng file without libpcap.
type FileSource struct {
	f     *os.File
	label string
	size  int64
	lt    layers.LinkType
	next  func() ([]byte, time.Time, error)
}

// OpenFile opens a pcap or pcapng capture file, detected from its magic
// number.
func OpenFile(file string) (*FileSource, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening capture %s: %w", file, err)
	}
	s, err := NewFileSource(f, file)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.f = f
	if fi, err := f.Stat(); err == nil {
		s.size = fi.Size()
	}
	return s, nil
}

// pcapng section header block type.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// NewFileSource reads a pcap or pcapng stream from r, labelled label in the
// index ledger.
func NewFileSource(r io.Reader, label string) (*FileSource, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("reading capture header: %w", err)
	}
	s := &FileSource{label: label}
	if string(magic) == string(ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("reading pcapng header: %w", err)
		}
		s.lt = ng.LinkType()
		s.next = func() ([]byte, time.Time, error) {
			data, ci, err := ng.ReadPacketData()
			return data, ci.Timestamp, err
		}
		return s, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("reading pcap header: %w", err)
	}
	s.lt = pr.LinkType()
	s.next = func() ([]byte, time.Time, error) {
		data, ci, err := pr.ReadPacketData()
		return data, ci.Timestamp, err
	}
	return s, nil
}

// ReadFrame implements Source.
func (s *FileSource) ReadFrame() ([]byte, time.Time, error) {
	data, ts, err := s.next()
	if err == io.ErrUnexpectedEOF {
		cvlogf(logWarning, nil, "capture %s ends in a truncated record", s.label)
		err = io.EOF
	}
	return data, ts, err
}

// LinkType implements Source.
func (s *FileSource) LinkType() layers.LinkType {
	return s.lt
}

// Label implements Source.
func (s *FileSource) Label() string {
	return s.label
}

// CaptureSize implements Sizer.
func (s *FileSource) CaptureSize() int64 {
	return s.size
}

// Close implements Source.
func (s *FileSource) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}
