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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/bongole/pcapcarver"
	"github.com/sirupsen/logrus"
)

var filter *string = flag.String("filter", pcapcarver.DefaultFilter, "BPF filter for packet capture")
var interfaceName *string = flag.String("interface", "eth0", "Interface to pcap")
var captureFile *string = flag.String("file", "", "Capture file to read instead of an interface")
var signatureFile *string = flag.String("signatures", "", "Signature file; a small built-in set is used if empty")
var maxPackets *int64 = flag.Int64("packets", -1, "Max packets to process")
var workers *int = flag.Int("workers", runtime.NumCPU(), "Number of carving workers")
var dropWhenFull *bool = flag.Bool("drop_when_full", true, "Drop packets when a worker falls behind")
var goMaxProcs *int = flag.Int("go_max_procs", runtime.NumCPU(), "GOMAXPROCS to set for Go.")

const builtinSignatures = `
gif(3000000, GIF8\?a, \x00\x3b);
jpg(20000000, \xff\xd8\xff, \xff\xd9);
png(20000000, \x89PNG\r\n\x1a\n, IEND\xae\x42\x60\x82);
pdf(20000000, %PDF, %EOF);
zip(20000000, PK\x03\x04);
`

// limitSource stops a Source after a fixed number of frames.
type limitSource struct {
	pcapcarver.Source
	left int64
}

func (s *limitSource) ReadFrame() ([]byte, time.Time, error) {
	if s.left == 0 {
		return nil, time.Time{}, io.EOF
	}
	s.left--
	return s.Source.ReadFrame()
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }

func loadTrie() (*pcapcarver.Trie, error) {
	var r io.Reader = strings.NewReader(builtinSignatures)
	if *signatureFile != "" {
		f, err := os.Open(*signatureFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	specs, err := pcapcarver.ParseSignatureFile(r)
	if err != nil {
		return nil, err
	}
	return pcapcarver.Compile(specs)
}

func main() {
	flag.Parse()
	runtime.GOMAXPROCS(*goMaxProcs)
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	pcapcarver.SetLogger(log)

	trie, err := loadTrie()
	if err != nil {
		log.Fatal("signatures: ", err)
	}
	var src pcapcarver.Source
	var live *pcapcarver.PcapSource
	if *captureFile != "" {
		src, err = pcapcarver.OpenFile(*captureFile)
	} else {
		live, err = pcapcarver.OpenLive(*interfaceName, 65535, *filter)
		src = live
	}
	if err != nil {
		log.Fatal("opening source: ", err)
	}
	defer src.Close()
	if *maxPackets >= 0 {
		src = &limitSource{Source: src, left: *maxPackets}
	}

	// Matches are carved into a sink so only search and bookkeeping are timed.
	opener := pcapcarver.OpenerFunc(func(sig *pcapcarver.Signature, key pcapcarver.FlowKey, ts time.Time) (io.WriteCloser, string, error) {
		return discard{}, sig.Ext, nil
	})
	multiplexer := pcapcarver.NewMultiplexer(trie, opener, *workers)
	multiplexer.DropWhenFull = *dropWhenFull
	fmt.Println("Starting benchmark")
	startTime := time.Now()
	if err := multiplexer.Run(context.Background(), src); err != nil {
		log.Error("run: ", err)
	}
	multiplexer.Close()
	endTime := time.Now()

	fmt.Println("--- STATS ---")
	fmt.Println("  Run time:                     ", endTime.Sub(startTime))
	if live != nil {
		received, dropped, ifDropped, err := live.CaptureStats()
		if err != nil {
			log.Fatal("pcap stats error: ", err)
		}
		fmt.Println("  -- PCAP --")
		fmt.Println("  Packets received:             ", received)
		fmt.Println("  Packets dropped:              ", dropped)
		fmt.Println("  Packets dropped by interface: ", ifDropped)
	}
	ss := multiplexer.Stats.Snapshot()
	fmt.Println("  -- Multiplexer --")
	fmt.Println("  Packets processed:            ", ss.Packets)
	fmt.Println("  Packets dropped (full buffer):", ss.PacketsDropped)
	fmt.Println("  Packets dropped (decode fail):", ss.PacketErrors)
	fmt.Println("  Bytes processed:              ", ss.Bytes)
	fmt.Println("  Sessions evicted:             ", ss.SessionsEvicted)
	fmt.Println("  Signature matches:            ", ss.FilesExtracted)
	if secs := endTime.Sub(startTime).Seconds(); secs > 0 {
		fmt.Printf("  Throughput:                    %.0f packets/s\n", float64(ss.Packets)/secs)
	}
}
