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

// This file contains documentation for the pcapcarver package.

/*
Package pcapcarver carves files out of live or captured TCP and UDP traffic
by matching configured byte signatures, without reassembling streams.

A set of signatures is compiled once into a Trie.  Every payload of a flow is
searched byte by byte; partial matches survive to the next payload of the
same flow, so a file header split across two packets is still found.  When a
header matches, an output file is opened and the rest of the payload,
along with the payloads that follow on that flow, is appended to it until
the signature's maximum length is reached or a matching footer is seen.
Bytes that went by before a header was recognized are never revisited, and
out-of-order or lost packets are written as they arrive.

Library users set up a Source (a libpcap handle through OpenLive or
OpenOffline, or a pure-Go capture file reader through OpenFile), and pass
it to a Multiplexer's Run method.  The Multiplexer decodes frames, keys them
by four-tuple, and hands each flow to one of its worker Carvers.

Example (see the working implementation in tools/pcapcarve/main.go):

	trie, err := pcapcarver.Compile([]pcapcarver.SignatureSpec{
		{ID: 1, Ext: "jpg", MaxLen: 1 << 20, Pattern: `\xff\xd8\xff`, Role: pcapcarver.Header},
		{ID: 1, Ext: "jpg", MaxLen: 1 << 20, Pattern: `\xff\xd9`, Role: pcapcarver.Footer},
	})
	...
	src, err := pcapcarver.OpenFile("capture.pcap")
	...
	out, err := pcapcarver.NewOutput("carved", src.Label())
	...
	m := pcapcarver.NewMultiplexer(trie, out, runtime.NumCPU())
	err = m.Run(ctx, src)
	m.Close()
	out.Close()

Each carved file is recorded in the output directory's index ledger,
<pid>-index.txt, as a line naming the source, the capture time, both
endpoints and the file.
*/
package pcapcarver
