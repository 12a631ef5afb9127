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
	"encoding/binary"
	"fmt"
	"net"

	"github.com/spaolacci/murmur3"
)

// FlowKey identifies one unidirectional TCP or UDP flow.  IPv4 addresses
// occupy the first four bytes of SrcIP and DstIP.
type FlowKey struct {
	IPVersion        byte
	SrcIP, DstIP     [16]byte
	SrcPort, DstPort uint16
}

// NewFlowKey builds a FlowKey from parsed addresses.  It reports false
// unless src and dst are both IPv4 or both IPv6.
func NewFlowKey(src, dst net.IP, srcPort, dstPort uint16) (FlowKey, bool) {
	k := FlowKey{SrcPort: srcPort, DstPort: dstPort}
	s4, d4 := src.To4(), dst.To4()
	switch {
	case s4 != nil && d4 != nil:
		k.IPVersion = 4
		copy(k.SrcIP[:4], s4)
		copy(k.DstIP[:4], d4)
	case s4 == nil && d4 == nil && len(src) == net.IPv6len && len(dst) == net.IPv6len:
		k.IPVersion = 6
		copy(k.SrcIP[:], src)
		copy(k.DstIP[:], dst)
	default:
		return k, false
	}
	return k, true
}

// Reverse returns the key of the opposite direction.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{
		IPVersion: k.IPVersion,
		SrcIP:     k.DstIP,
		DstIP:     k.SrcIP,
		SrcPort:   k.DstPort,
		DstPort:   k.SrcPort,
	}
}

// NetIPs returns the source and destination addresses.
func (k FlowKey) NetIPs() (src, dst net.IP) {
	if k.IPVersion == 4 {
		return net.IP(k.SrcIP[:4]), net.IP(k.DstIP[:4])
	}
	return net.IP(k.SrcIP[:]), net.IP(k.DstIP[:])
}

// String prints the key as src[port]->dst[port].
func (k FlowKey) String() string {
	src, dst := k.NetIPs()
	return fmt.Sprintf("%v[%v]->%v[%v]", src, k.SrcPort, dst, k.DstPort)
}

// Endpoints splits the key into its source and destination halves.
func (k FlowKey) Endpoints() (src, dst Endpoint) {
	src = Endpoint{IPVersion: k.IPVersion, IP: k.SrcIP, Port: k.SrcPort}
	dst = Endpoint{IPVersion: k.IPVersion, IP: k.DstIP, Port: k.DstPort}
	return
}

// hash spreads keys over workers.
func (k FlowKey) hash() uint32 {
	var b [37]byte
	b[0] = k.IPVersion
	copy(b[1:17], k.SrcIP[:])
	copy(b[17:33], k.DstIP[:])
	binary.BigEndian.PutUint16(b[33:35], k.SrcPort)
	binary.BigEndian.PutUint16(b[35:37], k.DstPort)
	return murmur3.Sum32(b[:])
}

// Endpoint is one address/port half of a FlowKey.
type Endpoint struct {
	IPVersion byte
	IP        [16]byte
	Port      uint16
}

// NetIP returns the address as a net.IP.
func (e Endpoint) NetIP() net.IP {
	if e.IPVersion == 4 {
		return net.IP(e.IP[:4])
	}
	return net.IP(e.IP[:])
}

// String prints the endpoint the way the index ledger does, as address.port.
func (e Endpoint) String() string {
	return fmt.Sprintf("%v.%d", e.NetIP(), e.Port)
}
