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

// This file contains the link, network and transport decoding of frames.

package pcapcarver

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	// ErrNotCarvable is returned for frames that do not carry TCP or UDP over
	// IP, such as ARP or ICMP.  Such frames are skipped without counting an
	// error.
	ErrNotCarvable = errors.New("not a TCP or UDP packet")
	// ErrUnsupportedLinkType is returned by NewDecoder for link types it
	// cannot walk.
	ErrUnsupportedLinkType = errors.New("unsupported link type")
)

// MalformedInputError reports a frame that could not be decoded.
type MalformedInputError struct {
	Len int
	Err error
}

// Error implements the error interface.
func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed %d byte frame: %v", e.Len, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *MalformedInputError) Unwrap() error {
	return e.Err
}

// Packet is one decoded TCP or UDP segment.
type Packet struct {
	Key     FlowKey
	Payload []byte
	// Capture timestamp.
	Timestamp time.Time
	// Captured frame length.
	CapLen int
}

// Decoder turns raw frames of one link type into Packets.  It reuses its
// layer storage between calls, so a Decoder must not be shared between
// goroutines and a returned Payload is only valid until the frame's buffer
// is reused by its source.
type Decoder struct {
	linkType layers.LinkType

	eth      layers.Ethernet
	sll      layers.LinuxSLL
	loopback layers.Loopback
	dot1q    layers.Dot1Q
	ip4      layers.IPv4
	ip6      layers.IPv6
	tcp      layers.TCP
	udp      layers.UDP
	payload  gopacket.Payload

	// parser starts at the link layer.  It is nil for raw IP link types,
	// where ip4 or ip6 is picked per frame from the version nibble.
	parser    *gopacket.DecodingLayerParser
	ip4Parser *gopacket.DecodingLayerParser
	ip6Parser *gopacket.DecodingLayerParser
	decoded   []gopacket.LayerType
}

// NewDecoder creates a Decoder for frames of the given link type.
func NewDecoder(lt layers.LinkType) (*Decoder, error) {
	d := &Decoder{linkType: lt, decoded: make([]gopacket.LayerType, 0, 8)}
	switch lt {
	case layers.LinkTypeEthernet:
		d.parser = d.newParser(layers.LayerTypeEthernet)
	case layers.LinkTypeLinuxSLL:
		d.parser = d.newParser(layers.LayerTypeLinuxSLL)
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		d.parser = d.newParser(layers.LayerTypeLoopback)
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		d.ip4Parser = d.newParser(layers.LayerTypeIPv4)
		d.ip6Parser = d.newParser(layers.LayerTypeIPv6)
	default:
		return nil, fmt.Errorf("link type %v: %w", lt, ErrUnsupportedLinkType)
	}
	return d, nil
}

// newParser returns a parser starting at first over the decoder's shared
// layers.
func (d *Decoder) newParser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	p := gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.sll, &d.loopback, &d.dot1q, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.payload)
	// Application layers behind well-known ports are not decoded.
	p.IgnoreUnsupported = true
	return p
}

// LinkType returns the link type the decoder was built for.
func (d *Decoder) LinkType() layers.LinkType {
	return d.linkType
}

// Decode decodes one frame.  It returns ErrNotCarvable for frames without a
// TCP or UDP segment and a *MalformedInputError for frames that cannot be
// parsed.
func (d *Decoder) Decode(data []byte, ts time.Time) (*Packet, error) {
	parser := d.parser
	if parser == nil {
		if len(data) == 0 {
			return nil, &MalformedInputError{Len: 0, Err: errors.New("empty frame")}
		}
		switch data[0] >> 4 {
		case 4:
			parser = d.ip4Parser
		case 6:
			parser = d.ip6Parser
		default:
			return nil, &MalformedInputError{Len: len(data), Err: fmt.Errorf("bad IP version %d", data[0]>>4)}
		}
	}
	if err := parser.DecodeLayers(data, &d.decoded); err != nil {
		return nil, &MalformedInputError{Len: len(data), Err: err}
	}

	var (
		haveIP  byte
		p       = &Packet{Timestamp: ts, CapLen: len(data)}
		src     []byte
		dst     []byte
		carried bool
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			haveIP, src, dst = 4, d.ip4.SrcIP, d.ip4.DstIP
		case layers.LayerTypeIPv6:
			haveIP, src, dst = 6, d.ip6.SrcIP, d.ip6.DstIP
		case layers.LayerTypeTCP:
			p.Key.SrcPort, p.Key.DstPort = uint16(d.tcp.SrcPort), uint16(d.tcp.DstPort)
			p.Payload = d.tcp.Payload
			carried = true
		case layers.LayerTypeUDP:
			p.Key.SrcPort, p.Key.DstPort = uint16(d.udp.SrcPort), uint16(d.udp.DstPort)
			p.Payload = d.udp.Payload
			carried = true
		}
	}
	if haveIP == 0 || !carried {
		return nil, ErrNotCarvable
	}
	p.Key.IPVersion = haveIP
	if haveIP == 4 {
		copy(p.Key.SrcIP[:4], src)
		copy(p.Key.DstIP[:4], dst)
	} else {
		copy(p.Key.SrcIP[:], src)
		copy(p.Key.DstIP[:], dst)
	}
	return p, nil
}
