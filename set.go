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

// This file contains helpers for narrowing the set of flows that get carved.

package pcapcarver

// FlowFilter decides whether a flow is carved.
type FlowFilter interface {
	// MatchFlow returns true if packets of the flow should be searched.  It
	// is called for every packet with payload, so it should be cheap.
	MatchFlow(key FlowKey) bool
}

// FlowFilterFunc is a convenience function type that implements the
// FlowFilter interface.
type FlowFilterFunc func(key FlowKey) bool

// MatchFlow implements the FlowFilter interface.
func (f FlowFilterFunc) MatchFlow(key FlowKey) bool {
	return f(key)
}

// FlowFilterSlice acts as a switch{} statement for a set of filters,
// accepting a flow as soon as one of them does.  An empty slice accepts
// every flow.
type FlowFilterSlice []FlowFilter

// MatchFlow implements the FlowFilter interface.
func (set FlowFilterSlice) MatchFlow(key FlowKey) bool {
	if len(set) == 0 {
		return true
	}
	for _, filter := range set {
		if filter.MatchFlow(key) {
			return true
		}
	}
	return false
}

// PortFilter accepts flows with either port equal to Port.
type PortFilter struct {
	Port uint16
}

// MatchFlow implements the FlowFilter interface.
func (p PortFilter) MatchFlow(key FlowKey) bool {
	return key.SrcPort == p.Port || key.DstPort == p.Port
}

// PortsFilter returns a filter accepting flows on any of ports, or nil if
// ports is empty.
func PortsFilter(ports []uint16) FlowFilter {
	if len(ports) == 0 {
		return nil
	}
	set := make(FlowFilterSlice, 0, len(ports))
	for _, p := range ports {
		set = append(set, PortFilter{Port: p})
	}
	return set
}
