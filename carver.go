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
	"time"
)

// Carver runs decoded packets through the signature trie and the extraction
// engine, keeping per-flow state in its own session table.  A Carver is
// driven by a single goroutine; the Trie, Opener and Stats it uses may be
// shared with other Carvers.
type Carver struct {
	Trie      *Trie
	Sessions  *SessionTable
	Extractor *Extractor
	Stats     *Stats
	// Optional; flows it rejects are not carved.
	Filter FlowFilter
	// Latest capture timestamp seen.  Flows age against it, so offline
	// captures age by their own clock.
	now time.Time
}

// NewCarver creates a Carver with an empty session table using the default
// idle threshold.
func NewCarver(trie *Trie, opener Opener, stats *Stats) *Carver {
	return &Carver{
		Trie:      trie,
		Sessions:  NewSessionTable(SessionThreshold),
		Extractor: &Extractor{Opener: opener, Stats: stats},
		Stats:     stats,
	}
}

// Now returns the carver's capture clock.
func (c *Carver) Now() time.Time {
	return c.now
}

// Process carves one packet.  Packets without payload are counted and
// otherwise ignored; they do not create a flow.
func (c *Carver) Process(p *Packet) {
	c.Stats.addPacket(p.CapLen)
	if p.Timestamp.After(c.now) {
		c.now = p.Timestamp
	}
	if len(p.Payload) == 0 {
		return
	}
	if c.Filter != nil && !c.Filter.MatchFlow(p.Key) {
		return
	}
	f, _ := c.Sessions.FindOrCreate(p.Key, c.now)
	matches := c.Trie.Search(&f.threads, p.Payload)
	c.Extractor.Apply(f, matches, p.Payload, p.Timestamp)
}

// Evict drops flows idle for the table's threshold as of the capture clock,
// closing their extractions.  It returns the number of flows dropped.
func (c *Carver) Evict() int {
	flows := c.Sessions.EvictStale(c.now)
	for _, f := range flows {
		c.Extractor.CloseAll(f)
	}
	c.Stats.addEvicted(len(flows))
	return len(flows)
}

// Close drops every flow, closing every open extraction.
func (c *Carver) Close() {
	for _, f := range c.Sessions.Drain() {
		c.Extractor.CloseAll(f)
	}
}
