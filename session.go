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

// This file contains the per-flow session table.

package pcapcarver

import (
	"container/list"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionThreshold is the default idle time after which a flow is evicted.
const SessionThreshold = 30 * time.Second

// Flow is the carving state of one unidirectional four-tuple.  A Flow is
// owned by the goroutine that owns its SessionTable.
type Flow struct {
	Key      FlowKey
	LastSeen time.Time
	threads  SearchThreads
	// Open extractions, oldest first.
	extractions []*Extraction
}

// Threads returns the number of partial signature matches alive in the flow.
func (f *Flow) Threads() int {
	return f.threads.Len()
}

// Extractions returns the number of files the flow is currently writing.
func (f *Flow) Extractions() int {
	return len(f.extractions)
}

// SessionTable maps four-tuples to flows.  The most recently used flow is
// kept at the front, so bursts on one flow are found without hashing twice
// and stale flows collect at the back.  A SessionTable is not safe for
// concurrent use.
type SessionTable struct {
	// Idle time after which EvictStale drops a flow.
	Threshold time.Duration
	index     map[FlowKey]*list.Element
	mru       *list.List
}

// NewSessionTable creates an empty table.  A zero threshold means
// SessionThreshold.
func NewSessionTable(threshold time.Duration) *SessionTable {
	if threshold <= 0 {
		threshold = SessionThreshold
	}
	return &SessionTable{
		Threshold: threshold,
		index:     make(map[FlowKey]*list.Element),
		mru:       list.New(),
	}
}

// FindOrCreate returns the flow for key, creating it if needed, and marks it
// as seen at now.  The boolean is true if the flow was created.
func (st *SessionTable) FindOrCreate(key FlowKey, now time.Time) (*Flow, bool) {
	if e, ok := st.index[key]; ok {
		st.mru.MoveToFront(e)
		f := e.Value.(*Flow)
		f.LastSeen = now
		return f, false
	}
	f := &Flow{Key: key, LastSeen: now}
	st.index[key] = st.mru.PushFront(f)
	cvlogf(logPedantic, logrus.Fields{"flow": key.String()}, "new flow")
	return f, true
}

// Lookup returns the flow for key without touching its position or age.
func (st *SessionTable) Lookup(key FlowKey) (*Flow, bool) {
	e, ok := st.index[key]
	if !ok {
		return nil, false
	}
	return e.Value.(*Flow), true
}

// EvictStale removes every flow idle for at least Threshold as of now and
// returns them.  Callers close the returned flows' extractions.
func (st *SessionTable) EvictStale(now time.Time) []*Flow {
	var evicted []*Flow
	for e := st.mru.Front(); e != nil; {
		next := e.Next()
		f := e.Value.(*Flow)
		if now.Sub(f.LastSeen) >= st.Threshold {
			st.mru.Remove(e)
			delete(st.index, f.Key)
			evicted = append(evicted, f)
		}
		e = next
	}
	if len(evicted) > 0 {
		cvlogf(logDebug, logrus.Fields{"evicted": len(evicted), "kept": st.mru.Len()}, "evicted idle flows")
	}
	return evicted
}

// Drain removes and returns every flow.
func (st *SessionTable) Drain() []*Flow {
	flows := make([]*Flow, 0, st.mru.Len())
	for e := st.mru.Front(); e != nil; e = e.Next() {
		flows = append(flows, e.Value.(*Flow))
	}
	st.index = make(map[FlowKey]*list.Element)
	st.mru.Init()
	return flows
}

// Len returns the number of flows in the table.
func (st *SessionTable) Len() int {
	return st.mru.Len()
}

// Each calls fn for every flow, most recently used first.
func (st *SessionTable) Each(fn func(*Flow)) {
	for e := st.mru.Front(); e != nil; e = e.Next() {
		fn(e.Value.(*Flow))
	}
}
