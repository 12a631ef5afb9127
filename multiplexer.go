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

// This file contains logic for multiplexing packets onto a set of carving
// workers.

package pcapcarver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Multiplexer fans packets out to a fixed set of worker goroutines, each
// with its own Carver.  Packets are routed by a hash of their FlowKey, so
// every packet of a flow is carved by the same worker in arrival order.
//
// Exported fields may be changed until the first call to Dispatch or Run.
type Multiplexer struct {
	// Per-worker queue length.  Defaults to 1000.
	QueueSize int
	// Each worker evicts idle flows after this many packets.  Defaults to 100.
	SweepEvery int
	// Idle time after which a flow is evicted.  Defaults to SessionThreshold.
	SessionThreshold time.Duration
	// Drop packets when a worker's queue is full instead of waiting.
	DropWhenFull bool
	// Optional; flows it rejects are not carved.
	Filter FlowFilter
	Stats  *Stats

	trie     *Trie
	opener   Opener
	workers  int
	carvers  []*Carver
	queues   []chan *Packet
	sessions []atomic.Int64

	startOnce   sync.Once
	closeOnce   sync.Once
	closeWaiter sync.WaitGroup
}

// NewMultiplexer creates a Multiplexer with the given number of workers,
// all searching trie and opening outputs through opener.
func NewMultiplexer(trie *Trie, opener Opener, workers int) *Multiplexer {
	if workers < 1 {
		workers = 1
	}
	return &Multiplexer{
		QueueSize:        1000,
		SweepEvery:       100,
		SessionThreshold: SessionThreshold,
		Stats:            NewStats(),
		trie:             trie,
		opener:           opener,
		workers:          workers,
	}
}

// Workers returns the number of worker goroutines.
func (m *Multiplexer) Workers() int {
	return m.workers
}

func (m *Multiplexer) start() {
	m.startOnce.Do(func() {
		if m.SweepEvery < 1 {
			m.SweepEvery = 1
		}
		m.carvers = make([]*Carver, m.workers)
		m.queues = make([]chan *Packet, m.workers)
		m.sessions = make([]atomic.Int64, m.workers)
		for i := range m.carvers {
			c := NewCarver(m.trie, m.opener, m.Stats)
			c.Sessions.Threshold = m.SessionThreshold
			c.Filter = m.Filter
			m.carvers[i] = c
			m.queues[i] = make(chan *Packet, m.QueueSize)
			m.closeWaiter.Add(1)
			go m.run(i)
		}
		cvlogf(logInfo, logrus.Fields{"workers": m.workers}, "multiplexer started")
	})
}

// run carves packets from one worker's queue until it is closed.
func (m *Multiplexer) run(i int) {
	defer m.closeWaiter.Done()
	c := m.carvers[i]
	n := 0
	for p := range m.queues[i] {
		c.Process(p)
		n++
		if n%m.SweepEvery == 0 {
			c.Evict()
		}
		m.sessions[i].Store(int64(c.Sessions.Len()))
	}
	c.Close()
	m.sessions[i].Store(0)
}

// route picks the worker for a flow.
func (m *Multiplexer) route(key FlowKey) int {
	if m.workers == 1 {
		return 0
	}
	return int(key.hash() % uint32(m.workers))
}

// Dispatch hands a packet to its flow's worker.  It blocks while that
// worker's queue is full unless DropWhenFull is set, in which case the packet
// is counted as dropped.  Dispatch must not be called after Close.
func (m *Multiplexer) Dispatch(p *Packet) {
	m.start()
	q := m.queues[m.route(p.Key)]
	if !m.DropWhenFull {
		q <- p
		return
	}
	select {
	case q <- p:
	default:
		m.Stats.addDropped()
	}
}

// Sessions returns the number of live flows across all workers.
func (m *Multiplexer) Sessions() int {
	total := int64(0)
	for i := range m.sessions {
		total += m.sessions[i].Load()
	}
	return int(total)
}

// Run reads frames from src, decodes them, and dispatches them until src is
// exhausted or ctx is done.  Frames that are not TCP or UDP are skipped;
// frames that fail to decode are counted as packet errors.  Run returns nil
// at the end of an offline capture or on cancellation.  src must not reuse
// the buffers it returns.
func (m *Multiplexer) Run(ctx context.Context, src Source) error {
	m.start()
	dec, err := NewDecoder(src.LinkType())
	if err != nil {
		return err
	}
	count := 0
	start := time.Now()
	defer func() {
		runTime := time.Since(start).Seconds()
		if runTime <= 0 {
			return
		}
		cvlogf(logInfo, logrus.Fields{"packets": count, "source": src.Label()},
			"processed %.0f packets per second", float64(count)/runTime)
	}()
	for {
		if err := ctx.Err(); err != nil {
			cvlog(logInfo, "capture cancelled after ", count, " packets")
			return nil
		}
		data, ts, err := src.ReadFrame()
		switch {
		case err == nil:
		case errors.Is(err, ErrReadTimeout):
			continue
		case err == io.EOF:
			cvlog(logInfo, "end of capture after ", count, " packets")
			return nil
		default:
			return fmt.Errorf("reading from %s: %w", src.Label(), err)
		}
		count++
		if count%1000000 == 0 {
			cvlog(logDebug, "processed ", count, " packets so far")
		}
		p, err := dec.Decode(data, ts)
		if err != nil {
			m.Stats.addPacket(len(data))
			if !errors.Is(err, ErrNotCarvable) {
				m.Stats.addPacketError()
				cvlog(logPedantic, "packet decode error: ", err)
			}
			continue
		}
		m.Dispatch(p)
	}
}

// Close stops the workers once their queues drain and closes every open
// extraction.  It blocks until all workers have returned.  Calling Dispatch
// concurrently with or after Close panics.
func (m *Multiplexer) Close() {
	m.start()
	m.closeOnce.Do(func() {
		for _, q := range m.queues {
			close(q)
		}
		m.closeWaiter.Wait()
		cvlogf(logInfo, logrus.Fields{"stats": fmt.Sprintf("%+v", m.Stats.Snapshot())}, "multiplexer closed")
	})
}
