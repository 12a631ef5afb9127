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

// This file contains the signature trie compiler and its streaming matcher.

package pcapcarver

import (
	"github.com/sirupsen/logrus"
)

// nodeID indexes Trie.nodes.  The root lives at index 0 and is never the
// child of another node, so 0 doubles as the empty child slot.
type nodeID int32

const (
	rootNode nodeID = 0
	noNode   nodeID = 0
)

type nodeKind uint8

const (
	internalNode nodeKind = iota
	terminalNode
)

type trieNode struct {
	kind nodeKind
	// Set for internal nodes only.
	next *[256]nodeID
	// Set for terminal nodes only.
	sig *Signature
}

// Trie is a compiled set of signatures.  It is built once by Compile and is
// read-only afterwards, so any number of goroutines may search it at once.
type Trie struct {
	nodes    []trieNode
	sigs     []*Signature
	shadowed []*Signature
}

// Match is a completed signature match within one payload.  Start is the
// offset of the first matched byte and End is one past the last, so a pattern
// that began in an earlier packet of the same flow has a negative Start.
type Match struct {
	Sig        *Signature
	Role       Role
	Start, End int
}

// Compile builds a Trie from specs, in order.  Order matters: a transition
// claimed by an earlier signature is never overwritten by a later one, so a
// specific byte registered first wins over a later wildcard at the same
// position, and a wildcard registered first keeps every slot it filled.  The
// one exception is a literal pattern identical to an earlier literal one: the
// later signature takes over the terminal, so several file types sharing a
// header carve as the last of them.  Signatures that cannot be installed, or
// were replaced that way, are listed by Shadowed.
func Compile(specs []SignatureSpec) (*Trie, error) {
	t := &Trie{nodes: make([]trieNode, 0, 64)}
	t.newInternal()
	for _, spec := range specs {
		pattern, err := parsePattern(spec)
		if err != nil {
			return nil, err
		}
		sig := &Signature{
			ID:      spec.ID,
			Ext:     spec.Ext,
			MaxLen:  spec.MaxLen,
			Role:    spec.Role,
			Pattern: spec.Pattern,
			bytes:   pattern,
		}
		t.sigs = append(t.sigs, sig)
		if !t.insert(sig) {
			t.shadowed = append(t.shadowed, sig)
			cvlogf(logWarning, logrus.Fields{"signature": sig.String()},
				"signature shadowed by an earlier one and will never match")
		}
	}
	cvlogf(logInfo, logrus.Fields{"signatures": len(t.sigs), "nodes": len(t.nodes)}, "signature trie compiled")
	return t, nil
}

// Signatures returns every compiled signature in registration order.
func (t *Trie) Signatures() []*Signature {
	return t.sigs
}

// Shadowed returns the signatures that could not be installed.
func (t *Trie) Shadowed() []*Signature {
	return t.shadowed
}

// NodeCount returns the number of trie nodes.
func (t *Trie) NodeCount() int {
	return len(t.nodes)
}

func (t *Trie) newInternal() nodeID {
	t.nodes = append(t.nodes, trieNode{kind: internalNode, next: new([256]nodeID)})
	return nodeID(len(t.nodes) - 1)
}

func (t *Trie) newTerminal(sig *Signature) nodeID {
	t.nodes = append(t.nodes, trieNode{kind: terminalNode, sig: sig})
	return nodeID(len(t.nodes) - 1)
}

// insert walks sig's pattern from the root, creating nodes as needed.  It
// returns false if some step of the path was already claimed.
func (t *Trie) insert(sig *Signature) bool {
	cur := rootNode
	last := len(sig.bytes) - 1
	for i, pb := range sig.bytes {
		var ok bool
		if pb.any {
			cur, ok = t.addWildcard(cur, sig, i == last)
		} else {
			cur, ok = t.addLiteral(cur, pb.b, sig, i == last)
		}
		if !ok {
			return false
		}
	}
	return true
}

func (t *Trie) addLiteral(cur nodeID, c byte, sig *Signature, final bool) (nodeID, bool) {
	next := t.nodes[cur].next
	slot := next[c]
	if final {
		if slot != noNode && t.nodes[slot].kind == terminalNode && t.soleSlot(next, slot) {
			old := t.nodes[slot].sig
			t.nodes[slot].sig = sig
			t.shadowed = append(t.shadowed, old)
			cvlogf(logWarning, logrus.Fields{"signature": old.String(), "by": sig.String()},
				"signature replaced by a later one with the same pattern")
			return slot, true
		}
		if slot != noNode {
			return noNode, false
		}
		id := t.newTerminal(sig)
		next[c] = id
		return id, true
	}
	switch {
	case slot == noNode:
		id := t.newInternal()
		next[c] = id
		return id, true
	case t.nodes[slot].kind == internalNode:
		return slot, true
	}
	// A shorter signature already ends here.
	return noNode, false
}

// soleSlot reports whether id fills exactly one slot of next, which tells a
// literal terminal from one spread by a final wildcard.
func (t *Trie) soleSlot(next *[256]nodeID, id nodeID) bool {
	n := 0
	for _, slot := range next {
		if slot == id {
			n++
		}
	}
	return n == 1
}

// addWildcard installs one shared node into every empty slot of cur.  When
// every slot is already taken, a non-final wildcard continues through the
// internal node that fills the most slots, which is the shared subtree of an
// earlier wildcard at the same depth.
func (t *Trie) addWildcard(cur nodeID, sig *Signature, final bool) (nodeID, bool) {
	next := t.nodes[cur].next
	empty := 0
	for _, slot := range next {
		if slot == noNode {
			empty++
		}
	}
	if empty > 0 {
		var id nodeID
		if final {
			id = t.newTerminal(sig)
		} else {
			id = t.newInternal()
		}
		for i, slot := range next {
			if slot == noNode {
				next[i] = id
			}
		}
		return id, true
	}
	if final {
		return noNode, false
	}
	counts := make(map[nodeID]int)
	best, bestCount := noNode, 0
	for _, slot := range next {
		if t.nodes[slot].kind != internalNode {
			continue
		}
		counts[slot]++
		if counts[slot] > bestCount {
			best, bestCount = slot, counts[slot]
		}
	}
	return best, best != noNode
}

// SearchThreads holds the partial matches alive in one flow.  The zero value
// is ready to use.  A SearchThreads must only ever be advanced against one
// Trie.
type SearchThreads struct {
	nodes []nodeID
}

// Len returns the number of live threads.
func (st *SearchThreads) Len() int {
	return len(st.nodes)
}

// Reset drops every live thread.
func (st *SearchThreads) Reset() {
	st.nodes = st.nodes[:0]
}

// Search advances threads over payload one byte at a time and returns the
// matches completed within it, in the order they completed.  Threads left
// alive at the end of payload carry over to the next call.
func (t *Trie) Search(threads *SearchThreads, payload []byte) []Match {
	var results []Match
	for i, c := range payload {
		results = t.advance(threads, c, i, results)
	}
	return results
}

// advance feeds one byte at offset to every live thread, then starts a new
// thread if the root has a transition on c.
func (t *Trie) advance(threads *SearchThreads, c byte, offset int, results []Match) []Match {
	if n := len(threads.nodes); n > 0 {
		// Newest thread first.
		dead := 0
		for i := n - 1; i >= 0; i-- {
			next := t.nodes[threads.nodes[i]].next[c]
			switch {
			case next == noNode:
				threads.nodes[i] = noNode
				dead++
			case t.nodes[next].kind == terminalNode:
				results = t.emit(results, next, offset)
				threads.nodes[i] = noNode
				dead++
			default:
				threads.nodes[i] = next
			}
		}
		if dead > 0 {
			threads.compact()
		}
	}
	if next := t.nodes[rootNode].next[c]; next != noNode {
		if t.nodes[next].kind == terminalNode {
			// One byte signature.
			results = t.emit(results, next, offset)
		} else {
			threads.nodes = append(threads.nodes, next)
		}
	}
	return results
}

func (st *SearchThreads) compact() {
	live := st.nodes[:0]
	for _, n := range st.nodes {
		if n != noNode {
			live = append(live, n)
		}
	}
	st.nodes = live
}

func (t *Trie) emit(results []Match, id nodeID, offset int) []Match {
	sig := t.nodes[id].sig
	return append(results, Match{
		Sig:   sig,
		Role:  sig.Role,
		Start: offset + 1 - sig.Len(),
		End:   offset + 1,
	})
}
