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
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFile is an in-memory output.
type memFile struct {
	bytes.Buffer
	closes int
	// Write accepts at most this many bytes when positive.
	short int
}

func (m *memFile) Write(p []byte) (int, error) {
	if m.short > 0 && len(p) > m.short {
		return m.Buffer.Write(p[:m.short])
	}
	return m.Buffer.Write(p)
}

func (m *memFile) Close() error {
	m.closes++
	return nil
}

type memOpener struct {
	files []*memFile
	fail  bool
	// Applied to every new file.
	short int
}

func (o *memOpener) Open(sig *Signature, key FlowKey, ts time.Time) (io.WriteCloser, string, error) {
	if o.fail {
		return nil, "", errors.New("too many open files")
	}
	f := &memFile{short: o.short}
	o.files = append(o.files, f)
	return f, fmt.Sprintf("%06d.%s", len(o.files), sig.Ext), nil
}

type extractFixture struct {
	trie   *Trie
	opener *memOpener
	stats  *Stats
	x      *Extractor
	flow   *Flow
}

func newExtractFixture(t *testing.T, specs ...SignatureSpec) *extractFixture {
	fx := &extractFixture{trie: mustCompile(t, specs...), opener: &memOpener{}, stats: NewStats()}
	fx.x = &Extractor{Opener: fx.opener, Stats: fx.stats}
	fx.flow = &Flow{Key: testKey(1, 2)}
	return fx
}

func (fx *extractFixture) feed(payload string) {
	p := []byte(payload)
	ms := fx.trie.Search(&fx.flow.threads, p)
	fx.x.Apply(fx.flow, ms, p, time.Unix(1000, 0))
}

func TestMaxlenTruncation(t *testing.T) {
	fx := newExtractFixture(t, header(1, "bin", "HDR", 10))
	fx.feed("HDRabcdefghijklmnopqrst")
	require.Len(t, fx.opener.files, 1)
	f := fx.opener.files[0]
	assert.Equal(t, "HDRabcdefg", f.String())
	assert.Equal(t, 1, f.closes)
	assert.Equal(t, 0, fx.flow.Extractions())
	assert.Equal(t, uint64(1), fx.stats.Snapshot().FilesExtracted)
}

func TestMaxlenAcrossPayloads(t *testing.T) {
	fx := newExtractFixture(t, header(1, "bin", "HDR", 8))
	fx.feed("HDRab")
	assert.Equal(t, 1, fx.flow.Extractions())
	fx.feed("cdefg")
	f := fx.opener.files[0]
	assert.Equal(t, "HDRabcde", f.String())
	assert.Equal(t, 1, f.closes)
	assert.Equal(t, 0, fx.flow.Extractions())
}

func TestHeaderThenFooterAcrossPayloads(t *testing.T) {
	fx := newExtractFixture(t,
		header(1, "txt", "HDR", 100),
		footer(1, "txt", "END", 100),
	)
	fx.feed("xxHDRaaa")
	fx.feed("bbbENDcc")
	require.Len(t, fx.opener.files, 1)
	assert.Equal(t, "HDRaaabbbEND", fx.opener.files[0].String())
	assert.Equal(t, 1, fx.opener.files[0].closes)
	assert.Equal(t, 0, fx.flow.Extractions())
}

func TestFooterClosesNearestHeader(t *testing.T) {
	fx := newExtractFixture(t,
		header(1, "txt", "HDR", 100),
		footer(1, "txt", "END", 100),
	)
	fx.feed("HDR1HDR2")
	require.Len(t, fx.opener.files, 2)
	fx.feed("xxEND yy")

	first, second := fx.opener.files[0], fx.opener.files[1]
	assert.Equal(t, "HDR2xxEND", second.String())
	assert.Equal(t, 1, second.closes)
	assert.Equal(t, "HDR1HDR2xxEND yy", first.String())
	assert.Equal(t, 0, first.closes)
	assert.Equal(t, 1, fx.flow.Extractions())
}

func TestFooterMayExceedMaxlen(t *testing.T) {
	fx := newExtractFixture(t,
		header(1, "txt", "HDR", 4),
		footer(1, "txt", "END", 4),
	)
	fx.feed("HDRabcdefENDzz")
	require.Len(t, fx.opener.files, 1)
	assert.Equal(t, "HDRabcdefEND", fx.opener.files[0].String())
	assert.Equal(t, 1, fx.opener.files[0].closes)
}

func TestFooterBeforeHeaderIgnored(t *testing.T) {
	fx := newExtractFixture(t,
		header(1, "txt", "HDR", 100),
		footer(1, "txt", "END", 100),
	)
	fx.feed("ENDxxHDRyy")
	require.Len(t, fx.opener.files, 1)
	assert.Equal(t, "HDRyy", fx.opener.files[0].String())
	assert.Equal(t, 1, fx.flow.Extractions())
}

func TestFooterOfOtherSignatureIgnored(t *testing.T) {
	fx := newExtractFixture(t,
		header(1, "a", "HDR", 100),
		footer(2, "b", "END", 100),
	)
	fx.feed("HDRxxENDyy")
	require.Len(t, fx.opener.files, 1)
	assert.Equal(t, "HDRxxENDyy", fx.opener.files[0].String())
	assert.Equal(t, 1, fx.flow.Extractions())
}

func TestLaterFooterExtendsNewestExtraction(t *testing.T) {
	fx := newExtractFixture(t,
		header(1, "txt", "HDR", 100),
		footer(1, "txt", "END", 100),
	)
	fx.feed("HDRxxHDRyyENDzzEND")
	require.Len(t, fx.opener.files, 2)
	outer, inner := fx.opener.files[0], fx.opener.files[1]
	assert.Equal(t, "HDRyyENDzzEND", inner.String())
	assert.Equal(t, 1, inner.closes)
	assert.Equal(t, "HDRxxHDRyyENDzzEND", outer.String())
	assert.Equal(t, 0, outer.closes)
	assert.Equal(t, 1, fx.flow.Extractions())
}

func TestFooterAtPayloadStartLeavesCarriedExtractionOpen(t *testing.T) {
	fx := newExtractFixture(t,
		header(1, "txt", "<a>", 100),
		footer(1, "txt", "</a>", 100),
	)
	fx.feed("<a>hello")
	fx.feed("</a>tail")
	require.Len(t, fx.opener.files, 1)
	assert.Equal(t, "<a>hello</a>tail", fx.opener.files[0].String())
	assert.Equal(t, 0, fx.opener.files[0].closes)
	assert.Equal(t, 1, fx.flow.Extractions())

	fx.feed("x</a>")
	assert.Equal(t, "<a>hello</a>tailx</a>", fx.opener.files[0].String())
	assert.Equal(t, 1, fx.opener.files[0].closes)
}

func TestHeaderSplitAcrossPayloads(t *testing.T) {
	fx := newExtractFixture(t, header(1, "bin", "HDR", 5))
	fx.feed("xxHD")
	assert.Empty(t, fx.opener.files)
	fx.feed("Rabc")
	require.Len(t, fx.opener.files, 1)
	// Bytes of earlier payloads are not revisited and do not use up the
	// budget.
	assert.Equal(t, "Rabc", fx.opener.files[0].String())
	assert.Equal(t, 0, fx.opener.files[0].closes)
	fx.feed("defg")
	assert.Equal(t, "Rabcd", fx.opener.files[0].String())
	assert.Equal(t, 1, fx.opener.files[0].closes)
}

func TestSplitHeaderBudgetIgnoresPacketBoundaries(t *testing.T) {
	// The same stream cut two ways carves the same bytes.
	for _, cut := range [][]string{{"xxHD", "Rabcdefg"}, {"xxHD", "Rab", "cdefg"}} {
		fx := newExtractFixture(t, header(1, "bin", "HDR", 5))
		for _, p := range cut {
			fx.feed(p)
		}
		require.Len(t, fx.opener.files, 1)
		assert.Equal(t, "Rabcd", fx.opener.files[0].String(), "%q", cut)
		assert.Equal(t, 1, fx.opener.files[0].closes)
	}
}

func TestOpenFailureCounted(t *testing.T) {
	fx := newExtractFixture(t, header(1, "bin", "HDR", 100))
	fx.opener.fail = true
	fx.feed("HDRabc")
	ss := fx.stats.Snapshot()
	assert.Equal(t, uint64(1), ss.ExtractionErrors)
	assert.Equal(t, uint64(0), ss.FilesExtracted)
	assert.Equal(t, 0, fx.flow.Extractions())
}

func TestShortWriteKeepsExtraction(t *testing.T) {
	fx := newExtractFixture(t, header(1, "bin", "HDR", 100))
	fx.opener.short = 2
	fx.feed("HDRabc")
	require.Len(t, fx.opener.files, 1)
	assert.Equal(t, uint64(1), fx.stats.Snapshot().ExtractionErrors)
	require.Equal(t, 1, fx.flow.Extractions())
	assert.Equal(t, uint64(0), fx.flow.extractions[0].Written())
}

func TestSweepIdempotent(t *testing.T) {
	fx := newExtractFixture(t, header(1, "bin", "HDR", 3))
	fx.feed("HDR")
	require.Len(t, fx.opener.files, 1)
	assert.Equal(t, "HDR", fx.opener.files[0].String())
	assert.Equal(t, 1, fx.opener.files[0].closes)
	fx.x.Sweep(fx.flow)
	fx.x.Sweep(fx.flow)
	assert.Equal(t, 1, fx.opener.files[0].closes)
	assert.Equal(t, 0, fx.flow.Extractions())
}

func TestExhaustedBudgetClosesOnNextPayload(t *testing.T) {
	fx := newExtractFixture(t, header(1, "bin", "HDR", 5))
	fx.feed("xHDRa")
	// One byte of budget is left, so the extraction stays open.
	require.Equal(t, 1, fx.flow.Extractions())
	fx.feed("bc")
	assert.Equal(t, "HDRab", fx.opener.files[0].String())
	assert.Equal(t, 1, fx.opener.files[0].closes)
	assert.Equal(t, 0, fx.flow.Extractions())
}

func TestCloseAll(t *testing.T) {
	fx := newExtractFixture(t, header(1, "bin", "HDR", 100))
	fx.feed("HDRaHDRb")
	require.Equal(t, 2, fx.flow.Extractions())
	fx.x.CloseAll(fx.flow)
	assert.Equal(t, 0, fx.flow.Extractions())
	for _, f := range fx.opener.files {
		assert.Equal(t, 1, f.closes)
	}
}
