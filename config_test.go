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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSignatureFile = `
# images
gif(3000000, GIF89a, \x00\x3b);
jpg(200000000,
    \xff\xd8\xff\xe0\?\?JFIF,
    \xff\xd9);

# no footer
zip(10000000, PK\x03\x04); pdf(5000000, %PDF, %EOF)
;
`

func TestParseSignatureFile(t *testing.T) {
	specs, err := ParseSignatureFile(strings.NewReader(testSignatureFile))
	require.NoError(t, err)
	require.Len(t, specs, 7)

	assert.Equal(t, SignatureSpec{ID: 1, Ext: "gif", MaxLen: 3000000, Pattern: "GIF89a", Role: Header}, specs[0])
	assert.Equal(t, SignatureSpec{ID: 1, Ext: "gif", MaxLen: 3000000, Pattern: `\x00\x3b`, Role: Footer}, specs[1])
	assert.Equal(t, `\xff\xd8\xff\xe0\?\?JFIF`, specs[2].Pattern)
	assert.Equal(t, 2, specs[3].ID)
	assert.Equal(t, Footer, specs[3].Role)
	assert.Equal(t, SignatureSpec{ID: 3, Ext: "zip", MaxLen: 10000000, Pattern: `PK\x03\x04`, Role: Header}, specs[4])
	assert.Equal(t, 4, specs[6].ID)
	assert.Equal(t, "%EOF", specs[6].Pattern)

	_, err = Compile(specs)
	assert.NoError(t, err)
}

func TestParseSignatureFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name, input, want string
	}{
		{"unterminated", "gif(10, GIF89a)", "line 1"},
		{"no parens", "gif 10 GIF89a;", "malformed rule"},
		{"no ext", "(10, GIF89a);", "no extension"},
		{"too many fields", "gif(10, a, b, c);", "4 fields"},
		{"bad maxlen", "\n\ngif(ten, GIF89a);", "line 3"},
		{"zero maxlen", "gif(0, GIF89a);", "maxlen must be positive"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSignatureFile(strings.NewReader(tc.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	sigs := writeTemp(t, "signatures.conf", "gif(3000000, GIF89a, \\x00\\x3b);\n")
	path := writeTemp(t, "pcapcarve.yaml", `
file: capture.pcap
output: carved
signature_file: `+sigs+`
workers: 4
session_threshold: 45s
ports: [80, 8080]
signatures:
  - ext: png
    maxlen: 1000
    header: '\x89PNG'
    footer: 'IEND'
nats:
  url: nats://localhost:4222
`)
	cfg, err := LoadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "capture.pcap", cfg.File)
	assert.Equal(t, "carved", cfg.Output)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 45*time.Second, cfg.SessionThreshold)
	assert.Equal(t, []uint16{80, 8080}, cfg.PortList())
	assert.Equal(t, "pcapgo", cfg.FileReader)
	assert.Equal(t, DefaultFilter, cfg.Filter)
	assert.Equal(t, 1000, cfg.QueueSize)
	assert.Equal(t, DefaultSubject, cfg.NATS.Subject)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)

	specs, err := cfg.SignatureSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 4)
	assert.Equal(t, SignatureSpec{ID: 2, Ext: "png", MaxLen: 1000, Pattern: `\x89PNG`, Role: Header}, specs[2])
	assert.Equal(t, Footer, specs[3].Role)

	trie, err := cfg.CompileSignatures()
	require.NoError(t, err)
	assert.Len(t, trie.Signatures(), 4)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTemp(t, "pcapcarve.yaml", `
workers: 2
signatures:
  - ext: gif
    maxlen: 100
    header: GIF89a
`)
	t.Setenv("PCAPCARVER_WORKERS", "8")
	t.Setenv("PCAPCARVER_NATS_SUBJECT", "carved.files")
	cfg, err := LoadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "carved.files", cfg.NATS.Subject)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{Workers: 1, Signatures: []SignatureConfig{{Ext: "gif", MaxLen: 10, Header: "GIF"}}}
	}
	c := valid()
	require.NoError(t, c.Validate())

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"device and file", func(c *Config) { c.Device, c.File = "eth0", "x.pcap" }},
		{"reader", func(c *Config) { c.FileReader = "tshark" }},
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"threshold", func(c *Config) { c.SessionThreshold = -time.Second }},
		{"port", func(c *Config) { c.Ports = []int{70000} }},
		{"no signatures", func(c *Config) { c.Signatures = nil }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestInlineSignatureNeedsHeader(t *testing.T) {
	c := Config{Workers: 1, Signatures: []SignatureConfig{{Ext: "gif", MaxLen: 10}}}
	_, err := c.SignatureSpecs()
	assert.Error(t, err)
}

func TestInlineSignatureNeedsMaxlen(t *testing.T) {
	c := Config{Workers: 1, Signatures: []SignatureConfig{{Ext: "gif", Header: "GIF89a"}}}
	_, err := c.SignatureSpecs()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive maxlen")
}
