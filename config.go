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

// This file contains configuration loading, including the signature file
// format.

package pcapcarver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables that override configuration,
// for example PCAPCARVER_OUTPUT or PCAPCARVER_NATS_URL.
const EnvPrefix = "PCAPCARVER"

// Config is the full configuration of a carving run.
type Config struct {
	// Exactly one of Device and File selects the packet source.
	Device string `mapstructure:"device"`
	File   string `mapstructure:"file"`
	// "pcapgo" reads capture files in pure Go, "libpcap" through libpcap.
	FileReader string `mapstructure:"file_reader"`
	Filter     string `mapstructure:"filter"`
	Snaplen    int    `mapstructure:"snaplen"`

	Output        string            `mapstructure:"output"`
	SignatureFile string            `mapstructure:"signature_file"`
	Signatures    []SignatureConfig `mapstructure:"signatures"`

	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	DropWhenFull     bool          `mapstructure:"drop_when_full"`
	SessionThreshold time.Duration `mapstructure:"session_threshold"`
	SweepEvery       int           `mapstructure:"sweep_every"`
	Ports            []int         `mapstructure:"ports"`

	Verbose   bool   `mapstructure:"verbose"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

// SignatureConfig is one inline carving rule.  Footer is optional.
type SignatureConfig struct {
	Ext    string `mapstructure:"ext"`
	MaxLen uint64 `mapstructure:"maxlen"`
	Header string `mapstructure:"header"`
	Footer string `mapstructure:"footer"`
}

// MetricsConfig enables OTLP metric export when Endpoint is set.
type MetricsConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Interval time.Duration `mapstructure:"interval"`
}

// TracingConfig enables OTLP span export when Endpoint is set.  Each
// published index record gets a span whose context rides in the message
// headers.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// NATSConfig enables publishing index records when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// SetDefaults installs the default configuration into v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("file_reader", "pcapgo")
	v.SetDefault("filter", DefaultFilter)
	v.SetDefault("snaplen", 65535)
	v.SetDefault("output", ".")
	v.SetDefault("workers", 1)
	v.SetDefault("queue_size", 1000)
	v.SetDefault("drop_when_full", false)
	v.SetDefault("session_threshold", SessionThreshold)
	v.SetDefault("sweep_every", 100)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	// Empty defaults make the nested keys visible to environment overrides.
	v.SetDefault("metrics.endpoint", "")
	v.SetDefault("metrics.interval", 10*time.Second)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", DefaultSubject)
}

// LoadConfig reads configuration from path, if not empty, and from
// PCAPCARVER_* environment variables, on top of whatever v already holds
// (defaults and bound flags).
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Device != "" && c.File != "" {
		return errors.New("a device and a capture file can't both be given")
	}
	switch c.FileReader {
	case "", "pcapgo", "libpcap":
	default:
		return fmt.Errorf("unknown file reader %q", c.FileReader)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.SessionThreshold < 0 {
		return fmt.Errorf("negative session threshold %v", c.SessionThreshold)
	}
	for _, p := range c.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("port %d out of range", p)
		}
	}
	if c.SignatureFile == "" && len(c.Signatures) == 0 {
		return errors.New("no signatures configured")
	}
	return nil
}

// PortList returns Ports as port numbers.
func (c *Config) PortList() []uint16 {
	ports := make([]uint16, 0, len(c.Ports))
	for _, p := range c.Ports {
		ports = append(ports, uint16(p))
	}
	return ports
}

// SignatureSpecs returns the rules from the signature file followed by the
// inline rules.  Rule ids count from 1 across both.
func (c *Config) SignatureSpecs() ([]SignatureSpec, error) {
	var specs []SignatureSpec
	if c.SignatureFile != "" {
		f, err := os.Open(c.SignatureFile)
		if err != nil {
			return nil, fmt.Errorf("opening signature file: %w", err)
		}
		defer f.Close()
		specs, err = ParseSignatureFile(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.SignatureFile, err)
		}
	}
	id := 1
	if n := len(specs); n > 0 {
		id = specs[n-1].ID + 1
	}
	for _, sc := range c.Signatures {
		if sc.Ext == "" || sc.Header == "" {
			return nil, fmt.Errorf("inline signature %d needs ext and header", id)
		}
		if sc.MaxLen == 0 {
			return nil, fmt.Errorf("inline signature %d (%s) needs a positive maxlen", id, sc.Ext)
		}
		specs = append(specs, SignatureSpec{ID: id, Ext: sc.Ext, MaxLen: sc.MaxLen, Pattern: sc.Header, Role: Header})
		if sc.Footer != "" {
			specs = append(specs, SignatureSpec{ID: id, Ext: sc.Ext, MaxLen: sc.MaxLen, Pattern: sc.Footer, Role: Footer})
		}
		id++
	}
	return specs, nil
}

// ParseSignatureFile reads rules of the form
//
//	ext(maxlen, header[, footer]);
//
// A rule may span lines.  Lines starting with # are comments.  Patterns use
// the escape grammar of SignatureSpec and may not contain a literal comma,
// semicolon or parenthesis; write those as \x2c, \x3b, \x28 and \x29.
func ParseSignatureFile(r io.Reader) ([]SignatureSpec, error) {
	var (
		specs             []SignatureSpec
		stmt              strings.Builder
		stmtLine, lineNum int
	)
	id := 1
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for line != "" {
			if stmt.Len() == 0 {
				stmtLine = lineNum
			}
			i := strings.IndexByte(line, ';')
			if i < 0 {
				stmt.WriteString(line)
				break
			}
			stmt.WriteString(line[:i])
			rule, err := parseRule(stmt.String(), id)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", stmtLine, err)
			}
			specs = append(specs, rule...)
			id++
			stmt.Reset()
			line = strings.TrimSpace(line[i+1:])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(stmt.String()) != "" {
		return nil, fmt.Errorf("line %d: rule not terminated by ';'", stmtLine)
	}
	return specs, nil
}

func parseRule(s string, id int) ([]SignatureSpec, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("malformed rule %q, want ext(maxlen, header[, footer])", s)
	}
	ext := strings.TrimSpace(s[:open])
	if ext == "" {
		return nil, fmt.Errorf("rule %q has no extension", s)
	}
	body := s[open+1 : len(s)-1]
	fields := strings.Split(body, ",")
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("rule %q has %d fields, want 2 or 3", s, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	maxlen, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("rule %q: bad maxlen: %w", s, err)
	}
	if maxlen == 0 {
		return nil, fmt.Errorf("rule %q: maxlen must be positive", s)
	}
	specs := []SignatureSpec{{ID: id, Ext: ext, MaxLen: maxlen, Pattern: fields[1], Role: Header}}
	if len(fields) == 3 && fields[2] != "" {
		specs = append(specs, SignatureSpec{ID: id, Ext: ext, MaxLen: maxlen, Pattern: fields[2], Role: Footer})
	}
	return specs, nil
}

// CompileSignatures loads every configured rule and compiles them.
func (c *Config) CompileSignatures() (*Trie, error) {
	specs, err := c.SignatureSpecs()
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, errors.New("no signatures configured")
	}
	return Compile(specs)
}
