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

// This file contains signature definitions and the pattern escape grammar.

package pcapcarver

import (
	"fmt"
	"strings"
)

// Role says whether a signature starts or ends a carved file.
type Role int

const (
	Header Role = iota
	Footer
)

// String renders the Role the way signature files spell it.
func (r Role) String() string {
	switch r {
	case Header:
		return "header"
	case Footer:
		return "footer"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// SignatureSpec is one uncompiled carving rule, as produced by a config
// loader.  Pattern uses the escape grammar understood by Compile:
//
//	\\    literal backslash
//	\xHH  literal byte from two hex digits
//	\n \t \r \0
//	\?    any byte
//
// Every other character is taken literally.  A header and footer describing
// the same file type share an ID.
type SignatureSpec struct {
	ID      int
	Ext     string
	MaxLen  uint64
	Pattern string
	Role    Role
}

// Signature is a compiled SignatureSpec.  It is immutable once compiled and
// shared by every flow.
type Signature struct {
	ID     int
	Ext    string
	MaxLen uint64
	Role   Role
	// Source pattern, kept for logging.
	Pattern string
	bytes   []patternByte
}

// Len returns the number of bytes the signature matches.
func (s *Signature) Len() int {
	return len(s.bytes)
}

// String renders the signature for logs.
func (s *Signature) String() string {
	return fmt.Sprintf("%s#%d(%s %q)", s.Ext, s.ID, s.Role, s.Pattern)
}

// patternByte matches either a single literal byte or any byte.
type patternByte struct {
	b   byte
	any bool
}

// SpecError reports a malformed signature definition.
type SpecError struct {
	Spec   SignatureSpec
	Offset int
	Reason string
}

// Error implements the error interface.
func (e *SpecError) Error() string {
	return fmt.Sprintf("signature %d (%s %s): %s at offset %d in %q",
		e.Spec.ID, e.Spec.Ext, e.Spec.Role, e.Reason, e.Offset, e.Spec.Pattern)
}

// parsePattern turns a raw pattern string into pattern bytes.
func parsePattern(spec SignatureSpec) ([]patternByte, error) {
	p := spec.Pattern
	if len(p) == 0 {
		return nil, &SpecError{Spec: spec, Reason: "empty pattern"}
	}
	out := make([]patternByte, 0, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] != '\\' {
			out = append(out, patternByte{b: p[i]})
			continue
		}
		if i+1 >= len(p) {
			return nil, &SpecError{Spec: spec, Offset: i, Reason: "dangling '\\'"}
		}
		i++
		switch p[i] {
		case '\\':
			out = append(out, patternByte{b: '\\'})
		case 'x':
			if i+2 >= len(p) {
				return nil, &SpecError{Spec: spec, Offset: i - 1, Reason: "invalid hex code"}
			}
			hi, ok1 := unhex(p[i+1])
			lo, ok2 := unhex(p[i+2])
			if !ok1 || !ok2 {
				return nil, &SpecError{Spec: spec, Offset: i - 1, Reason: "invalid hex code"}
			}
			out = append(out, patternByte{b: hi<<4 | lo})
			i += 2
		case 'n':
			out = append(out, patternByte{b: '\n'})
		case 't':
			out = append(out, patternByte{b: '\t'})
		case 'r':
			out = append(out, patternByte{b: '\r'})
		case '0':
			out = append(out, patternByte{b: 0})
		case '?':
			out = append(out, patternByte{any: true})
		default:
			return nil, &SpecError{Spec: spec, Offset: i - 1, Reason: fmt.Sprintf("invalid escape character %q", p[i])}
		}
	}
	return out, nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// ParseRole parses "header" or "footer", case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "header", "":
		return Header, nil
	case "footer":
		return Footer, nil
	}
	return Header, fmt.Errorf("unknown signature role %q", s)
}
