// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bodysp

import "github.com/intuitivelabs/bytescase"

// haState is the header-attribute extractor's internal state, per
// spec.md §4.2.
type haState uint8

const (
	haType haState = iota
	haNStart
	haName
	haValue
	haQuoted
	haQEnd
)

// isTspecial reports whether c is one of the RFC 2045 tspecials that are
// forbidden inside a bare token, grounded on the same character class
// httpsp's ParseTokenParam/SkipQuoted reject inside params (parse_tok.go).
func isTspecial(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=':
		return true
	}
	return false
}

func isBadTokenChar(c byte) bool {
	return isTspecial(c) || c <= ' ' || c > '~'
}

// HeaderAttribute parses a structured header value of the shape
// `type[/subtype] (; name=value | ; name="quoted value")*` (spec.md §4.2).
// If attr is nil, it returns the primary type/value. Otherwise it returns
// the first case-insensitive match for the named attribute. The returned
// bytes are percent-decoded with FlagKeepPlus, then any literal `\"`
// two-byte sequence inside the decoded value is collapsed to `"`.
//
// It returns (nil, false) on malformed input or a missing attribute.
func HeaderAttribute(value []byte, attr []byte) ([]byte, bool) {
	state := haType
	var nameField, valueField PField
	haveName, haveValue := false, false
	started, sawSlash := false, false

	found := func() ([]byte, bool) {
		if !haveValue {
			return nil, false
		}
		dec, _ := URLDecode(valueField.Get(value), FlagKeepPlus)
		if dec == nil {
			dec = []byte{}
		}
		// Collapse literal backslash-quote sequences to a bare quote, in
		// a single in-place pass (spec.md §4.2).
		out := dec[:0]
		for i := 0; i < len(dec); i++ {
			if i > 0 && dec[i] == '"' && dec[i-1] == '\\' {
				out = out[:len(out)-1]
			}
			out = append(out, dec[i])
		}
		return out, true
	}

	matches := func() bool {
		if attr == nil {
			return true
		}
		if !haveName {
			return false
		}
		return bytescase.CmpEq(nameField.Get(value), attr)
	}

	n := len(value)
	for i := 0; i <= n; i++ {
		var c int
		if i < n {
			c = int(value[i])
		} else {
			c = -1 // synthetic EOF
		}

		switch state {
		case haType:
			if !started && (c == ' ' || c == '\t') {
				continue
			}
			switch {
			case c == ';' || c == '\r' || c == -1:
				state = haNStart
				if !haveValue {
					valueField.Extend(i)
					haveValue = true
				}
				if attr == nil {
					return found()
				}
			case c == ' ' || c == '\t':
				if !haveValue {
					valueField.Extend(i)
					haveValue = true
				}
			case c == '/':
				if sawSlash {
					return nil, false
				}
				sawSlash = true
			case haveValue || isBadTokenChar(byte(c)):
				return nil, false
			case !started:
				valueField.Set(i, i)
				started = true
			}

		case haNStart:
			if c == ' ' || c == '\t' || c == '\r' {
				continue
			}
			state = haName
			nameField.Set(i, i)
			valueField.Reset()
			haveValue = false
			fallthrough

		case haName:
			switch {
			case c == '=':
				state = haValue
				nameField.Extend(i)
				haveName = true
				valueField.Set(i+1, i+1)
			case isBadTokenChar(byte(c)):
				return nil, false
			}

		case haValue:
			switch {
			case c == '"':
				state = haQuoted
				valueField.Set(i+1, i+1)
			case c == ';' || c == '\r' || c == -1:
				state = haNStart
				valueField.Extend(i)
				haveValue = true
				if matches() {
					return found()
				}
			case isBadTokenChar(byte(c)):
				return nil, false
			}

		case haQuoted:
			if c == '"' && (i == 0 || value[i-1] != '\\') {
				state = haQEnd
				valueField.Extend(i)
				haveValue = true
			} else if c == '\r' || c == '\n' || c == 0x7f || c == -1 {
				return nil, false
			}

		case haQEnd:
			switch {
			case c == ';' || c == '\r' || c == -1:
				state = haNStart
				if matches() {
					return found()
				}
			case c != ' ' && c != '\t':
				return nil, false
			}
		}
	}

	return nil, false
}
