// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bodysp

import (
	"fmt"

	"github.com/intuitivelabs/bytescase"
)

// mpState is the multipart parser's internal state, one of the 17 named
// states in spec.md §4.3.
type mpState uint8

const (
	mpStart mpState = iota
	mpBoundaryStart
	mpHeaderStart
	mpHeader
	mpHeaderEnd
	mpHeaderValueStart
	mpHeaderValue
	mpHeaderValueEnd
	mpPartStart
	mpPartData
	mpPartBoundaryStart
	mpPartBoundary
	mpPartBoundaryEnd
	mpPartFinal
	mpPartEnd
	mpEnd
	mpError
)

// mpFlags packs the per-state flag bits from spec.md §3.
type mpFlags uint8

const (
	mpfBuffering mpFlags = 1 << iota
	mpfInPart
	mpfPastName
	mpfMultiline
	mpfIsNested
)

// mpToken indexes the five token roles a MultipartParser owns (spec.md §3).
type mpToken int

const (
	tokHeaderName mpToken = iota
	tokHeaderValue
	tokData
	tokBoundary0
	tokBoundary1
	tokBoundary2
	mpTokenCount
)

// maxNesting is the highest boundary stack index: 3 boundary slots, i.e.
// the outer body plus up to two nested levels (spec.md §3).
const maxNesting = 2

// eofByte is the synthetic "character" fed to the state machine on a
// parse(nil) / Close call, mirroring the C original's use of EOF (-1) as
// a sentinel int alongside real byte values.
const eofByte = -1

// contentTypeName is compared case-insensitively against a finished
// header name to detect a nested multipart part.
var contentTypeName = []byte("Content-Type")

var boundaryAttrName = []byte("boundary")

// MultipartParser incrementally parses a multipart/form-data body,
// invoking a MultipartCallback as it recognizes body/part lifecycle
// events, headers, and data chunks (spec.md §4.3).
//
// A MultipartParser is constructed with NewMultipartParser, configured with SetCallback,
// SetSizeLimit and ParseBoundary, then fed with repeated calls to Parse
// until either an error is reported or Parse(nil) (or Close) signals end
// of input. It must not be reused after either: construct a new one.
type MultipartParser struct {
	state   mpState
	flags   mpFlags
	nesting int // -1 == empty boundary stack

	index  int   // intra-token progress (boundary match, EOF sequence)
	offset int    // start of the current in-buffer run, within this call's buf
	total  int64  // monotonic byte counter across all Parse calls

	lookbehind []byte
	tokens     [mpTokenCount]token

	sizeLimit int
	cb        MultipartCallback
	tracer    Tracer
	lastError string
}

// NewMultipartParser creates an empty multipart parser. tracer may be nil
// to disable diagnostic tracing.
func NewMultipartParser(tracer Tracer) *MultipartParser {
	return &MultipartParser{
		nesting:   -1,
		sizeLimit: defaultSizeLimit,
		tracer:    tracer,
	}
}

// SetCallback installs the event callback. There is no separate "user"
// parameter as in spec.md §6: idiomatic Go captures that state in the
// closure itself.
func (p *MultipartParser) SetCallback(cb MultipartCallback) {
	p.cb = cb
}

// SetSizeLimit sets the maximum size, in bytes, of any buffered header
// name, header value or part data token. Values below 1024 are silently
// ignored (spec.md §6, §9 Open Question), with a trace note if a tracer
// is installed.
func (p *MultipartParser) SetSizeLimit(limit int) {
	if limit < defaultSizeLimit {
		trace(p.tracer, "SetSizeLimit(%d) ignored, below floor %d", limit, defaultSizeLimit)
		return
	}
	p.sizeLimit = limit
	for i := range p.tokens {
		p.tokens[i].setLimit(limit)
	}
}

// LastError returns the diagnostic string of the most recent error, or
// "" if the parser has not errored (spec.md §7's propagation policy: the
// error is both surfaced via the ERROR event and retained here for hosts
// that ignore the callback's return value).
func (p *MultipartParser) LastError() string {
	return p.lastError
}

// boundary returns the currently active boundary (top of stack), or nil
// if the stack is empty.
func (p *MultipartParser) boundary() []byte {
	if p.nesting < 0 {
		return nil
	}
	return p.tokens[tokBoundary0+mpToken(p.nesting)].bytes()
}

// pushBoundary pushes a new boundary string, growing the lookbehind
// buffer to fit "\r\n" "--" boundary "--" "\r\n" for the new boundary if
// needed (spec.md §3, §9). It returns false if the stack is already at
// its maximum depth.
func (p *MultipartParser) pushBoundary(b []byte) bool {
	if p.nesting+1 > maxNesting {
		return false
	}
	needed := 2 + 2 + len(b) + 2 + 2
	if needed > len(p.lookbehind) {
		p.lookbehind = make([]byte, needed)
	}
	p.nesting++
	t := &p.tokens[tokBoundary0+mpToken(p.nesting)]
	t.reset()
	t.append(b, true)
	return true
}

// popBoundary pops the active boundary. It returns the new active
// boundary (or nil if the stack becomes empty).
func (p *MultipartParser) popBoundary() []byte {
	if p.nesting < 0 {
		return nil
	}
	idx := mpToken(p.nesting)
	p.nesting--
	p.tokens[tokBoundary0+idx].reset()
	if p.nesting < 0 {
		return nil
	}
	return p.tokens[tokBoundary0+mpToken(p.nesting)].bytes()
}

// ParseBoundary extracts a boundary string from a Content-Type header
// value and pushes it onto the boundary stack. value must case-
// insensitively begin with "multipart/" (spec.md §6); if it doesn't, or
// if no boundary attribute is present, ParseBoundary returns (nil, false)
// and the stack is left untouched.
func (p *MultipartParser) ParseBoundary(value []byte) ([]byte, bool) {
	if len(value) < 10 {
		return nil, false
	}
	if _, ok := bytescase.Prefix([]byte("multipart/"), value); !ok {
		return nil, false
	}
	b, ok := HeaderAttribute(value, boundaryAttrName)
	if !ok {
		return nil, false
	}
	if !p.pushBoundary(b) {
		return nil, false
	}
	return p.boundary(), true
}

func charEsc(c int) string {
	switch c {
	case eofByte:
		return "<EOF>"
	case '\r':
		return "\\r"
	case '\n':
		return "\\n"
	case '\t':
		return "\\t"
	}
	if c < ' ' || c > '~' {
		return fmt.Sprintf("\\x%02X", c)
	}
	return string(rune(c))
}

// fail formats a diagnostic, invokes the ERROR event, records the error
// as the parser's last error, and transitions to the terminal error
// state. It always returns false, so call sites can `return p.fail(...)`.
func (p *MultipartParser) fail(off int, format string, args ...interface{}) bool {
	msg := fmt.Sprintf(format, args...)
	diag := formatDiag(mpartStateDesc(p.state), p.total+int64(off), msg)
	p.lastError = diag
	p.invoke(EvMultipartError, []byte(diag))
	p.state = mpError
	return false
}

func (p *MultipartParser) invoke(event MultipartEvent, data []byte) bool {
	trace(p.tracer, "multipart event %s data=%q", event, data)
	if p.cb == nil {
		return true
	}
	return p.cb(p, event, data)
}

// Parse feeds buf into the parser. A nil buf signals end of input
// (spec.md §6: "buf=null, len=0 means EOF"); callers that find that
// unidiomatic can use Close instead. It returns false if an error (or
// size-limit violation) was encountered; LastError then describes it.
func (p *MultipartParser) Parse(buf []byte) bool {
	if p.state == mpError {
		return false
	}
	p.offset = 0
	n := len(buf)
	for i := 0; i < n; i++ {
		if !p.step(buf, i, int(buf[i]), i+1 == n) {
			return false
		}
	}
	if buf == nil {
		if !p.step(nil, 0, eofByte, true) {
			return false
		}
	}
	p.total += int64(n)
	return true
}

// Close signals end of input; it is equivalent to Parse(nil).
func (p *MultipartParser) Close() bool {
	return p.Parse(nil)
}

// step advances the state machine by one byte (or, at end of input, by
// one synthetic eofByte). It mirrors lh_mpart_step in the C reference
// implementation closely: off is the index of c within buf (when buf is
// non-nil), and bufEnd is true for the last byte of the current Parse
// call (used to flush in-progress streaming runs at a chunk boundary,
// independent of whether the token is actually complete).
func (p *MultipartParser) step(buf []byte, off int, c int, bufEnd bool) bool {
	boundary := p.boundary()
	boundaryLen := len(boundary)

	switch p.state {
	case mpStart:
		p.index = 0
		p.invoke(EvBodyBegin, boundary)
		p.state = mpBoundaryStart
		fallthrough

	case mpBoundaryStart:
		switch {
		case p.index < 2:
			if c != '-' {
				return p.fail(off, "expected '-' but got '%s'", charEsc(c))
			}
			p.index++
		case p.index-2 == boundaryLen:
			if c != '\r' {
				return p.fail(off, "expected '\\r' but got '%s'", charEsc(c))
			}
			p.index++
		case p.index-2 == boundaryLen+1:
			if c != '\n' {
				return p.fail(off, "expected '\\n' but got '%s'", charEsc(c))
			}
			p.index = 0
			if p.invoke(EvPartInit, nil) {
				p.flags |= mpfBuffering
			} else {
				p.flags &^= mpfBuffering
			}
			p.state = mpHeaderStart
		default:
			if boundaryLen == 0 || c != int(boundary[p.index-2]) {
				return p.fail(off, "expected '%c' but got '%s'", boundary[p.index-2], charEsc(c))
			}
			p.index++
		}

	case mpHeaderStart:
		if c == ' ' || c == '\t' {
			if p.flags&mpfPastName == 0 {
				return p.fail(off, "found header continuation line without a preceding header name")
			}
			p.flags |= mpfMultiline
			p.state = mpHeaderValueStart
			break
		}

		hname := p.tokens[tokHeaderName].bytes()
		hvalue := p.tokens[tokHeaderValue].bytes()

		if len(hname) > 0 && len(hvalue) > 0 && bytescase.CmpEq(hname, contentTypeName) {
			if _, ok := p.ParseBoundary(hvalue); ok {
				p.flags |= mpfIsNested
				boundary = p.boundary()
				boundaryLen = len(boundary)
			}
		}

		if len(hname) > 0 && p.flags&mpfBuffering != 0 {
			p.invoke(EvHeaderName, hname)
			p.invoke(EvHeaderValue, hvalue)
		}

		p.tokens[tokHeaderName].reset()
		p.tokens[tokHeaderValue].reset()
		p.state = mpHeader
		p.flags &^= mpfPastName
		p.flags &^= mpfMultiline
		p.offset = off
		fallthrough

	case mpHeader:
		switch {
		case c == '\r':
			p.state = mpHeaderEnd
		case c == ':' || bufEnd:
			namelen := (off - p.offset)
			if c != ':' {
				namelen++
			}
			if p.flags&mpfBuffering != 0 {
				if p.tokens[tokHeaderName].len()+namelen > p.sizeLimit {
					return p.fail(off, "the name exceeds the maximum allowed size")
				}
				p.tokens[tokHeaderName].append(buf[p.offset:p.offset+namelen], false)
			} else {
				p.invoke(EvHeaderName, buf[p.offset:p.offset+namelen])
			}
			if c == ':' {
				p.state = mpHeaderValueStart
				p.flags |= mpfPastName
			}
		}

	case mpHeaderEnd:
		if c != '\n' {
			return p.fail(off, "expected '\\n' but got '%s'", charEsc(c))
		}
		if p.flags&mpfIsNested != 0 {
			p.flags &^= mpfIsNested
			p.state = mpStart
		} else {
			p.state = mpPartStart
		}

	case mpHeaderValueStart:
		if c == ' ' || c == '\t' {
			break
		}
		p.offset = off
		p.state = mpHeaderValue
		fallthrough

	case mpHeaderValue:
		if c == '\r' || bufEnd {
			valuelen := off - p.offset
			if c != '\r' {
				valuelen++
			}
			if p.flags&mpfBuffering != 0 {
				l := p.tokens[tokHeaderValue].len()
				if p.flags&mpfMultiline != 0 {
					if l+1 > p.sizeLimit {
						return p.fail(off, "the value exceeds the maximum allowed size")
					}
					p.tokens[tokHeaderValue].append([]byte{' '}, false)
					p.flags &^= mpfMultiline
					l++
				}
				if l+valuelen > p.sizeLimit {
					return p.fail(off, "the value exceeds the maximum allowed size")
				}
				p.tokens[tokHeaderValue].append(buf[p.offset:p.offset+valuelen], false)
			} else {
				p.invoke(EvHeaderValue, buf[p.offset:p.offset+valuelen])
			}
			if c == '\r' {
				p.state = mpHeaderValueEnd
			}
		}

	case mpHeaderValueEnd:
		if c != '\n' {
			return p.fail(off, "expected '\\n' but got '%s'", charEsc(c))
		}
		p.state = mpHeaderStart

	case mpPartStart:
		if p.invoke(EvPartBegin, nil) {
			p.flags |= mpfBuffering
		} else {
			p.flags &^= mpfBuffering
		}
		p.tokens[tokData].reset()
		p.state = mpPartData
		p.flags |= mpfInPart
		p.offset = off
		fallthrough

	case mpPartData:
		if c == '\r' || bufEnd {
			if p.flags&mpfInPart != 0 {
				valuelen := off - p.offset
				if c != '\r' {
					valuelen++
				}
				if p.flags&mpfBuffering != 0 {
					if p.tokens[tokData].len()+valuelen > p.sizeLimit {
						return p.fail(off, "the value exceeds the maximum allow size")
					}
					p.tokens[tokData].append(buf[p.offset:p.offset+valuelen], false)
				} else {
					p.invoke(EvPartData, buf[p.offset:p.offset+valuelen])
				}
			}
			if c == '\r' {
				p.offset = off
				p.lookbehind[0] = byte(c)
				p.state = mpPartBoundaryStart
			}
		}

	case mpPartBoundaryStart:
		p.lookbehind[1] = byte(c)
		if c == '\n' {
			p.index = 0
			p.state = mpPartBoundary
		} else {
			if p.flags&mpfInPart != 0 {
				if p.flags&mpfBuffering != 0 {
					if p.tokens[tokData].len()+2 > p.sizeLimit {
						return p.fail(off, "the value exceeds the maximum allow size")
					}
					p.tokens[tokData].append(p.lookbehind[:2], false)
				} else {
					p.invoke(EvPartData, p.lookbehind[:2])
				}
			}
			p.offset = off + 1
			p.state = mpPartData
		}

	case mpPartBoundary:
		mismatch := false
		if p.index < 2 {
			mismatch = c != '-'
		} else {
			mismatch = boundaryLen == 0 || c != int(boundary[p.index-2])
		}
		if mismatch {
			if p.flags&mpfInPart != 0 {
				if p.flags&mpfBuffering != 0 {
					if p.tokens[tokData].len()+p.index+2 > p.sizeLimit {
						return p.fail(off, "the value exceeds the maximum allow size")
					}
					p.tokens[tokData].append(p.lookbehind[:p.index+2], false)
				} else {
					p.invoke(EvPartData, p.lookbehind[:p.index+2])
				}
			}
			p.offset = off
			p.lookbehind[0] = byte(c)
			if c == '\r' {
				p.state = mpPartBoundaryStart
			} else {
				p.state = mpPartData
				// c starts a new data run; if it is the last byte of this
				// call, flush it now, as mpPartData does at bufEnd.
				if bufEnd && c != eofByte && p.flags&mpfInPart != 0 {
					if p.flags&mpfBuffering != 0 {
						if p.tokens[tokData].len()+1 > p.sizeLimit {
							return p.fail(off, "the value exceeds the maximum allow size")
						}
						p.tokens[tokData].append(buf[off:off+1], false)
					} else {
						p.invoke(EvPartData, buf[off:off+1])
					}
				}
			}
		} else {
			p.lookbehind[p.index+2] = byte(c)
			p.index++
			if p.index-2 == boundaryLen {
				// A part whose own body is a nested multipart body
				// (IS_NESTED) never goes through PART_START/PART_BEGIN
				// for itself, so IN_PART is never set for it; gating
				// here (a deliberate deviation from the C reference,
				// which fires these unconditionally) keeps every
				// PART_END matched to a prior PART_BEGIN, per spec.md
				// §8 invariant 1.
				if p.flags&mpfInPart != 0 {
					if p.flags&mpfBuffering != 0 {
						p.invoke(EvPartData, p.tokens[tokData].bytes())
					}
					p.invoke(EvPartEnd, nil)
				}
				p.state = mpPartBoundaryEnd
				p.flags &^= mpfInPart
			}
		}

	case mpPartBoundaryEnd:
		switch c {
		case '-':
			p.state = mpPartFinal
		case '\r':
			p.state = mpPartEnd
		default:
			return p.fail(off, "expected '-' or '\\r' but got '%s'", charEsc(c))
		}

	case mpPartFinal:
		if c != '-' {
			return p.fail(off, "expected '-' but got '%s'", charEsc(c))
		}
		p.invoke(EvBodyEnd, boundary)
		next := p.popBoundary()
		p.index = 0
		if next != nil || p.nesting >= 0 {
			p.state = mpPartData
		} else {
			p.state = mpEnd
		}

	case mpPartEnd:
		if c != '\n' {
			return p.fail(off, "expected '\\n' but got '%s'", charEsc(c))
		}
		if p.invoke(EvPartInit, nil) {
			p.flags |= mpfBuffering
		} else {
			p.flags &^= mpfBuffering
		}
		p.state = mpHeaderStart

	case mpEnd:
		switch p.index {
		case 0:
			if c != '\r' {
				return p.fail(off, "expected '\\r' but got '%s'", charEsc(c))
			}
			p.index++
		case 1:
			if c != '\n' {
				return p.fail(off, "expected '\\n' but got '%s'", charEsc(c))
			}
			p.index++
			p.invoke(EvMultipartEOF, nil)
		default:
			if c > eofByte {
				return p.fail(off, "expected EOF, but got trailing junk")
			}
		}

	default:
		return p.fail(0, "parser is in unrecoverable error state")
	}

	return true
}
