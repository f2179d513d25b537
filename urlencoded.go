// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bodysp

import "fmt"

// ueState is the urlencoded parser's internal state, per spec.md §4.4.
type ueState uint8

const (
	ueNameStart ueState = iota
	ueName
	ueValueStart
	ueValue
	ueEnd
	ueError
)

// ueFlags packs the urlencoded parser's per-tuple flag bits.
type ueFlags uint8

const (
	uefBuffering ueFlags = 1 << iota
	uefGotName
	uefGotValue
)

type ueToken int

const (
	tokName ueToken = iota
	tokValue
	ueTokenCount
)

// ueEOF and ueEOB are the two synthetic, non-byte values fed through the
// per-byte step function (spec.md §4.4's EOB vs EOF distinction): ueEOB
// marks the end of the current Parse call's buffer (a chunk boundary,
// not necessarily the end of input) and triggers a flush without ending
// the tuple; ueEOF marks true end of input (a Parse(nil) / Close call)
// and both flushes and ends the tuple.
const (
	ueEOF = -1
	ueEOB = -2
)

// UrlencodedParser incrementally parses an application/x-www-form-
// urlencoded body, invoking a UrlencodedCallback as it recognizes tuple
// lifecycle events, names and values (spec.md §4.4).
//
// A UrlencodedParser is constructed with NewUrlencodedParser, configured with
// SetCallback and SetSizeLimit, then fed with repeated calls to Parse
// until either an error is reported or Parse(nil) (or Close) signals end
// of input. It must not be reused after either: construct a new one.
type UrlencodedParser struct {
	state ueState
	flags ueFlags

	offset int
	total  int64

	tokens [ueTokenCount]token

	sizeLimit int
	cb        UrlencodedCallback
	tracer    Tracer
	lastError string
}

// NewUrlencodedParser creates an empty urlencoded parser. tracer may be
// nil to disable diagnostic tracing.
func NewUrlencodedParser(tracer Tracer) *UrlencodedParser {
	return &UrlencodedParser{
		sizeLimit: defaultSizeLimit,
		tracer:    tracer,
	}
}

// SetCallback installs the event callback.
func (p *UrlencodedParser) SetCallback(cb UrlencodedCallback) {
	p.cb = cb
}

// SetSizeLimit sets the maximum size, in bytes, of any buffered tuple
// name or value. Values below 1024 are silently ignored (spec.md §9
// Open Question), with a trace note if a tracer is installed.
func (p *UrlencodedParser) SetSizeLimit(limit int) {
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
// "" if the parser has not errored.
func (p *UrlencodedParser) LastError() string {
	return p.lastError
}

func (p *UrlencodedParser) fail(off int, format string, args ...interface{}) bool {
	msg := fmt.Sprintf(format, args...)
	diag := formatDiag(ueStateDesc(p.state), p.total+int64(off), msg)
	p.lastError = diag
	p.invoke(EvUrlencodedError, []byte(diag))
	p.state = ueError
	return false
}

func (p *UrlencodedParser) invoke(event UrlencodedEvent, data []byte) bool {
	trace(p.tracer, "urlencoded event %s data=%q", event, data)
	if p.cb == nil {
		return true
	}
	return p.cb(p, event, data)
}

// Parse feeds buf into the parser. A nil buf signals end of input
// (spec.md §6). It returns false if an error (or size-limit violation)
// was encountered; LastError then describes it.
func (p *UrlencodedParser) Parse(buf []byte) bool {
	if p.state == ueError {
		return false
	}
	p.offset = 0
	n := len(buf)
	for i := 0; i < n; i++ {
		if !p.step(buf, i, int(buf[i])) {
			return false
		}
	}
	end := ueEOB
	if buf == nil {
		end = ueEOF
	}
	if !p.step(buf, n, end) {
		return false
	}
	p.total += int64(n)
	return true
}

// Close signals end of input; it is equivalent to Parse(nil).
func (p *UrlencodedParser) Close() bool {
	return p.Parse(nil)
}

// step advances the state machine by one byte, or by one of the two
// synthetic sentinels ueEOB (end of this call's buffer) or ueEOF (end of
// input). It mirrors lh_urldec_step in the C reference implementation.
func (p *UrlencodedParser) step(buf []byte, off int, c int) bool {
	switch p.state {
	case ueNameStart:
		p.offset = off
		p.flags &^= uefGotName
		p.flags &^= uefGotValue

		if p.invoke(EvTuple, nil) {
			p.flags |= uefBuffering
		} else {
			p.flags &^= uefBuffering
		}

		p.tokens[tokName].reset()
		p.tokens[tokValue].reset()
		p.state = ueName
		fallthrough

	case ueName:
		if c == '=' || c == '&' || c <= ueEOF {
			keylen := off - p.offset

			if p.flags&uefBuffering != 0 {
				if p.tokens[tokName].len()+keylen > p.sizeLimit {
					return p.fail(off, "the key exceeds the maximum allowed size")
				}
				p.tokens[tokName].append(buf[p.offset:p.offset+keylen], false)

				if (c == '&' || c == ueEOF) && p.flags&uefGotName != 0 {
					p.invoke(EvName, p.tokens[tokName].bytes())
					// Unlike the C reference, which invokes VALUE
					// unconditionally here (with a NULL/empty token), no
					// '=' was seen for this tuple, so there
					// is no VALUE event (spec.md §9 Open Question; see
					// S6: "c" at end of input yields NAME only).
					if p.flags&uefGotValue != 0 {
						p.invoke(EvValue, p.tokens[tokValue].bytes())
					}
				}
			} else if p.flags&uefGotName != 0 || keylen > 0 {
				// An empty key produces no NAME event at all, in either
				// mode (spec.md §4.4); the C reference invokes this
				// unconditionally, including for a 0-length slice, which
				// this guard deliberately deviates from.
				p.invoke(EvName, buf[p.offset:p.offset+keylen])
			}

			switch c {
			case '=':
				p.state = ueValueStart
			case '&':
				p.state = ueNameStart
			case ueEOF:
				p.invoke(EvUrlencodedEOF, nil)
				p.state = ueEnd
			}
		} else {
			p.flags |= uefGotName
		}

	case ueValueStart:
		p.offset = off
		p.flags |= uefGotValue
		p.state = ueValue
		fallthrough

	case ueValue:
		if c == '&' || c <= ueEOF {
			vallen := off - p.offset

			if p.flags&uefBuffering != 0 {
				if p.tokens[tokValue].len()+vallen > p.sizeLimit {
					return p.fail(off, "the value exceeds the maximum allowed size")
				}
				p.tokens[tokValue].append(buf[p.offset:p.offset+vallen], false)

				if c != ueEOB && p.flags&uefGotName != 0 {
					p.invoke(EvName, p.tokens[tokName].bytes())
					p.invoke(EvValue, p.tokens[tokValue].bytes())
				}
			} else {
				p.invoke(EvValue, buf[p.offset:p.offset+vallen])
			}

			if c > ueEOF {
				p.state = ueNameStart
			} else if c == ueEOF {
				p.invoke(EvUrlencodedEOF, nil)
				p.state = ueEnd
			}
		}

	case ueEnd:
		if c > ueEOF {
			return p.fail(off, "expected EOF, but got trailing junk")
		}

	default:
		return p.fail(0, "parser is in unrecoverable error state")
	}

	return true
}
