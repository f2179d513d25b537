// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bodysp

import "fmt"

// ParseError is the type used for reporting parse errors and special
// internal conditions (like "need more bytes") from the low-level parsing
// functions. It is a small code rather than a wrapped error chain, since
// both parsers are meant to run in allocation-conscious, embedded-style
// callers that dispatch on the code, not on formatted text.
type ParseError uint8

// ParseError values.
const (
	// ErrOk means no error: the corresponding call completed successfully.
	ErrOk ParseError = iota
	// ErrMoreBytes means the input ended before the current token could
	// be finished; the caller should push more bytes and continue.
	ErrMoreBytes
	// ErrBadChar means an unexpected byte was found at a structural
	// position (framing, header syntax, boundary bytes, ...).
	ErrBadChar
	// ErrContinuation means a header-continuation line (leading
	// whitespace) was seen with no preceding header name to continue.
	ErrContinuation
	// ErrTooBig means a token (name, value or data run) would exceed the
	// configured size limit.
	ErrTooBig
	// ErrTrailingJunk means non-EOF bytes were seen after the parser
	// reached its terminal success state.
	ErrTrailingJunk
	// ErrBoundary means a Content-Type value passed to ParseBoundary did
	// not start with "multipart/", or the boundary stack is full or
	// empty when an operation required otherwise.
	ErrBoundary
	// ErrAttribute means a header-attribute value was malformed (bad
	// token character, unterminated quote, missing requested attribute).
	ErrAttribute
	// ErrNoMem means a growable buffer could not be grown (stand-in, in
	// Go, for the C original's allocation-failure path; surfaces through
	// the same event/LastError channel as any other error, per spec).
	ErrNoMem
	// ErrClosed means the parser has already seen an ERROR or EOF event
	// and Parse was called again.
	ErrClosed
	errMax
)

var parseErrorStr = [...]string{
	ErrOk:           "ok",
	ErrMoreBytes:    "more bytes needed",
	ErrBadChar:      "unexpected character",
	ErrContinuation: "header continuation without a preceding header",
	ErrTooBig:       "value exceeds the maximum allowed size",
	ErrTrailingJunk: "trailing data after end of input",
	ErrBoundary:     "invalid or exhausted multipart boundary",
	ErrAttribute:    "malformed header attribute",
	ErrNoMem:        "Out of memory",
	ErrClosed:       "parser already finished",
}

// String implements the Stringer interface.
func (e ParseError) String() string {
	if int(e) >= len(parseErrorStr) {
		return "invalid error code"
	}
	return parseErrorStr[e]
}

// Error implements the error interface, so ParseError can be returned
// wherever idiomatic Go code expects one, while callers that want the
// small-code dispatch style can still compare against the named
// constants directly.
func (e ParseError) Error() string {
	return e.String()
}

// mpartStateName holds a human-readable description for each multipart parser
// state, used only for diagnostic formatting (see formatDiag). Modeled
// after lh_mpart_state_descriptions in the C original.
var mpartStateName = [...]string{
	mpStart:             "start of multipart body",
	mpBoundaryStart:      "start of boundary",
	mpHeaderStart:        "start of header name",
	mpHeader:             "reading header name",
	mpHeaderEnd:          "finding header name end",
	mpHeaderValueStart:   "start of header value",
	mpHeaderValue:        "reading header value",
	mpHeaderValueEnd:     "finding header value end",
	mpPartStart:          "start of part data",
	mpPartData:           "reading part data",
	mpPartBoundaryStart:  "start of part boundary",
	mpPartBoundary:       "reading part boundary",
	mpPartBoundaryEnd:    "finding part boundary end",
	mpPartFinal:          "end of final part",
	mpPartEnd:            "end of part data",
	mpEnd:                "end of multipart body",
	mpError:              "parser error state",
}

// ueStateName holds a human-readable description for each urlencoded
// parser state, used only for diagnostic formatting (see formatDiag).
// Modeled after lh_urldec_state_descriptions in the C original.
var ueStateName = [...]string{
	ueNameStart:  "start of tuple name",
	ueName:       "reading tuple name",
	ueValueStart: "start of tuple value",
	ueValue:      "reading tuple value",
	ueEnd:        "end of body",
	ueError:      "parser error state",
}

// formatDiag formats a diagnostic message in the form spec.md §4.3 and
// §7 require: "At <state description>, byte offset <offset>, <message>".
// The message is formatted into the returned string directly. The C
// original's char_escape, which used a static buffer for formatting
// (flagged in spec.md §9 as global mutable state), is replaced by
// charEsc in multipart.go, which returns its result by value.
func formatDiag(stateName string, offset int64, msg string) string {
	if stateName == "" {
		stateName = "unknown state"
	}
	return fmt.Sprintf("At %s, byte offset %d, %s", stateName, offset, msg)
}

func mpartStateDesc(s mpState) string {
	if int(s) < len(mpartStateName) && mpartStateName[s] != "" {
		return mpartStateName[s]
	}
	return "unknown state"
}

func ueStateDesc(s ueState) string {
	if int(s) < len(ueStateName) && ueStateName[s] != "" {
		return ueStateName[s]
	}
	return "unknown state"
}

// Tracer is the optional diagnostic sink a parser can be constructed with
// (spec.md §3's "optional diagnostic sink"). It is deliberately minimal:
// this module's retrieval pack carries no structured-logging dependency
// for a library with no CLI or transport surface of its own, so a single
// printf-style method is all that's wired. A nil Tracer disables tracing.
type Tracer interface {
	Tracef(format string, args ...interface{})
}

func trace(t Tracer, format string, args ...interface{}) {
	if t != nil {
		t.Tracef(format, args...)
	}
}
