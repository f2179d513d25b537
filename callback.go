// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bodysp

// MultipartEvent enumerates the event kinds a MultipartParser's callback
// is invoked with, per spec.md §4.3.
type MultipartEvent uint8

// Multipart event kinds.
const (
	EvBodyBegin MultipartEvent = iota
	EvPartInit
	EvHeaderName
	EvHeaderValue
	EvPartBegin
	EvPartData
	EvPartEnd
	EvBodyEnd
	EvMultipartEOF
	EvMultipartError
)

var multipartEventStr = [...]string{
	EvBodyBegin:      "BODY_BEGIN",
	EvPartInit:       "PART_INIT",
	EvHeaderName:     "HEADER_NAME",
	EvHeaderValue:    "HEADER_VALUE",
	EvPartBegin:      "PART_BEGIN",
	EvPartData:       "PART_DATA",
	EvPartEnd:        "PART_END",
	EvBodyEnd:        "BODY_END",
	EvMultipartEOF:   "EOF",
	EvMultipartError: "ERROR",
}

// String implements the Stringer interface.
func (e MultipartEvent) String() string {
	if int(e) >= len(multipartEventStr) {
		return "unknown"
	}
	return multipartEventStr[e]
}

// MultipartCallback is the capability a host presents to a MultipartParser
// (spec.md §6, §9 "callback-as-polymorphism"). data is a slice borrowed
// from the buffer passed to the current Parse call (or owned by an
// internal token, for buffered-mode emission); it is valid only for the
// duration of the callback invocation and must not be retained. The
// returned bool is only meaningful for EvPartInit/EvPartBegin: a truthy
// return selects buffered mode for the header set, or part body, that is
// about to start.
type MultipartCallback func(p *MultipartParser, event MultipartEvent, data []byte) bool

// UrlencodedEvent enumerates the event kinds a UrlencodedParser's callback
// is invoked with, per spec.md §4.4.
type UrlencodedEvent uint8

// Urlencoded event kinds.
const (
	EvTuple UrlencodedEvent = iota
	EvName
	EvValue
	EvUrlencodedEOF
	EvUrlencodedError
)

var urlencodedEventStr = [...]string{
	EvTuple:           "TUPLE",
	EvName:            "NAME",
	EvValue:           "VALUE",
	EvUrlencodedEOF:   "EOF",
	EvUrlencodedError: "ERROR",
}

// String implements the Stringer interface.
func (e UrlencodedEvent) String() string {
	if int(e) >= len(urlencodedEventStr) {
		return "unknown"
	}
	return urlencodedEventStr[e]
}

// UrlencodedCallback is the capability a host presents to a
// UrlencodedParser. The returned bool only matters for EvTuple: a truthy
// return selects buffered mode for the tuple that is about to start.
// Bytes are emitted raw; percent-decoding is the callback's job, if
// wanted (spec.md §4.4).
type UrlencodedCallback func(p *UrlencodedParser, event UrlencodedEvent, data []byte) bool
