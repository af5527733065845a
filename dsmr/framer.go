// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package dsmr

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrTelegramTooLong reports that more than MaxTelegramSize bytes were
// buffered without a complete telegram. The stream is out of protocol;
// resynchronizing the buffer is not enough, the caller must drop the
// connection.
var ErrTelegramTooLong = errors.New("dsmr: telegram exceeds maximum size")

// MalformedTelegramError wraps a parser failure for one extracted
// frame. The frame has already been consumed; the caller may keep
// reading from the same connection.
type MalformedTelegramError struct {
	Err error
}

func (e *MalformedTelegramError) Error() string {
	return fmt.Sprintf("dsmr: malformed telegram: %v", e.Err)
}

func (e *MalformedTelegramError) Unwrap() error { return e.Err }

// Framer extracts telegrams from an arbitrarily chunked byte stream
// and hands each complete frame to the parser. A Framer lives for one
// connection and is discarded on reconnect.
type Framer struct {
	parser    Parser
	buf       []byte
	discarded uint64
}

// NewFramer allocates a Framer with its buffer capacity reserved up
// to the maximum telegram size.
func NewFramer(parser Parser) *Framer {
	return &Framer{parser: parser, buf: make([]byte, 0, MaxTelegramSize)}
}

// Feed appends newly received bytes to the internal buffer.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Discarded returns the total number of bytes dropped while
// resynchronizing on a start marker.
func (f *Framer) Discarded() uint64 { return f.discarded }

// Next attempts to extract and parse the next complete telegram from
// the buffered bytes. It returns (nil, nil) when the buffer does not
// hold a complete frame yet, ErrTelegramTooLong when the stream is out
// of protocol, or a MalformedTelegramError when the parser rejects an
// extracted frame.
func (f *Framer) Next() (*Telegram, error) {
	if len(f.buf) > MaxTelegramSize {
		return nil, ErrTelegramTooLong
	}

	// Resynchronize on the start marker, dropping any garbage or
	// partial frame in front of it.
	start := bytes.IndexByte(f.buf, StartByte)
	if start < 0 {
		return nil, nil
	}
	if start > 0 {
		f.discarded += uint64(start)
		f.buf = f.buf[:copy(f.buf, f.buf[start:])]
	}

	end := bytes.IndexByte(f.buf, EndByte)
	if end < 0 {
		return nil, nil
	}
	length := end + ChecksumLength
	if len(f.buf) < length {
		return nil, nil
	}

	// The parser expects a fixed-width, zero-padded readout.
	var readout [MaxTelegramSize]byte
	copy(readout[:], f.buf[:length])
	f.buf = f.buf[:copy(f.buf, f.buf[length:])]

	telegram, err := f.parser.Parse(readout[:])
	if err != nil {
		return nil, &MalformedTelegramError{Err: err}
	}
	return telegram, nil
}
