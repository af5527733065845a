// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package dsmr

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// captureParser records the frames handed to it so tests can check
// extraction independent of the telegram grammar.
type captureParser struct {
	frames [][]byte
	err    error
}

func (p *captureParser) Parse(readout []byte) (*Telegram, error) {
	frame := make([]byte, len(readout))
	copy(frame, readout)
	p.frames = append(p.frames, frame)
	if p.err != nil {
		return nil, p.err
	}
	return &Telegram{}, nil
}

func rawFrame(body string) []byte {
	return []byte("/" + body + "!ABCD\r\n")
}

func TestFramerNext(t *testing.T) {
	frameA := rawFrame("AAA\r\n")
	frameB := rawFrame("BBB\r\n")

	tests := []struct {
		name       string
		input      []byte
		wantFrames [][]byte
		discarded  uint64
	}{
		{"EmptyBuffer", nil, nil, 0},
		{"PartialFrame", frameA[:5], nil, 0},
		{"MissingChecksumTail", frameA[:len(frameA)-2], nil, 0},
		{"SingleFrame", frameA, [][]byte{frameA}, 0},
		{"GarbageBeforeFrame", append([]byte("noise"), frameA...), [][]byte{frameA}, 5},
		{"TwoFrames", append(append([]byte{}, frameA...), frameB...), [][]byte{frameA, frameB}, 0},
		{"GarbageBetweenFrames", bytes.Join([][]byte{frameA, []byte("xx"), frameB}, nil), [][]byte{frameA, frameB}, 2},
		{"GarbageOnly", []byte("no markers here"), nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := &captureParser{}
			f := NewFramer(parser)
			f.Feed(tt.input)

			for {
				telegram, err := f.Next()
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				if telegram == nil {
					break
				}
			}

			if len(parser.frames) != len(tt.wantFrames) {
				t.Fatalf("extracted %d frames, want %d", len(parser.frames), len(tt.wantFrames))
			}
			for i, want := range tt.wantFrames {
				got := parser.frames[i]
				if len(got) != MaxTelegramSize {
					t.Fatalf("frame %d not padded: %d bytes", i, len(got))
				}
				if !bytes.Equal(got[:len(want)], want) {
					t.Errorf("frame %d = %q, want %q", i, got[:len(want)], want)
				}
				if rest := got[len(want):]; !bytes.Equal(rest, make([]byte, len(rest))) {
					t.Errorf("frame %d padding is not zeroed", i)
				}
			}
			if f.Discarded() != tt.discarded {
				t.Errorf("Discarded() = %d, want %d", f.Discarded(), tt.discarded)
			}
		})
	}
}

func TestFramerChunkedInput(t *testing.T) {
	frame := rawFrame("chunked payload\r\n")
	stream := append([]byte("leading junk"), frame...)

	for _, chunkSize := range []int{1, 2, 3, 7, len(stream)} {
		t.Run(fmt.Sprintf("ChunkSize%d", chunkSize), func(t *testing.T) {
			parser := &captureParser{}
			f := NewFramer(parser)

			var got int
			for i := 0; i < len(stream); i += chunkSize {
				end := i + chunkSize
				if end > len(stream) {
					end = len(stream)
				}
				f.Feed(stream[i:end])
				for {
					telegram, err := f.Next()
					if err != nil {
						t.Fatalf("Next() error = %v", err)
					}
					if telegram == nil {
						break
					}
					got++
				}
			}

			if got != 1 {
				t.Fatalf("decoded %d telegrams, want 1", got)
			}
			if !bytes.Equal(parser.frames[0][:len(frame)], frame) {
				t.Errorf("frame = %q, want %q", parser.frames[0][:len(frame)], frame)
			}
		})
	}
}

func TestFramerOversizedStream(t *testing.T) {
	parser := &captureParser{}
	f := NewFramer(parser)

	// A start marker with no end marker in sight: once the buffer
	// exceeds the maximum telegram size the framer must fail hard.
	f.Feed([]byte{StartByte})
	f.Feed(bytes.Repeat([]byte("y"), MaxTelegramSize))

	_, err := f.Next()
	if !errors.Is(err, ErrTelegramTooLong) {
		t.Fatalf("Next() error = %v, want ErrTelegramTooLong", err)
	}
	if len(parser.frames) != 0 {
		t.Errorf("parser saw %d frames, want none", len(parser.frames))
	}
}

func TestFramerMalformedTelegram(t *testing.T) {
	parser := &captureParser{err: errors.New("bad checksum")}
	f := NewFramer(parser)

	frameA := rawFrame("AAA\r\n")
	frameB := rawFrame("BBB\r\n")
	f.Feed(append(append([]byte{}, frameA...), frameB...))

	_, err := f.Next()
	var malformed *MalformedTelegramError
	if !errors.As(err, &malformed) {
		t.Fatalf("Next() error = %v, want MalformedTelegramError", err)
	}

	// The bad frame is consumed; extraction continues with the next.
	parser.err = nil
	telegram, err := f.Next()
	if err != nil {
		t.Fatalf("Next() after malformed frame: %v", err)
	}
	if telegram == nil {
		t.Fatal("Next() = nil, want second telegram")
	}
	if !bytes.Equal(parser.frames[1][:len(frameB)], frameB) {
		t.Errorf("second frame = %q, want %q", parser.frames[1][:len(frameB)], frameB)
	}
}
