// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Scanner reads encoded values from the contents of a payload.
// The methods of a scanner return [io.EOF] when no further input is available.
// Incomplete values report [io.ErrUnexpectedEOF].
type Scanner struct {
	rest   []byte
	offset int // of rest from the start of input
}

// NewScanner constructs a [Scanner] that consumes data from input.  The
// scanner does not modify the contents of input, but retains slices into it,
// so the caller should ensure it is not modified while the scanner is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// Bool scans a single byte from the head of the input and converts it into a
// Boolean value (0 means false, non-zero means true).
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.advance(1)
	return out, nil
}

// Vint30 parses a single [Vint30] value from the head of the input.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	nb := int(s.rest[0]%4) + 1
	if len(s.rest) < nb {
		return 0, io.ErrUnexpectedEOF
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = (w * 256) + uint32(s.rest[i])
	}
	s.advance(nb)
	return int(w >> 2), nil
}

// Uint16 parses a big-endian uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	if err := s.need(2); err != nil {
		return 0, err
	}
	out := binary.BigEndian.Uint16(s.rest)
	s.advance(2)
	return out, nil
}

// Uint32 parses a big-endian uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if err := s.need(4); err != nil {
		return 0, err
	}
	out := binary.BigEndian.Uint32(s.rest)
	s.advance(4)
	return out, nil
}

// Uint64 parses a big-endian uint64 value from the head of the input.
func (s *Scanner) Uint64() (uint64, error) {
	if err := s.need(8); err != nil {
		return 0, err
	}
	out := binary.BigEndian.Uint64(s.rest)
	s.advance(8)
	return out, nil
}

// VStrings parses a count-prefixed list of length-prefixed strings, as
// written by [Builder.VPutStrings].
func (s *Scanner) VStrings() ([]string, error) {
	n, err := s.Vint30()
	if err != nil {
		return nil, err
	}
	if n > s.Len() {
		// Each string needs at least one byte of length.
		return nil, fmt.Errorf("list truncated (%d > %d bytes): %w", n, s.Len(), io.ErrUnexpectedEOF)
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = VGet[string](s)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return out, nil
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns a slice of the remaining unconsumed input of s.
// The reported slice is only valid until the next call to a method of s,
// and the caller must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }

func (s *Scanner) need(n int) error {
	if len(s.rest) < n {
		return fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	return nil
}

func (s *Scanner) advance(n int) {
	s.offset += n
	s.rest = s.rest[n:]
}

// VGet parses a single length-prefixed string from the head of s.
// When the result is a slice, the value aliases the input, and the caller must
// not modify its contents.
func VGet[Str ~string | ~[]byte](s *Scanner) (out Str, err error) {
	nb, err := s.Vint30()
	if err != nil {
		return out, err
	}
	return Get[Str](s, nb)
}

// Get returns a string of exactly n bytes from the head of the input.
// If the full requested amount is not available, a partial result is returned
// along with an error.  When the result is a slice, the value aliases the
// input, and the caller must not modify its contents.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if err := s.need(n); err != nil {
		return Str(s.rest), err
	}
	out := Str(s.rest[:n])
	s.advance(n)
	return out, nil
}
