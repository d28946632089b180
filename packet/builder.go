// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding the binary
// payloads exchanged between remote service domains.
//
// A payload is built by appending values to a [Builder], and read back in the
// same order with a [Scanner]. Strings and byte slices are length-prefixed
// with a [Vint30], so a payload is self-framing and needs no separators.
package packet

import (
	"encoding/binary"

	"github.com/creachadair/mds/value"
)

// A Builder is a buffer that accumulates data into a payload. The zero value is
// ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Bool appends a Boolean to b. The encoding is a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the specified string to b without a length prefix.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// VPut appends a length-prefixed byte slice to b.
func (b *Builder) VPut(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.Vint30(uint32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// VPutString appends a length-prefixed string to b.
func (b *Builder) VPutString(s string) {
	b.Grow(VLen(len(s)))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// VPutStrings appends a count-prefixed list of length-prefixed strings to b.
func (b *Builder) VPutStrings(ss []string) {
	b.Vint30(uint32(len(ss)))
	for _, s := range ss {
		b.VPutString(s)
	}
}

// Uint16 appends v to b in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Uint64 appends v to b in big-endian order.
func (b *Builder) Uint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

// Vint30 appends a [Vint30] value to b. It panics if v > [MaxVint30].
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains
// ownership of the reported slice, and the caller must not retain or modify
// its contents unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow resizes the internal buffer of b if necessary to ensure that at least n
// more bytes can be added without triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}
