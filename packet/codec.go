// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package packet

import "fmt"

// An Encoder is a value that can append its binary encoding to a Builder.
type Encoder interface {
	Encode(*Builder)
}

// A Decoder is a value that can decode itself from the head of a Scanner.
type Decoder interface {
	Decode(*Scanner) error
}

// Marshal returns the binary encoding of v.
func Marshal(v Encoder) []byte {
	var b Builder
	v.Encode(&b)
	return b.Bytes()
}

// Unmarshal decodes data into v. It reports an error if v does not consume
// all of data.
func Unmarshal(data []byte, v Decoder) error {
	s := NewScanner(data)
	if err := v.Decode(s); err != nil {
		return fmt.Errorf("decode %T at offset %d: %w", v, s.Offset(), err)
	}
	if s.Len() != 0 {
		return fmt.Errorf("decode %T: %d bytes of extra data at offset %d", v, s.Len(), s.Offset())
	}
	return nil
}
