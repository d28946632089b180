// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package remote

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/esb/packet"
)

// Version is the protocol version written in the header of each frame.
const Version = 0

// MaxPayload is the largest frame payload accepted by ReadFrom.
const MaxPayload = 16 << 20

// A Frame is the unit of transmission between remote peers.
//
// The binary format of a frame is an 8-byte header followed by the payload:
//
//	'E' 'X' version type <payload length: uint32 big-endian>
type Frame struct {
	Version byte
	Type    FrameType
	Payload []byte
}

// Encode encodes f in binary format.
func (f Frame) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(f.Payload)))
	if _, err := f.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding frame: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'E', 'X', f.Version, byte(f.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(f.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(f.Payload) != 0 {
		var np int
		np, err = w.Write(f.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies io.ReaderFrom.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		if err == io.EOF {
			return int64(nr), err // clean end of stream
		}
		return int64(nr), fmt.Errorf("short frame header: %w", err)
	}
	if p := string(buf[:3]); p != "EX\x00" {
		return int64(nr), fmt.Errorf("invalid protocol version %q", p)
	}

	f.Version = buf[2]
	f.Type = FrameType(buf[3])
	f.Payload = nil

	psize := binary.BigEndian.Uint32(buf[4:])
	if psize > MaxPayload {
		return int64(nr), fmt.Errorf("frame payload too large (%d > %d bytes)", psize, MaxPayload)
	} else if psize > 0 {
		f.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, f.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	var pay string
	var msg interface {
		packet.Decoder
		fmt.Stringer
	}
	switch f.Type {
	case FrameRequest:
		msg = new(Request)
	case FrameReply:
		msg = new(Reply)
	case FrameDescribe:
		msg = new(Describe)
	case FrameDescription:
		msg = new(Description)
	}
	if msg != nil && packet.Unmarshal(f.Payload, msg) == nil {
		pay = msg.String()
	} else {
		pay = fmt.Sprintf("[%d bytes]", len(f.Payload))
	}
	return fmt.Sprintf("Frame(EX%v, %v, %s)", f.Version, f.Type, pay)
}

// FrameType describes the payload of a frame.
type FrameType byte

const (
	FrameRequest     FrameType = 1 // a request for a remote service
	FrameReply       FrameType = 2 // the outcome of a request
	FrameDescribe    FrameType = 3 // a request for the interface of a remote service
	FrameDescription FrameType = 4 // the interface of a remote service
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "REQUEST"
	case FrameReply:
		return "REPLY"
	case FrameDescribe:
		return "DESCRIBE"
	case FrameDescription:
		return "DESCRIPTION"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}
