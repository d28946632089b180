// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the remote.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"

	"github.com/creachadair/esb/remote"
)

// Direct constructs a connected pair of in-memory channels that pass frames
// directly without encoding into binary. Frames sent to A are received by B
// and vice versa.
func Direct() (A, B remote.Channel) {
	a2b := make(chan *remote.Frame)
	b2a := make(chan *remote.Frame)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *remote.Frame
	b2a <-chan *remote.Frame
}

// Send implements a method of the [remote.Channel] interface.
func (d direct) Send(f *remote.Frame) (err error) {
	defer safeClose(&err)
	d.a2b <- f
	return nil
}

// Recv implements a method of the [remote.Channel] interface.
func (d direct) Recv() (*remote.Frame, error) {
	f, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return f, nil
}

// Close implements a method of the [remote.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives frames on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [remote.Channel] interface.
func (c IOChannel) Send(f *remote.Frame) error {
	if _, err := f.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [remote.Channel] interface.
func (c IOChannel) Recv() (*remote.Frame, error) {
	var f remote.Frame
	if _, err := f.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &f, nil
}

// Close implements a method of the [remote.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
