// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/esb"
	"github.com/creachadair/esb/channel"
	"github.com/creachadair/esb/handler"
	"github.com/creachadair/esb/peers"
	"github.com/creachadair/esb/remote"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(channel.IOChannel); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, channel.IOChannel{})
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ch, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", ch)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	server := esb.NewDomain("server")
	if _, err := server.RegisterService("Echo", esb.DefaultInOut(), handler.ParamResult(slowEcho)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst), func() *remote.Peer {
			return remote.NewPeer(server)
		})
	})
	t.Log("Started peer loop...")

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for i := range numClients {
		g.Go(func() error {
			ch, err := peers.Dial(t.Context(), addr)
			if err != nil {
				return err
			}
			client := esb.NewDomain(fmt.Sprintf("client-%d", i+1))
			peer := remote.NewPeer(client).Start(ch)
			if _, err := peer.Import(t.Context(), "Echo", "Echo"); err != nil {
				peer.Stop()
				return err
			}
			ref, err := client.RegisterServiceReference("Echo", esb.DefaultInOut(), esb.WithTimeout(5*time.Second))
			if err != nil {
				peer.Stop()
				return err
			}
			for j := range numCalls {
				msg := fmt.Sprintf("call %d", j+1)
				x, err := ref.Call(t.Context(), "", msg)
				if err != nil {
					t.Errorf("Call %d: %v", j+1, err)
				} else if got := x.Message().Content(); got != msg {
					t.Errorf("Call %d: got %v, want %q", j+1, got, msg)
				}
			}
			return peer.Stop()
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	t.Logf("Loop exited, err=%v", loop.Wait())
}

func slowEcho(ctx context.Context, s string) string {
	time.Sleep(7 * time.Millisecond)
	return s
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"path/with:404", "unix"},  // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},            // numeric port
		{":dumb-crud", "tcp"},     // service name
		{"localhost:80", "tcp"},   // host and numeric port
		{"localhost:http", "tcp"}, // host and service name
	}
	for _, test := range tests {
		got, addr := peers.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}
