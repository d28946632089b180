// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SyncInOut is a reply handler that lets a caller block until an in-out
// exchange completes. Construct a new one for each call, and pass it as the
// reply handler when creating the exchange:
//
//	reply := esb.NewSyncInOut()
//	x, err := ref.CreateExchange("op", reply)
//	...
//	x.Send(ctx, msg)
//	x, err = reply.WaitForOut(5 * time.Second)
//
// The first reply or fault delivered to a SyncInOut is retained, so a reply
// that arrives before the caller begins waiting is not lost. Later deliveries
// are ignored.
type SyncInOut struct {
	once sync.Once
	done chan struct{}
	x    atomic.Pointer[Exchange]
}

// NewSyncInOut constructs a new SyncInOut with no reply.
func NewSyncInOut() *SyncInOut { return &SyncInOut{done: make(chan struct{})} }

// HandleMessage implements a method of the Handler interface.
func (s *SyncInOut) HandleMessage(_ context.Context, x *Exchange) error { s.deliver(x); return nil }

// HandleFault implements a method of the Handler interface.
func (s *SyncInOut) HandleFault(_ context.Context, x *Exchange) error { s.deliver(x); return nil }

// Name implements the Namer interface.
func (*SyncInOut) Name() string { return "sync-in-out" }

func (s *SyncInOut) deliver(x *Exchange) {
	s.once.Do(func() {
		s.x.Store(x)
		close(s.done)
	})
}

// Done returns a channel that is closed when a reply or fault has been
// delivered to s.
func (s *SyncInOut) Done() <-chan struct{} { return s.done }

// WaitForOut blocks until a reply or fault is delivered to s, and returns the
// completed exchange. The caller distinguishes a reply from a fault by the
// State of the exchange. If no reply arrives before the timeout elapses,
// WaitForOut reports a *DeliveryError wrapping ErrTimeout.
//
// The timeout must be positive; otherwise WaitForOut reports
// ErrInvalidTimeout.
func (s *SyncInOut) WaitForOut(timeout time.Duration) (*Exchange, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	return s.wait(context.Background(), timeout)
}

// Wait blocks until a reply or fault is delivered to s or ctx ends. If ctx
// ends first, Wait reports a *DeliveryError wrapping the error from ctx.
func (s *SyncInOut) Wait(ctx context.Context) (*Exchange, error) { return s.wait(ctx, 0) }

// wait blocks until a reply arrives, ctx ends, or timeout elapses. A timeout
// of zero means no timeout.
func (s *SyncInOut) wait(ctx context.Context, timeout time.Duration) (*Exchange, error) {
	// Prefer a reply that is already present over an expired deadline.
	select {
	case <-s.done:
		return s.x.Load(), nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-s.done:
		return s.x.Load(), nil
	case <-expired:
		return nil, &DeliveryError{Timeout: timeout, Err: ErrTimeout}
	case <-ctx.Done():
		return nil, &DeliveryError{Timeout: timeout, Err: ctx.Err()}
	}
}
