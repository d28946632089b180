// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package remote implements a binding that carries exchanges between service
// domains over a reliable ordered stream of frames.
//
// A [Peer] serves the services of its local domain to the remote peer, and
// forwards exchanges from its local domain to services of the remote domain:
//
//	p := remote.NewPeer(domain).Start(ch)
//
//	// Provide the remote "Billing" service locally as "Billing".
//	svc, err := p.Import(ctx, "Billing", "Billing")
//
// A request is delivered to the remote domain as a new exchange with the same
// operation. Its reply or fault is sent back and completes the local exchange.
// If the peer fails before a reply arrives, the local exchange is faulted.
//
// Content must be nil, a string, a []byte, an error, or a value that
// implements encoding.BinaryMarshaler or encoding.TextMarshaler; values of
// other types fault the exchange. Errors arrive as *RemoteError. Exchange and
// message properties with string or []byte values travel with each message
// unless they are labelled transient.
package remote

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/esb"
	"github.com/creachadair/esb/packet"
	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of frames shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the frame in binary format to the receiver.
	Send(*Frame) error

	// Receive the next available frame from the channel.
	Recv() (*Frame, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A FrameLogger logs a frame exchanged with the remote peer.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a frame and a flag indicating whether the frame was
// sent or received.
type FrameInfo struct {
	*Frame      // the frame being logged
	Sent   bool // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) dir() string {
	if f.Sent {
		return "send"
	}
	return "recv"
}

func (f FrameInfo) String() string { return fmt.Sprintf("%v %v", f.dir(), f.Frame) }

// errNotRunning is reported for requests on a peer that has not been started.
var errNotRunning = errors.New("peer is not running")

// A Peer connects a local service domain to a remote one.
//
// Call Start with a channel to start the service routine for the peer.  Once
// started, a peer runs until Stop is called, the channel closes, or a protocol
// fatal error occurs. Use Wait to wait for the peer to exit and report its
// status.
//
// While it runs, the peer delivers requests from the remote peer to the
// services of its domain. Use Forward or Import to send exchanges to the
// remote peer. These methods are safe for concurrent use by multiple
// goroutines.
type Peer struct {
	domain *esb.Domain

	in  interface{ Recv() (*Frame, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err   error                  // protocol fatal error
	ocall map[uint32]pending     // outbound requests pending replies
	nexto uint32                 // last used outbound request ID
	icall map[uint32]func()      // requestID → cancel func
	flog  FrameLogger            // what it says on the tin
	base  func() context.Context // return a new base context

	onExit func(error)
}

// A pending is called with the reply to an outbound request, or with the
// error that terminated the peer before the reply arrived.
type pending func(*Frame, error)

// NewPeer constructs a new unstarted peer serving the services of d.  If d is
// nil, the peer can forward exchanges but rejects requests from the remote
// peer.
func NewPeer(d *esb.Domain) *Peer { return &Peer{domain: d} }

// Domain reports the local domain of p.
func (p *Peer) Domain() *esb.Domain { return p.domain }

// Start starts the peer running on the given channel. The peer runs until the
// channel closes or a protocol fatal error occurs. Start does not block; call
// Wait to wait for the peer to exit and report its status.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.in != nil {
		panic("peer is already started")
	}

	g := taskgroup.New(nil)
	p.in = ch
	p.tasks = g
	p.out.ch = ch
	p.err = nil
	p.ocall = make(map[uint32]pending)
	p.icall = make(map[uint32]func())
	if p.base == nil {
		p.base = context.Background
	}

	in := p.in
	g.Go(func() error {
		for {
			f, err := in.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			rootMetrics.frameRecv.Add(1)
			if err := p.dispatchFrame(f); err != nil {
				p.fail(err)
				return nil
			}
		}
	})

	return p
}

// Metrics returns a metrics map for the peer. It is safe for the caller to add
// additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return rootMetrics.emap }

// Stop closes the channel and terminates the peer. It blocks until the peer
// has exited and returns its status. After Stop completes it is safe to
// restart the peer with a new channel.
func (p *Peer) Stop() error { p.closeOut(); return p.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the peer was running.
func (p *Peer) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the peer with a new
// channel.
//
// If p is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol failure.
func (p *Peer) Wait() error {
	if !p.waitTasks() {
		return nil // the peer is not running
	}

	// Clean up peer state so it can be garbage collected.
	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	p.ocall = nil
	p.icall = nil

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// LogFrames registers a callback that will be invoked for each frame
// exchanged with the remote peer, regardless of type, including frames to be
// discarded.
//
// Passing a nil callback disables frame logging. The frame logger is invoked
// synchronously with dispatch, prior to sending or handling a frame.
func (p *Peer) LogFrames(log FrameLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.flog = log
	return p
}

// OnExit registers a callback to be invoked when the peer terminates.  The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext registers a function that will be called to create a new base
// context for exchanges delivered by the peer. This allows host resources to
// be plumbed into service handlers.  If it is not set a background context is
// used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if base == nil {
		p.base = context.Background
	} else {
		p.base = base
	}
	return p
}

// baseContextLocked returns a new context for handlers invoked by p.
// The caller must hold p.μ.
func (p *Peer) baseContextLocked() context.Context {
	base := p.base
	if base == nil {
		base = context.Background
	}
	return context.WithValue(base(), peerContextKey{}, p)
}

func (p *Peer) baseContext() context.Context {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.baseContextLocked()
}

// Forward returns a provider handler that forwards each exchange it receives
// to the named service of the remote peer.
//
// An in-only exchange is complete when the remote domain has processed the
// request, and the handler blocks until then or until ctx ends. An in-out
// exchange is completed asynchronously when the reply or fault arrives, so
// the handler does not block.
func (p *Peer) Forward(service string) esb.Handler { return forwarder{p: p, service: service} }

// Describe asks the remote peer for the interface of the named service.
func (p *Peer) Describe(ctx context.Context, service string) (*esb.ServiceInterface, error) {
	ch := make(chan result, 1)
	id, err := p.sendReq(FrameDescribe, func(id uint32) packet.Encoder {
		return Describe{RequestID: id, Service: service}
	}, func(f *Frame, err error) { ch <- result{f, err} })
	if err != nil {
		return nil, &CallError{Service: service, Err: err}
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &CallError{Service: service, Err: r.err}
		}
		var d Description
		if err := packet.Unmarshal(r.frame.Payload, &d); err != nil {
			return nil, &CallError{Service: service, Err: err}
		} else if d.Interface == nil {
			return nil, &CallError{Service: service, Err: d.Error}
		}
		return d.Interface, nil
	case <-ctx.Done():
		p.release(id)
		return nil, &CallError{Service: service, Err: ctx.Err()}
	}
}

// Import registers a service named local in the domain of p, whose interface
// is that of the named remote service and whose exchanges are forwarded to
// it.
func (p *Peer) Import(ctx context.Context, local, service string) (*esb.Service, error) {
	if p.domain == nil {
		return nil, errors.New("import: peer has no domain")
	}
	si, err := p.Describe(ctx, service)
	if err != nil {
		return nil, err
	}
	return p.domain.RegisterService(local, si, p.Forward(service))
}

type result struct {
	frame *Frame
	err   error
}

// fail terminates all pending requests and updates the failure status.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	calls := p.ocall
	p.ocall = nil

	// Terminate all incomplete active (inbound) requests.
	for _, stop := range p.icall {
		stop()
	}
	rootMetrics.reqActive.Add(-int64(len(p.icall)))
	p.icall = nil
	p.err = err
	p.μ.Unlock()

	// Terminate all incomplete pending (outbound) requests. The lock is not
	// held here, since completing a request may run handlers.
	cerr := fmt.Errorf("peer terminated: %w", err)
	for _, cb := range calls {
		cb(nil, cerr)
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	if p.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		p.onExit(err)
	}
}

// sendReq sends a request frame whose payload is built for a fresh request
// ID, and arranges for cb to be called with the reply. It blocks until the
// send completes, but does not wait for the reply.
//
// If sendReq reports an error, cb will not be called.
func (p *Peer) sendReq(ftype FrameType, build func(id uint32) packet.Encoder, cb pending) (uint32, error) {
	// Phase 1: Check for fatal errors and acquire state.
	p.μ.Lock()
	if err := p.err; err != nil {
		p.μ.Unlock()
		return 0, err
	} else if p.ocall == nil {
		p.μ.Unlock()
		return 0, errNotRunning
	}
	p.nexto++
	id := p.nexto
	p.ocall[id] = cb
	p.μ.Unlock()

	// Send the request to the remote peer. Note we MUST NOT hold the state lock
	// while doing this, as that will block the receiver from dispatching frames.
	err := p.sendOut(&Frame{Type: ftype, Payload: packet.Marshal(build(id))})

	// Phase 2: If the send failed, withdraw the request unless the peer has
	// already failed and taken responsibility for calling cb.
	if err != nil && p.release(id) {
		return 0, err
	}
	return id, nil
}

// release discards the pending state for the specified outbound request id,
// and reports whether it was still pending.
func (p *Peer) release(id uint32) bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	_, ok := p.ocall[id]
	delete(p.ocall, id)
	return ok
}

// sendReply sends a reply to an inbound request and releases its state.
func (p *Peer) sendReply(rep *Reply) {
	p.μ.Lock()
	_, ok := p.icall[rep.RequestID]
	delete(p.icall, rep.RequestID)
	err := p.err
	p.μ.Unlock()

	if ok {
		rootMetrics.reqActive.Add(-1)
	}
	if err != nil {
		return
	}
	if err := p.sendOut(&Frame{Type: FrameReply, Payload: packet.Marshal(rep)}); err != nil {
		p.closeOut()
	}
}

// replyError sends an error reply to an inbound request.
func (p *Peer) replyError(id uint32, err error) {
	rootMetrics.reqInErr.Add(1)
	p.sendReply(&Reply{
		RequestID: id,
		Status:    StatusError,
		Body:      Body{Content: &RemoteError{Code: codeOf(err), Message: err.Error()}},
	})
}

// replyWith sends the current message of x as the reply to an inbound
// request.
func (p *Peer) replyWith(id uint32, st Status, x *esb.Exchange) error {
	body, err := NewBody(x.Message(), x.Context())
	if err != nil {
		p.replyError(id, err)
		return err
	}
	p.sendReply(&Reply{RequestID: id, Status: st, Body: body})
	return nil
}

// dispatchRequestLocked starts delivery of an inbound request to the local
// domain. It reports an error back to the caller for a duplicate request ID.
func (p *Peer) dispatchRequestLocked(req *Request) error {
	rootMetrics.reqIn.Add(1)

	// Report duplicate request ID without failing the existing request.  The
	// reply is sent by a task since sendOut must not be called with p.μ held.
	if _, ok := p.icall[req.RequestID]; ok {
		rootMetrics.reqInErr.Add(1)
		f := &Frame{Type: FrameReply, Payload: packet.Marshal(Reply{
			RequestID: req.RequestID,
			Status:    StatusError,
			Body:      Body{Content: &RemoteError{Message: fmt.Sprintf("duplicate request ID %d", req.RequestID)}},
		})}
		p.tasks.Go(func() error {
			if err := p.sendOut(f); err != nil {
				p.closeOut()
			}
			return nil
		})
		return nil
	}

	// Start a goroutine to deliver the request. Replies are sent by the
	// consumer handler of the exchange, which may run on another goroutine.
	ctx, cancel := context.WithCancel(p.baseContextLocked())
	p.icall[req.RequestID] = cancel
	rootMetrics.reqActive.Add(1)

	p.tasks.Go(func() error {
		defer cancel()
		p.serve(ctx, req)
		return nil
	})
	return nil
}

// serve delivers req to the local domain as a new exchange.
func (p *Peer) serve(ctx context.Context, req *Request) {
	if p.domain == nil {
		p.replyError(req.RequestID, fmt.Errorf("%w: %q", esb.ErrServiceNotFound, req.Service))
		return
	}

	// For an in-only request, the remote peer waits only for the provider
	// chain, so any reply from the provider is not sent.
	inOnly := req.Pattern == esb.InOnly
	x, err := p.domain.CreateExchange(req.Service, req.Operation, replier{p: p, id: req.RequestID, mute: inOnly})
	if err == nil && !inOnly && x.Pattern() == esb.InOnly {
		err = fmt.Errorf("operation %q: %w: consumer %v, provider %v",
			req.Operation, esb.ErrPatternMismatch, req.Pattern, x.Pattern())
	}
	if err != nil {
		p.replyError(req.RequestID, err)
		return
	}

	m := x.CreateMessage()
	req.Body.Apply(m, x.Context())
	if err := x.Send(ctx, m); err != nil {
		p.replyError(req.RequestID, err)
		return
	}
	if inOnly {
		if x.State() == esb.StateFault {
			p.replyWith(req.RequestID, StatusFault, x)
		} else {
			p.sendReply(&Reply{RequestID: req.RequestID, Status: StatusDone})
		}
	}
}

// dispatchFrame routes an inbound frame from the remote peer.
// Any error it reports is protocol fatal.
func (p *Peer) dispatchFrame(f *Frame) error {
	p.μ.Lock()
	flog := p.flog
	p.μ.Unlock()
	if flog != nil {
		flog(FrameInfo{Frame: f, Sent: false})
	}

	switch f.Type {
	case FrameRequest:
		var req Request
		if err := packet.Unmarshal(f.Payload, &req); err != nil {
			return fmt.Errorf("invalid request frame: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		return p.dispatchRequestLocked(&req)

	case FrameDescribe:
		var req Describe
		if err := packet.Unmarshal(f.Payload, &req); err != nil {
			return fmt.Errorf("invalid describe frame: %w", err)
		}
		rootMetrics.describeIn.Add(1)
		desc := Description{RequestID: req.RequestID}
		var svc *esb.Service
		if p.domain != nil {
			svc = p.domain.Service(req.Service)
		}
		if svc == nil {
			desc.Error = &RemoteError{
				Code:    codeOf(esb.ErrServiceNotFound),
				Message: fmt.Sprintf("%v: %q", esb.ErrServiceNotFound, req.Service),
			}
		} else {
			desc.Interface = svc.Interface()
		}

		// Send the description from a separate goroutine, so the receiver is not
		// blocked if the remote peer is itself sending.
		p.tasks.Go(func() error {
			if err := p.sendOut(&Frame{Type: FrameDescription, Payload: packet.Marshal(desc)}); err != nil {
				p.closeOut()
			}
			return nil
		})

	case FrameReply, FrameDescription:
		id, err := packet.NewScanner(f.Payload).Uint32()
		if err != nil {
			return fmt.Errorf("invalid %v frame: %w", f.Type, err)
		}
		p.μ.Lock()
		cb, ok := p.ocall[id]
		delete(p.ocall, id)
		p.μ.Unlock()
		if !ok {
			// Silently discard a reply for an unknown request ID.
			rootMetrics.frameDropped.Add(1)
			return nil
		}

		// Complete the request on its own goroutine, since it may run handlers
		// that send further requests through this peer.
		p.tasks.Go(func() error { cb(f, nil); return nil })

	default:
		rootMetrics.frameDropped.Add(1)
	}
	return nil
}

func (p *Peer) sendOut(f *Frame) error {
	p.μ.Lock()
	flog := p.flog
	p.μ.Unlock()

	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return errNotRunning
	}
	rootMetrics.frameSent.Add(1)
	if flog != nil {
		flog(FrameInfo{Frame: f, Sent: true})
	}
	return p.out.ch.Send(f)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

// complete finishes a forwarded in-out exchange with the outcome of its
// request.
func (p *Peer) complete(x *esb.Exchange, service string, f *Frame, err error) {
	ctx := p.baseContext()
	var rep Reply
	if err == nil {
		err = packet.Unmarshal(f.Payload, &rep)
	}
	if err != nil {
		rootMetrics.reqOutErr.Add(1)
		x.SendFault(ctx, x.CreateMessage().SetContent(&CallError{Service: service, Err: err}))
		return
	}

	m := x.CreateMessage()
	rep.Body.Apply(m, x.Context())
	switch rep.Status {
	case StatusReply, StatusDone:
		x.Send(ctx, m)
	default:
		x.SendFault(ctx, m)
	}
}

// forwarder is the provider handler returned by Peer.Forward.
type forwarder struct {
	p       *Peer
	service string
}

// Name implements the esb.Namer interface.
func (f forwarder) Name() string { return "remote:" + f.service }

// HandleFault implements a method of the esb.Handler interface. It does
// nothing.
func (forwarder) HandleFault(context.Context, *esb.Exchange) error { return nil }

// HandleMessage implements a method of the esb.Handler interface.
func (f forwarder) HandleMessage(ctx context.Context, x *esb.Exchange) error {
	body, err := NewBody(x.Message(), x.Context())
	if err != nil {
		return err
	}
	req := Request{
		Service:   f.service,
		Operation: x.Contract().Provider.Name,
		Pattern:   x.Pattern(),
		Body:      body,
	}
	build := func(id uint32) packet.Encoder { req.RequestID = id; return req }
	rootMetrics.reqOut.Add(1)

	if x.Pattern() == esb.InOnly {
		return f.forwardInOnly(ctx, x, build)
	}

	rootMetrics.reqPending.Add(1)
	if _, err := f.p.sendReq(FrameRequest, build, func(fr *Frame, err error) {
		rootMetrics.reqPending.Add(-1)
		f.p.complete(x, f.service, fr, err)
	}); err != nil {
		rootMetrics.reqPending.Add(-1)
		rootMetrics.reqOutErr.Add(1)
		return &CallError{Service: f.service, Err: err}
	}
	return nil
}

func (f forwarder) forwardInOnly(ctx context.Context, x *esb.Exchange, build func(uint32) packet.Encoder) error {
	ch := make(chan result, 1)
	id, err := f.p.sendReq(FrameRequest, build, func(fr *Frame, err error) { ch <- result{fr, err} })
	if err != nil {
		rootMetrics.reqOutErr.Add(1)
		return &CallError{Service: f.service, Err: err}
	}

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		f.p.release(id)
		return ctx.Err()
	}

	var rep Reply
	if r.err == nil {
		r.err = packet.Unmarshal(r.frame.Payload, &rep)
	}
	if r.err != nil {
		rootMetrics.reqOutErr.Add(1)
		return &CallError{Service: f.service, Err: r.err}
	}
	switch rep.Status {
	case StatusDone, StatusReply:
		return nil
	case StatusFault:
		m := x.CreateMessage()
		rep.Body.Apply(m, x.Context())
		return x.SendFault(ctx, m)
	default:
		if re, ok := rep.Body.Content.(*RemoteError); ok {
			return re
		}
		return fmt.Errorf("remote %q: %v", f.service, rep.Status)
	}
}

// CallError is the concrete type of errors reported when a request cannot be
// delivered to the remote peer, or its reply cannot be received.
type CallError struct {
	Service string // the remote service
	Err     error
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string { return fmt.Sprintf("remote %q: %v", c.Service, c.Err) }

// replier is the consumer handler for exchanges delivered from the remote
// peer. It sends the reply or fault back to the remote peer.
type replier struct {
	p    *Peer
	id   uint32
	mute bool
}

func (r replier) HandleMessage(_ context.Context, x *esb.Exchange) error {
	if r.mute {
		return nil
	}
	return r.p.replyWith(r.id, StatusReply, x)
}

func (r replier) HandleFault(_ context.Context, x *esb.Exchange) error {
	if r.mute {
		return nil
	}
	return r.p.replyWith(r.id, StatusFault, x)
}

func (replier) Name() string { return "remote-reply" }

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined. The context passed to the handlers of an exchange
// delivered by a peer has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}
