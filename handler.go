// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb

import (
	"context"
	"fmt"
)

// A Handler processes an exchange as it passes through a handler chain.
//
// HandleMessage is called when a message is delivered; HandleFault is called
// when a fault is delivered. A handler may modify the current message and the
// contexts of the exchange, and may complete the exchange by calling Send or
// SendFault.
//
// If a handler reports an error or panics, the exchange is faulted with a
// *HandlerError wrapping the error, and the remaining handlers of the chain
// are skipped. Handlers are shared by all the exchanges of a service and must
// be safe for concurrent use.
type Handler interface {
	HandleMessage(context.Context, *Exchange) error
	HandleFault(context.Context, *Exchange) error
}

// HandlerFunc adapts a function to a Handler that processes messages and
// ignores faults.
type HandlerFunc func(context.Context, *Exchange) error

// HandleMessage implements a method of the Handler interface.
func (f HandlerFunc) HandleMessage(ctx context.Context, x *Exchange) error { return f(ctx, x) }

// HandleFault implements a method of the Handler interface. It does nothing.
func (HandlerFunc) HandleFault(context.Context, *Exchange) error { return nil }

// FaultHandlerFunc adapts a function to a Handler that processes faults and
// ignores messages.
type FaultHandlerFunc func(context.Context, *Exchange) error

// HandleMessage implements a method of the Handler interface. It does nothing.
func (FaultHandlerFunc) HandleMessage(context.Context, *Exchange) error { return nil }

// HandleFault implements a method of the Handler interface.
func (f FaultHandlerFunc) HandleFault(ctx context.Context, x *Exchange) error { return f(ctx, x) }

// BaseHandler implements both methods of the Handler interface as no-ops.  It
// can be embedded in a type that only needs to override one of them.
type BaseHandler struct{}

// HandleMessage implements a method of the Handler interface.
func (BaseHandler) HandleMessage(context.Context, *Exchange) error { return nil }

// HandleFault implements a method of the Handler interface.
func (BaseHandler) HandleFault(context.Context, *Exchange) error { return nil }

// A HandlerChain is an ordered sequence of handlers. It is itself a Handler.
// The zero value is an empty chain.
type HandlerChain struct {
	hs []Handler
}

// Chain constructs a chain of the given handlers. Nil handlers are skipped,
// and the handlers of any nested *HandlerChain are included directly.
func Chain(hs ...Handler) *HandlerChain { return new(HandlerChain).Append(hs...) }

// Append adds handlers to the end of c, and returns c to permit chaining.
func (c *HandlerChain) Append(hs ...Handler) *HandlerChain {
	for _, h := range hs {
		switch t := h.(type) {
		case nil:
			// skip
		case *HandlerChain:
			if t != nil {
				c.hs = append(c.hs, t.hs...)
			}
		default:
			c.hs = append(c.hs, h)
		}
	}
	return c
}

// Handlers returns a copy of the handlers in c.
func (c *HandlerChain) Handlers() []Handler { return append([]Handler(nil), c.hs...) }

// Len reports the number of handlers in c.
func (c *HandlerChain) Len() int { return len(c.hs) }

// HandleMessage implements a method of the Handler interface. It delivers the
// exchange to each handler of c in order, and stops at the first handler that
// reports an error or completes the exchange.
func (c *HandlerChain) HandleMessage(ctx context.Context, x *Exchange) error {
	return c.run(ctx, x, false).error()
}

// HandleFault implements a method of the Handler interface. It delivers the
// fault to each handler of c in order, and stops at the first error.
func (c *HandlerChain) HandleFault(ctx context.Context, x *Exchange) error {
	return c.run(ctx, x, true).error()
}

// resultKind classifies the outcome of delivering an exchange to a handler.
type resultKind byte

const (
	resultContinue  resultKind = iota // the handler returned normally
	resultDone                        // the handler completed the exchange
	resultUnhandled                   // the handler reported an error or panicked
)

// A result is the outcome of delivering an exchange to a handler or chain.
type result struct {
	kind    resultKind
	err     error // for resultUnhandled
	handler int   // index of the handler that stopped the chain
}

func (r result) error() error {
	if r.kind == resultUnhandled {
		return r.err
	}
	return nil
}

// run delivers x to the handlers of c in order. Delivery stops early when a
// handler reports an error or panics, or when a handler sends a message or
// fault that moves the exchange out of the phase it had on entry.
func (c *HandlerChain) run(ctx context.Context, x *Exchange, fault bool) result {
	start := x.Phase()
	for i, h := range c.hs {
		if err := invoke(ctx, h, x, fault); err != nil {
			return result{kind: resultUnhandled, err: err, handler: i}
		}
		if !fault && x.Phase() != start {
			return result{kind: resultDone, handler: i}
		}
	}
	return result{kind: resultContinue, handler: len(c.hs)}
}

// invoke calls the message or fault method of h, converting a panic into an
// error.
func invoke(ctx context.Context, h Handler, x *Exchange, fault bool) (err error) {
	defer func() {
		if p := recover(); p != nil && err == nil {
			err = panicError(p)
		}
	}()
	if fault {
		return h.HandleFault(ctx, x)
	}
	return h.HandleMessage(ctx, x)
}

// handlerFault wraps the error from a handler as the content of a fault.  An
// error that is already a *HandlerError is not wrapped again.
func handlerFault(h Handler, err error) *HandlerError {
	if he, ok := err.(*HandlerError); ok {
		return he
	}
	return &HandlerError{Handler: handlerName(h), Err: err}
}

// A Namer is an optional interface that a Handler may implement to give a
// name used in logs and in HandlerError.
type Namer interface {
	Name() string
}

func handlerName(h Handler) string {
	if n, ok := h.(Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}
