// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters from plain Go functions to the esb.Handler
// type, so that a function can act as the provider of a service.
//
// Parameters are taken from the content of the request message. The content
// may have the parameter type itself, or be converted as described by
// esb.ContentAs. In addition, []byte or string content can be decoded into a
// parameter type whose pointer implements encoding.BinaryUnmarshaler.
//
// For an in-out exchange the result is sent as the content of the reply. For
// an in-only exchange the result is discarded. An error reported by the
// function faults the exchange; use Fault to choose the content of the fault.
package handler

import (
	"context"
	"encoding"
	"errors"
	"fmt"

	"github.com/creachadair/esb"
)

// xContextKey is a context key for the exchange passed to a handler.
type xContextKey struct{}

// ContextExchange returns the exchange passed to the handler, or nil if ctx
// has no associated exchange. The context passed to a function adapted by
// this package has this value.
func ContextExchange(ctx context.Context) *esb.Exchange {
	if v := ctx.Value(xContextKey{}); v != nil {
		return v.(*esb.Exchange)
	}
	return nil
}

// Fault returns an error that, when reported by a function adapted by this
// package, causes the exchange to be faulted with content as the fault
// message. Unlike other errors, it is not wrapped in an *esb.HandlerError.
func Fault(content any) error { return &faultError{content: content} }

type faultError struct{ content any }

func (f *faultError) Error() string { return fmt.Sprintf("fault: %v", f.content) }

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to an esb.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) esb.Handler {
	return newAdapter(f, func(ctx context.Context, x *esb.Exchange) error {
		p, err := param[P](x)
		if err != nil {
			return err
		}
		r, err := f(ctx, p)
		return complete(ctx, x, r, err)
	})
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to an esb.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) esb.Handler {
	return newAdapter(f, func(ctx context.Context, x *esb.Exchange) error {
		p, err := param[P](x)
		if err != nil {
			return err
		}
		return complete(ctx, x, f(ctx, p), nil)
	})
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to an esb.Handler. The reply to an in-out exchange
// has no content.
func ParamError[P any](f func(context.Context, P) error) esb.Handler {
	return newAdapter(f, func(ctx context.Context, x *esb.Exchange) error {
		p, err := param[P](x)
		if err != nil {
			return err
		}
		return complete(ctx, x, nil, f(ctx, p))
	})
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to an esb.Handler. The content of the
// request is ignored.
func ResultError[R any](f func(context.Context) (R, error)) esb.Handler {
	return newAdapter(f, func(ctx context.Context, x *esb.Exchange) error {
		r, err := f(ctx)
		return complete(ctx, x, r, err)
	})
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to an esb.Handler.
func ResultOnly[R any](f func(context.Context) R) esb.Handler {
	return newAdapter(f, func(ctx context.Context, x *esb.Exchange) error {
		return complete(ctx, x, f(ctx), nil)
	})
}

type adapter struct {
	name string
	run  func(context.Context, *esb.Exchange) error
}

func newAdapter(f any, run func(context.Context, *esb.Exchange) error) adapter {
	return adapter{name: fmt.Sprintf("%T", f), run: run}
}

// HandleMessage implements a method of the esb.Handler interface.
func (a adapter) HandleMessage(ctx context.Context, x *esb.Exchange) error {
	return a.run(context.WithValue(ctx, xContextKey{}, x), x)
}

// HandleFault implements a method of the esb.Handler interface. It does
// nothing.
func (adapter) HandleFault(context.Context, *esb.Exchange) error { return nil }

// Name implements the esb.Namer interface.
func (a adapter) Name() string { return a.name }

// param extracts a value of type P from the content of the current message
// of x.
func param[P any](x *esb.Exchange) (P, error) {
	m := x.Message()
	p, err := esb.ContentAs[P](m)
	if err == nil {
		return p, nil
	}
	var cte *esb.ContentTypeError
	if !errors.As(err, &cte) {
		return p, err
	}
	var data []byte
	switch c := m.Content().(type) {
	case []byte:
		data = c
	case string:
		data = []byte(c)
	default:
		return p, err
	}
	if u, ok := any(&p).(encoding.BinaryUnmarshaler); ok {
		return p, u.UnmarshalBinary(data)
	}
	return p, err
}

// complete finishes x with the outcome of a function call.
func complete(ctx context.Context, x *esb.Exchange, result any, err error) error {
	var fe *faultError
	if errors.As(err, &fe) {
		return x.SendFault(ctx, x.CreateMessage().SetContent(fe.content))
	} else if err != nil {
		return err
	}
	if x.Pattern() == esb.InOnly {
		return nil
	}
	return x.Send(ctx, x.CreateMessage().SetContent(result))
}
