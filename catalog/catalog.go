// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package catalog builds service interfaces and binds their operations to
// handlers in a service domain.
//
// # Usage
//
// Construct a new empty catalog for an interface and add operations to it:
//
//	cat := catalog.New("Orders").
//	   Add("submit", esb.InOut).
//	   Add("cancel", esb.InOnly)
//
// To provide the service, bind the catalog to a domain, attach a handler to
// each operation, and register it:
//
//	svc, err := cat.Bind(domain).
//	   Handle("submit", handleSubmit).
//	   Handle("cancel", handleCancel).
//	   Register("Orders")
//
// Exchanges delivered to the service are routed to the handler for the
// provider operation of their contract. Note that Handle will panic if given a
// name not registered with the catalog.
//
// To address the service from a consumer, register a reference using the same
// catalog:
//
//	ref, err := cat.Bind(domain).Reference("Orders", esb.WithTimeout(5*time.Second))
//
// A catalog can be encoded in binary format, and a remote peer uses this to
// describe the interfaces of the services it offers.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/esb"
	"github.com/creachadair/esb/packet"
)

// A Catalog associates a domain with a named set of operations and the
// handlers that implement them. It is safe to copy a Catalog; all copies share
// the same operations and handlers.
type Catalog struct {
	domain *esb.Domain
	*state
}

type state struct {
	μ        sync.RWMutex
	name     string
	ops      []esb.Operation // in definition order
	handlers map[string]esb.Handler
}

// New creates a new empty, unbound catalog for an interface with the given
// name.
func New(name string) Catalog {
	return Catalog{state: &state{name: name, handlers: make(map[string]esb.Handler)}}
}

// FromInterface creates a new unbound catalog with the name and operations of
// si.
func FromInterface(si *esb.ServiceInterface) Catalog {
	c := New(si.Name())
	for _, op := range si.Operations() {
		c.Set(op)
	}
	return c
}

// Name reports the interface name of c.
func (c Catalog) Name() string { return c.name }

// Add adds an operation with the given name and pattern to c, and returns c to
// allow chaining. It is shorthand for Set with no message types.
func (c Catalog) Add(name string, p esb.Pattern) Catalog {
	return c.Set(esb.Operation{Name: name, Pattern: p})
}

// Set adds op to c, and returns c to allow chaining.  If an operation with the
// same name was already defined in c, it is replaced.
func (c Catalog) Set(op esb.Operation) Catalog {
	c.μ.Lock()
	defer c.μ.Unlock()
	if i := c.indexLocked(op.Name); i >= 0 {
		c.ops[i] = op
	} else {
		c.ops = append(c.ops, op)
	}
	return c
}

func (c Catalog) indexLocked(name string) int {
	return slices.IndexFunc(c.ops, func(op esb.Operation) bool { return op.Name == name })
}

// Lookup returns the operation with the given name, and reports whether it
// is defined in c.
func (c Catalog) Lookup(name string) (esb.Operation, bool) {
	c.μ.RLock()
	defer c.μ.RUnlock()
	if i := c.indexLocked(name); i >= 0 {
		return c.ops[i], true
	}
	return esb.Operation{}, false
}

// Len reports the number of operations defined in c.
func (c Catalog) Len() int {
	c.μ.RLock()
	defer c.μ.RUnlock()
	return len(c.ops)
}

// Interface returns a service interface with the current operations of c.
func (c Catalog) Interface() *esb.ServiceInterface {
	c.μ.RLock()
	defer c.μ.RUnlock()
	return esb.NewInterface(c.name, c.ops...)
}

// Bind returns a copy of c bound to the specified domain.
func (c Catalog) Bind(d *esb.Domain) Catalog { return Catalog{domain: d, state: c.state} }

// Domain returns the domain associated with c, or nil if c is unbound.
func (c Catalog) Domain() *esb.Domain { return c.domain }

// Handle binds h to the named operation, and returns c to permit chaining.
// Passing a nil handler removes any handler for the operation.  Handle will
// panic if name is not an operation defined in c.
func (c Catalog) Handle(name string, h esb.Handler) Catalog {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.indexLocked(name) < 0 {
		panic(fmt.Sprintf("operation %q not known", name))
	}
	if h == nil {
		delete(c.handlers, name)
	} else {
		c.handlers[name] = h
	}
	return c
}

// Register registers a service with the given name, the interface of c, and
// the handler of c on the domain associated with c.  Register will panic if c
// is not bound to a domain.
func (c Catalog) Register(service string) (*esb.Service, error) {
	return c.domain.RegisterService(service, c.Interface(), c.Handler())
}

// Reference registers a service reference with the given name and the
// interface of c on the domain associated with c. Reference will panic if c is
// not bound to a domain.
func (c Catalog) Reference(name string, opts ...esb.ReferenceOption) (*esb.ServiceReference, error) {
	return c.domain.RegisterServiceReference(name, c.Interface(), opts...)
}

// Handler returns an esb.Handler that routes each exchange to the handler
// bound to its provider operation. An exchange for an operation with no
// handler is faulted with an error wrapping esb.ErrUnknownOperation.
//
// The handler reflects later calls to Handle.
func (c Catalog) Handler() esb.Handler { return router{c.state} }

type router struct{ *state }

func (r router) lookup(x *esb.Exchange) (esb.Handler, error) {
	op := x.Contract().Provider.Name
	r.μ.RLock()
	defer r.μ.RUnlock()
	if h, ok := r.handlers[op]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("catalog %q: %w %q", r.name, esb.ErrUnknownOperation, op)
}

func (r router) HandleMessage(ctx context.Context, x *esb.Exchange) error {
	h, err := r.lookup(x)
	if err != nil {
		return err
	}
	return h.HandleMessage(ctx, x)
}

func (r router) HandleFault(ctx context.Context, x *esb.Exchange) error {
	h, err := r.lookup(x)
	if err != nil {
		return nil // nothing to notify
	}
	return h.HandleFault(ctx, x)
}

func (r router) Name() string { return "catalog:" + r.name }

// Encode encodes c in binary format. It implements packet.Encoder.
//
// The wire format of the catalog is the interface name followed by a count of
// operations and then each operation in definition order. An operation is its
// name, a pattern byte, and the names of its input, output, and fault types.
// Names are length-prefixed with a packet.Vint30.
func (c Catalog) Encode(b *packet.Builder) {
	c.μ.RLock()
	defer c.μ.RUnlock()
	b.VPutString(c.name)
	b.Vint30(uint32(len(c.ops)))
	for _, op := range c.ops {
		b.VPutString(op.Name)
		b.Put(byte(op.Pattern))
		b.VPutString(op.Input)
		b.VPutString(op.Output)
		b.VPutString(op.Fault)
	}
}

// Decode decodes a catalog from s, replacing the name and operations of c.
// Handlers already bound in c are retained. It implements packet.Decoder.
// If c is the zero Catalog, Decode allocates new state.
func (c *Catalog) Decode(s *packet.Scanner) error {
	name, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("catalog name: %w", err)
	}
	n, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("operation count: %w", err)
	}
	ops := make([]esb.Operation, 0, min(n, s.Len()))
	seen := make(map[string]bool)
	for i := range n {
		var op esb.Operation
		if op.Name, err = packet.VGet[string](s); err != nil {
			return fmt.Errorf("operation %d name: %w", i, err)
		}
		if seen[op.Name] {
			return fmt.Errorf("duplicate operation %q", op.Name)
		}
		seen[op.Name] = true

		p, err := s.Byte()
		if err != nil {
			return fmt.Errorf("operation %q pattern: %w", op.Name, err)
		} else if p > byte(esb.InOnly) {
			return fmt.Errorf("operation %q: invalid pattern %d", op.Name, p)
		}
		op.Pattern = esb.Pattern(p)
		for _, f := range []*string{&op.Input, &op.Output, &op.Fault} {
			if *f, err = packet.VGet[string](s); err != nil {
				return fmt.Errorf("operation %q types: %w", op.Name, err)
			}
		}
		ops = append(ops, op)
	}

	if c.state == nil {
		*c = New(name)
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	c.name = name
	c.ops = ops
	return nil
}
