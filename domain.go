// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// A Domain is a registry of services and service references. Exchanges are
// created through a domain and dispatched to the handlers of its services.
//
// A Domain is an ordinary value: create one with NewDomain and pass it to the
// components that need it. The methods of a Domain are safe for concurrent
// use by multiple goroutines.
type Domain struct {
	name    string
	metrics *domainMetrics

	μ        sync.Mutex
	services map[string]*Service
	refs     map[string]*ServiceReference
	use      []Handler
	xlog     ExchangeLogger
}

// NewDomain constructs a new empty domain with the given name.
func NewDomain(name string) *Domain {
	return &Domain{
		name:     name,
		metrics:  newDomainMetrics(),
		services: make(map[string]*Service),
		refs:     make(map[string]*ServiceReference),
	}
}

// Name reports the name of d.
func (d *Domain) Name() string { return d.name }

// Metrics returns a metrics map for the domain. It is safe for the caller to
// add additional metrics to the map while the domain is active.
func (d *Domain) Metrics() *expvar.Map { return d.metrics.emap }

// Use adds handlers to the domain chain, and returns d to permit chaining.
// The domain chain runs in order before the handler of the target service for
// every exchange created after Use returns.
func (d *Domain) Use(hs ...Handler) *Domain {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.use = append(d.use, hs...)
	return d
}

func (d *Domain) handlers() []Handler {
	d.μ.Lock()
	defer d.μ.Unlock()
	return slices.Clone(d.use)
}

// LogExchanges registers a callback that will be invoked for each event in
// the life of the exchanges of d. Passing a nil callback disables logging.
// The logger is invoked synchronously with dispatch.
func (d *Domain) LogExchanges(log ExchangeLogger) *Domain {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.xlog = log
	return d
}

func (d *Domain) logExchange(x *Exchange, ev Event, m *Message, err error) {
	d.μ.Lock()
	log := d.xlog
	d.μ.Unlock()
	if log != nil {
		log(ExchangeInfo{Exchange: x, Event: ev, Message: m, Err: err})
	}
}

// RegisterService registers a service with the given name and interface,
// whose exchanges are delivered to h. It reports ErrDuplicateService if a
// service with that name is already registered.
func (d *Domain) RegisterService(name string, iface *ServiceInterface, h Handler) (*Service, error) {
	if name == "" {
		return nil, errors.New("register service: empty name")
	} else if iface == nil {
		return nil, fmt.Errorf("register service %q: nil interface", name)
	} else if h == nil {
		return nil, fmt.Errorf("register service %q: nil handler", name)
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	if _, ok := d.services[name]; ok {
		return nil, fmt.Errorf("register service %q: %w", name, ErrDuplicateService)
	}
	svc := &Service{domain: d, name: name, iface: iface, handler: h}
	d.services[name] = svc
	return svc, nil
}

// Service returns the service registered with the given name, or nil.
func (d *Domain) Service(name string) *Service {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.services[name]
}

// Services returns the names of the services registered with d in order.
func (d *Domain) Services() []string {
	d.μ.Lock()
	defer d.μ.Unlock()
	return slices.Sorted(maps.Keys(d.services))
}

// A ReferenceOption configures a service reference.
type ReferenceOption func(*ServiceReference)

// WithTarget sets the name of the service addressed by a reference.
// By default, a reference addresses the service with its own name.
func WithTarget(service string) ReferenceOption {
	return func(r *ServiceReference) { r.target = service }
}

// WithHandlers adds handlers to the consumer side of a reference. These run
// in order before the reply handler whenever a reply or fault is delivered.
func WithHandlers(hs ...Handler) ReferenceOption {
	return func(r *ServiceReference) { r.handlers = append(r.handlers, hs...) }
}

// WithTimeout sets how long Call waits for a reply.
func WithTimeout(d time.Duration) ReferenceOption {
	return func(r *ServiceReference) { r.timeout = d }
}

// RegisterServiceReference registers a reference with the given name and
// interface. It reports ErrDuplicateService if a reference with that name is
// already registered. The target service need not exist yet; it is resolved
// each time an exchange is created.
func (d *Domain) RegisterServiceReference(name string, iface *ServiceInterface, opts ...ReferenceOption) (*ServiceReference, error) {
	if name == "" {
		return nil, errors.New("register reference: empty name")
	} else if iface == nil {
		return nil, fmt.Errorf("register reference %q: nil interface", name)
	}
	ref := &ServiceReference{domain: d, name: name, target: name, iface: iface}
	for _, opt := range opts {
		opt(ref)
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	if _, ok := d.refs[name]; ok {
		return nil, fmt.Errorf("register reference %q: %w", name, ErrDuplicateService)
	}
	d.refs[name] = ref
	return ref, nil
}

// ServiceReference returns the reference registered with the given name, or
// nil.
func (d *Domain) ServiceReference(name string) *ServiceReference {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.refs[name]
}

// CreateExchange creates an exchange addressed directly to the named service
// and operation, without a registered reference. The consumer uses the
// service's own interface. Replies and faults are delivered to reply, which
// may be nil for an in-only exchange.
func (d *Domain) CreateExchange(service, operation string, reply Handler) (*Exchange, error) {
	svc := d.Service(service)
	if svc == nil {
		return nil, fmt.Errorf("create exchange: %w: %q", ErrServiceNotFound, service)
	}
	ref := &ServiceReference{domain: d, name: service, target: service, iface: svc.iface}
	return ref.CreateExchange(operation, reply)
}

// A Service is a provider registered with a domain.
type Service struct {
	domain  *Domain
	name    string
	iface   *ServiceInterface
	handler Handler
}

// Name reports the name of s.
func (s *Service) Name() string { return s.name }

// Interface reports the interface of s.
func (s *Service) Interface() *ServiceInterface { return s.iface }

// Domain reports the domain with which s is registered.
func (s *Service) Domain() *Domain { return s.domain }

// Unregister removes s from its domain. Exchanges already created for s are
// not affected.
func (s *Service) Unregister() {
	d := s.domain
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.services[s.name] == s {
		delete(d.services, s.name)
	}
}

// A ServiceReference is a consumer's handle on a service.
type ServiceReference struct {
	domain   *Domain
	name     string
	target   string
	iface    *ServiceInterface
	handlers []Handler
	timeout  time.Duration
}

// Name reports the name of r.
func (r *ServiceReference) Name() string { return r.name }

// Target reports the name of the service addressed by r.
func (r *ServiceReference) Target() string { return r.target }

// Interface reports the interface of r.
func (r *ServiceReference) Interface() *ServiceInterface { return r.iface }

// Timeout reports the reply timeout used by Call, or 0 if none is set.
func (r *ServiceReference) Timeout() time.Duration { return r.timeout }

// Domain reports the domain with which r is registered.
func (r *ServiceReference) Domain() *Domain { return r.domain }

// Unregister removes r from its domain.
func (r *ServiceReference) Unregister() {
	d := r.domain
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.refs[r.name] == r {
		delete(d.refs, r.name)
	}
}

// CreateExchange creates an exchange for the named operation of r.  Replies
// and faults are delivered to the handlers of r followed by reply, which may
// be nil.
//
// The contract of the exchange is resolved here: CreateExchange reports
// ErrServiceNotFound if the target service is not registered, and
// ErrUnknownOperation or ErrPatternMismatch if the operation cannot be matched
// between the consumer and provider interfaces.
func (r *ServiceReference) CreateExchange(operation string, reply Handler) (*Exchange, error) {
	svc := r.domain.Service(r.target)
	if svc == nil {
		return nil, fmt.Errorf("reference %q: %w: %q", r.name, ErrServiceNotFound, r.target)
	}
	c, err := resolveContract(r.iface, svc.iface, operation)
	if err != nil {
		return nil, fmt.Errorf("reference %q: %w", r.name, err)
	}
	return newExchange(r.domain, r, svc, c, reply), nil
}

// Call sends content to the named operation of r and blocks until the
// exchange completes, ctx ends, or the timeout of r elapses.
//
// For an in-only operation, Call returns as soon as the provider chain has
// run. Otherwise it returns the completed exchange, whose State reports
// whether the reply is a fault. If no reply arrives in time, Call reports a
// *DeliveryError.
func (r *ServiceReference) Call(ctx context.Context, operation string, content any) (*Exchange, error) {
	reply := NewSyncInOut()
	x, err := r.CreateExchange(operation, reply)
	if err != nil {
		return nil, err
	}
	if err := x.Send(ctx, x.CreateMessage().SetContent(content)); err != nil {
		return nil, err
	}
	if x.Pattern() == InOnly {
		return x, nil
	}
	if _, err := reply.wait(ctx, r.timeout); err != nil {
		r.domain.metrics.timedOut.Add(1)
		var de *DeliveryError
		if errors.As(err, &de) {
			de.Exchange = x
		}
		return nil, err
	}
	return x, nil
}

// Event identifies the kind of an exchange log entry.
type Event byte

const (
	EventSend  Event = iota + 1 // a message was sent
	EventFault                  // a fault was sent
	EventDone                   // the exchange completed
	EventError                  // a handler error could not be delivered as a fault
)

func (e Event) String() string {
	switch e {
	case EventSend:
		return "send"
	case EventFault:
		return "fault"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event:%d", byte(e))
	}
}

// An ExchangeLogger logs events in the life of an exchange.
type ExchangeLogger func(ExchangeInfo)

// An ExchangeInfo describes an event in the life of an exchange.
type ExchangeInfo struct {
	*Exchange          // the exchange being logged
	Event     Event    // what happened
	Message   *Message // for EventSend and EventFault, the message sent
	Err       error    // for EventError, the error that was not delivered
}

func (e ExchangeInfo) String() string {
	switch e.Event {
	case EventSend, EventFault:
		return fmt.Sprintf("%v %v message=%s", e.Event, e.Exchange, e.Message.ID())
	case EventError:
		return fmt.Sprintf("%v %v: %v", e.Event, e.Exchange, e.Err)
	default:
		return fmt.Sprintf("%v %v", e.Event, e.Exchange)
	}
}
