// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the direction of the current message of an exchange.
type Phase byte

const (
	PhaseNone Phase = iota // no message has been sent
	PhaseIn                // the request is travelling to the provider
	PhaseOut               // the reply or fault is travelling to the consumer
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhaseIn:
		return "IN"
	case PhaseOut:
		return "OUT"
	default:
		return fmt.Sprintf("PHASE:%d", byte(p))
	}
}

// State is the completion state of an exchange.
type State byte

const (
	StateActive State = iota // the exchange is in progress
	StateFault               // the exchange completed with a fault
	StateDone                // the exchange completed normally
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateFault:
		return "FAULT"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("STATE:%d", byte(s))
	}
}

// An Exchange is a single interaction between a consumer and a provider.
//
// The consumer calls Send with the request message, which is delivered to the
// provider's handler chain. For an in-out exchange the provider answers by
// calling Send with a reply or SendFault with a fault, either of which is
// delivered to the consumer's handler chain and completes the exchange. An
// in-only exchange completes when the provider chain returns.
//
// Exactly one of Send or SendFault may be called for each phase. The methods
// of an Exchange are safe for concurrent use.
type Exchange struct {
	id       string
	domain   *Domain
	consumer *ServiceReference
	provider *Service
	contract ExchangeContract
	pchain   *HandlerChain // domain handlers and the provider
	cchain   *HandlerChain // reference handlers and the reply handler
	ctx      *Context
	started  time.Time

	μ       sync.Mutex
	phase   Phase
	state   State
	msg     *Message
	request string // ID of the request message
}

// ID reports the unique identifier of x.
func (x *Exchange) ID() string { return x.id }

// Domain reports the domain in which x was created.
func (x *Exchange) Domain() *Domain { return x.domain }

// Consumer reports the service reference through which x was created.
func (x *Exchange) Consumer() *ServiceReference { return x.consumer }

// Provider reports the service addressed by x.
func (x *Exchange) Provider() *Service { return x.provider }

// Contract reports the resolved contract of x.
func (x *Exchange) Contract() ExchangeContract { return x.contract }

// Pattern reports the exchange pattern of x.
func (x *Exchange) Pattern() Pattern { return x.contract.Pattern() }

// Context returns the exchange-owned context of x, which holds properties of
// the Exchange, In, and Out scopes.
func (x *Exchange) Context() *Context { return x.ctx }

// Phase reports the current phase of x.
func (x *Exchange) Phase() Phase {
	x.μ.Lock()
	defer x.μ.Unlock()
	return x.phase
}

// State reports the current state of x.
func (x *Exchange) State() State {
	x.μ.Lock()
	defer x.μ.Unlock()
	return x.state
}

// Message reports the current message of x: the request during the IN phase,
// and the reply or fault during the OUT phase. It is nil before the first
// call to Send.
func (x *Exchange) Message() *Message {
	x.μ.Lock()
	defer x.μ.Unlock()
	return x.msg
}

// CreateMessage returns a new empty message for use with x.
func (x *Exchange) CreateMessage() *Message { return newMessage() }

func (x *Exchange) String() string {
	x.μ.Lock()
	defer x.μ.Unlock()
	return fmt.Sprintf("Exchange(%s, %s.%s, %v, %v, %v)",
		x.id, x.provider.Name(), x.contract.Provider.Name, x.contract.Pattern(), x.phase, x.state)
}

// Send sends m on x.
//
// If no message has been sent, m is the request: it is delivered to the
// provider's handler chain before Send returns. If the exchange is in-only,
// it is complete once that chain returns.
//
// If the request has been sent and the exchange is in-out, m is the reply:
// the exchange is complete, and m is delivered to the consumer's handler
// chain before Send returns.
//
// Otherwise, Send reports a *StateError wrapping ErrIllegalState. Sending a
// message that has already been sent reports a *StateError wrapping
// ErrMessageSent.
func (x *Exchange) Send(ctx context.Context, m *Message) error {
	if m == nil {
		return errors.New("send: nil message")
	}
	x.μ.Lock()
	var next Phase
	switch {
	case x.state != StateActive:
	case x.phase == PhaseNone:
		next = PhaseIn
	case x.phase == PhaseIn && x.contract.Pattern() == InOut:
		next = PhaseOut
	}
	if err := x.checkLocked("send", next, m); err != nil {
		x.μ.Unlock()
		return err
	}
	x.phase = next
	x.msg = m
	if next == PhaseIn {
		x.request = m.ID()
	} else {
		x.state = StateDone
		m.Context().SetProperty(PropRelatesTo, x.request, ScopeMessage).AddLabels(LabelSystem)
	}
	x.μ.Unlock()

	x.domain.metrics.msgSent.Add(1)
	x.domain.logExchange(x, EventSend, m, nil)
	if next == PhaseIn {
		x.dispatchIn(ctx)
	} else {
		x.finish(StateDone)
		x.dispatchOut(ctx, false)
	}
	return nil
}

// SendFault sends m as a fault on x, completing the exchange. The fault is
// delivered to the consumer's handler chain before SendFault returns.
//
// SendFault is only permitted after the request has been sent and before the
// exchange is complete; otherwise it reports a *StateError wrapping
// ErrIllegalState.
func (x *Exchange) SendFault(ctx context.Context, m *Message) error {
	if m == nil {
		return errors.New("fault: nil message")
	}
	x.μ.Lock()
	var next Phase
	if x.state == StateActive && x.phase == PhaseIn {
		next = PhaseOut
	}
	if err := x.checkLocked("fault", next, m); err != nil {
		x.μ.Unlock()
		return err
	}
	x.phase = PhaseOut
	x.state = StateFault
	x.msg = m
	m.Context().SetProperty(PropRelatesTo, x.request, ScopeMessage).AddLabels(LabelSystem)
	x.μ.Unlock()

	x.domain.metrics.faultSent.Add(1)
	x.domain.logExchange(x, EventFault, m, nil)
	x.finish(StateFault)
	x.dispatchOut(ctx, true)
	return nil
}

// checkLocked reports an error if a transition to next is not valid, or if m
// has already been sent. A zero next means no transition is valid.
// The caller must hold x.μ.
func (x *Exchange) checkLocked(op string, next Phase, m *Message) error {
	if next == PhaseNone {
		return &StateError{Op: op, Phase: x.phase, State: x.state, Err: ErrIllegalState}
	}
	if m.markSent() {
		return &StateError{Op: op, Phase: x.phase, State: x.state, Err: ErrMessageSent}
	}
	return nil
}

// dispatchIn delivers the request to the provider chain. An error or panic
// from a handler faults the exchange.
func (x *Exchange) dispatchIn(ctx context.Context) {
	r := x.pchain.run(ctx, x, false)
	switch r.kind {
	case resultUnhandled:
		x.domain.metrics.handlerErr.Add(1)
		he := handlerFault(x.pchain.hs[r.handler], r.err)
		fault := x.CreateMessage().SetContent(he)
		if err := x.SendFault(ctx, fault); err != nil {
			// The handler completed the exchange before failing, so the error
			// has nowhere to go but the log.
			x.domain.logExchange(x, EventError, nil, he)
		}

	case resultContinue, resultDone:
		if x.Pattern() != InOnly {
			return // the reply may arrive later
		}
		x.μ.Lock()
		ok := x.state == StateActive && x.phase == PhaseIn
		if ok {
			x.state = StateDone
		}
		x.μ.Unlock()
		if ok {
			x.finish(StateDone)
		}
	}
}

// dispatchOut delivers the reply or fault to the consumer chain.  Errors from
// consumer handlers cannot fault the exchange, which is already complete, so
// they are logged and counted.
func (x *Exchange) dispatchOut(ctx context.Context, fault bool) {
	r := x.cchain.run(ctx, x, fault)
	if r.kind == resultUnhandled {
		x.domain.metrics.dispatchErr.Add(1)
		x.domain.logExchange(x, EventError, nil, handlerFault(x.cchain.hs[r.handler], r.err))
	}
}

// finish records the completion of x.
func (x *Exchange) finish(s State) {
	d := time.Since(x.started)
	x.ctx.SetProperty(PropExchangeDuration, d, ScopeExchange).AddLabels(LabelSystem, LabelTransient)

	m := x.domain.metrics
	m.active.Add(-1)
	if s == StateFault {
		m.faulted.Add(1)
	} else {
		m.done.Add(1)
	}
	x.domain.logExchange(x, EventDone, nil, nil)
}

func newExchange(d *Domain, ref *ServiceReference, svc *Service, c ExchangeContract, reply Handler) *Exchange {
	x := &Exchange{
		id:       uuid.NewString(),
		domain:   d,
		consumer: ref,
		provider: svc,
		contract: c,
		pchain:   Chain(d.handlers()...).Append(svc.handler),
		cchain:   Chain(ref.handlers...).Append(reply),
		ctx:      NewContext(),
		started:  time.Now(),
	}
	x.ctx.SetProperty(PropOperation, c.Provider.Name, ScopeExchange).AddLabels(LabelSystem)
	d.metrics.created.Add(1)
	d.metrics.active.Add(1)
	return x
}
