// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/esb"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

var (
	echoIface = esb.NewInterface("Echo",
		esb.Operation{Name: "echo", Pattern: esb.InOut},
		esb.Operation{Name: "notify", Pattern: esb.InOnly},
	)
	sinkIface = esb.NewInterface("Sink", esb.Operation{Name: "drop", Pattern: esb.InOut})
)

// echo replies to each request with a copy of its content, and ignores
// in-only requests.
func echo(ctx context.Context, x *esb.Exchange) error {
	if x.Pattern() == esb.InOnly {
		return nil
	}
	return x.Send(ctx, x.CreateMessage().SetContent(x.Message().Content()))
}

func newTestDomain(t *testing.T) *esb.Domain {
	t.Helper()
	d := esb.NewDomain("test").LogExchanges(func(info esb.ExchangeInfo) {
		t.Logf("exchange: %v", info)
	})
	mustRegister(t, d, "Echo", echoIface, esb.HandlerFunc(echo))
	mustRegister(t, d, "Sink", sinkIface, esb.HandlerFunc(func(context.Context, *esb.Exchange) error {
		return nil // never replies
	}))
	return d
}

func mustRegister(t *testing.T, d *esb.Domain, name string, iface *esb.ServiceInterface, h esb.Handler) *esb.Service {
	t.Helper()
	svc, err := d.RegisterService(name, iface, h)
	if err != nil {
		t.Fatalf("RegisterService %q: %v", name, err)
	}
	return svc
}

func checkMetric(t *testing.T, m *expvar.Map, name string, want int64) {
	t.Helper()
	if got := m.Get(name).(*expvar.Int).Value(); got != want {
		t.Errorf("Metric %q = %d, want %d", name, got, want)
	}
}

func TestEcho(t *testing.T) {
	defer leaktest.Check(t)()
	d := newTestDomain(t)
	ref, err := d.RegisterServiceReference("Echo", echoIface)
	if err != nil {
		t.Fatalf("RegisterServiceReference: %v", err)
	}

	ctx := context.Background()
	reply := esb.NewSyncInOut()
	x, err := ref.CreateExchange("echo", reply)
	if err != nil {
		t.Fatalf("CreateExchange: %v", err)
	}
	if got := x.Phase(); got != esb.PhaseNone {
		t.Errorf("Phase before send: got %v, want %v", got, esb.PhaseNone)
	}
	req := x.CreateMessage().SetContent("hello")
	if err := x.Send(ctx, req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := reply.WaitForOut(time.Second)
	if err != nil {
		t.Fatalf("WaitForOut: unexpected error: %v", err)
	}
	if got != x {
		t.Errorf("WaitForOut: got exchange %v, want %v", got, x)
	}
	if s := got.State(); s != esb.StateDone {
		t.Errorf("State: got %v, want %v", s, esb.StateDone)
	}
	if p := got.Phase(); p != esb.PhaseOut {
		t.Errorf("Phase: got %v, want %v", p, esb.PhaseOut)
	}
	if c := got.Message().Content(); c != "hello" {
		t.Errorf("Content: got %v, want hello", c)
	}
	if rel := got.Message().Context().Value(esb.PropRelatesTo, esb.ScopeMessage); rel != req.ID() {
		t.Errorf("RelatesTo: got %v, want %v", rel, req.ID())
	}
	if p := x.Context().Property(esb.PropExchangeDuration, esb.ScopeExchange); p == nil {
		t.Error("Missing exchange duration")
	} else if !p.HasLabel(esb.LabelTransient) {
		t.Errorf("Duration labels: got %q, want transient", p.Labels())
	}

	m := d.Metrics()
	checkMetric(t, m, "exchanges_created", 1)
	checkMetric(t, m, "exchanges_active", 0)
	checkMetric(t, m, "exchanges_done", 1)
	checkMetric(t, m, "messages_sent", 2)
}

func TestInOnly(t *testing.T) {
	defer leaktest.Check(t)()
	d := newTestDomain(t)

	var calls int
	reply := esb.Chain(
		esb.HandlerFunc(func(context.Context, *esb.Exchange) error { calls++; return nil }),
		esb.FaultHandlerFunc(func(context.Context, *esb.Exchange) error { calls++; return nil }),
	)
	x, err := d.CreateExchange("Echo", "notify", reply)
	if err != nil {
		t.Fatalf("CreateExchange: %v", err)
	}
	if got := x.Pattern(); got != esb.InOnly {
		t.Errorf("Pattern: got %v, want %v", got, esb.InOnly)
	}
	if err := x.Send(context.Background(), x.CreateMessage().SetContent("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := x.State(); got != esb.StateDone {
		t.Errorf("State: got %v, want %v", got, esb.StateDone)
	}
	if got := x.Phase(); got != esb.PhaseIn {
		t.Errorf("Phase: got %v, want %v", got, esb.PhaseIn)
	}
	if calls != 0 {
		t.Errorf("Reply handler called %d times, want 0", calls)
	}

	// An in-only exchange cannot be answered.
	err = x.Send(context.Background(), x.CreateMessage())
	if !errors.Is(err, esb.ErrIllegalState) {
		t.Errorf("Reply to in-only: got %v, want %v", err, esb.ErrIllegalState)
	}
}

func TestHandlerFault(t *testing.T) {
	defer leaktest.Check(t)()

	boom := errors.New("boom")
	tests := []struct {
		name    string
		handler esb.HandlerFunc
		cause   string
	}{
		{"Error", func(context.Context, *esb.Exchange) error { return boom }, "boom"},
		{"PanicError", func(context.Context, *esb.Exchange) error { panic(boom) }, "boom"},
		{"PanicValue", func(context.Context, *esb.Exchange) error { panic("bad input") }, "bad input"},
		{"Wrapped", func(context.Context, *esb.Exchange) error {
			return fmt.Errorf("validate: %w", errors.New("bad input"))
		}, "bad input"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := esb.NewDomain("test")
			mustRegister(t, d, "Fail", esb.DefaultInOut(), tc.handler)

			reply := esb.NewSyncInOut()
			x, err := d.CreateExchange("Fail", "", reply)
			if err != nil {
				t.Fatalf("CreateExchange: %v", err)
			}
			if err := x.Send(context.Background(), x.CreateMessage().SetContent("hi")); err != nil {
				t.Fatalf("Send: %v", err)
			}
			got, err := reply.WaitForOut(time.Second)
			if err != nil {
				t.Fatalf("WaitForOut: %v", err)
			}
			if s := got.State(); s != esb.StateFault {
				t.Fatalf("State: got %v, want %v", s, esb.StateFault)
			}

			// The fault content is a HandlerError whose immediate cause is the
			// error reported by the handler.
			he, ok := got.Message().Content().(*esb.HandlerError)
			if !ok {
				t.Fatalf("Fault content: got %T, want *esb.HandlerError", got.Message().Content())
			}
			cause := errors.Unwrap(he)
			if cause == nil {
				t.Fatal("HandlerError has no cause")
			}
			if _, nested := cause.(*esb.HandlerError); nested {
				t.Errorf("HandlerError wraps another HandlerError: %v", he)
			}
			if !strings.Contains(cause.Error(), tc.cause) {
				t.Errorf("Cause: got %q, want %q", cause.Error(), tc.cause)
			}
			if tc.name == "Error" || tc.name == "PanicError" {
				if cause != boom {
					t.Errorf("Cause: got %v, want original error %v", cause, boom)
				}
			}
			checkMetric(t, d.Metrics(), "handler_errors", 1)
			checkMetric(t, d.Metrics(), "exchanges_faulted", 1)
		})
	}
}

func TestHandlerErrorNotRewrapped(t *testing.T) {
	d := esb.NewDomain("test")
	orig := &esb.HandlerError{Handler: "inner", Err: errors.New("inner failure")}
	mustRegister(t, d, "Fail", esb.DefaultInOut(), esb.HandlerFunc(func(context.Context, *esb.Exchange) error {
		return orig
	}))
	reply := esb.NewSyncInOut()
	x, err := d.CreateExchange("Fail", "", reply)
	if err != nil {
		t.Fatalf("CreateExchange: %v", err)
	}
	x.Send(context.Background(), x.CreateMessage())
	got, err := reply.WaitForOut(time.Second)
	if err != nil {
		t.Fatalf("WaitForOut: %v", err)
	}
	if c := got.Message().Content(); c != orig {
		t.Errorf("Fault content: got %v, want %v", c, orig)
	}
}

func TestPhaseMonotonic(t *testing.T) {
	defer leaktest.Check(t)()
	d := newTestDomain(t)
	ctx := context.Background()

	t.Run("SendAfterReply", func(t *testing.T) {
		x, err := d.CreateExchange("Echo", "echo", nil)
		if err != nil {
			t.Fatalf("CreateExchange: %v", err)
		}
		if err := x.Send(ctx, x.CreateMessage()); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if err := x.Send(ctx, x.CreateMessage()); !errors.Is(err, esb.ErrIllegalState) {
			t.Errorf("Second Send: got %v, want %v", err, esb.ErrIllegalState)
		}
		if err := x.SendFault(ctx, x.CreateMessage()); !errors.Is(err, esb.ErrIllegalState) {
			t.Errorf("SendFault: got %v, want %v", err, esb.ErrIllegalState)
		}
	})

	t.Run("SendAfterFault", func(t *testing.T) {
		x, err := d.CreateExchange("Sink", "drop", nil)
		if err != nil {
			t.Fatalf("CreateExchange: %v", err)
		}
		if err := x.Send(ctx, x.CreateMessage()); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if err := x.SendFault(ctx, x.CreateMessage()); err != nil {
			t.Fatalf("SendFault: %v", err)
		}
		if err := x.SendFault(ctx, x.CreateMessage()); !errors.Is(err, esb.ErrIllegalState) {
			t.Errorf("Second SendFault: got %v, want %v", err, esb.ErrIllegalState)
		}
		if err := x.Send(ctx, x.CreateMessage()); !errors.Is(err, esb.ErrIllegalState) {
			t.Errorf("Send after fault: got %v, want %v", err, esb.ErrIllegalState)
		}
		if got := x.State(); got != esb.StateFault {
			t.Errorf("State: got %v, want %v", got, esb.StateFault)
		}
	})

	t.Run("FaultBeforeSend", func(t *testing.T) {
		x, err := d.CreateExchange("Sink", "drop", nil)
		if err != nil {
			t.Fatalf("CreateExchange: %v", err)
		}
		err = x.SendFault(ctx, x.CreateMessage())
		var se *esb.StateError
		if !errors.As(err, &se) {
			t.Fatalf("SendFault: got %v, want *StateError", err)
		}
		if se.Phase != esb.PhaseNone || se.State != esb.StateActive {
			t.Errorf("StateError: got phase %v state %v", se.Phase, se.State)
		}
	})

	t.Run("Resend", func(t *testing.T) {
		x1, _ := d.CreateExchange("Echo", "echo", nil)
		x2, _ := d.CreateExchange("Echo", "echo", nil)
		m := x1.CreateMessage().SetContent("once")
		if err := x1.Send(ctx, m); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if err := x2.Send(ctx, m); !errors.Is(err, esb.ErrMessageSent) {
			t.Errorf("Resend: got %v, want %v", err, esb.ErrMessageSent)
		}
		if got := x2.Phase(); got != esb.PhaseNone {
			t.Errorf("Phase after failed send: got %v, want %v", got, esb.PhaseNone)
		}
		if err := x2.Send(ctx, m.Copy()); err != nil {
			t.Errorf("Send copy: unexpected error: %v", err)
		}
	})
}

func TestSyncTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	d := newTestDomain(t)

	reply := esb.NewSyncInOut()
	x, err := d.CreateExchange("Sink", "drop", reply)
	if err != nil {
		t.Fatalf("CreateExchange: %v", err)
	}
	if err := x.Send(context.Background(), x.CreateMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	const timeout = 100 * time.Millisecond
	start := time.Now()
	got, err := reply.WaitForOut(timeout)
	elapsed := time.Since(start)
	if got != nil {
		t.Errorf("WaitForOut: got %v, want nil", got)
	}
	if !errors.Is(err, esb.ErrTimeout) {
		t.Errorf("WaitForOut: got %v, want %v", err, esb.ErrTimeout)
	}
	var de *esb.DeliveryError
	if !errors.As(err, &de) {
		t.Errorf("WaitForOut: got %T, want *DeliveryError", err)
	} else if de.Timeout != timeout {
		t.Errorf("DeliveryError timeout: got %v, want %v", de.Timeout, timeout)
	}
	if elapsed < timeout || elapsed > 10*timeout {
		t.Errorf("WaitForOut returned after %v, want about %v", elapsed, timeout)
	}

	// The exchange is left as the provider left it.
	if s := x.State(); s != esb.StateActive {
		t.Errorf("State: got %v, want %v", s, esb.StateActive)
	}

	if _, err := reply.WaitForOut(0); !errors.Is(err, esb.ErrInvalidTimeout) {
		t.Errorf("WaitForOut(0): got %v, want %v", err, esb.ErrInvalidTimeout)
	}
}

func TestSyncEarlyReply(t *testing.T) {
	defer leaktest.Check(t)()
	d := newTestDomain(t)

	x, err := d.CreateExchange("Sink", "drop", nil)
	if err != nil {
		t.Fatalf("CreateExchange: %v", err)
	}

	// Deliver before anyone waits.
	reply := esb.NewSyncInOut()
	reply.HandleMessage(context.Background(), x)
	select {
	case <-reply.Done():
	default:
		t.Error("Done channel not closed after delivery")
	}

	for i := range 2 {
		got, err := reply.WaitForOut(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("WaitForOut %d: unexpected error: %v", i+1, err)
		}
		if got != x {
			t.Errorf("WaitForOut %d: got %v, want %v", i+1, got, x)
		}
	}

	// A later delivery does not replace the first.
	other, _ := d.CreateExchange("Sink", "drop", nil)
	reply.HandleFault(context.Background(), other)
	if got, _ := reply.Wait(context.Background()); got != x {
		t.Errorf("Wait: got %v, want %v", got, x)
	}
}

func TestSyncContext(t *testing.T) {
	defer leaktest.Check(t)()

	reply := esb.NewSyncInOut()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := reply.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait: got %v, want %v", err, context.Canceled)
	}
	if errors.Is(err, esb.ErrTimeout) {
		t.Errorf("Wait: cancellation reported as timeout: %v", err)
	}
}

func TestCall(t *testing.T) {
	defer leaktest.Check(t)()
	d := newTestDomain(t)
	ctx := context.Background()

	echoRef, err := d.RegisterServiceReference("EchoRef", echoIface, esb.WithTarget("Echo"))
	if err != nil {
		t.Fatalf("RegisterServiceReference: %v", err)
	}
	sinkRef, err := d.RegisterServiceReference("Sink", sinkIface, esb.WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("RegisterServiceReference: %v", err)
	}

	t.Run("Reply", func(t *testing.T) {
		x, err := echoRef.Call(ctx, "echo", "hello")
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if got := x.Message().Content(); got != "hello" {
			t.Errorf("Call: got %v, want hello", got)
		}
	})
	t.Run("InOnly", func(t *testing.T) {
		x, err := echoRef.Call(ctx, "notify", "hello")
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if got := x.State(); got != esb.StateDone {
			t.Errorf("State: got %v, want %v", got, esb.StateDone)
		}
	})
	t.Run("Timeout", func(t *testing.T) {
		x, err := sinkRef.Call(ctx, "drop", "hello")
		var de *esb.DeliveryError
		if !errors.As(err, &de) {
			t.Fatalf("Call: got (%v, %v), want DeliveryError", x, err)
		}
		if de.Exchange == nil || de.Exchange.Provider().Name() != "Sink" {
			t.Errorf("DeliveryError exchange: got %v", de.Exchange)
		}
		checkMetric(t, d.Metrics(), "calls_timed_out", 1)
	})
	t.Run("Deadline", func(t *testing.T) {
		// A reference with no timeout of its own waits as long as ctx allows.
		ref, err := d.RegisterServiceReference("Unbounded", sinkIface, esb.WithTarget("Sink"))
		if err != nil {
			t.Fatalf("RegisterServiceReference: %v", err)
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err = ref.Call(ctx, "drop", "hello")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Call: got %v, want %v", err, context.DeadlineExceeded)
		}
		if errors.Is(err, esb.ErrTimeout) {
			t.Errorf("Call: deadline reported as timeout: %v", err)
		}
	})
}

func TestContractResolution(t *testing.T) {
	d := newTestDomain(t)
	oneWay := esb.NewInterface("OneWay", esb.Operation{Name: "drop", Pattern: esb.InOnly})
	mustRegister(t, d, "OneWay", oneWay, esb.HandlerFunc(echo))

	tests := []struct {
		name    string
		ref     *esb.ServiceInterface
		target  string
		op      string
		want    esb.ExchangeContract
		wantErr error
	}{
		{"Match", echoIface, "Echo", "echo", esb.ExchangeContract{
			Consumer: esb.Operation{Name: "echo", Pattern: esb.InOut},
			Provider: esb.Operation{Name: "echo", Pattern: esb.InOut},
		}, nil},
		{"DefaultOp", esb.DefaultInOut(), "Sink", "", esb.ExchangeContract{
			Consumer: esb.Operation{Name: "process", Pattern: esb.InOut},
			Provider: esb.Operation{Name: "drop", Pattern: esb.InOut},
		}, nil},
		{"OneWayToInOut", esb.DefaultInOnly(), "Echo", "process", esb.ExchangeContract{}, esb.ErrUnknownOperation},
		{"UnknownConsumerOp", echoIface, "Echo", "nonesuch", esb.ExchangeContract{}, esb.ErrUnknownOperation},
		{"Ambiguous", echoIface, "Echo", "", esb.ExchangeContract{}, esb.ErrUnknownOperation},
		{"Mismatch", sinkIface, "OneWay", "drop", esb.ExchangeContract{}, esb.ErrPatternMismatch},
		{"NoService", echoIface, "Nonesuch", "echo", esb.ExchangeContract{}, esb.ErrServiceNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := d.RegisterServiceReference(tc.name, tc.ref, esb.WithTarget(tc.target))
			if err != nil {
				t.Fatalf("RegisterServiceReference: %v", err)
			}
			defer ref.Unregister()

			x, err := ref.CreateExchange(tc.op, nil)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("CreateExchange: got (%v, %v), want %v", x, err, tc.wantErr)
				}
				return
			} else if err != nil {
				t.Fatalf("CreateExchange: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, x.Contract()); diff != "" {
				t.Errorf("Contract (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	d := newTestDomain(t)

	if _, err := d.RegisterService("Echo", echoIface, esb.HandlerFunc(echo)); !errors.Is(err, esb.ErrDuplicateService) {
		t.Errorf("Duplicate RegisterService: got %v, want %v", err, esb.ErrDuplicateService)
	}
	if _, err := d.RegisterService("Nil", echoIface, nil); err == nil {
		t.Error("RegisterService with nil handler: got nil error")
	}
	if _, err := d.RegisterServiceReference("R", nil); err == nil {
		t.Error("RegisterServiceReference with nil interface: got nil error")
	}
	if diff := cmp.Diff([]string{"Echo", "Sink"}, d.Services()); diff != "" {
		t.Errorf("Services (-want, +got):\n%s", diff)
	}

	// Exchanges created before a service is removed still work; new ones do
	// not.
	x, err := d.CreateExchange("Echo", "echo", nil)
	if err != nil {
		t.Fatalf("CreateExchange: %v", err)
	}
	d.Service("Echo").Unregister()
	if err := x.Send(context.Background(), x.CreateMessage()); err != nil {
		t.Errorf("Send after unregister: %v", err)
	}
	if _, err := d.CreateExchange("Echo", "echo", nil); !errors.Is(err, esb.ErrServiceNotFound) {
		t.Errorf("CreateExchange after unregister: got %v, want %v", err, esb.ErrServiceNotFound)
	}
}

// recorder is a handler that logs the calls it receives.
type recorder struct {
	name string
	log  *[]string
	fail bool // fail on message
}

func (r recorder) Name() string { return r.name }

func (r recorder) HandleMessage(ctx context.Context, x *esb.Exchange) error {
	*r.log = append(*r.log, r.name+":msg")
	if r.fail {
		return errors.New(r.name + " failed")
	}
	return nil
}

func (r recorder) HandleFault(ctx context.Context, x *esb.Exchange) error {
	*r.log = append(*r.log, r.name+":fault")
	return nil
}

func TestChainDispatch(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	t.Run("Order", func(t *testing.T) {
		var log []string
		d := esb.NewDomain("test").Use(recorder{name: "policy", log: &log}, recorder{name: "security", log: &log})
		mustRegister(t, d, "Svc", esb.DefaultInOut(), esb.Chain(
			recorder{name: "transform", log: &log},
			esb.HandlerFunc(func(ctx context.Context, x *esb.Exchange) error {
				log = append(log, "bean:msg")
				return x.Send(ctx, x.CreateMessage().SetContent("ok"))
			}),
			recorder{name: "unreached", log: &log},
		))
		ref, err := d.RegisterServiceReference("Svc", esb.DefaultInOut(),
			esb.WithHandlers(recorder{name: "consumer", log: &log}))
		if err != nil {
			t.Fatalf("RegisterServiceReference: %v", err)
		}
		if _, err := ref.Call(ctx, "", "x"); err != nil {
			t.Fatalf("Call: %v", err)
		}
		want := []string{"policy:msg", "security:msg", "transform:msg", "bean:msg", "consumer:msg"}
		if diff := cmp.Diff(want, log); diff != "" {
			t.Errorf("Dispatch order (-want, +got):\n%s", diff)
		}
	})

	t.Run("ShortCircuit", func(t *testing.T) {
		var log []string
		d := esb.NewDomain("test").Use(recorder{name: "policy", log: &log})
		mustRegister(t, d, "Svc", esb.DefaultInOut(), esb.Chain(
			recorder{name: "validate", log: &log, fail: true},
			recorder{name: "bean", log: &log},
		))
		ref, err := d.RegisterServiceReference("Svc", esb.DefaultInOut(),
			esb.WithHandlers(recorder{name: "consumer", log: &log}))
		if err != nil {
			t.Fatalf("RegisterServiceReference: %v", err)
		}
		x, err := ref.Call(ctx, "", "x")
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		want := []string{"policy:msg", "validate:msg", "consumer:fault"}
		if diff := cmp.Diff(want, log); diff != "" {
			t.Errorf("Dispatch order (-want, +got):\n%s", diff)
		}
		he, ok := x.Message().Content().(*esb.HandlerError)
		if !ok {
			t.Fatalf("Fault content: got %T, want *HandlerError", x.Message().Content())
		}
		if he.Handler != "validate" {
			t.Errorf("HandlerError handler: got %q, want validate", he.Handler)
		}
	})

	t.Run("ExplicitFault", func(t *testing.T) {
		var log []string
		d := esb.NewDomain("test")
		mustRegister(t, d, "Svc", esb.DefaultInOut(), esb.Chain(
			esb.HandlerFunc(func(ctx context.Context, x *esb.Exchange) error {
				log = append(log, "rules:msg")
				return x.SendFault(ctx, x.CreateMessage().SetContent("rejected"))
			}),
			recorder{name: "bean", log: &log},
		))
		reply := esb.NewSyncInOut()
		x, err := d.CreateExchange("Svc", "", reply)
		if err != nil {
			t.Fatalf("CreateExchange: %v", err)
		}
		x.Send(ctx, x.CreateMessage())
		got, err := reply.WaitForOut(time.Second)
		if err != nil {
			t.Fatalf("WaitForOut: %v", err)
		}
		if got.State() != esb.StateFault || got.Message().Content() != "rejected" {
			t.Errorf("Reply: got %v content %v, want fault rejected", got.State(), got.Message().Content())
		}
		if diff := cmp.Diff([]string{"rules:msg"}, log); diff != "" {
			t.Errorf("Dispatch (-want, +got):\n%s", diff)
		}
		checkMetric(t, d.Metrics(), "handler_errors", 0)
	})

	t.Run("ConsumerError", func(t *testing.T) {
		var events []esb.Event
		d := esb.NewDomain("test").LogExchanges(func(info esb.ExchangeInfo) {
			events = append(events, info.Event)
		})
		mustRegister(t, d, "Echo", echoIface, esb.HandlerFunc(echo))
		x, err := d.CreateExchange("Echo", "echo", esb.HandlerFunc(func(context.Context, *esb.Exchange) error {
			panic("consumer blew up")
		}))
		if err != nil {
			t.Fatalf("CreateExchange: %v", err)
		}
		if err := x.Send(ctx, x.CreateMessage()); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if got := x.State(); got != esb.StateDone {
			t.Errorf("State: got %v, want %v", got, esb.StateDone)
		}
		want := []esb.Event{esb.EventSend, esb.EventSend, esb.EventDone, esb.EventError}
		if diff := cmp.Diff(want, events); diff != "" {
			t.Errorf("Events (-want, +got):\n%s", diff)
		}
		checkMetric(t, d.Metrics(), "dispatch_errors", 1)
	})
}

func TestConcurrentExchanges(t *testing.T) {
	defer leaktest.Check(t)()

	// The provider replies asynchronously, from a goroutine of its own.
	var wg sync.WaitGroup
	d := esb.NewDomain("test")
	mustRegister(t, d, "Async", esb.DefaultInOut(), esb.HandlerFunc(func(ctx context.Context, x *esb.Exchange) error {
		in := x.Message().Content().(int)
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			x.Send(context.Background(), x.CreateMessage().SetContent(in*in))
		}()
		return nil
	}))
	ref, err := d.RegisterServiceReference("Async", esb.DefaultInOut(), esb.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("RegisterServiceReference: %v", err)
	}

	const numCalls = 64
	g := taskgroup.New(nil)
	for i := range numCalls {
		g.Go(func() error {
			x, err := ref.Call(context.Background(), "", i)
			if err != nil {
				return err
			}
			if got := x.Message().Content(); got != i*i {
				return fmt.Errorf("call %d: got %v, want %d", i, got, i*i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Error(err)
	}
	wg.Wait()
	checkMetric(t, d.Metrics(), "exchanges_done", numCalls)
	checkMetric(t, d.Metrics(), "exchanges_active", 0)
}
