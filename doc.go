// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package esb implements the message exchange core of a service bus.
//
// Components of the bus do not call each other directly. A provider registers
// a [Service] with a [Domain], and a consumer addresses it through a
// [ServiceReference]. Each interaction between them is an [Exchange], which
// carries a request [Message] from the consumer to the provider and, for an
// in-out operation, a reply or a fault back again.
//
// # Domains
//
// A Domain is a registry of services and references:
//
//	d := esb.NewDomain("orders")
//
// To register a service, give it a name, an interface, and a [Handler] that
// receives its exchanges:
//
//	iface := esb.NewInterface("Echo", esb.Operation{Name: "echo", Pattern: esb.InOut})
//	d.RegisterService("Echo", iface, esb.HandlerFunc(echo))
//
// To address the service, register a reference:
//
//	ref, err := d.RegisterServiceReference("Echo", iface, esb.WithTimeout(15*time.Second))
//
// # Exchanges
//
// An exchange is created from a reference for a particular operation. The
// operation is matched against the provider's interface at this point, so
// configuration errors are reported before anything is sent:
//
//	reply := esb.NewSyncInOut()
//	x, err := ref.CreateExchange("echo", reply)
//	if err != nil {
//	   log.Fatalf("Create exchange: %v", err)
//	}
//	x.Send(ctx, x.CreateMessage().SetContent("hello"))
//
// Send delivers the request to the provider's handlers on the calling
// goroutine. A provider answers with Send or SendFault on the same exchange:
//
//	func echo(ctx context.Context, x *esb.Exchange) error {
//	   return x.Send(ctx, x.CreateMessage().SetContent(x.Message().Content()))
//	}
//
// Each phase of an exchange admits exactly one message. Once a reply or fault
// has been sent the exchange is complete, and further sends report
// [ErrIllegalState].
//
// # Faults
//
// A fault is a reply that reports failure. A handler may send one explicitly
// with SendFault. If a handler returns an error or panics, the exchange is
// faulted on its behalf with a [*HandlerError] wrapping the error as content,
// and the remaining handlers of the chain are skipped.
//
// # Synchronous Calls
//
// Dispatch is push-style: replies are delivered to the consumer's handlers.
// [SyncInOut] is a reply handler that parks the calling goroutine until the
// reply or fault arrives, or until a timeout elapses:
//
//	x, err := reply.WaitForOut(15 * time.Second)
//	if err != nil {
//	   // no reply: err is a *DeliveryError
//	} else if x.State() == esb.StateFault {
//	   // the reply is a fault
//	}
//
// [ServiceReference.Call] combines these steps.
//
// # Contexts
//
// An exchange and each of its messages carry a [Context] of scoped, labelled
// properties. Exchange-scoped properties live for the life of the exchange;
// message-scoped properties belong to one message and are not seen by others.
//
// # Metrics
//
// Each domain maintains a collection of metrics. Use the [Domain.Metrics]
// method to obtain an [expvar.Map] containing them:
//
//   - exchanges_created: counter of exchanges created
//   - exchanges_active: gauge of exchanges not yet complete
//   - exchanges_done: counter of exchanges completed normally
//   - exchanges_faulted: counter of exchanges completed with a fault
//   - messages_sent: counter of requests and replies sent
//   - faults_sent: counter of faults sent
//   - handler_errors: counter of provider handlers that failed
//   - dispatch_errors: counter of consumer handlers that failed
//   - calls_timed_out: counter of synchronous calls that gave up waiting
package esb
