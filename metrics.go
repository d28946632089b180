// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb

import "expvar"

// domainMetrics record exchange activity counters.
type domainMetrics struct {
	created     expvar.Int // exchanges created
	active      expvar.Int // exchanges not yet complete
	done        expvar.Int // exchanges completed normally
	faulted     expvar.Int // exchanges completed with a fault
	msgSent     expvar.Int
	faultSent   expvar.Int
	handlerErr  expvar.Int // provider handlers that failed or panicked
	dispatchErr expvar.Int // consumer handlers that failed or panicked
	timedOut    expvar.Int // synchronous calls that gave up waiting

	emap *expvar.Map
}

func newDomainMetrics() *domainMetrics {
	dm := &domainMetrics{emap: new(expvar.Map)}
	dm.emap.Set("exchanges_created", &dm.created)
	dm.emap.Set("exchanges_active", &dm.active)
	dm.emap.Set("exchanges_done", &dm.done)
	dm.emap.Set("exchanges_faulted", &dm.faulted)
	dm.emap.Set("messages_sent", &dm.msgSent)
	dm.emap.Set("faults_sent", &dm.faultSent)
	dm.emap.Set("handler_errors", &dm.handlerErr)
	dm.emap.Set("dispatch_errors", &dm.dispatchErr)
	dm.emap.Set("calls_timed_out", &dm.timedOut)
	return dm
}
