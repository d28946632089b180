// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package remote

import "expvar"

// peerMetrics record peer activity counters.
type peerMetrics struct {
	frameRecv    expvar.Int
	frameSent    expvar.Int
	frameDropped expvar.Int
	reqIn        expvar.Int // number of inbound requests received
	reqInErr     expvar.Int // number of inbound requests that could not be delivered
	reqActive    expvar.Int // inbound requests awaiting a reply from the local domain
	reqOut       expvar.Int // number of requests forwarded to the remote peer
	reqOutErr    expvar.Int // number of forwarded requests that failed
	reqPending   expvar.Int // forwarded requests awaiting a reply
	describeIn   expvar.Int // number of interface descriptions served

	emap *expvar.Map
}

// rootMetrics are shared by all peers.
var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("frames_received", &pm.frameRecv)
	pm.emap.Set("frames_sent", &pm.frameSent)
	pm.emap.Set("frames_dropped", &pm.frameDropped)
	pm.emap.Set("requests_in", &pm.reqIn)
	pm.emap.Set("requests_in_failed", &pm.reqInErr)
	pm.emap.Set("requests_active", &pm.reqActive)
	pm.emap.Set("requests_out", &pm.reqOut)
	pm.emap.Set("requests_out_failed", &pm.reqOutErr)
	pm.emap.Set("requests_pending", &pm.reqPending)
	pm.emap.Set("describes_in", &pm.describeIn)
	return pm
}
