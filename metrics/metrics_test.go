// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package metrics_test

import (
	"context"
	"expvar"
	"strconv"
	"testing"

	"github.com/creachadair/esb"
	"github.com/creachadair/esb/metrics"
	"github.com/creachadair/esb/remote"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gather collects the metrics of c into a map from name to a summary of
// its type and value.
func gather(t *testing.T, c prometheus.Collector) map[string]string {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]string)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			out[mf.GetName()] = summarize(mf.GetType(), m)
		}
	}
	return out
}

func summarize(mt dto.MetricType, m *dto.Metric) string {
	var labels string
	for _, lp := range m.GetLabel() {
		labels += "," + lp.GetName() + "=" + lp.GetValue()
	}
	switch mt {
	case dto.MetricType_COUNTER:
		return "counter:" + ftoa(m.GetCounter().GetValue()) + labels
	case dto.MetricType_GAUGE:
		return "gauge:" + ftoa(m.GetGauge().GetValue()) + labels
	default:
		return mt.String()
	}
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func TestCollector(t *testing.T) {
	m := new(expvar.Map)
	m.Add("calls", 3)
	m.AddFloat("load-avg", 0.5)
	m.Add("active", 2)
	m.Set("name", new(expvar.String)) // not exported

	c := metrics.NewCollector("test", m, prometheus.Labels{"unit": "a"}).Gauge("active", "load-avg")
	got := gather(t, c)
	want := map[string]string{
		"esb_test_calls":    "counter:3,unit=a",
		"esb_test_load_avg": "gauge:0.5,unit=a",
		"esb_test_active":   "gauge:2,unit=a",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Metrics (-want, +got):\n%s", diff)
	}

	// Later changes to the map are reflected.
	m.Add("calls", 1)
	m.Add("extra", 7)
	got = gather(t, c)
	if got["esb_test_calls"] != "counter:4,unit=a" || got["esb_test_extra"] != "counter:7,unit=a" {
		t.Errorf("Metrics after update: got %v", got)
	}
}

func TestForDomain(t *testing.T) {
	d := esb.NewDomain("orders")
	if _, err := d.RegisterService("Echo", esb.DefaultInOut(), esb.HandlerFunc(
		func(ctx context.Context, x *esb.Exchange) error {
			return x.Send(ctx, x.CreateMessage().SetContent(x.Message().Content()))
		},
	)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	ref, err := d.RegisterServiceReference("Echo", esb.DefaultInOut())
	if err != nil {
		t.Fatalf("RegisterServiceReference: %v", err)
	}
	if _, err := ref.Call(context.Background(), "", "ping"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	got := gather(t, metrics.ForDomain(d))
	for name, want := range map[string]string{
		"esb_domain_exchanges_created": "counter:1,domain=orders",
		"esb_domain_exchanges_active":  "gauge:0,domain=orders",
		"esb_domain_exchanges_done":    "counter:1,domain=orders",
		"esb_domain_messages_sent":     "counter:2,domain=orders",
	} {
		if got[name] != want {
			t.Errorf("Metric %s: got %q, want %q", name, got[name], want)
		}
	}
}

func TestForPeers(t *testing.T) {
	got := gather(t, metrics.ForPeers(remote.NewPeer(nil)))
	if v, ok := got["esb_remote_requests_pending"]; !ok || v[:6] != "gauge:" {
		t.Errorf("requests_pending: got %q, want a gauge", v)
	}
	if v, ok := got["esb_remote_frames_sent"]; !ok || v[:8] != "counter:" {
		t.Errorf("frames_sent: got %q, want a counter", v)
	}
}
