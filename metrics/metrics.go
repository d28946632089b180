// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package metrics exports the expvar metrics of domains and remote peers to
// Prometheus.
package metrics

import (
	"expvar"
	"strings"
	"sync"

	"github.com/creachadair/esb"
	"github.com/creachadair/esb/remote"
	"github.com/creachadair/mds/mapset"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the Prometheus namespace of exported metrics.
const Namespace = "esb"

// A Collector is a prometheus.Collector that reports the integer and float
// values of an expvar.Map. Each value is exported as a counter unless it has
// been marked as a gauge.
//
// A Collector is unchecked: it does not describe its metrics in advance, since
// the contents of the map may change while it is registered.
type Collector struct {
	subsystem string
	labels    prometheus.Labels
	m         *expvar.Map

	μ      sync.Mutex
	gauges mapset.Set[string]
}

// NewCollector constructs a collector for the values of m. Metric names are
// formed from the namespace, the subsystem, and the key of each value.  The
// labels are attached to every metric.
func NewCollector(subsystem string, m *expvar.Map, labels prometheus.Labels) *Collector {
	return &Collector{subsystem: subsystem, labels: labels, m: m, gauges: mapset.New[string]()}
}

// Gauge marks the given keys as gauges, and returns c to permit chaining.
func (c *Collector) Gauge(keys ...string) *Collector {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.gauges.Add(keys...)
	return c
}

// ForDomain returns a collector for the metrics of d, labelled with its name.
func ForDomain(d *esb.Domain) *Collector {
	return NewCollector("domain", d.Metrics(), prometheus.Labels{"domain": d.Name()}).
		Gauge("exchanges_active")
}

// ForPeers returns a collector for the metrics shared by remote peers.
func ForPeers(p *remote.Peer) *Collector {
	return NewCollector("remote", p.Metrics(), nil).Gauge("requests_active", "requests_pending")
}

// Describe implements a method of prometheus.Collector. It sends no
// descriptors, making c an unchecked collector.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements a method of prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.m.Do(func(kv expvar.KeyValue) {
		var val float64
		switch v := kv.Value.(type) {
		case *expvar.Int:
			val = float64(v.Value())
		case *expvar.Float:
			val = v.Value()
		default:
			return // not a numeric value
		}
		vt := prometheus.CounterValue
		if c.gauges.Has(kv.Key) {
			vt = prometheus.GaugeValue
		}
		name := prometheus.BuildFQName(Namespace, c.subsystem, metricName(kv.Key))
		desc := prometheus.NewDesc(name, "Exported from expvar "+kv.Key+".", nil, c.labels)
		m, err := prometheus.NewConstMetric(desc, vt, val)
		if err != nil {
			m = prometheus.NewInvalidMetric(desc, err)
		}
		ch <- m
	})
}

// metricName converts an expvar key into a valid Prometheus metric name
// component.
func metricName(key string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			return r
		}
		return '_'
	}, key)
}
