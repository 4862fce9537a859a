/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package server

import (
	"sync/atomic"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point in time copy of the server counters.
type Snapshot struct {
	QueriesTotal   uint64 `json:"queries_total"`
	ResponsesTotal uint64 `json:"responses_total"`
	FormErr        uint64 `json:"formerr"`
	ServFail       uint64 `json:"servfail"`
	NXDomain       uint64 `json:"nxdomain"`
	Refused        uint64 `json:"refused"`
	NoError        uint64 `json:"noerror"`
	NotImp         uint64 `json:"notimp"`
	UDPDropped     uint64 `json:"udp_dropped"`
	TCPAccepted    uint64 `json:"tcp_accepted"`
}

type metrics struct {
	queries     atomic.Uint64
	responses   atomic.Uint64
	formerr     atomic.Uint64
	servfail    atomic.Uint64
	nxdomain    atomic.Uint64
	refused     atomic.Uint64
	noerror     atomic.Uint64
	notimp      atomic.Uint64
	udpDropped  atomic.Uint64
	tcpAccepted atomic.Uint64
}

// sent counts a response that made it onto the wire.
func (m *metrics) sent(rcode int) {
	m.responses.Add(1)
	switch rcode {
	case dns.RcodeSuccess:
		m.noerror.Add(1)
	case dns.RcodeNameError:
		m.nxdomain.Add(1)
	case dns.RcodeRefused:
		m.refused.Add(1)
	case dns.RcodeServerFailure:
		m.servfail.Add(1)
	case dns.RcodeFormatError:
		m.formerr.Add(1)
	case dns.RcodeNotImplemented:
		m.notimp.Add(1)
	}
}

func (m *metrics) snapshot() Snapshot {
	return Snapshot{
		QueriesTotal:   m.queries.Load(),
		ResponsesTotal: m.responses.Load(),
		FormErr:        m.formerr.Load(),
		ServFail:       m.servfail.Load(),
		NXDomain:       m.nxdomain.Load(),
		Refused:        m.refused.Load(),
		NoError:        m.noerror.Load(),
		NotImp:         m.notimp.Load(),
		UDPDropped:     m.udpDropped.Load(),
		TCPAccepted:    m.tcpAccepted.Load(),
	}
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(s Snapshot) uint64
}

// collector exports the counters as Prometheus metrics named dcdt_dns_*.
type collector struct {
	m     *metrics
	descs []counterDesc
}

func newCollector(m *metrics, name string) *collector {
	labels := prometheus.Labels{"server": name}
	d := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("dcdt", "dns", metric), help, nil, labels)
	}
	return &collector{
		m: m,
		descs: []counterDesc{
			{d("queries_total", "DNS messages received."), func(s Snapshot) uint64 { return s.QueriesTotal }},
			{d("responses_total", "DNS responses sent."), func(s Snapshot) uint64 { return s.ResponsesTotal }},
			{d("formerr_total", "FORMERR responses sent."), func(s Snapshot) uint64 { return s.FormErr }},
			{d("servfail_total", "SERVFAIL responses sent."), func(s Snapshot) uint64 { return s.ServFail }},
			{d("nxdomain_total", "NXDOMAIN responses sent."), func(s Snapshot) uint64 { return s.NXDomain }},
			{d("refused_total", "REFUSED responses sent."), func(s Snapshot) uint64 { return s.Refused }},
			{d("noerror_total", "NOERROR responses sent."), func(s Snapshot) uint64 { return s.NoError }},
			{d("notimp_total", "NOTIMP responses sent."), func(s Snapshot) uint64 { return s.NotImp }},
			{d("udp_dropped_total", "UDP datagrams dropped because all workers were busy."), func(s Snapshot) uint64 { return s.UDPDropped }},
			{d("tcp_accepted_total", "TCP connections accepted."), func(s Snapshot) uint64 { return s.TCPAccepted }},
		},
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.descs {
		ch <- cd.desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.snapshot()
	for _, cd := range c.descs {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(s)))
	}
}
