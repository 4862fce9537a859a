/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package resolver

import (
	"math/rand/v2"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/johanix/dcdt-dns/zonedb"
)

const (
	DefaultUDPPayloadSize = 4096
	DefaultMaxCNAMEChain  = 8
)

type Options struct {
	UDPPayloadSize uint16 // advertised in the OPT RR of responses
	Shuffle        bool   // permute each answer RRset per response
	MaxCNAMEChain  int
}

// Resolver synthesises authoritative responses from an immutable zone
// database. It keeps no per-request state and is safe for concurrent use.
type Resolver struct {
	db   *zonedb.DB
	opts Options
	log  logrus.FieldLogger
}

func New(db *zonedb.DB, opts Options, logger logrus.FieldLogger) *Resolver {
	if opts.UDPPayloadSize == 0 {
		opts.UDPPayloadSize = DefaultUDPPayloadSize
	}
	if opts.MaxCNAMEChain <= 0 {
		opts.MaxCNAMEChain = DefaultMaxCNAMEChain
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Resolver{
		db:   db,
		opts: opts,
		log:  logger.WithField("component", "resolver"),
	}
}

func (r *Resolver) DB() *zonedb.DB { return r.db }

// Respond returns the response to req, or nil if req must not be answered
// (it is itself a response).
func (r *Resolver) Respond(req *dns.Msg) *dns.Msg {
	if req.Response {
		return nil
	}

	m := new(dns.Msg)
	if len(req.Question) != 1 {
		m.SetRcodeFormatError(req)
		m.Opcode = req.Opcode
		m.RecursionDesired = req.RecursionDesired
		return m
	}

	m.SetReply(req)
	m.RecursionDesired = req.RecursionDesired
	m.RecursionAvailable = false

	if req.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		return r.finish(req, m)
	}

	if opt := req.IsEdns0(); opt != nil && opt.Version() != 0 {
		m.Rcode = dns.RcodeBadVers
		return r.finish(req, m)
	}

	q := req.Question[0]
	switch q.Qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		// zone transfers are not offered
		m.Rcode = dns.RcodeRefused
		return r.finish(req, m)
	}

	r.resolve(m, q)
	return r.finish(req, m)
}

func (r *Resolver) finish(req, m *dns.Msg) *dns.Msg {
	if req.IsEdns0() != nil {
		m.SetEdns0(r.opts.UDPPayloadSize, false)
	}
	return m
}

func (r *Resolver) resolve(m *dns.Msg, q dns.Question) {
	name := q.Name
	seen := map[string]bool{}
	var zone *zonedb.Zone
	var res zonedb.LookupResult

	for chain := 0; ; chain++ {
		res = r.db.Lookup(name, q.Qtype, q.Qclass)
		if res.Kind == zonedb.NotAuthoritative {
			if chain == 0 {
				m.Rcode = dns.RcodeRefused
				return
			}
			// chain left the served zones; the CNAMEs so far are the answer
			m.Authoritative = true
			return
		}
		zone = res.Zone
		m.Authoritative = true

		if res.Kind != zonedb.CNAME {
			break
		}

		target := res.Target
		if chain == r.opts.MaxCNAMEChain {
			r.log.WithFields(logrus.Fields{
				"qname":  q.Name,
				"target": target,
			}).Debugf("CNAME chain longer than %d, answer is partial", r.opts.MaxCNAMEChain)
			m.Authoritative = r.db.FindZone(target) != nil
			return
		}

		m.Answer = append(m.Answer, r.rrs(res.RRsets[0])...)
		seen[dns.CanonicalName(name)] = true
		if seen[dns.CanonicalName(target)] {
			r.log.WithFields(logrus.Fields{
				"qname":  q.Name,
				"target": target,
			}).Debug("CNAME loop")
			return
		}
		name = target
	}

	switch res.Kind {
	case zonedb.Answer:
		apexNS := false
		for _, rrset := range res.RRsets {
			m.Answer = append(m.Answer, r.rrs(rrset)...)
			if rrset == zone.NS {
				apexNS = true
			}
		}
		if !apexNS {
			m.Ns = append(m.Ns, zone.NS.RRs...)
		}
		m.Extra = append(m.Extra, r.additional(m)...)

	case zonedb.NoData:
		m.Ns = append(m.Ns, zone.SOA.RRs...)

	case zonedb.NXDomain:
		m.Rcode = dns.RcodeNameError
		m.Ns = append(m.Ns, zone.SOA.RRs...)
	}
}

// rrs returns the records of rrset in the order they are to be emitted.
func (r *Resolver) rrs(rrset *zonedb.RRset) []dns.RR {
	if !r.opts.Shuffle || len(rrset.RRs) < 2 {
		return rrset.RRs
	}
	res := make([]dns.RR, len(rrset.RRs))
	copy(res, rrset.RRs)
	rand.Shuffle(len(res), func(i, j int) { res[i], res[j] = res[j], res[i] })
	return res
}

type rrkey struct {
	name   string
	rrtype uint16
}

// additional collects address RRsets for the NS, MX and SRV targets in the
// answer and authority sections. Only exact owner data in a served zone is
// used; wildcards never produce additional data.
func (r *Resolver) additional(m *dns.Msg) []dns.RR {
	present := map[rrkey]bool{}
	for _, rr := range m.Answer {
		present[rrkey{dns.CanonicalName(rr.Header().Name), rr.Header().Rrtype}] = true
	}

	var targets []string
	collect := func(rrs []dns.RR) {
		for _, rr := range rrs {
			switch rr := rr.(type) {
			case *dns.NS:
				targets = append(targets, rr.Ns)
			case *dns.MX:
				targets = append(targets, rr.Mx)
			case *dns.SRV:
				targets = append(targets, rr.Target)
			}
		}
	}
	collect(m.Answer)
	collect(m.Ns)

	var extra []dns.RR
	for _, target := range targets {
		z := r.db.FindZone(target)
		if z == nil {
			continue
		}
		od, ok := z.Owner(target)
		if !ok {
			continue
		}
		for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
			key := rrkey{dns.CanonicalName(target), t}
			if present[key] {
				continue
			}
			if rrset, ok := od.RRtypes[t]; ok {
				present[key] = true
				extra = append(extra, r.rrs(rrset)...)
			}
		}
	}
	return extra
}
