/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zonedb

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

var ErrZoneInvalid = errors.New("invalid zone")

// ZoneConf is the materialised configuration of one zone: all RRs are typed
// and carry absolute owner names.
type ZoneConf struct {
	Origin  string
	SOA     *dns.SOA
	NS      []*dns.NS
	Records []dns.RR
}

type RRset struct {
	Name   string // owner name as loaded
	RRtype uint16
	RRs    []dns.RR
}

type OwnerData struct {
	Name    string
	RRtypes map[uint16]*RRset
	order   []uint16
}

// RRsets returns the RRsets of the owner in the order their types were first
// loaded.
func (od *OwnerData) RRsets() []*RRset {
	res := make([]*RRset, 0, len(od.order))
	for _, t := range od.order {
		res = append(res, od.RRtypes[t])
	}
	return res
}

// Zone is an immutable authoritative zone. Nothing in it may be modified once
// NewZone has returned; lookups hand out shared RRsets.
type Zone struct {
	Origin string // lower case, used as key
	Name   string // origin as configured
	SOA    *RRset
	NS     *RRset
	owners map[string]*OwnerData
	// nodes holds every owner name plus all of their ancestors up to the
	// apex, so that empty non-terminals exist
	nodes map[string]bool
}

func zoneErr(origin, format string, args ...interface{}) error {
	return fmt.Errorf("%w %s: %s", ErrZoneInvalid, origin, fmt.Sprintf(format, args...))
}

func NewZone(zc ZoneConf) (*Zone, error) {
	name := dns.Fqdn(zc.Origin)
	if _, ok := dns.IsDomainName(name); !ok || zc.Origin == "" {
		return nil, zoneErr(zc.Origin, "origin is not a valid domain name")
	}

	z := &Zone{
		Origin: dns.CanonicalName(name),
		Name:   name,
		owners: map[string]*OwnerData{},
		nodes:  map[string]bool{},
	}

	if zc.SOA == nil {
		return nil, zoneErr(name, "no SOA")
	}
	if dns.CanonicalName(zc.SOA.Hdr.Name) != z.Origin {
		return nil, zoneErr(name, "SOA owner %s is not the zone apex", zc.SOA.Hdr.Name)
	}
	if err := z.add(zc.SOA); err != nil {
		return nil, err
	}

	if len(zc.NS) == 0 {
		return nil, zoneErr(name, "no NS at the zone apex")
	}
	for _, ns := range zc.NS {
		if dns.CanonicalName(ns.Hdr.Name) != z.Origin {
			return nil, zoneErr(name, "NS owner %s is not the zone apex", ns.Hdr.Name)
		}
		if err := z.add(ns); err != nil {
			return nil, err
		}
	}

	for _, rr := range zc.Records {
		if rr == nil {
			continue
		}
		switch rr.Header().Rrtype {
		case dns.TypeSOA:
			return nil, zoneErr(name, "SOA must only be given as the zone SOA: %s", rr.String())
		case dns.TypeOPT:
			return nil, zoneErr(name, "OPT is not a zone record")
		}
		if err := z.add(rr); err != nil {
			return nil, err
		}
	}

	for lname, od := range z.owners {
		if cname, ok := od.RRtypes[dns.TypeCNAME]; ok {
			if len(od.order) > 1 {
				return nil, zoneErr(name, "%s: CNAME and other data", od.Name)
			}
			if len(cname.RRs) > 1 {
				return nil, zoneErr(name, "%s: multiple CNAME RRs", od.Name)
			}
		}
		for _, rrset := range od.RRtypes {
			normaliseTTL(rrset)
		}
		z.addNode(lname)
	}

	z.SOA = z.owners[z.Origin].RRtypes[dns.TypeSOA]
	z.NS = z.owners[z.Origin].RRtypes[dns.TypeNS]
	return z, nil
}

func (z *Zone) add(rr dns.RR) error {
	rr = dns.Copy(rr)
	h := rr.Header()
	if h.Class == 0 {
		h.Class = dns.ClassINET
	}
	if h.Class != dns.ClassINET {
		return zoneErr(z.Name, "%s: class %s is not served", h.Name, dns.ClassToString[h.Class])
	}
	if _, ok := dns.IsDomainName(h.Name); !ok || !dns.IsFqdn(h.Name) {
		return zoneErr(z.Name, "owner name %q is not a valid absolute name", h.Name)
	}
	lname := dns.CanonicalName(h.Name)
	if !dns.IsSubDomain(z.Origin, lname) {
		return zoneErr(z.Name, "%s is not in the zone", h.Name)
	}
	if h.Rrtype == dns.TypeSOA && len(z.owners) > 0 {
		return zoneErr(z.Name, "more than one SOA")
	}

	od, ok := z.owners[lname]
	if !ok {
		od = &OwnerData{Name: h.Name, RRtypes: map[uint16]*RRset{}}
		z.owners[lname] = od
	}
	// all RRs of an owner are emitted with the case it was first loaded with
	h.Name = od.Name
	rrset, ok := od.RRtypes[h.Rrtype]
	if !ok {
		rrset = &RRset{Name: od.Name, RRtype: h.Rrtype}
		od.RRtypes[h.Rrtype] = rrset
		od.order = append(od.order, h.Rrtype)
	}
	for _, old := range rrset.RRs {
		if dns.IsDuplicate(old, rr) {
			return nil
		}
	}
	rrset.RRs = append(rrset.RRs, rr)
	return nil
}

func (z *Zone) addNode(lname string) {
	off := 0
	end := false
	for !end {
		name := lname[off:]
		z.nodes[name] = true
		if name == z.Origin {
			return
		}
		off, end = dns.NextLabel(lname, off)
	}
	// only reached for the root zone
	z.nodes[z.Origin] = true
}

// An RRset has a single TTL; disagreeing inputs get the smallest one.
func normaliseTTL(rrset *RRset) {
	if len(rrset.RRs) < 2 {
		return
	}
	ttl := rrset.RRs[0].Header().Ttl
	for _, rr := range rrset.RRs[1:] {
		if rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}
	for _, rr := range rrset.RRs {
		rr.Header().Ttl = ttl
	}
}

// Owner returns the data at qname (case insensitive).
func (z *Zone) Owner(qname string) (*OwnerData, bool) {
	od, ok := z.owners[dns.CanonicalName(qname)]
	return od, ok
}

// Len is the number of owner names holding data.
func (z *Zone) Len() int { return len(z.owners) }

// NameExists is true for owner names and empty non-terminals.
func (z *Zone) NameExists(qname string) bool {
	return z.nodes[dns.CanonicalName(qname)]
}

// Lookup resolves qname within the zone. qname must be at or below the
// origin.
func (z *Zone) Lookup(qname string, qtype uint16) LookupResult {
	lname := dns.CanonicalName(qname)
	if od, ok := z.owners[lname]; ok {
		return z.answer(od, qname, qtype, false)
	}
	if z.nodes[lname] {
		return LookupResult{Kind: NoData, Zone: z}
	}

	// Walk up to the closest encloser; only its wildcard may match.
	off := 0
	end := false
	for !end {
		off, end = dns.NextLabel(lname, off)
		anc := "."
		if !end {
			anc = lname[off:]
		}
		if !z.nodes[anc] {
			continue
		}
		wc := "*." + anc
		if anc == "." {
			wc = "*."
		}
		if od, ok := z.owners[wc]; ok {
			return z.answer(od, qname, qtype, true)
		}
		break
	}
	return LookupResult{Kind: NXDomain, Zone: z}
}

func (z *Zone) answer(od *OwnerData, qname string, qtype uint16, wildcard bool) LookupResult {
	res := LookupResult{Zone: z, Wildcard: wildcard}

	var rrsets []*RRset
	if cname, ok := od.RRtypes[dns.TypeCNAME]; ok && qtype != dns.TypeCNAME && qtype != dns.TypeANY {
		res.Kind = CNAME
		res.Target = cname.RRs[0].(*dns.CNAME).Target
		rrsets = []*RRset{cname}
	} else if qtype == dns.TypeANY {
		res.Kind = Answer
		rrsets = od.RRsets()
	} else if rrset, ok := od.RRtypes[qtype]; ok {
		res.Kind = Answer
		rrsets = []*RRset{rrset}
	} else {
		res.Kind = NoData
		return res
	}

	if wildcard {
		for i, rrset := range rrsets {
			rrsets[i] = WildcardReplace(rrset, qname)
		}
	}
	res.RRsets = rrsets
	return res
}

// WildcardReplace returns a copy of rrset owned by qname.
func WildcardReplace(rrset *RRset, qname string) *RRset {
	res := &RRset{Name: qname, RRtype: rrset.RRtype, RRs: make([]dns.RR, 0, len(rrset.RRs))}
	for _, rr := range rrset.RRs {
		newrr := dns.Copy(rr)
		newrr.Header().Name = qname
		res.RRs = append(res.RRs, newrr)
	}
	return res
}
