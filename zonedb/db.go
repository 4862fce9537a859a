/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zonedb

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"github.com/twotwotwo/sorts"
)

// DB is an immutable set of zones. It is built once and then shared by all
// workers without locking.
type DB struct {
	zones map[string]*Zone
}

func NewDB(confs []ZoneConf) (*DB, error) {
	db := &DB{zones: make(map[string]*Zone, len(confs))}
	for _, zc := range confs {
		z, err := NewZone(zc)
		if err != nil {
			return nil, err
		}
		if _, exists := db.zones[z.Origin]; exists {
			return nil, fmt.Errorf("%w %s: zone defined more than once", ErrZoneInvalid, z.Name)
		}
		db.zones[z.Origin] = z
	}
	return db, nil
}

func (db *DB) Len() int {
	return len(db.zones)
}

func (db *DB) Zone(origin string) (*Zone, bool) {
	z, ok := db.zones[dns.CanonicalName(dns.Fqdn(origin))]
	return z, ok
}

// FindZone returns the zone with the longest origin that is a suffix of
// qname, or nil.
func (db *DB) FindZone(qname string) *Zone {
	lname := dns.CanonicalName(qname)
	off := 0
	end := false
	for !end {
		if z, ok := db.zones[lname[off:]]; ok {
			return z
		}
		off, end = dns.NextLabel(lname, off)
	}
	return db.zones["."]
}

// Lookup never fails: anything outside the served zones or classes is
// NotAuthoritative.
func (db *DB) Lookup(qname string, qtype, qclass uint16) LookupResult {
	if qclass != dns.ClassINET && qclass != dns.ClassANY {
		return LookupResult{Kind: NotAuthoritative}
	}
	z := db.FindZone(qname)
	if z == nil {
		return LookupResult{Kind: NotAuthoritative}
	}
	return z.Lookup(qname, qtype)
}

type origins []string

func (o origins) Len() int      { return len(o) }
func (o origins) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o origins) Less(i, j int) bool {
	return CanonicalLess(o[i], o[j])
}

// Origins returns the zone origins (as configured) in canonical DNS order.
func (db *DB) Origins() []string {
	res := make(origins, 0, len(db.zones))
	for _, z := range db.zones {
		res = append(res, z.Name)
	}
	sorts.Quicksort(res)
	return res
}

// CanonicalLess orders names as RFC 4034 section 6.1 does: label by label
// from the root, case insensitive.
func CanonicalLess(a, b string) bool {
	la := dns.SplitDomainName(strings.ToLower(a))
	lb := dns.SplitDomainName(strings.ToLower(b))
	i, j := len(la)-1, len(lb)-1
	for i >= 0 && j >= 0 {
		if la[i] != lb[j] {
			return la[i] < lb[j]
		}
		i--
		j--
	}
	return i < j
}
