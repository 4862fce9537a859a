/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"

	"github.com/johanix/dcdt-dns/zonedb"
)

const DefaultTTL = 3600

type ZoneFile struct {
	Zones []ZoneSpec `yaml:"zones"`
}

// ZoneSpec is one zone as written in the zone file. RRs are in presentation
// format; owner names and targets may be relative to the origin.
type ZoneSpec struct {
	Origin  string     `yaml:"origin"`
	TTL     uint32     `yaml:"ttl"`
	SOA     string     `yaml:"soa"`
	NS      []string   `yaml:"ns"`
	Records []string   `yaml:"records"`
	Certs   []CertSpec `yaml:"certs"`
}

// ParseZoneFile reads the yaml zone file and materialises every zone in it,
// including the CERT RRs of the certificate files it names. Relative
// certificate paths are taken from the directory of the zone file.
func ParseZoneFile(path string) ([]zonedb.ZoneConf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ParseZoneFile: %w", err)
	}
	var zf ZoneFile
	if err := yaml.Unmarshal(data, &zf); err != nil {
		return nil, fmt.Errorf("ParseZoneFile: %s: %w: %v", path, ErrZoneConfig, err)
	}
	if len(zf.Zones) == 0 {
		return nil, fmt.Errorf("ParseZoneFile: %s: %w: no zones", path, ErrZoneConfig)
	}

	var zones []zonedb.ZoneConf
	for i, zs := range zf.Zones {
		zc, err := zs.ZoneConf(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("ParseZoneFile: %s: zone %d (%s): %w", path, i, zs.Origin, err)
		}
		zones = append(zones, zc)
	}
	return zones, nil
}

func (zs ZoneSpec) ZoneConf(certdir string) (zonedb.ZoneConf, error) {
	var zc zonedb.ZoneConf

	if zs.Origin == "" {
		return zc, fmt.Errorf("%w: no origin", ErrZoneConfig)
	}
	origin := dns.Fqdn(zs.Origin)
	if _, ok := dns.IsDomainName(origin); !ok {
		return zc, fmt.Errorf("%w: bad origin %q", ErrZoneConfig, zs.Origin)
	}
	ttl := zs.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	zc.Origin = origin

	rr, err := parseRR(zs.SOA, origin, ttl)
	if err != nil {
		return zc, fmt.Errorf("soa: %w", err)
	}
	soa, ok := rr.(*dns.SOA)
	if !ok {
		return zc, fmt.Errorf("%w: soa: %q is not a SOA", ErrZoneConfig, zs.SOA)
	}
	zc.SOA = soa

	for _, s := range zs.NS {
		rr, err := parseRR(s, origin, ttl)
		if err != nil {
			return zc, fmt.Errorf("ns: %w", err)
		}
		ns, ok := rr.(*dns.NS)
		if !ok {
			return zc, fmt.Errorf("%w: ns: %q is not an NS", ErrZoneConfig, s)
		}
		zc.NS = append(zc.NS, ns)
	}

	for _, s := range zs.Records {
		rr, err := parseRR(s, origin, ttl)
		if err != nil {
			return zc, fmt.Errorf("records: %w", err)
		}
		zc.Records = append(zc.Records, rr)
	}

	for _, cs := range zs.Certs {
		cert, err := cs.CERT(origin, ttl, certdir)
		if err != nil {
			return zc, fmt.Errorf("certs: %w", err)
		}
		zc.Records = append(zc.Records, cert)
	}
	return zc, nil
}

// parseRR parses exactly one RR in master file syntax with origin as $ORIGIN
// and ttl as $TTL.
func parseRR(s, origin string, ttl uint32) (dns.RR, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty RR", ErrZoneConfig)
	}
	text := fmt.Sprintf("$TTL %d\n%s\n", ttl, s)
	zp := dns.NewZoneParser(strings.NewReader(text), origin, "")

	rr, ok := zp.Next()
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrZoneConfig, s, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q: no RR", ErrZoneConfig, s)
	}
	if _, more := zp.Next(); more {
		return nil, fmt.Errorf("%w: %q: more than one RR", ErrZoneConfig, s)
	}
	return rr, nil
}
