/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package config

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/johanix/dcdt-dns/codec"
)

// CertSpec names a certificate file to be published as a CERT RR. The owner
// is either Name (relative to the origin or absolute) or Mail, an address
// whose local part becomes the leftmost label (RFC 4398 section 3).
type CertSpec struct {
	Name      string `yaml:"name"`
	Mail      string `yaml:"mail"`
	TTL       uint32 `yaml:"ttl"`
	File      string `yaml:"file"`
	Type      string `yaml:"type"`      // mnemonic or number, default PKIX
	KeyTag    string `yaml:"keytag"`    // number or "auto", default 0
	Algorithm string `yaml:"algorithm"` // mnemonic or number, default 0
}

func (cs CertSpec) CERT(origin string, ttl uint32, certdir string) (*dns.CERT, error) {
	owner, err := cs.owner(origin)
	if err != nil {
		return nil, err
	}
	if cs.TTL != 0 {
		ttl = cs.TTL
	}

	if cs.File == "" {
		return nil, fmt.Errorf("%w: %s: no certificate file", ErrZoneConfig, owner)
	}
	path := cs.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(certdir, path)
	}
	der, cert, err := ReadCertificate(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrZoneConfig, owner, err)
	}

	certType := uint16(dns.CertPKIX)
	if cs.Type != "" {
		if certType, err = lookupMnemonic(cs.Type, dns.StringToCertType); err != nil {
			return nil, fmt.Errorf("%w: %s: cert type: %v", ErrZoneConfig, owner, err)
		}
	}

	var alg uint8
	if cs.Algorithm != "" {
		a, err := lookupMnemonic(cs.Algorithm, dns.StringToAlgorithm)
		if err != nil || a > 255 {
			return nil, fmt.Errorf("%w: %s: algorithm %q", ErrZoneConfig, owner, cs.Algorithm)
		}
		alg = uint8(a)
	}

	var keytag uint16
	switch strings.ToLower(cs.KeyTag) {
	case "", "0":
	case "auto":
		if alg == 0 {
			if alg = algorithmFor(cert); alg == 0 {
				return nil, fmt.Errorf("%w: %s: no DNSSEC algorithm for %s key", ErrZoneConfig, owner, cert.PublicKeyAlgorithm)
			}
		}
		if keytag, err = codec.KeyTag(cert.PublicKey, alg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrZoneConfig, owner, err)
		}
	default:
		n, err := strconv.ParseUint(cs.KeyTag, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: keytag %q", ErrZoneConfig, owner, cs.KeyTag)
		}
		keytag = uint16(n)
	}

	return codec.NewCERT(owner, ttl, certType, keytag, alg, der), nil
}

func (cs CertSpec) owner(origin string) (string, error) {
	switch {
	case cs.Name != "" && cs.Mail != "":
		return "", fmt.Errorf("%w: cert has both name %q and mail %q", ErrZoneConfig, cs.Name, cs.Mail)
	case cs.Mail != "":
		return MailOwner(cs.Mail)
	case cs.Name == "" || cs.Name == "@":
		return origin, nil
	case dns.IsFqdn(cs.Name):
		return cs.Name, nil
	default:
		return dns.Fqdn(cs.Name + "." + origin), nil
	}
}

// MailOwner maps an address like direct1@example.test to the owner name
// direct1.example.test. of its certificate. Case is kept.
func MailOwner(addr string) (string, error) {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || domain == "" {
		return "", fmt.Errorf("%w: bad mail address %q", ErrZoneConfig, addr)
	}
	owner := dns.Fqdn(strings.ReplaceAll(local, ".", `\.`) + "." + domain)
	if _, ok := dns.IsDomainName(owner); !ok {
		return "", fmt.Errorf("%w: mail address %q is not a domain name", ErrZoneConfig, addr)
	}
	return owner, nil
}

// ReadCertificate reads a PEM or DER certificate and returns the DER octets
// together with the parsed certificate.
func ReadCertificate(path string) ([]byte, *x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, nil, fmt.Errorf("%s: PEM block is %q, not CERTIFICATE", path, block.Type)
		}
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %v", path, err)
	}
	return der, cert, nil
}

func algorithmFor(cert *x509.Certificate) uint8 {
	switch k := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return dns.RSASHA256
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return dns.ECDSAP256SHA256
		case elliptic.P384():
			return dns.ECDSAP384SHA384
		}
	case ed25519.PublicKey:
		return dns.ED25519
	}
	return 0
}

func lookupMnemonic[T uint8 | uint16](s string, table map[string]T) (uint16, error) {
	if v, ok := table[strings.ToUpper(s)]; ok {
		return uint16(v), nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown mnemonic %q", s)
	}
	return uint16(n), nil
}
