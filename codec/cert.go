/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package codec

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/miekg/dns"
)

// NewCERT returns a CERT RR (RFC 4398) carrying der verbatim.
func NewCERT(owner string, ttl uint32, certType, keyTag uint16, alg uint8, der []byte) *dns.CERT {
	return &dns.CERT{
		Hdr: dns.RR_Header{
			Name:   owner,
			Rrtype: dns.TypeCERT,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Type:        certType,
		KeyTag:      keyTag,
		Algorithm:   alg,
		Certificate: base64.StdEncoding.EncodeToString(der),
	}
}

// CertificateBytes returns the raw certificate octets of a CERT RR.
func CertificateBytes(rr *dns.CERT) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(rr.Certificate)
	if err != nil {
		return nil, fmt.Errorf("CertificateBytes: %s: %w", rr.Hdr.Name, err)
	}
	return der, nil
}

// KeyTag computes the RFC 4034 appendix B key tag of the zone key DNSKEY that
// would carry pub with algorithm alg.
func KeyTag(pub crypto.PublicKey, alg uint8) (uint16, error) {
	var raw []byte

	switch k := pub.(type) {
	case *rsa.PublicKey:
		// RFC 3110 section 2
		exp := big.NewInt(int64(k.E)).Bytes()
		if len(exp) < 256 {
			raw = append(raw, byte(len(exp)))
		} else {
			raw = append(raw, 0, byte(len(exp)>>8), byte(len(exp)))
		}
		raw = append(raw, exp...)
		raw = append(raw, k.N.Bytes()...)

	case *ecdsa.PublicKey:
		// RFC 6605 section 4
		size := (k.Curve.Params().BitSize + 7) / 8
		raw = make([]byte, 2*size)
		k.X.FillBytes(raw[:size])
		k.Y.FillBytes(raw[size:])

	case ed25519.PublicKey:
		raw = append(raw, k...)

	default:
		return 0, fmt.Errorf("KeyTag: unsupported public key type %T", pub)
	}

	key := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET},
		Flags:     dns.ZONE,
		Protocol:  3,
		Algorithm: alg,
		PublicKey: base64.StdEncoding.EncodeToString(raw),
	}
	return key.KeyTag(), nil
}
