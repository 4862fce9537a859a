/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/miekg/dns"
)

// Encode packs m with name compression. MX exchange names and SRV targets
// are never compressed. A positive maxSize is the UDP payload limit: records
// are dropped at RR boundaries (answer, then authority, then additional)
// until the message fits and TC is set if anything was dropped. maxSize 0
// means a stream transport, where the only limit is the 16 bit length
// prefix. Of m itself only the TC bit is changed.
func Encode(m *dns.Msg, maxSize int) ([]byte, error) {
	out := *m
	var err error
	if out.Answer, err = uncompressedMX(m.Answer); err != nil {
		return nil, fmt.Errorf("Encode: %w", err)
	}
	if out.Ns, err = uncompressedMX(m.Ns); err != nil {
		return nil, fmt.Errorf("Encode: %w", err)
	}
	if out.Extra, err = uncompressedMX(m.Extra); err != nil {
		return nil, fmt.Errorf("Encode: %w", err)
	}

	if maxSize > 0 {
		out.Truncate(maxSize)
	}
	out.Compress = true
	m.Truncated = out.Truncated
	buf, err := out.Pack()
	if err != nil {
		return nil, fmt.Errorf("Encode: %w", err)
	}
	if len(buf) > dns.MaxMsgSize {
		return nil, fmt.Errorf("Encode: message of %d octets does not fit in a DNS message", len(buf))
	}
	return buf, nil
}

// uncompressedMX returns a copy of rrs where every MX is replaced by its
// RFC 3597 form with the exchange name packed in full, which the packer
// then copies verbatim.
func uncompressedMX(rrs []dns.RR) ([]dns.RR, error) {
	out := make([]dns.RR, len(rrs))
	for i, rr := range rrs {
		if _, ok := rr.(*dns.MX); !ok {
			out[i] = rr
			continue
		}
		raw := new(dns.RFC3597)
		if err := raw.ToRFC3597(rr); err != nil {
			return nil, fmt.Errorf("MX %s: %w", rr.Header().Name, err)
		}
		out[i] = raw
	}
	return out, nil
}

// UDPSize returns the largest UDP response the client of req accepts, given
// the payload size this server advertises.
func UDPSize(req *dns.Msg, serverMax uint16) int {
	size := dns.MinMsgSize
	if opt := req.IsEdns0(); opt != nil {
		adv := int(opt.UDPSize())
		if adv > int(serverMax) {
			adv = int(serverMax)
		}
		if adv > size {
			size = adv
		}
	}
	return size
}

// ReadFramed reads one length prefixed message from a stream.
func ReadFramed(r io.Reader) ([]byte, error) {
	var lenbuf [2]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(lenbuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFramed writes msg with its two octet length prefix in a single write.
func WriteFramed(w io.Writer, msg []byte) error {
	if len(msg) > dns.MaxMsgSize {
		return fmt.Errorf("WriteFramed: message too large: %d octets", len(msg))
	}
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)
	return err
}
