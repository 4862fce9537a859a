/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package codec

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

const (
	headerSize      = 12
	maxPointerJumps = 128
	maxNameWireLen  = 255
	maxLabelLen     = 63
)

// Decode parses a wire format DNS message. The raw message is first walked
// with stricter rules than the miekg unpacker applies (no forward compression
// pointers, bounded pointer chains, names inside RDATA must stay inside the
// RDATA) and only then unpacked. All names in the result are absolute.
func Decode(buf []byte) (*dns.Msg, error) {
	if err := walkMessage(buf); err != nil {
		return nil, err
	}
	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, &MalformedError{Kind: BadRdata, Offset: -1, Err: err}
	}
	return m, nil
}

// FormErr builds a FORMERR reply for a message that could not be decoded,
// using whatever header bits are present. Returns nil when there is nothing
// to reply to (no ID, or the message is itself a response).
func FormErr(raw []byte) *dns.Msg {
	if len(raw) < 2 {
		return nil
	}
	m := new(dns.Msg)
	m.Id = binary.BigEndian.Uint16(raw)
	m.Response = true
	m.Rcode = dns.RcodeFormatError
	if len(raw) >= 3 {
		flags := raw[2]
		if flags&0x80 != 0 {
			return nil
		}
		m.Opcode = int(flags>>3) & 0x0F
		m.RecursionDesired = flags&0x01 != 0
	}
	return m
}

func walkMessage(msg []byte) error {
	if len(msg) < headerSize {
		return malformed(HeaderTooShort, len(msg))
	}
	qdcount := int(binary.BigEndian.Uint16(msg[4:]))
	rrcount := int(binary.BigEndian.Uint16(msg[6:])) +
		int(binary.BigEndian.Uint16(msg[8:])) +
		int(binary.BigEndian.Uint16(msg[10:]))

	off := headerSize
	var err error
	for i := 0; i < qdcount; i++ {
		off, err = walkName(msg, off, len(msg), TruncatedMessage)
		if err != nil {
			return err
		}
		if off+4 > len(msg) {
			return malformed(TruncatedMessage, off)
		}
		off += 4
	}

	for i := 0; i < rrcount; i++ {
		off, err = walkName(msg, off, len(msg), TruncatedMessage)
		if err != nil {
			return err
		}
		if off+10 > len(msg) {
			return malformed(TruncatedMessage, off)
		}
		rrtype := binary.BigEndian.Uint16(msg[off:])
		rdlen := int(binary.BigEndian.Uint16(msg[off+8:]))
		off += 10
		if off+rdlen > len(msg) {
			if _, known := dns.TypeToRR[rrtype]; known {
				return malformed(TruncatedRdata, off)
			}
			return malformed(UnknownTypeWithTruncatedRdata, off)
		}
		if err := walkRdata(msg, rrtype, off, off+rdlen); err != nil {
			return err
		}
		off += rdlen
	}
	return nil
}

// walkRdata checks the parts of the RDATA the codec has a schema for. Types
// without embedded names are left to the unpacker; unknown types are kept
// verbatim.
func walkRdata(msg []byte, rrtype uint16, start, end int) error {
	if start == end {
		return nil
	}
	var off int
	var err error

	switch rrtype {
	case dns.TypeNS, dns.TypeCNAME, dns.TypePTR:
		off, err = walkName(msg, start, end, TruncatedRdata)

	case dns.TypeMX:
		if end-start < 3 {
			return malformed(TruncatedRdata, start)
		}
		off, err = walkName(msg, start+2, end, TruncatedRdata)

	case dns.TypeSRV:
		if end-start < 7 {
			return malformed(TruncatedRdata, start)
		}
		off, err = walkName(msg, start+6, end, TruncatedRdata)

	case dns.TypeSOA:
		off, err = walkName(msg, start, end, TruncatedRdata)
		if err != nil {
			return err
		}
		off, err = walkName(msg, off, end, TruncatedRdata)
		if err != nil {
			return err
		}
		if off+20 > end {
			return malformed(TruncatedRdata, off)
		}
		off += 20

	case dns.TypeCERT:
		// type(2) keytag(2) algorithm(1), the certificate fills the rest
		if end-start < 5 {
			return malformed(TruncatedRdata, start)
		}
		return nil

	default:
		return nil
	}

	if err != nil {
		return err
	}
	if off != end {
		return malformed(BadRdata, off)
	}
	return nil
}

// walkName validates the (possibly compressed) name starting at off and
// returns the offset of the first octet after it. The uncompressed part must
// end before limit; short is the kind reported when it does not.
func walkName(msg []byte, off, limit int, short MalformedKind) (int, error) {
	next := -1
	jumps := 0
	wirelen := 0
	cur := off
	end := limit

	for {
		if cur >= end {
			return 0, malformed(short, cur)
		}
		c := int(msg[cur])
		switch c & 0xC0 {
		case 0x00:
			if c == 0 {
				if next < 0 {
					next = cur + 1
				}
				return next, nil
			}
			if cur+1+c > end {
				return 0, malformed(short, cur)
			}
			wirelen += c + 1
			// the terminating root label is one more octet
			if wirelen+1 > maxNameWireLen {
				return 0, malformed(NameTooLong, cur)
			}
			cur += c + 1

		case 0xC0:
			if cur+2 > end {
				return 0, malformed(short, cur)
			}
			ptr := int(binary.BigEndian.Uint16(msg[cur:]) & 0x3FFF)
			if ptr >= cur {
				return 0, malformed(ForwardPointer, cur)
			}
			jumps++
			if jumps > maxPointerJumps {
				return 0, malformed(CompressionLoop, cur)
			}
			if next < 0 {
				next = cur + 2
			}
			cur = ptr
			// compression targets may live anywhere earlier in the message
			end = len(msg)

		default:
			// a length octet of 64..191 is neither a label of at most
			// maxLabelLen octets nor a pointer
			return 0, malformed(LabelTooLong, cur)
		}
	}
}
