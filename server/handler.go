/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package server

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/johanix/dcdt-dns/codec"
)

// handle turns one raw request into the raw reply and its rcode. A nil reply
// means nothing is to be sent. UDP replies are truncated to what the client
// accepts.
func (s *Server) handle(raw []byte, transport string, remote fmt.Stringer) ([]byte, int) {
	s.metrics.queries.Add(1)
	log := s.log.WithFields(logrus.Fields{
		"transport": transport,
		"remote":    remote.String(),
	})

	req, err := codec.Decode(raw)
	if err != nil {
		log.WithError(err).Debug("malformed query")
		resp := codec.FormErr(raw)
		if resp == nil {
			return nil, 0
		}
		buf, err := codec.Encode(resp, 0)
		if err != nil {
			log.WithError(err).Error("could not encode FORMERR")
			return nil, 0
		}
		return buf, resp.Rcode
	}

	if len(req.Question) > 0 {
		log = log.WithFields(logrus.Fields{
			"qname": req.Question[0].Name,
			"qtype": dns.TypeToString[req.Question[0].Qtype],
		})
	}

	resp := s.resolve(req, log)
	if resp == nil {
		return nil, 0
	}

	maxSize := 0
	if transport == "udp" {
		maxSize = codec.UDPSize(req, s.conf.UDPPayloadSize)
	}
	buf, err := codec.Encode(resp, maxSize)
	if err != nil {
		log.WithError(err).Error("could not encode response")
		resp = s.servFail(req)
		if buf, err = codec.Encode(resp, maxSize); err != nil {
			return nil, 0
		}
	}
	if resp.Truncated {
		log.Debugf("response truncated to %d octets", maxSize)
	}
	log.Tracef("rcode %s", dns.RcodeToString[resp.Rcode])
	return buf, resp.Rcode
}

// resolve runs the resolver with the per-request deadline. A panic or an
// expired deadline gives SERVFAIL; a server being killed gives no response.
func (s *Server) resolve(req *dns.Msg, log logrus.FieldLogger) *dns.Msg {
	ctx, cancel := context.WithTimeout(s.kill, s.conf.PerRequestDeadline)
	defer cancel()

	done := make(chan *dns.Msg, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("resolver panic")
				done <- s.servFail(req)
			}
		}()
		done <- s.resolver.Respond(req)
	}()

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		if s.kill.Err() != nil {
			return nil
		}
		log.Warnf("no answer within %v", s.conf.PerRequestDeadline)
		return s.servFail(req)
	}
}

func (s *Server) servFail(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeServerFailure)
	m.RecursionDesired = req.RecursionDesired
	if req.IsEdns0() != nil {
		m.SetEdns0(s.conf.UDPPayloadSize, false)
	}
	return m
}
