/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package server

import (
	"errors"
	"net"
	"net/netip"
)

// Largest datagram accepted; anything longer is dropped.
const maxUDPQuery = 4096

func (s *Server) serveUDP() {
	defer s.wg.Done()
	defer s.udpUp.Store(false)

	for {
		buf := make([]byte, maxUDPQuery+1)
		n, remote, err := s.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("UDP read failed")
			continue
		}
		if n > maxUDPQuery {
			s.log.WithField("remote", remote.String()).Debug("oversized UDP query dropped")
			continue
		}

		if !s.pool.TryAcquire(1) {
			s.metrics.udpDropped.Add(1)
			continue
		}
		s.wg.Add(1)
		go s.udpWorker(buf[:n], remote)
	}
}

func (s *Server) udpWorker(raw []byte, remote netip.AddrPort) {
	defer s.wg.Done()
	defer s.pool.Release(1)
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Errorf("UDP worker for %s: datagram dropped", remote)
		}
	}()

	resp, rcode := s.handle(raw, "udp", remote)
	if resp == nil || s.kill.Err() != nil {
		return
	}
	if _, err := s.udp.WriteToUDPAddrPort(resp, remote); err != nil {
		s.log.WithError(err).Debugf("UDP send to %s failed", remote)
		return
	}
	s.metrics.sent(rcode)
}
