/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/johanix/dcdt-dns/codec"
)

// serveTCP does not accept the next connection until the previous one has a
// worker, so a saturated server leaves new connections in the kernel backlog.
// At most tcpConns() slots go to TCP; the rest stay available for UDP.
func (s *Server) serveTCP() {
	defer s.wg.Done()
	defer s.tcpUp.Store(false)

	for {
		conn, err := s.tcp.AcceptTCP()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("TCP accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.metrics.tcpAccepted.Add(1)
		if err := s.tcpPool.Acquire(s.ctx, 1); err != nil {
			conn.Close()
			return
		}
		if err := s.pool.Acquire(s.ctx, 1); err != nil {
			s.tcpPool.Release(1)
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn answers queries on one connection, in order, until the client
// goes away, the connection idles out or the server stops. The worker slot
// taken by the accept loop is held until the connection is closed.
func (s *Server) serveConn(conn *net.TCPConn) {
	remote := conn.RemoteAddr()
	key := remote.String()
	s.conns.Set(key, conn)

	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Errorf("TCP worker for %s: connection closed", key)
		}
		s.conns.Remove(key)
		conn.Close()
		s.pool.Release(1)
		s.tcpPool.Release(1)
		s.wg.Done()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.conf.TCPIdleTimeout))
		// Stop sets all read deadlines to now after cancelling ctx; checking
		// after our own deadline is set means we cannot miss that.
		if s.stopping() {
			return
		}
		raw, err := codec.ReadFramed(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopping() {
				s.log.WithError(err).Debugf("TCP read from %s", key)
			}
			return
		}

		resp, rcode := s.handle(raw, "tcp", remote)
		if resp == nil {
			continue
		}
		if s.kill.Err() != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(s.conf.TCPIdleTimeout))
		if err := codec.WriteFramed(conn, resp); err != nil {
			s.log.WithError(err).Debugf("TCP send to %s failed", key)
			return
		}
		s.metrics.sent(rcode)
	}
}
