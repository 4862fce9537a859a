/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/johanix/dcdt-dns/resolver"
	"github.com/johanix/dcdt-dns/zonedb"
)

type State int32

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

var StateToString = map[State]string{
	StateNew:      "NEW",
	StateStarting: "STARTING",
	StateRunning:  "RUNNING",
	StateStopping: "STOPPING",
	StateStopped:  "STOPPED",
}

func (s State) String() string {
	if str, ok := StateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var ErrIllegalState = errors.New("illegal server state")

// BindError is returned by Start when a socket could not be bound.
type BindError struct {
	Network string
	Addr    netip.AddrPort
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s %s: %v", e.Network, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// bindAttempts is how many kernel assigned ports are tried before giving up
// on finding one that is free for both TCP and UDP.
const bindAttempts = 5

type responder interface {
	Respond(req *dns.Msg) *dns.Msg
}

// Server is an authoritative DNS server for a fixed set of zones, answering
// on one UDP and one TCP socket bound to the same address and port.
type Server struct {
	conf     Config
	log      logrus.FieldLogger
	db       *zonedb.DB
	resolver responder
	metrics  *metrics

	mu    sync.Mutex // serialises Start and Stop
	state atomic.Int32

	udp   *net.UDPConn
	tcp   *net.TCPListener
	udpUp atomic.Bool
	tcpUp atomic.Bool
	bound atomic.Pointer[netip.AddrPort]

	pool    *semaphore.Weighted
	tcpPool *semaphore.Weighted // bounds the pool slots held by TCP
	conns   cmap.ConcurrentMap[string, *net.TCPConn]
	wg      sync.WaitGroup

	// ctx is cancelled when Stop begins, kill when in-flight work is to be
	// abandoned.
	ctx    context.Context
	cancel context.CancelFunc
	kill   context.Context
	doKill context.CancelFunc
}

func New(conf Config, logger logrus.FieldLogger) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	db, err := zonedb.NewDB(conf.Zones)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", conf.Name, err)
	}
	log := logger.WithField("server", conf.Name)

	s := &Server{
		conf: conf,
		log:  log,
		db:   db,
		resolver: resolver.New(db, resolver.Options{
			UDPPayloadSize: conf.UDPPayloadSize,
			Shuffle:        conf.Shuffle,
		}, log),
		metrics: &metrics{},
		pool:    semaphore.NewWeighted(int64(conf.WorkerCount)),
		tcpPool: semaphore.NewWeighted(int64(conf.tcpConns())),
		conns:   cmap.New[*net.TCPConn](),
	}
	return s, nil
}

func (s *Server) State() State { return State(s.state.Load()) }

func (s *Server) setState(st State) {
	s.log.Debugf("state %s -> %s", s.State(), st)
	s.state.Store(int32(st))
}

func (s *Server) DB() *zonedb.DB { return s.db }

func (s *Server) Name() string { return s.conf.Name }

// Start binds both sockets and starts serving. A bind failure is returned as
// a *BindError and leaves the server in state NEW.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateNew {
		return fmt.Errorf("Start: server %s is %s: %w", s.conf.Name, st, ErrIllegalState)
	}
	s.setState(StateStarting)

	tcp, udp, err := s.bind()
	if err != nil {
		s.setState(StateNew)
		return err
	}
	s.tcp, s.udp = tcp, udp
	ap := tcp.Addr().(*net.TCPAddr).AddrPort()
	bound := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	s.bound.Store(&bound)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.kill, s.doKill = context.WithCancel(context.Background())

	s.udpUp.Store(true)
	s.tcpUp.Store(true)
	s.wg.Add(2)
	go s.serveUDP()
	go s.serveTCP()

	s.setState(StateRunning)
	s.log.WithFields(logrus.Fields{
		"endpoint": bound.String(),
		"zones":    s.db.Len(),
		"workers":  s.conf.WorkerCount,
	}).Info("serving DNS over UDP and TCP")
	return nil
}

func (s *Server) bind() (*net.TCPListener, *net.UDPConn, error) {
	want := netip.AddrPortFrom(s.conf.BindAddress, s.conf.BindPort)
	var lastErr error

	for attempt := 0; attempt < bindAttempts; attempt++ {
		tcp, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(want))
		if err != nil {
			return nil, nil, &BindError{Network: "tcp", Addr: want, Err: err}
		}
		port := tcp.Addr().(*net.TCPAddr).AddrPort().Port()
		addr := netip.AddrPortFrom(s.conf.BindAddress, port)
		udp, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
		if err == nil {
			return tcp, udp, nil
		}
		tcp.Close()
		lastErr = &BindError{Network: "udp", Addr: addr, Err: err}
		if s.conf.BindPort != 0 {
			break
		}
		s.log.Debugf("port %d is taken for UDP, trying another", port)
	}
	return nil, nil, lastErr
}

// Stop stops accepting work, waits up to the drop timeout for in-flight
// requests and then closes everything. Stopping a server that was never
// started, or is already stopped, is not an error.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case StateNew:
		s.setState(StateStopped)
		return nil
	case StateStopped:
		return nil
	case StateRunning:
	default:
		return fmt.Errorf("Stop: server %s is %s: %w", s.conf.Name, st, ErrIllegalState)
	}
	s.setState(StateStopping)

	s.cancel()
	now := time.Now()
	s.udp.SetReadDeadline(now)
	s.tcp.Close()
	for _, conn := range s.conns.Items() {
		conn.SetReadDeadline(now)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.conf.DropTimeout)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		s.log.Warnf("in-flight requests not done after %v, closing %d connections", s.conf.DropTimeout, s.conns.Count())
		s.doKill()
		for _, conn := range s.conns.Items() {
			conn.Close()
		}
		<-done
	}
	s.doKill()
	s.udp.Close()

	s.setState(StateStopped)
	s.log.Info("stopped")
	return nil
}

// IsRunning is true while the server is RUNNING with both listeners up.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning && s.udpUp.Load() && s.tcpUp.Load()
}

// BoundEndpoint returns the address and port the server listens on. With a
// configured port of 0 this is the port the kernel assigned. Before Start it
// returns the zero values.
func (s *Server) BoundEndpoint() (netip.Addr, uint16) {
	bound := s.bound.Load()
	if bound == nil {
		return netip.Addr{}, 0
	}
	return bound.Addr(), bound.Port()
}

func (s *Server) Metrics() Snapshot {
	return s.metrics.snapshot()
}

func (s *Server) Collector() prometheus.Collector {
	return newCollector(s.metrics, s.conf.Name)
}

func (s *Server) stopping() bool {
	return s.ctx.Err() != nil
}
