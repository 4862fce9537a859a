/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/johanix/dcdt-dns/server"
	"github.com/johanix/dcdt-dns/zonedb"
)

// DNSServer is what the API needs to know about each DNS server.
type DNSServer interface {
	Name() string
	State() server.State
	BoundEndpoint() (netip.Addr, uint16)
	DB() *zonedb.DB
	Metrics() server.Snapshot
	Collector() prometheus.Collector
}

type Conf struct {
	AppName  string
	Version  string
	BootTime time.Time
	Key      string
	// StopCh is signalled (without blocking) by the stop command.
	StopCh chan<- struct{}
}

func APIping(conf Conf, log logrus.FieldLogger) func(w http.ResponseWriter, r *http.Request) {
	var pongs atomic.Int64

	return func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("received /ping request from %s", r.RemoteAddr)

		var pp PingPost
		if err := json.NewDecoder(r.Body).Decode(&pp); err != nil {
			log.WithError(err).Debug("error decoding ping post")
		}
		hostname, _ := os.Hostname()
		response := PingResponse{
			Time:       time.Now(),
			BootTime:   conf.BootTime,
			Version:    conf.Version,
			Daemon:     conf.AppName,
			ServerHost: hostname,
			Client:     r.RemoteAddr,
			Msg:        fmt.Sprintf("pong from %s @ %s", conf.AppName, hostname),
			Pings:      pp.Pings + 1,
			Pongs:      int(pongs.Add(1)),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func serverStatus(srv DNSServer) ServerStatus {
	st := ServerStatus{
		Name:    srv.Name(),
		State:   srv.State().String(),
		Zones:   srv.DB().Origins(),
		Metrics: srv.Metrics(),
	}
	if addr, port := srv.BoundEndpoint(); addr.IsValid() {
		st.Endpoint = netip.AddrPortFrom(addr, port).String()
	}
	return st
}

func APIcommand(conf Conf, srvs []DNSServer, log logrus.FieldLogger) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var cp CommandPost
		if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
			log.WithError(err).Debug("error decoding command post")
		}
		log.Infof("received /command request (cmd: %s) from %s", cp.Command, r.RemoteAddr)

		resp := CommandResponse{
			AppName: conf.AppName,
			Time:    time.Now(),
		}

		switch cp.Command {
		case "status":
			zones := 0
			for _, srv := range srvs {
				st := serverStatus(srv)
				zones += len(st.Zones)
				resp.Servers = append(resp.Servers, st)
			}
			resp.Status = "ok"
			resp.Msg = fmt.Sprintf("%d servers serving %d zones", len(srvs), zones)

		case "stop":
			log.Info("daemon instructed to stop")
			resp.Status = "stopping"
			resp.Msg = "Daemon winding down"
			select {
			case conf.StopCh <- struct{}{}:
			default:
			}

		default:
			resp.ErrorMsg = fmt.Sprintf("Unknown command: %s", cp.Command)
			resp.Error = true
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// SetupRouter returns the management API router for srvs. Everything under
// /api/v1 requires the X-API-Key header; /metrics is open for scraping.
func SetupRouter(conf Conf, srvs []DNSServer, log logrus.FieldLogger) *mux.Router {
	r := mux.NewRouter().StrictSlash(true)

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", conf.Key).Subrouter()
	sr.HandleFunc("/ping", APIping(conf, log)).Methods("POST")
	sr.HandleFunc("/command", APIcommand(conf, srvs, log)).Methods("POST")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, srv := range srvs {
		reg.MustRegister(srv.Collector())
	}
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

	return r
}

func walkRoutes(router *mux.Router, address string, log logrus.FieldLogger) {
	log.Debugf("defined API endpoints for router on: %s", address)

	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := route.GetMethods()
		for _, m := range methods {
			log.Debugf("%-6s %s", m, path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.WithError(err).Warn("could not walk API routes")
	}
}

// Dispatcher serves the management API until its context is cancelled.
type Dispatcher struct {
	address string
	router  *mux.Router
	log     logrus.FieldLogger
	bound   atomic.Pointer[string]
}

func NewDispatcher(address string, router *mux.Router, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		address: address,
		router:  router,
		log:     log.WithField("component", "api"),
	}
}

// Addr is the address the API listens on once Serve has bound it.
func (d *Dispatcher) Addr() string {
	if a := d.bound.Load(); a != nil {
		return *a
	}
	return ""
}

func (d *Dispatcher) Serve(ctx context.Context) error {
	walkRoutes(d.router, d.address, d.log)

	ln, err := net.Listen("tcp", d.address)
	if err != nil {
		return fmt.Errorf("API dispatcher: %w", err)
	}
	addr := ln.Addr().String()
	d.bound.Store(&addr)

	hs := &http.Server{
		Handler:           d.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errch := make(chan error, 1)
	go func() {
		d.log.Infof("API dispatcher listening on %s", addr)
		errch <- hs.Serve(ln)
	}()

	select {
	case err := <-errch:
		return fmt.Errorf("API dispatcher: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return fmt.Errorf("API dispatcher shutdown: %w", err)
	}
	if err := <-errch; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	d.log.Info("API dispatcher stopped")
	return nil
}
