/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/johanix/dcdt-dns/api"
	"github.com/johanix/dcdt-dns/server"
)

// dnsService is the set of DNS servers hosted by one daemon. Servers are
// started in config order and stopped in reverse.
type dnsService struct {
	servers []*server.Server
	log     logrus.FieldLogger
}

func newDNSService(confs []server.Config, log logrus.FieldLogger) (*dnsService, error) {
	ds := &dnsService{log: log}
	for _, sc := range confs {
		srv, err := server.New(sc, log)
		if err != nil {
			return nil, err
		}
		ds.servers = append(ds.servers, srv)
	}
	return ds, nil
}

// start starts every server. If one fails, those already started are
// stopped again and the error is returned.
func (ds *dnsService) start() error {
	for i, srv := range ds.servers {
		if err := srv.Start(); err != nil {
			ds.log.WithError(err).Errorf("server %s did not start, stopping %d started servers", srv.Name(), i)
			if serr := stopAll(ds.servers[:i]); serr != nil {
				return errors.Join(err, serr)
			}
			return fmt.Errorf("server %s: %w", srv.Name(), err)
		}
	}
	return nil
}

func (ds *dnsService) stop() error {
	return stopAll(ds.servers)
}

func stopAll(servers []*server.Server) error {
	var errs []error
	for i := len(servers) - 1; i >= 0; i-- {
		if err := servers[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", servers[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (ds *dnsService) apiServers() []api.DNSServer {
	srvs := make([]api.DNSServer, len(ds.servers))
	for i, srv := range ds.servers {
		srvs[i] = srv
	}
	return srvs
}
