/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package server

import (
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/johanix/dcdt-dns/resolver"
	"github.com/johanix/dcdt-dns/zonedb"
)

const (
	DefaultPort               = 53
	DefaultDropTimeout        = 5 * time.Second
	DefaultTCPIdleTimeout     = 10 * time.Second
	DefaultPerRequestDeadline = 2 * time.Second
)

// Config is everything the server needs at Start. The zones are already
// materialised; the server does no file or certificate parsing.
type Config struct {
	Name               string            `validate:"required"`
	BindAddress        netip.Addr        `validate:"-"`
	BindPort           uint16            // 0 lets the kernel pick
	UDPPayloadSize     uint16            `validate:"gte=512"`
	WorkerCount        int               `validate:"gte=1"`
	// MaxTCPConns of 0 means half the workers.
	MaxTCPConns        int               `validate:"gte=0,ltefield=WorkerCount"`
	Zones              []zonedb.ZoneConf `validate:"-"`
	DropTimeout        time.Duration     `validate:"gt=0"`
	TCPIdleTimeout     time.Duration     `validate:"gt=0"`
	PerRequestDeadline time.Duration     `validate:"gt=0"`
	Shuffle            bool
}

func Defaults() Config {
	return Config{
		Name:               "dcdt-dns",
		BindAddress:        netip.IPv6Unspecified(),
		BindPort:           DefaultPort,
		UDPPayloadSize:     resolver.DefaultUDPPayloadSize,
		WorkerCount:        2 * runtime.NumCPU(),
		DropTimeout:        DefaultDropTimeout,
		TCPIdleTimeout:     DefaultTCPIdleTimeout,
		PerRequestDeadline: DefaultPerRequestDeadline,
	}
}

// tcpConns is how many worker slots TCP connections may hold at once. An
// idle connection keeps its slot for up to TCPIdleTimeout.
func (c *Config) tcpConns() int {
	if c.MaxTCPConns > 0 {
		return c.MaxTCPConns
	}
	return max(1, c.WorkerCount/2)
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("server config %q: %w", c.Name, err)
	}
	if !c.BindAddress.IsValid() {
		return fmt.Errorf("server config %q: no bind address", c.Name)
	}
	return nil
}
