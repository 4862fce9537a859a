/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package api

import (
	"time"

	"github.com/johanix/dcdt-dns/server"
)

type PingPost struct {
	Msg   string
	Pings int
}

type PingResponse struct {
	Time       time.Time
	Client     string
	BootTime   time.Time
	Version    string
	ServerHost string
	Daemon     string
	Msg        string
	Pings      int
	Pongs      int
}

type CommandPost struct {
	Command string
}

type CommandResponse struct {
	AppName  string
	Time     time.Time
	Status   string
	Servers  []ServerStatus `json:",omitempty"`
	Msg      string
	Error    bool
	ErrorMsg string
}

type ServerStatus struct {
	Name     string
	State    string
	Endpoint string
	Zones    []string
	Metrics  server.Snapshot
}
