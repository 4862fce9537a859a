/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

var queryServer string
var queryTCP bool
var queryEDNS uint16

var queryCmd = &cobra.Command{
	Use:   "query [@server[:port]] name [type]",
	Short: "Send one query and print the response",
	Args:  cobra.RangeArgs(1, 3),
	Run: func(cmd *cobra.Command, args []string) {
		server, qname, qtype, err := parseQueryArgs(args, queryServer)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

		m := new(dns.Msg)
		m.SetQuestion(qname, qtype)
		m.RecursionDesired = false
		if queryEDNS != 0 {
			m.SetEdns0(queryEDNS, false)
		}

		c := &dns.Client{Net: "udp", Timeout: 3 * time.Second}
		if queryTCP {
			c.Net = "tcp"
		}
		if verbose {
			fmt.Printf("Querying %s over %s for %s %s\n", server, c.Net, qname, dns.TypeToString[qtype])
		}
		resp, rtt, err := c.Exchange(m, server)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		fmt.Println(resp.String())
		fmt.Printf(";; Query time: %v\n;; SERVER: %s (%s)\n", rtt, server, c.Net)
	},
}

func init() {
	queryCmd.Flags().StringVarP(&queryServer, "server", "s", "127.0.0.1", "server to query")
	queryCmd.Flags().BoolVarP(&queryTCP, "tcp", "t", false, "query over TCP")
	queryCmd.Flags().Uint16Var(&queryEDNS, "edns", 0, "advertise this EDNS0 UDP payload size, 0 for no EDNS0")
}

// parseQueryArgs handles dig style arguments: an optional @server, a name
// and an optional type mnemonic, in any order after the server.
func parseQueryArgs(args []string, defserver string) (string, string, uint16, error) {
	server := defserver
	qtype := dns.TypeA
	qname := ""

	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "@"):
			server = strings.TrimPrefix(arg, "@")
		case dns.StringToType[strings.ToUpper(arg)] != 0 && qname != "":
			qtype = dns.StringToType[strings.ToUpper(arg)]
		case qname == "":
			qname = dns.Fqdn(arg)
		default:
			return "", "", 0, fmt.Errorf("unknown query type %q", arg)
		}
	}
	if qname == "" {
		return "", "", 0, fmt.Errorf("no query name")
	}
	if _, ok := dns.IsDomainName(qname); !ok {
		return "", "", 0, fmt.Errorf("%q is not a domain name", qname)
	}

	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, strconv.Itoa(53))
	}
	return server, qname, qtype, nil
}
