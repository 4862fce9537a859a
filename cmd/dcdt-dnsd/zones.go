/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/johanix/dcdt-dns/config"
	"github.com/johanix/dcdt-dns/zonedb"
)

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Zone file commands",
}

var zonesCheckCmd = &cobra.Command{
	Use:   "check [zonefile]",
	Short: "Parse and validate a zone file and list its zones",
	Long: `Parse and validate a zone file and list its zones. Without an argument
the zone file named in the daemon config is checked.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			zones, err := config.ParseZoneFile(args[0])
			if err != nil {
				log.Fatalf("Error: %v", err)
			}
			if err := listZones(args[0], zones); err != nil {
				log.Fatalf("Error: %v", err)
			}
			return
		}

		conf, err := config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		if err := listZones(conf.Zones.File, conf.Internal.ZoneConfs); err != nil {
			log.Fatalf("Error: %v", err)
		}
		for i, sc := range conf.Servers {
			if err := listZones(sc.Zones.File, conf.Internal.ServerZones[i]); err != nil {
				log.Fatalf("Error: server %s: %v", sc.Name, err)
			}
		}
	},
}

func listZones(zfile string, zones []zonedb.ZoneConf) error {
	db, err := zonedb.NewDB(zones)
	if err != nil {
		return fmt.Errorf("%s: %w", zfile, err)
	}

	fmt.Printf("%s: %d zones\n", zfile, db.Len())
	for _, origin := range db.Origins() {
		z, _ := db.Zone(origin)
		soa := z.SOA.RRs[0].(*dns.SOA)
		fmt.Printf("%-30s serial %-10d %d names\n", z.Name, soa.Serial, z.Len())
	}
	return nil
}

func init() {
	zonesCmd.AddCommand(zonesCheckCmd)
}
