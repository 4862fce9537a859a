/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/johanix/dcdt-dns/config"
	"github.com/johanix/dcdt-dns/logging"
)

var cfgFile string
var debug, verbose bool

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "dcdt-dnsd is an authoritative DNS server for Direct certificate discovery testing",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetupCli(verbose, debug)
	},
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is %s)", config.DefaultCfgFile))
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd, queryCmd, zonesCmd, versionCmd)
}
