/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gookit/goutil/dump"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/johanix/dcdt-dns/api"
	"github.com/johanix/dcdt-dns/config"
	"github.com/johanix/dcdt-dns/logging"
	"github.com/johanix/dcdt-dns/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured zones over UDP and TCP",
	Run: func(cmd *cobra.Command, args []string) {
		if err := serve(); err != nil {
			log.Fatalf("Error: %v", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("address", "", "address to listen on (overrides dnsengine.address)")
	serveCmd.Flags().Uint16("port", server.DefaultPort, "port to listen on, 0 for any (overrides dnsengine.port)")
	serveCmd.Flags().Int("workers", 0, "worker pool size (overrides dnsengine.workers)")
	serveCmd.Flags().String("zones", "", "zone file (overrides zones.file)")

	if err := bindFlags(serveCmd.Flags(), map[string]string{
		"dnsengine.address": "address",
		"dnsengine.port":    "port",
		"dnsengine.workers": "workers",
		"zones.file":        "zones",
	}); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// bindFlags binds config keys to the flags overriding them.
func bindFlags(fs *flag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("no flag %q for config key %s", name, key)
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %q: %w", name, err)
		}
	}
	return nil
}

func serve() error {
	bootTime := time.Now()

	conf, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	if debug {
		conf.Service.Debug = true
		conf.Log.Level = "debug"
	}

	logger, err := logging.Setup(conf.Log)
	if err != nil {
		return err
	}
	if conf.Log.File != "" {
		fmt.Printf("Logging to file: %s\n", conf.Log.File)
	}

	confs := conf.ServerConfigs()
	if conf.Service.Debug {
		dump.P(conf.Service, conf.DnsEngine, conf.Servers, conf.ApiServer)
	}

	ds, err := newDNSService(confs, logger)
	if err != nil {
		return err
	}
	if err := ds.start(); err != nil {
		return err
	}
	for _, srv := range ds.servers {
		addr, port := srv.BoundEndpoint()
		fmt.Printf("%s version %s: %s serving %d zones on %s port %d\n", appName, appVersion, srv.Name(), srv.DB().Len(), addr, port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if conf.ApiServer.Address != "" {
		router := api.SetupRouter(api.Conf{
			AppName:  appName,
			Version:  appVersion,
			BootTime: bootTime,
			Key:      conf.ApiServer.Key,
			StopCh:   conf.Internal.APIStopCh,
		}, ds.apiServers(), logger)
		d := api.NewDispatcher(conf.ApiServer.Address, router, logger)
		g.Go(func() error { return d.Serve(gctx) })
	}

	g.Go(func() error {
		mainloop(gctx, conf, logger)
		cancel()
		return nil
	})
	gerr := g.Wait()

	if err := ds.stop(); err != nil {
		return err
	}
	fmt.Println("mainloop: leaving signal dispatcher")
	return gerr
}

// mainloop returns on SIGINT, SIGTERM, an API stop command or when ctx is
// cancelled.
func mainloop(ctx context.Context, conf *config.Config, log logrus.FieldLogger) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)
	defer signal.Stop(exit)
	defer signal.Stop(hupper)

	for {
		select {
		case <-exit:
			log.Info("mainloop: exit signal received, cleaning up")
			return
		case <-hupper:
			// zones are fixed for the lifetime of a server
			log.Warn("mainloop: SIGHUP received, zones are not reloaded; restart to pick up changes")
		case <-conf.Internal.APIStopCh:
			log.Info("mainloop: stop command received, cleaning up")
			return
		case <-ctx.Done():
			return
		}
	}
}
