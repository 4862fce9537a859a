/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/johanix/dcdt-dns/logging"
	"github.com/johanix/dcdt-dns/resolver"
	"github.com/johanix/dcdt-dns/server"
	"github.com/johanix/dcdt-dns/zonedb"
)

const (
	DefaultCfgFile = "/etc/dcdt/dcdt-dnsd.yaml"
	EnvPrefix      = "DCDT"
)

var ErrZoneConfig = errors.New("zone configuration error")

type Config struct {
	Service   ServiceConf
	Log       logging.LogConf
	DnsEngine DnsEngineConf
	ApiServer ApiserverConf
	Zones     ZonesConf
	Servers   []ServerConf
	Internal  InternalConf `mapstructure:"-"`
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Debug   bool
	Verbose bool
}

type DnsEngineConf struct {
	Address         net.IP        `validate:"required"`
	Port            uint16        // 0 lets the kernel pick
	UDPSize         uint16        `mapstructure:"udpsize" validate:"gte=512"`
	Workers         int           `validate:"gte=0"` // 0 means the server default
	TCPConns        int           `mapstructure:"tcpconns" validate:"gte=0"`
	DropTimeout     time.Duration `mapstructure:"droptimeout" validate:"gt=0"`
	TCPIdleTimeout  time.Duration `mapstructure:"tcpidletimeout" validate:"gt=0"`
	RequestDeadline time.Duration `mapstructure:"requestdeadline" validate:"gt=0"`
	Shuffle         bool
}

// ApiserverConf is optional; an empty address means no management API.
type ApiserverConf struct {
	Address string `validate:"omitempty,hostname_port"`
	Key     string `mapstructure:"apikey" validate:"required_with=Address"`
}

type ZonesConf struct {
	File string `validate:"required"`
}

// ServerConf is a further DNS server hosted by the same daemon, with its own
// endpoint and zones. Engine settings left unset are taken from the
// dnsengine section; the port is not, 0 letting the kernel pick.
type ServerConf struct {
	Name      string `validate:"required"`
	DnsEngine DnsEngineConf
	Zones     ZonesConf
}

// InternalConf is filled in by Load. ServerZones[i] holds the zones of
// Servers[i].
type InternalConf struct {
	CfgFile     string
	ZoneConfs   []zonedb.ZoneConf
	ServerZones [][]zonedb.ZoneConf
	APIStopCh   chan struct{}
}

func setDefaults(v *viper.Viper) {
	d := server.Defaults()
	v.SetDefault("service.name", d.Name)
	v.SetDefault("service.debug", false)
	v.SetDefault("service.verbose", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("dnsengine.address", d.BindAddress.String())
	v.SetDefault("dnsengine.port", d.BindPort)
	v.SetDefault("dnsengine.udpsize", resolver.DefaultUDPPayloadSize)
	v.SetDefault("dnsengine.workers", 0)
	v.SetDefault("dnsengine.tcpconns", 0)
	v.SetDefault("dnsengine.droptimeout", d.DropTimeout)
	v.SetDefault("dnsengine.tcpidletimeout", d.TCPIdleTimeout)
	v.SetDefault("dnsengine.requestdeadline", d.PerRequestDeadline)
	v.SetDefault("dnsengine.shuffle", false)
	v.SetDefault("apiserver.address", "")
	v.SetDefault("apiserver.apikey", "")
	v.SetDefault("zones.file", "")
}

// Load reads the daemon config from cfgfile into v (a fresh viper if nil),
// with DCDT_ prefixed environment variables overriding the file, validates
// it section by section and reads the zone file it points to.
func Load(v *viper.Viper, cfgfile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	if cfgfile == "" {
		cfgfile = DefaultCfgFile
	}
	setDefaults(v)
	v.SetConfigFile(cfgfile)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("Load: could not read config %s: %w", cfgfile, err)
	}

	var conf Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToIPHookFunc(),
	))
	if err := v.Unmarshal(&conf, hook); err != nil {
		return nil, fmt.Errorf("Load: error unmarshalling config %s: %w", cfgfile, err)
	}
	conf.Internal.CfgFile = cfgfile
	for i := range conf.Servers {
		conf.Servers[i].DnsEngine.inherit(conf.DnsEngine)
	}

	if err := ValidateConfig(&conf); err != nil {
		return nil, err
	}

	zones, err := ParseZoneFile(zonePath(cfgfile, conf.Zones.File))
	if err != nil {
		return nil, err
	}
	conf.Internal.ZoneConfs = zones
	for _, sc := range conf.Servers {
		zones, err := ParseZoneFile(zonePath(cfgfile, sc.Zones.File))
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", sc.Name, err)
		}
		conf.Internal.ServerZones = append(conf.Internal.ServerZones, zones)
	}
	conf.Internal.APIStopCh = make(chan struct{}, 1)
	return &conf, nil
}

// zonePath resolves a zone file name relative to the config file.
func zonePath(cfgfile, zfile string) string {
	if filepath.IsAbs(zfile) {
		return zfile
	}
	return filepath.Join(filepath.Dir(cfgfile), zfile)
}

func (de *DnsEngineConf) inherit(base DnsEngineConf) {
	if de.Address == nil {
		de.Address = base.Address
	}
	if de.UDPSize == 0 {
		de.UDPSize = base.UDPSize
	}
	if de.Workers == 0 {
		de.Workers = base.Workers
	}
	if de.TCPConns == 0 {
		de.TCPConns = base.TCPConns
	}
	if de.DropTimeout == 0 {
		de.DropTimeout = base.DropTimeout
	}
	if de.TCPIdleTimeout == 0 {
		de.TCPIdleTimeout = base.TCPIdleTimeout
	}
	if de.RequestDeadline == 0 {
		de.RequestDeadline = base.RequestDeadline
	}
}

func ValidateConfig(conf *Config) error {
	configsections := map[string]interface{}{
		"service":   conf.Service,
		"log":       conf.Log,
		"dnsengine": conf.DnsEngine,
		"apiserver": conf.ApiServer,
		"zones":     conf.Zones,
	}
	names := map[string]bool{conf.Service.Name: true}
	for _, sc := range conf.Servers {
		if names[sc.Name] {
			return fmt.Errorf("%s: config %s, section \"servers\": duplicate server name %q",
				strings.ToUpper(conf.Service.Name), conf.Internal.CfgFile, sc.Name)
		}
		names[sc.Name] = true
		configsections["servers."+sc.Name] = sc
	}
	return ValidateBySection(conf, configsections)
}

func ValidateBySection(conf *Config, configsections map[string]interface{}) error {
	validate := validator.New()

	for k, data := range configsections {
		if err := validate.Struct(data); err != nil {
			return fmt.Errorf("%s: config %s, section %q: %w",
				strings.ToUpper(conf.Service.Name), conf.Internal.CfgFile, k, err)
		}
	}
	return nil
}

// ServerConfig returns the configuration of the main server, named after the
// service, with its parsed zones.
func (conf *Config) ServerConfig() server.Config {
	return conf.DnsEngine.serverConfig(conf.Service.Name, conf.Internal.ZoneConfs)
}

// ServerConfigs returns the main server followed by those in the servers
// list, in config order.
func (conf *Config) ServerConfigs() []server.Config {
	confs := []server.Config{conf.ServerConfig()}
	for i, sc := range conf.Servers {
		var zones []zonedb.ZoneConf
		if i < len(conf.Internal.ServerZones) {
			zones = conf.Internal.ServerZones[i]
		}
		confs = append(confs, sc.DnsEngine.serverConfig(sc.Name, zones))
	}
	return confs
}

func (de DnsEngineConf) serverConfig(name string, zones []zonedb.ZoneConf) server.Config {
	sc := server.Defaults()
	sc.Name = name
	if addr, ok := netip.AddrFromSlice(de.Address); ok {
		sc.BindAddress = addr.Unmap()
	} else {
		sc.BindAddress = netip.Addr{}
	}
	sc.BindPort = de.Port
	sc.UDPPayloadSize = de.UDPSize
	if de.Workers > 0 {
		sc.WorkerCount = de.Workers
	}
	sc.MaxTCPConns = de.TCPConns
	sc.DropTimeout = de.DropTimeout
	sc.TCPIdleTimeout = de.TCPIdleTimeout
	sc.PerRequestDeadline = de.RequestDeadline
	sc.Shuffle = de.Shuffle
	sc.Zones = zones
	return sc
}
