package config

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/johanix/dcdt-dns/codec"
	"github.com/johanix/dcdt-dns/zonedb"
)

func selfSigned(t *testing.T, key crypto.Signer, cn string) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return der
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const zoneYAML = `
zones:
  - origin: example.test
    ttl: 300
    soa: "@ IN SOA ns1 hostmaster 2025010101 7200 3600 1209600 300"
    ns:
      - "@ IN NS ns1"
    records:
      - "ns1 IN A 192.0.2.53"
      - "@ 600 IN MX 10 mail"
      - "mail IN A 192.0.2.25"
      - "_ldap._tcp IN SRV 0 0 389 ldap"
      - "ldap IN A 192.0.2.89"
    certs:
      - mail: direct1@example.test
        file: ec.pem
        keytag: auto
      - name: direct2
        ttl: 86400
        file: rsa.der
        type: PKIX
        keytag: "4711"
        algorithm: RSASHA256
  - origin: other.test.
    soa: "other.test. IN SOA ns1.example.test. hostmaster.example.test. 1 7200 3600 1209600 300"
    ns:
      - "other.test. IN NS ns1.example.test."
`

func writeZones(t *testing.T, dir string) (ecDER, rsaDER []byte) {
	t.Helper()
	eckey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	rsakey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ecDER = selfSigned(t, eckey, "direct1@example.test")
	rsaDER = selfSigned(t, rsakey, "direct2.example.test")
	writeFile(t, dir, "ec.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ecDER}))
	writeFile(t, dir, "rsa.der", rsaDER)
	writeFile(t, dir, "zones.yaml", []byte(zoneYAML))
	return ecDER, rsaDER
}

func TestParseZoneFile(t *testing.T) {
	dir := t.TempDir()
	ecDER, rsaDER := writeZones(t, dir)

	zones, err := ParseZoneFile(filepath.Join(dir, "zones.yaml"))
	if err != nil {
		t.Fatalf("ParseZoneFile: %v", err)
	}
	if len(zones) != 2 {
		t.Fatalf("%d zones, want 2", len(zones))
	}
	z := zones[0]
	if z.Origin != "example.test." {
		t.Errorf("origin %q", z.Origin)
	}
	if z.SOA.Ns != "ns1.example.test." || z.SOA.Mbox != "hostmaster.example.test." || z.SOA.Hdr.Ttl != 300 {
		t.Errorf("soa %s", z.SOA)
	}
	if len(z.NS) != 1 || z.NS[0].Ns != "ns1.example.test." {
		t.Errorf("ns %v", z.NS)
	}
	if len(z.Records) != 7 {
		t.Fatalf("%d records, want 7", len(z.Records))
	}
	if mx := z.Records[1].(*dns.MX); mx.Hdr.Name != "example.test." || mx.Mx != "mail.example.test." || mx.Hdr.Ttl != 600 {
		t.Errorf("mx %s", mx)
	}
	if srv := z.Records[3].(*dns.SRV); srv.Hdr.Name != "_ldap._tcp.example.test." || srv.Target != "ldap.example.test." {
		t.Errorf("srv %s", srv)
	}

	ec := z.Records[5].(*dns.CERT)
	if ec.Hdr.Name != "direct1.example.test." || ec.Hdr.Ttl != 300 || ec.Type != dns.CertPKIX {
		t.Errorf("ec cert %s", ec.Hdr.String())
	}
	if ec.Algorithm != dns.ECDSAP256SHA256 || ec.KeyTag == 0 {
		t.Errorf("ec cert alg %d keytag %d", ec.Algorithm, ec.KeyTag)
	}
	if der, _ := codec.CertificateBytes(ec); string(der) != string(ecDER) {
		t.Errorf("ec cert payload differs from the DER in the PEM file")
	}

	rc := z.Records[6].(*dns.CERT)
	if rc.Hdr.Name != "direct2.example.test." || rc.Hdr.Ttl != 86400 || rc.KeyTag != 4711 || rc.Algorithm != dns.RSASHA256 {
		t.Errorf("rsa cert %s type %d keytag %d alg %d", rc.Hdr.String(), rc.Type, rc.KeyTag, rc.Algorithm)
	}
	if der, _ := codec.CertificateBytes(rc); string(der) != string(rsaDER) {
		t.Errorf("rsa cert payload differs from the DER file")
	}

	if zones[1].Origin != "other.test." || zones[1].SOA.Hdr.Ttl != DefaultTTL {
		t.Errorf("second zone %s %d", zones[1].Origin, zones[1].SOA.Hdr.Ttl)
	}

	if _, err := zonedb.NewDB(zones); err != nil {
		t.Errorf("NewDB on parsed zones: %v", err)
	}
}

func TestZoneSpecErrors(t *testing.T) {
	dir := t.TempDir()
	writeZones(t, dir)
	writeFile(t, dir, "key.pem", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}))
	writeFile(t, dir, "junk.der", []byte("not a certificate"))

	base := func() ZoneSpec {
		return ZoneSpec{
			Origin: "example.test.",
			SOA:    "@ IN SOA ns1 hostmaster 1 7200 3600 1209600 300",
			NS:     []string{"@ IN NS ns1"},
		}
	}
	tests := []struct {
		name   string
		mangle func(zs *ZoneSpec)
	}{
		{"NoOrigin", func(zs *ZoneSpec) { zs.Origin = "" }},
		{"BadOrigin", func(zs *ZoneSpec) { zs.Origin = "a..b" }},
		{"NoSOA", func(zs *ZoneSpec) { zs.SOA = "" }},
		{"SOAIsNS", func(zs *ZoneSpec) { zs.SOA = "@ IN NS ns1" }},
		{"NSIsA", func(zs *ZoneSpec) { zs.NS = []string{"@ IN A 192.0.2.1"} }},
		{"BadRecord", func(zs *ZoneSpec) { zs.Records = []string{"www IN A 300.1.1.1"} }},
		{"TwoRecords", func(zs *ZoneSpec) { zs.Records = []string{"www IN A 192.0.2.1\nftp IN A 192.0.2.2"} }},
		{"CertNoFile", func(zs *ZoneSpec) { zs.Certs = []CertSpec{{Name: "c"}} }},
		{"CertMissing", func(zs *ZoneSpec) { zs.Certs = []CertSpec{{Name: "c", File: "nope.pem"}} }},
		{"CertPrivateKey", func(zs *ZoneSpec) { zs.Certs = []CertSpec{{Name: "c", File: "key.pem"}} }},
		{"CertJunk", func(zs *ZoneSpec) { zs.Certs = []CertSpec{{Name: "c", File: "junk.der"}} }},
		{"CertBadType", func(zs *ZoneSpec) { zs.Certs = []CertSpec{{Name: "c", File: "ec.pem", Type: "BOGUS"}} }},
		{"CertBadKeyTag", func(zs *ZoneSpec) { zs.Certs = []CertSpec{{Name: "c", File: "ec.pem", KeyTag: "70000"}} }},
		{"CertBadAlgorithm", func(zs *ZoneSpec) { zs.Certs = []CertSpec{{Name: "c", File: "ec.pem", Algorithm: "ROT13"}} }},
		{"CertNameAndMail", func(zs *ZoneSpec) { zs.Certs = []CertSpec{{Name: "c", Mail: "c@example.test", File: "ec.pem"}} }},
		{"CertBadMail", func(zs *ZoneSpec) { zs.Certs = []CertSpec{{Mail: "example.test", File: "ec.pem"}} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			zs := base()
			tc.mangle(&zs)
			_, err := zs.ZoneConf(dir)
			if !errors.Is(err, ErrZoneConfig) {
				t.Errorf("ZoneConf: got %v, want ErrZoneConfig", err)
			}
		})
	}
}

func TestMailOwner(t *testing.T) {
	tests := []struct {
		addr, want string
	}{
		{"direct1@example.test", "direct1.example.test."},
		{"Direct1@Example.Test.", "Direct1.Example.Test."},
		{"first.last@example.test", `first\.last.example.test.`},
	}
	for _, tc := range tests {
		got, err := MailOwner(tc.addr)
		if err != nil || got != tc.want {
			t.Errorf("MailOwner(%q) = %q, %v; want %q", tc.addr, got, err, tc.want)
		}
	}
}

func TestCertOwnerCase(t *testing.T) {
	tests := []struct {
		spec CertSpec
		want string
	}{
		{CertSpec{Name: "Direct2"}, "Direct2.DCDT.test."},
		{CertSpec{Name: "Host.Other.Test."}, "Host.Other.Test."},
		{CertSpec{Name: "@"}, "DCDT.test."},
		{CertSpec{Mail: "Direct1@DCDT.test"}, "Direct1.DCDT.test."},
	}
	for _, tc := range tests {
		got, err := tc.spec.owner("DCDT.test.")
		if err != nil || got != tc.want {
			t.Errorf("owner(%+v) = %q, %v; want %q", tc.spec, got, err, tc.want)
		}
	}
}

const daemonYAML = `
service:
  name: dcdt-test
log:
  level: debug
dnsengine:
  address: 127.0.0.1
  port: 5353
  udpsize: 1232
  workers: 4
  droptimeout: 3s
  shuffle: true
apiserver:
  address: 127.0.0.1:8053
  apikey: secret
zones:
  file: zones.yaml
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeZones(t, dir)
	cfgfile := writeFile(t, dir, "dcdt-dnsd.yaml", []byte(daemonYAML))
	t.Setenv("DCDT_DNSENGINE_PORT", "5354")

	conf, err := Load(nil, cfgfile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Service.Name != "dcdt-test" || conf.Log.Level != "debug" || conf.ApiServer.Key != "secret" {
		t.Errorf("conf %+v", conf)
	}
	if len(conf.Internal.ZoneConfs) != 2 || conf.Internal.APIStopCh == nil {
		t.Errorf("internal %+v", conf.Internal)
	}

	sc := conf.ServerConfig()
	if sc.BindAddress != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("bind address %s", sc.BindAddress)
	}
	if sc.BindPort != 5354 {
		t.Errorf("bind port %d, want the environment override 5354", sc.BindPort)
	}
	if sc.UDPPayloadSize != 1232 || sc.WorkerCount != 4 || !sc.Shuffle {
		t.Errorf("server config %+v", sc)
	}
	if sc.DropTimeout != 3*time.Second || sc.TCPIdleTimeout != 10*time.Second || sc.PerRequestDeadline != 2*time.Second {
		t.Errorf("timeouts %v %v %v", sc.DropTimeout, sc.TCPIdleTimeout, sc.PerRequestDeadline)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

const secondZoneYAML = `
zones:
  - origin: second.test.
    soa: "@ IN SOA ns1 hostmaster 1 7200 3600 1209600 300"
    ns:
      - "@ IN NS ns1"
    records:
      - "ns1 IN A 192.0.2.54"
`

const serversYAML = `
servers:
  - name: second
    dnsengine:
      port: 0
      workers: 2
      tcpidletimeout: 5s
    zones:
      file: second.yaml
`

func TestLoadServers(t *testing.T) {
	dir := t.TempDir()
	writeZones(t, dir)
	writeFile(t, dir, "second.yaml", []byte(secondZoneYAML))
	cfgfile := writeFile(t, dir, "dcdt-dnsd.yaml", []byte(daemonYAML+serversYAML))

	conf, err := Load(nil, cfgfile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	confs := conf.ServerConfigs()
	if len(confs) != 2 {
		t.Fatalf("%d server configs, want 2", len(confs))
	}
	if confs[0].Name != "dcdt-test" || confs[0].BindPort != 5353 || len(confs[0].Zones) != 2 {
		t.Errorf("main server %s port %d with %d zones", confs[0].Name, confs[0].BindPort, len(confs[0].Zones))
	}

	sc := confs[1]
	if sc.Name != "second" || sc.BindPort != 0 || sc.WorkerCount != 2 {
		t.Errorf("second server %+v", sc)
	}
	if sc.BindAddress != netip.MustParseAddr("127.0.0.1") || sc.UDPPayloadSize != 1232 {
		t.Errorf("second server did not inherit address and udpsize: %s %d", sc.BindAddress, sc.UDPPayloadSize)
	}
	if sc.DropTimeout != 3*time.Second || sc.TCPIdleTimeout != 5*time.Second || sc.PerRequestDeadline != 2*time.Second {
		t.Errorf("timeouts %v %v %v", sc.DropTimeout, sc.TCPIdleTimeout, sc.PerRequestDeadline)
	}
	if sc.Shuffle {
		t.Errorf("shuffle is per server")
	}
	if len(sc.Zones) != 1 || sc.Zones[0].Origin != "second.test." {
		t.Errorf("second server zones %v", sc.Zones)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	tests := []struct {
		name, replace, with, want string
	}{
		{"DuplicateName", "name: second", "name: dcdt-test", "duplicate server name"},
		{"NoName", "name: second", "name: \"\"", "servers."},
		{"MissingZoneFile", "file: second.yaml", "file: nowhere.yaml", "server second"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := strings.Replace(daemonYAML+serversYAML, tc.replace, tc.with, 1)
			cfgfile := writeFile(t, dir, tc.name+".yaml", []byte(cfg))
			_, err := Load(nil, cfgfile)
			if err == nil {
				t.Fatalf("Load accepted a bad servers list")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name, replace, with, section string
	}{
		{"NoZoneFile", "  file: zones.yaml\n", "", "zones"},
		{"SmallUDPSize", "udpsize: 1232", "udpsize: 100", "dnsengine"},
		{"APIWithoutKey", "  apikey: secret\n", "", "apiserver"},
		{"BadAPIAddress", "address: 127.0.0.1:8053", "address: nowhere", "apiserver"},
		{"BadLogLevel", "level: debug", "level: loud", "log"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeZones(t, dir)
			cfg := strings.Replace(daemonYAML, tc.replace, tc.with, 1)
			cfgfile := writeFile(t, dir, "dcdt-dnsd.yaml", []byte(cfg))

			_, err := Load(nil, cfgfile)
			if err == nil {
				t.Fatalf("Load accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tc.section) {
				t.Errorf("error %q does not name section %q", err, tc.section)
			}
		})
	}

	if _, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Load accepted a missing config file")
	}
}
