package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/johanix/dcdt-dns/server"
	"github.com/johanix/dcdt-dns/zonedb"
)

const testKey = "s3cret"

func testServer(t *testing.T, name, origin string) *server.Server {
	t.Helper()
	mustRR := func(s string) dns.RR {
		rr, err := dns.NewRR(s)
		if err != nil {
			t.Fatalf("dns.NewRR(%q): %v", s, err)
		}
		return rr
	}
	conf := server.Defaults()
	conf.Name = name
	conf.BindAddress = netip.MustParseAddr("127.0.0.1")
	conf.BindPort = 0
	conf.Zones = []zonedb.ZoneConf{{
		Origin: origin,
		SOA:    mustRR(origin + " 3600 IN SOA ns1." + origin + " hostmaster." + origin + " 1 7200 3600 1209600 300").(*dns.SOA),
		NS:     []*dns.NS{mustRR(origin + " 3600 IN NS ns1." + origin).(*dns.NS)},
	}}
	srv, err := server.New(conf, nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func testRouter(t *testing.T, stopch chan struct{}, srvs ...DNSServer) *mux.Router {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return SetupRouter(Conf{
		AppName:  "dcdt-dnsd",
		Version:  "test",
		BootTime: time.Now(),
		Key:      testKey,
		StopCh:   stopch,
	}, srvs, log)
}

func post(t *testing.T, h http.Handler, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(buf))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyRequired(t *testing.T) {
	h := testRouter(t, make(chan struct{}, 1), testServer(t, "api-test", "example.test."))

	tests := []struct {
		name, key string
		want      int
	}{
		{"NoKey", "", http.StatusNotFound},
		{"WrongKey", "guess", http.StatusNotFound},
		{"RightKey", testKey, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(t, h, "/api/v1/ping", tc.key, PingPost{Msg: "hi"})
			if rec.Code != tc.want {
				t.Errorf("status %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	h := testRouter(t, make(chan struct{}, 1), testServer(t, "api-test", "example.test."))

	for i := 1; i <= 2; i++ {
		rec := post(t, h, "/api/v1/ping", testKey, PingPost{Pings: 41})
		var pr PingResponse
		if err := json.NewDecoder(rec.Body).Decode(&pr); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if pr.Pings != 42 || pr.Pongs != i || pr.Daemon != "dcdt-dnsd" || pr.Version != "test" {
			t.Errorf("ping %d: %+v", i, pr)
		}
	}
}

func TestCommandStatus(t *testing.T) {
	first := testServer(t, "api-test", "example.test.")
	second := testServer(t, "api-second", "second.test.")
	if err := first.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := testRouter(t, make(chan struct{}, 1), first, second)

	rec := post(t, h, "/api/v1/command", testKey, CommandPost{Command: "status"})
	var cr CommandResponse
	if err := json.NewDecoder(rec.Body).Decode(&cr); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cr.Error || cr.Status != "ok" || len(cr.Servers) != 2 {
		t.Fatalf("status response %+v", cr)
	}

	st := cr.Servers[0]
	addr, port := first.BoundEndpoint()
	if st.Name != "api-test" || st.State != "RUNNING" || st.Endpoint != netip.AddrPortFrom(addr, port).String() {
		t.Errorf("first server %+v", st)
	}
	if len(st.Zones) != 1 || st.Zones[0] != "example.test." {
		t.Errorf("zones %v", st.Zones)
	}

	st = cr.Servers[1]
	if st.Name != "api-second" || st.State != "NEW" || st.Endpoint != "" {
		t.Errorf("second server %+v", st)
	}
	if len(st.Zones) != 1 || st.Zones[0] != "second.test." {
		t.Errorf("zones %v", st.Zones)
	}
}

func TestCommandStop(t *testing.T) {
	stopch := make(chan struct{}, 1)
	h := testRouter(t, stopch, testServer(t, "api-test", "example.test."))

	rec := post(t, h, "/api/v1/command", testKey, CommandPost{Command: "stop"})
	var cr CommandResponse
	if err := json.NewDecoder(rec.Body).Decode(&cr); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cr.Status != "stopping" {
		t.Errorf("stop response %+v", cr)
	}
	select {
	case <-stopch:
	default:
		t.Fatalf("stop command did not signal the stop channel")
	}

	// a second stop with nobody listening does not block
	post(t, h, "/api/v1/command", testKey, CommandPost{Command: "stop"})
	post(t, h, "/api/v1/command", testKey, CommandPost{Command: "stop"})
}

func TestCommandUnknown(t *testing.T) {
	h := testRouter(t, make(chan struct{}, 1), testServer(t, "api-test", "example.test."))

	rec := post(t, h, "/api/v1/command", testKey, CommandPost{Command: "reboot"})
	var cr CommandResponse
	if err := json.NewDecoder(rec.Body).Decode(&cr); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !cr.Error || !strings.Contains(cr.ErrorMsg, "reboot") {
		t.Errorf("unknown command response %+v", cr)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := testRouter(t, make(chan struct{}, 1),
		testServer(t, "api-test", "example.test."),
		testServer(t, "api-second", "second.test."))

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`dcdt_dns_queries_total{server="api-test"} 0`, `dcdt_dns_queries_total{server="api-second"} 0`, "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics lacks %q", want)
		}
	}
}

func TestDispatcher(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	router := testRouter(t, make(chan struct{}, 1), testServer(t, "api-test", "example.test."))
	d := NewDispatcher("127.0.0.1:0", router, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.Addr() == "" {
		t.Fatalf("dispatcher never bound")
	}

	resp, err := http.Get("http://" + d.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
