package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		InstanceID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		Port:       50001,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "vsfy-0f8fad5b" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 50001 {
		t.Fatalf("unexpected port: %d", gotPort)
	}
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "instance_id=0f8fad5b-d9cb-469f-a165-70867728950e")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	if _, err := StartBroadcaster(Config{Port: 50001}); err == nil {
		t.Fatalf("expected error without instance ID")
	}
	if _, err := StartBroadcaster(Config{InstanceID: "x"}); err == nil {
		t.Fatalf("expected error without port")
	}
}

func TestLocateReturnsFirstCompatibleServer(t *testing.T) {
	cfg := Config{
		ScanTimeout: time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			go func() {
				stale := zeroconf.NewServiceEntry("old", service, domain)
				stale.Port = 40000
				stale.Text = []string{"version=0"}
				stale.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.9")}
				entries <- stale

				current := zeroconf.NewServiceEntry("vsfy-abc", service, domain)
				current.Port = 50001
				current.Text = []string{"version=1", "instance_id=abc"}
				current.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
				current.AddrIPv4 = []net.IP{net.ParseIP("192.168.2.223")}
				entries <- current
			}()
			return nil
		},
	}

	endpoint, err := Locate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if endpoint.InstanceID != "abc" {
		t.Fatalf("unexpected instance: %+v", endpoint)
	}
	if got := endpoint.Address(); got != "192.168.2.223:50001" {
		t.Fatalf("expected IPv4 address first, got %q", got)
	}
}

func TestLocateTimesOutWithoutServers(t *testing.T) {
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}

	if _, err := Locate(context.Background(), cfg); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
