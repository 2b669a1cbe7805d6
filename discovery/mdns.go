// Package discovery advertises and locates the rendezvous server over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_vsfy._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds one Locate call.
	DefaultScanTimeout = 3 * time.Second
)

// ErrServerNotFound indicates no rendezvous server answered before the scan ended.
var ErrServerNotFound = errors.New("discovery: no rendezvous server found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertisement and lookup.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	InstanceID string
	Port       int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.InstanceID) == "" {
		return errors.New("instance ID is required")
	}
	if c.Port <= 0 {
		return errors.New("server port must be > 0")
	}
	return nil
}

// Broadcaster advertises the rendezvous server via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		"instance_id=" + cfg.InstanceID,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(instanceName(cfg.InstanceID), cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Endpoint is an advertised rendezvous server.
type Endpoint struct {
	InstanceID string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
}

// Address returns host:port using the first resolved address.
func (e Endpoint) Address() string {
	host := e.HostName
	if len(e.Addresses) > 0 {
		host = e.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Locate browses for a rendezvous server and returns the first usable one.
func Locate(ctx context.Context, config Config) (Endpoint, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Endpoint{}, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return Endpoint{}, fmt.Errorf("browse mDNS: %w", err)
	}

	for {
		select {
		case <-scanCtx.Done():
			if err := ctx.Err(); err != nil {
				return Endpoint{}, err
			}
			return Endpoint{}, ErrServerNotFound
		case entry, ok := <-entries:
			if !ok {
				return Endpoint{}, ErrServerNotFound
			}
			if entry == nil {
				continue
			}
			if endpoint, ok := parseEntry(entry, cfg.Version); ok {
				return endpoint, nil
			}
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (Endpoint, bool) {
	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	if version != wantVersion || entry.Port <= 0 {
		return Endpoint{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	// IPv4 first, then lexical.
	sort.SliceStable(addresses, func(i, j int) bool {
		iv4 := net.ParseIP(addresses[i]).To4() != nil
		jv4 := net.ParseIP(addresses[j]).To4() != nil
		if iv4 != jv4 {
			return iv4
		}
		return addresses[i] < addresses[j]
	})
	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Endpoint{}, false
	}

	return Endpoint{
		InstanceID: strings.TrimSpace(txt["instance_id"]),
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func instanceName(instanceID string) string {
	short := instanceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "vsfy-" + short
}
