// Package discovery finds a chat relay on the local network with mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_chatrelay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds one browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPath is the websocket path when the TXT record has none.
	DefaultPath = "/api/v1/ws"
)

// ErrNoRelay indicates the browse window ended without a usable relay.
var ErrNoRelay = errors.New("discovery: no relay found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay browsing.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	return out
}

// Relay is one advertised relay endpoint.
type Relay struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []string
	Path      string
	Secure    bool
	Version   int
}

// URL returns the websocket URL of the relay, preferring IPv4 addresses.
func (r Relay) URL() string {
	scheme := "ws"
	if r.Secure {
		scheme = "wss"
	}
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + r.Path
}

// Browse collects every relay advertised during one scan window.
func Browse(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	collect := func(entry *zeroconf.ServiceEntry) {
		if entry == nil {
			return
		}
		relay, ok := parseEntry(entry)
		if !ok {
			return
		}
		collectedMu.Lock()
		collected[relay.Instance] = relay
		collectedMu.Unlock()
	}

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				// Keep entries that were buffered before the window closed.
				for {
					select {
					case entry := <-entries:
						collect(entry)
					default:
						return
					}
				}
			case entry := <-entries:
				collect(entry)
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// A caller cancellation is an error, the scan window ending is not.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

// FindRelay returns the highest-version relay seen in one scan window.
func FindRelay(ctx context.Context, config Config) (Relay, error) {
	relays, err := Browse(ctx, config)
	if err != nil {
		return Relay{}, err
	}
	if len(relays) == 0 {
		return Relay{}, ErrNoRelay
	}
	return relays[0], nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry.Port <= 0 {
		return Relay{}, false
	}
	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
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
	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Relay{}, false
	}

	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return Relay{
		Instance:  name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Path:      path,
		Secure:    txt["tls"] == "1" || strings.EqualFold(txt["tls"], "true"),
		Version:   version,
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
