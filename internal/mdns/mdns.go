// Package mdns advertises the telemetry endpoint of a running receiver and
// finds other receivers on the local network.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// Service is the DNS-SD service type of the telemetry endpoint.
	Service = "_ofdmsync._tcp"
	Domain  = "local."
)

// Peer is a discovered receiver.
type Peer struct {
	Instance  string
	Hostname  string
	Addresses []net.IP
	Port      int
	TXT       map[string]string
}

// URL returns the telemetry base URL of the first address, or "" when the
// peer advertised none.
func (p Peer) URL() string {
	if len(p.Addresses) == 0 {
		return ""
	}
	return "http://" + net.JoinHostPort(p.Addresses[0].String(), fmt.Sprint(p.Port))
}

// Advertisement is a registered service. Shutdown withdraws it.
type Advertisement struct {
	server *zeroconf.Server
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Advertise registers instance on port with the given TXT entries.
func Advertise(instance string, port int, txt map[string]string) (*Advertisement, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("advertise %q: invalid port %d", instance, port)
	}
	srv, err := zeroconf.Register(instance, Service, Domain, port, EncodeTXT(txt), nil)
	if err != nil {
		return nil, fmt.Errorf("advertise %q: %w", instance, err)
	}
	return &Advertisement{server: srv}, nil
}

// Discover browses for receivers until ctx is done and returns them sorted
// by instance name, deduplicated by host and port.
func Discover(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Peer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				p := peerFromEntry(e)
				found[fmt.Sprintf("%s|%d", p.Hostname, p.Port)] = p
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done

	out := make([]Peer, 0, len(found))
	for _, p := range found {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func peerFromEntry(e *zeroconf.ServiceEntry) Peer {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Peer{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       DecodeTXT(e.Text),
	}
}

// EncodeTXT renders key=value records in key order.
func EncodeTXT(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// DecodeTXT parses key=value records. Records without '=' map to "".
func DecodeTXT(records []string) map[string]string {
	m := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// cleanInstance removes zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
