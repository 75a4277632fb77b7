package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"

	"github.com/grandcat/zeroconf"
)

// Zeroconf is a Mechanism backed by multicast DNS service discovery
// (DNS-SD over mDNS).
type Zeroconf struct {
	// Interfaces restricts publishing; nil means all multicast interfaces.
	Interfaces []net.Interface
	// Text is the TXT record attached to publications.
	Text   []string
	Logger *slog.Logger
}

var _ Mechanism = (*Zeroconf)(nil)

func (z *Zeroconf) logger() *slog.Logger {
	if z.Logger != nil {
		return z.Logger
	}
	return slog.Default()
}

// Publish implements Publisher.
func (z *Zeroconf) Publish(ctx context.Context, record Record) (Publication, error) {
	server, err := zeroconf.Register(record.Name, record.Type, record.Domain, int(record.Port), z.Text, z.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("mdns register %s: %w", record.Name, err)
	}
	return &zeroconfPublication{server: server}, nil
}

type zeroconfPublication struct {
	server *zeroconf.Server
}

func (p *zeroconfPublication) Withdraw() error {
	if p.server != nil {
		p.server.Shutdown()
		p.server = nil
	}
	return nil
}

// Watch implements Watcher. Each resolved entry is its own batch; entries
// with a zero TTL are goodbye packets and are reported as removals.
func (z *Zeroconf) Watch(ctx context.Context, serviceType, domain string, emit func(Batch)) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		return fmt.Errorf("mdns browse %s: %w", serviceType, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errWatchEnded
			}
			d := entryDescriptor(entry)
			if entry.TTL == 0 {
				emit(Batch{Removed: []ServiceDescriptor{d}})
				continue
			}
			z.logger().Debug("mdns: service entry", "name", d.Name, "host", entry.HostName, "port", d.Port)
			emit(Batch{Added: []ServiceDescriptor{d}})
		}
	}
}

// Resolve implements Resolver with an instance lookup.
func (z *Zeroconf) Resolve(ctx context.Context, service ServiceDescriptor) (ServiceDescriptor, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return ServiceDescriptor{}, fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Lookup(ctx, service.Name, service.Type, service.Domain, entries); err != nil {
		return ServiceDescriptor{}, fmt.Errorf("mdns lookup %s: %w", service.Name, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ServiceDescriptor{}, fmt.Errorf("%w: %s: %v", ErrNotFound, service.Name, ctx.Err())
		case entry, ok := <-entries:
			if !ok {
				return ServiceDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, service.Name)
			}
			d := entryDescriptor(entry)
			if len(d.Addresses) == 0 {
				continue
			}
			return d, nil
		}
	}
}

// entryDescriptor converts a resolved mDNS entry. IPv4 candidates come
// before IPv6.
func entryDescriptor(entry *zeroconf.ServiceEntry) ServiceDescriptor {
	port := uint16(entry.Port)
	d := ServiceDescriptor{
		Name:   entry.Instance,
		Type:   entry.Service,
		Domain: entry.Domain,
		Port:   port,
	}
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			d.Addresses = append(d.Addresses, netip.AddrPortFrom(addr.Unmap(), port))
		}
	}
	return d
}
