package remote

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"macremote/discovery"
)

const waitTimeout = 5 * time.Second

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// recorder collects notifications in delivery order.
type recorder struct {
	ch chan Notification
}

func newRecorder() *recorder { return &recorder{ch: make(chan Notification, 256)} }

func (r *recorder) handle(n Notification) { r.ch <- n }

// next returns the next notification accepted by match, discarding the
// ones before it.
func (r *recorder) next(t *testing.T, what string, match func(Notification) bool) Notification {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case n := <-r.ch:
			if match(n) {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

func waitFor[T Notification](t *testing.T, r *recorder) T {
	t.Helper()
	var zero T
	n := r.next(t, typeName(zero), func(n Notification) bool {
		_, ok := n.(T)
		return ok
	})
	return n.(T)
}

func typeName(n Notification) string {
	switch n.(type) {
	case ServicesChanged:
		return "ServicesChanged"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Listening:
		return "Listening"
	case DataSent:
		return "DataSent"
	case DataReceived:
		return "DataReceived"
	case TextReceived:
		return "TextReceived"
	case EventReceived:
		return "EventReceived"
	case Failure:
		return "Failure"
	}
	return "notification"
}

// countingListen binds on loopback and counts calls.
type countingListen struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingListen) listen(ctx context.Context, network, address string) (net.Listener, error) {
	l.mu.Lock()
	l.calls++
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return defaultListen(ctx, network, address)
}

func (l *countingListen) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// countingDialer records every address dialled.
type countingDialer struct {
	mu    sync.Mutex
	addrs []string
	fail  bool
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, address)
}

func (d *countingDialer) dialled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

func startServer(t *testing.T, cfg ServerConfig) (*Server, *recorder) {
	t.Helper()
	rec := newRecorder()
	cfg.Host = "127.0.0.1"
	cfg.Handler = rec.handle
	cfg.Logger = discardLogger()
	s := NewServer(cfg)
	if err := s.StartBroadcast(context.Background(), 0); err != nil {
		t.Fatalf("StartBroadcast() error: %v", err)
	}
	t.Cleanup(s.StopBroadcast)
	waitFor[Listening](t, rec)
	return s, rec
}

func loopbackService(name string, port uint16) discovery.ServiceDescriptor {
	return discovery.ServiceDescriptor{
		Name:      name,
		Type:      discovery.DefaultServiceType,
		Domain:    discovery.DefaultDomain,
		Port:      port,
		Addresses: []netip.AddrPort{netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)},
	}
}

func newTestClient(cfg ClientConfig) (*Client, *recorder) {
	rec := newRecorder()
	cfg.Handler = rec.handle
	cfg.Logger = discardLogger()
	return NewClient(cfg), rec
}
