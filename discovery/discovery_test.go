package discovery

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func listenLoopback(t *testing.T) *UDP {
	t.Helper()
	u, err := ListenUDP(context.Background(), UDPConfig{
		Port:               0,
		BroadcastAddresses: []string{"127.0.0.1"},
		QueryInterval:      50 * time.Millisecond,
		StaleTimeout:       time.Minute,
		HostAddresses:      func() []netip.Addr { return nil },
	})
	if err != nil {
		t.Fatalf("ListenUDP() error: %v", err)
	}
	go u.Run()
	t.Cleanup(func() { u.Close() })
	return u
}

func waitBatch(t *testing.T, batches <-chan Batch) Batch {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a discovery batch")
		return Batch{}
	}
}

func TestUDPPublishWatchWithdraw(t *testing.T) {
	u := listenLoopback(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches := make(chan Batch, 16)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- u.Watch(ctx, DefaultServiceType, DefaultDomain, func(b Batch) { batches <- b })
	}()

	publication, err := u.Publish(ctx, Record{Name: "desk", Type: DefaultServiceType, Domain: DefaultDomain, Port: 4242})
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	added := waitBatch(t, batches)
	if len(added.Added) != 1 {
		t.Fatalf("batch = %+v, want one addition", added)
	}
	d := added.Added[0]
	if d.Name != "desk" || d.Port != 4242 || d.Instance == "" {
		t.Errorf("descriptor = %+v", d)
	}
	want := netip.MustParseAddrPort("127.0.0.1:4242")
	if len(d.Addresses) == 0 || d.Addresses[0] != want {
		t.Errorf("addresses = %v, want first %v", d.Addresses, want)
	}

	if err := publication.Withdraw(); err != nil {
		t.Fatalf("Withdraw() error: %v", err)
	}
	var removed Batch
	for {
		removed = waitBatch(t, batches)
		if len(removed.Removed) > 0 {
			break
		}
	}
	if removed.Removed[0].Instance != d.Instance {
		t.Errorf("removed %+v, want instance %s", removed.Removed[0], d.Instance)
	}

	cancel()
	if err := <-watchErr; err != nil {
		t.Errorf("Watch() after cancel = %v, want nil", err)
	}
}

func TestUDPResolve(t *testing.T) {
	u := listenLoopback(t)
	if _, err := u.Publish(context.Background(), Record{Name: "tv", Type: DefaultServiceType, Domain: DefaultDomain, Port: 9000}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if _, err := u.Publish(context.Background(), Record{Name: "other", Type: DefaultServiceType, Domain: DefaultDomain, Port: 9001}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := u.Resolve(ctx, ServiceDescriptor{Name: "tv", Type: DefaultServiceType, Domain: DefaultDomain})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if d.Name != "tv" || d.Port != 9000 || len(d.Addresses) == 0 {
		t.Errorf("resolved = %+v", d)
	}
}

func TestUDPResolveTimeout(t *testing.T) {
	u := listenLoopback(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := u.Resolve(ctx, ServiceDescriptor{Name: "missing", Type: DefaultServiceType, Domain: DefaultDomain})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestUDPWatchIgnoresOtherTypes(t *testing.T) {
	u := listenLoopback(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches := make(chan Batch, 16)
	go u.Watch(ctx, DefaultServiceType, DefaultDomain, func(b Batch) { batches <- b })

	if _, err := u.Publish(ctx, Record{Name: "printer", Type: "_ipp._tcp", Domain: DefaultDomain, Port: 631}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	select {
	case b := <-batches:
		t.Errorf("unexpected batch for another service type: %+v", b)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUDPWatchAfterClose(t *testing.T) {
	u := listenLoopback(t)
	done := make(chan error, 1)
	go func() {
		done <- u.Watch(context.Background(), DefaultServiceType, DefaultDomain, func(Batch) {})
	}()
	time.Sleep(20 * time.Millisecond)
	u.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Watch() = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after Close")
	}
}

func TestListenUDPRequiresTargets(t *testing.T) {
	if _, err := ListenUDP(context.Background(), UDPConfig{}); err == nil {
		t.Error("ListenUDP accepted an empty broadcast list")
	}
}

func TestStalePurge(t *testing.T) {
	batches := make(chan Batch, 4)
	w := &udpWatch{
		emit:     func(b Batch) { batches <- b },
		seen:     make(map[string]ServiceDescriptor),
		lastSeen: make(map[string]time.Time),
	}
	w.observe(descriptor("old", "o", 1))
	<-batches
	w.lastSeen["o"] = time.Now().Add(-time.Hour)
	w.purge(time.Minute)
	b := <-batches
	if len(b.Removed) != 1 || b.Removed[0].Name != "old" {
		t.Errorf("purge batch = %+v", b)
	}

	// Re-observing an unchanged descriptor is not a change.
	w.observe(descriptor("new", "n", 1))
	<-batches
	w.observe(descriptor("new", "n", 1))
	select {
	case b := <-batches:
		t.Errorf("duplicate observation emitted %+v", b)
	default:
	}
}
