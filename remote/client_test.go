package remote

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"macremote/discovery"
	"macremote/event"
)

func TestSendWithoutConnection(t *testing.T) {
	c, _ := newTestClient(ClientConfig{})
	err := c.Send([]byte("hello"))
	if !IsKind(err, KindSend) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() error = %v, want send error", err)
	}
}

func TestConnectAndSend(t *testing.T) {
	s, srec := startServer(t, ServerConfig{})
	c, crec := newTestClient(ClientConfig{})
	t.Cleanup(c.Close)

	state, err := c.Connect(context.Background(), loopbackService("desk", s.Port()))
	if err != nil || state != StateConnected {
		t.Fatalf("Connect() = %v, %v", state, err)
	}
	waitFor[Connecting](t, crec)
	if got := waitFor[Connected](t, crec); got.Service.Name != "desk" {
		t.Errorf("Connected.Service = %+v", got.Service)
	}
	if svc, ok := c.Service(); !ok || svc.Port != s.Port() {
		t.Errorf("Service() = %+v, %v", svc, ok)
	}
	waitFor[Connected](t, srec)

	encoded, err := event.Encode(event.New(event.SoundUp, ""))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := c.Send([]byte("ewtwet")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := c.Send(encoded); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := waitFor[DataSent](t, crec); string(got.Body) != "ewtwet" {
		t.Errorf("DataSent = %q", got.Body)
	}
	if got := waitFor[TextReceived](t, srec); got.Text != "ewtwet" {
		t.Errorf("TextReceived = %q", got.Text)
	}
	if got := waitFor[EventReceived](t, srec); got.Event.Type != event.SoundUp {
		t.Errorf("EventReceived = %+v", got.Event)
	}

	// The server can talk back on the same connection.
	if err := s.Send([]byte("ack")); err != nil {
		t.Fatalf("server Send() error: %v", err)
	}
	if got := waitFor[TextReceived](t, crec); got.Text != "ack" {
		t.Errorf("client TextReceived = %q", got.Text)
	}
}

func TestConnectTwiceIsNoOp(t *testing.T) {
	s, srec := startServer(t, ServerConfig{})
	dialer := &countingDialer{}
	c, _ := newTestClient(ClientConfig{Dialer: dialer})
	t.Cleanup(c.Close)

	svc := loopbackService("desk", s.Port())
	if _, err := c.Connect(context.Background(), svc); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	state, err := c.Connect(context.Background(), svc)
	if err != nil || state != StateConnected {
		t.Fatalf("second Connect() = %v, %v", state, err)
	}
	if n := len(dialer.dialled()); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	waitFor[Connected](t, srec)
	if !s.Connected() {
		t.Error("server lost its controller")
	}
}

func TestConnectTriesCandidatesInOrder(t *testing.T) {
	dialer := &countingDialer{fail: true}
	c, _ := newTestClient(ClientConfig{Dialer: dialer})

	svc := loopbackService("desk", 4000)
	svc.Addresses = append(svc.Addresses, netip.MustParseAddrPort("192.0.2.1:4000"))
	state, err := c.Connect(context.Background(), svc)
	if !IsKind(err, KindConnect) {
		t.Fatalf("Connect() error = %v, want connect error", err)
	}
	if state != StateIdle {
		t.Errorf("state = %v, want idle", state)
	}
	got := dialer.dialled()
	if len(got) != 2 || got[0] != "127.0.0.1:4000" || got[1] != "192.0.2.1:4000" {
		t.Errorf("dialled %v", got)
	}
}

func TestConnectResolveFailure(t *testing.T) {
	mem := discovery.NewMemory()
	c, rec := newTestClient(ClientConfig{Resolver: mem})

	state, err := c.Connect(context.Background(), discovery.ServiceDescriptor{
		Name:   "ghost",
		Type:   discovery.DefaultServiceType,
		Domain: discovery.DefaultDomain,
	})
	if !IsKind(err, KindResolve) {
		t.Fatalf("Connect() error = %v, want resolve error", err)
	}
	if state != StateIdle {
		t.Errorf("state = %v, want idle", state)
	}
	waitFor[Connecting](t, rec)
}

func TestConnectWithoutAddresses(t *testing.T) {
	c, _ := newTestClient(ClientConfig{})
	_, err := c.Connect(context.Background(), discovery.ServiceDescriptor{Name: "bare"})
	if !IsKind(err, KindResolve) {
		t.Fatalf("Connect() error = %v, want resolve error", err)
	}
}

func TestClientDisconnect(t *testing.T) {
	listen := &countingListen{}
	s, srec := startServer(t, ServerConfig{Listen: listen.listen})
	c, crec := newTestClient(ClientConfig{})

	if _, err := c.Connect(context.Background(), loopbackService("desk", s.Port())); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor[Connected](t, srec)

	c.Disconnect()
	c.Disconnect()
	if state := c.State(); state != StateDisconnected {
		t.Errorf("state = %v, want disconnected", state)
	}
	if d := waitFor[Disconnected](t, crec); !d.Local || d.Err != nil {
		t.Errorf("client Disconnected = %+v, want local", d)
	}
	if d := waitFor[Disconnected](t, srec); d.Err != nil {
		t.Errorf("server Disconnected = %+v, want clean", d)
	}
	if !s.Listening() || listen.count() != 1 {
		t.Errorf("server listening = %v after %d binds", s.Listening(), listen.count())
	}
	if err := c.Send([]byte("late")); !IsKind(err, KindSend) {
		t.Errorf("Send() after disconnect error = %v", err)
	}

	// A new connection is allowed after a disconnect.
	if state, err := c.Connect(context.Background(), loopbackService("desk", s.Port())); err != nil || state != StateConnected {
		t.Fatalf("reconnect = %v, %v", state, err)
	}
	c.Close()
}

func TestClientSeesServerStop(t *testing.T) {
	s, _ := startServer(t, ServerConfig{})
	c, crec := newTestClient(ClientConfig{})

	if _, err := c.Connect(context.Background(), loopbackService("desk", s.Port())); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor[Connected](t, crec)

	s.StopBroadcast()
	d := waitFor[Disconnected](t, crec)
	if d.Local {
		t.Errorf("Disconnected = %+v, want remote close", d)
	}
	if state := c.State(); state != StateDisconnected {
		t.Errorf("state = %v, want disconnected", state)
	}
}

func TestStartSearchWithoutWatcher(t *testing.T) {
	c, _ := newTestClient(ClientConfig{})
	if err := c.StartSearch(); !IsKind(err, KindDiscovery) {
		t.Fatalf("StartSearch() error = %v, want discovery error", err)
	}
	if c.Searching() || c.Services() != nil {
		t.Error("client without watcher reports a search")
	}
}

func TestSearchFailureIsReported(t *testing.T) {
	mem := discovery.NewMemory()
	mem.FailWatch(errors.New("daemon unavailable"))
	c, rec := newTestClient(ClientConfig{Watcher: mem, Resolver: mem})
	t.Cleanup(c.Close)

	if err := c.StartSearch(); err != nil {
		t.Fatalf("StartSearch() error: %v", err)
	}
	if f := waitFor[Failure](t, rec); !IsKind(f.Err, KindDiscovery) {
		t.Errorf("Failure = %v, want discovery error", f.Err)
	}
	if !c.Searching() {
		t.Error("search not restarted after one failure")
	}
}

func TestStateString(t *testing.T) {
	if got := StateConnecting.String(); got != "connecting" {
		t.Errorf("String() = %q", got)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Errorf("String() = %q", got)
	}
}
