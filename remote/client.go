package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"macremote/discovery"
	"macremote/metrics"
)

const (
	// DefaultResolveTimeout bounds address resolution.
	DefaultResolveTimeout = 10 * time.Second
	// DefaultConnectTimeout bounds each dial attempt.
	DefaultConnectTimeout = 5 * time.Second
)

// State is the client's connection state.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateDisconnected
)

var stateNames = [...]string{"idle", "resolving", "connecting", "connected", "disconnected"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// busy reports whether a connection exists or is being established.
func (s State) busy() bool {
	return s == StateResolving || s == StateConnecting || s == StateConnected
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Watcher  discovery.Watcher
	Resolver discovery.Resolver
	Dialer   Dialer

	ServiceType string
	Domain      string

	ResolveTimeout time.Duration
	ConnectTimeout time.Duration
	MaxFrameSize   uint32

	MaxSearchRestarts    int
	SearchRestartBackoff time.Duration

	Handler Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Client is the controller role. It keeps at most one outbound connection
// and never reconnects on its own.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	notify  *dispatcher
	browser *discovery.Browser

	mu      sync.Mutex
	state   State
	conn    *Connection
	service discovery.ServiceDescriptor
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = discovery.DefaultServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = discovery.DefaultDomain
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "client"),
		notify: &dispatcher{handler: cfg.Handler},
	}
	if cfg.Watcher != nil {
		c.browser = discovery.NewBrowser(discovery.BrowserConfig{
			Watcher:        cfg.Watcher,
			ServiceType:    cfg.ServiceType,
			Domain:         cfg.Domain,
			MaxRestarts:    cfg.MaxSearchRestarts,
			RestartBackoff: cfg.SearchRestartBackoff,
			OnChange:       c.servicesChanged,
			OnError:        c.searchFailed,
			Logger:         cfg.Logger,
		})
	}
	return c
}

// StartSearch begins browsing for services, clearing the visible set.
func (c *Client) StartSearch() error {
	if c.browser == nil {
		return &Error{Kind: KindDiscovery, Op: "start search", Err: errors.New("no discovery watcher configured")}
	}
	c.browser.StartSearch()
	return nil
}

// StopSearch stops browsing. The visible set is kept.
func (c *Client) StopSearch() {
	if c.browser != nil {
		c.browser.StopSearch()
	}
}

// Searching reports whether a search is active.
func (c *Client) Searching() bool {
	return c.browser != nil && c.browser.Searching()
}

// Services returns the currently visible services.
func (c *Client) Services() []discovery.ServiceDescriptor {
	if c.browser == nil {
		return nil
	}
	return c.browser.Services()
}

// Lookup returns the visible service with the given name.
func (c *Client) Lookup(name string) (discovery.ServiceDescriptor, bool) {
	if c.browser == nil {
		return discovery.ServiceDescriptor{}, false
	}
	return c.browser.Lookup(name)
}

func (c *Client) servicesChanged(services []discovery.ServiceDescriptor) {
	c.cfg.Metrics.ServicesVisible(len(services))
	c.notify.emit(ServicesChanged{Services: services})
}

func (c *Client) searchFailed(err error, restarting bool) {
	if restarting {
		c.cfg.Metrics.DiscoveryRestarted()
	}
	c.notify.emit(Failure{Err: &Error{Kind: KindDiscovery, Op: "search", Err: err}})
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Service returns the descriptor of the connected service.
func (c *Client) Service() (discovery.ServiceDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return discovery.ServiceDescriptor{}, false
	}
	return c.service.Clone(), true
}

// Connect resolves service and connects to the first reachable address.
// It does nothing while a connection exists or is being established and
// reports the state found.
func (c *Client) Connect(ctx context.Context, service discovery.ServiceDescriptor) (State, error) {
	c.mu.Lock()
	if c.state.busy() {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("connect ignored", "state", state.String(), "service", service.Name)
		return state, nil
	}
	c.state = StateResolving
	c.mu.Unlock()

	c.logger.Info("connecting", "service", service.Name)
	c.notify.emit(Connecting{Service: service.Clone()})

	resolved, err := c.resolve(ctx, service)
	if err != nil {
		c.abandon(StateResolving)
		c.logger.Warn("resolve failed", "service", service.Name, "error", err)
		return c.State(), err
	}
	if !c.advance(StateResolving, StateConnecting) {
		return c.State(), &Error{Kind: KindConnect, Op: "connect", Err: context.Canceled}
	}

	nc, err := c.dial(ctx, resolved)
	if err != nil {
		c.abandon(StateConnecting)
		c.logger.Warn("connect failed", "service", service.Name, "error", err)
		return c.State(), err
	}

	conn := newConnection(RoleClient, nc, c.cfg.MaxFrameSize, c.cfg.Metrics, c.logger)
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		conn.shutdown(nil)
		return c.State(), &Error{Kind: KindConnect, Op: "connect", Err: context.Canceled}
	}
	c.state = StateConnected
	c.conn = conn
	c.service = resolved
	c.mu.Unlock()

	c.cfg.Metrics.Connected(string(RoleClient))
	c.logger.Info("connected", "service", resolved.Name, "remote", addrString(conn.RemoteAddr()))
	c.notify.emit(Connected{Service: resolved.Clone(), Remote: conn.RemoteAddr()})
	go c.serve(conn)
	return StateConnected, nil
}

func (c *Client) resolve(ctx context.Context, service discovery.ServiceDescriptor) (discovery.ServiceDescriptor, error) {
	resolved := service
	if c.cfg.Resolver != nil {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.ResolveTimeout)
		defer cancel()
		var err error
		resolved, err = c.cfg.Resolver.Resolve(rctx, service)
		if err != nil {
			return discovery.ServiceDescriptor{}, &Error{Kind: KindResolve, Op: "resolve " + service.Name, Err: err}
		}
	}
	if len(resolved.Addresses) == 0 {
		return discovery.ServiceDescriptor{}, &Error{Kind: KindResolve, Op: "resolve " + service.Name, Err: errors.New("service has no addresses")}
	}
	return resolved, nil
}

// dial tries each candidate address in order.
func (c *Client) dial(ctx context.Context, service discovery.ServiceDescriptor) (net.Conn, error) {
	var errs []error
	for _, addr := range service.Addresses {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		nc, err := c.cfg.Dialer.DialContext(dctx, "tcp", addr.String())
		cancel()
		if err == nil {
			return nc, nil
		}
		c.logger.Debug("candidate address failed", "address", addr.String(), "error", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &Error{Kind: KindConnect, Op: "connect " + service.Name, Err: errors.Join(errs...)}
}

func (c *Client) advance(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Client) abandon(from State) {
	c.mu.Lock()
	if c.state == from {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// Send frames body and writes it to the connected server.
func (c *Client) Send(body []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &Error{Kind: KindSend, Op: "send", Err: ErrNotConnected}
	}
	if err := conn.send(body); err != nil {
		terr := &Error{Kind: KindTransport, Op: "send", Err: err}
		c.logger.Warn("send failed", "error", err)
		conn.shutdown(err)
		return terr
	}
	c.notify.emit(DataSent{Body: body})
	return nil
}

// Disconnect closes the connection, or abandons one being established.
// The Disconnected notification follows once the read loop has stopped.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.state.busy() {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if conn != nil {
		c.logger.Info("disconnecting", "remote", addrString(conn.RemoteAddr()))
		conn.shutdown(nil)
	}
}

// Close disconnects and stops any search.
func (c *Client) Close() {
	c.StopSearch()
	c.Disconnect()
}

func (c *Client) serve(conn *Connection) {
	defer conn.finish()
	err := conn.readLoop(func(body []byte) {
		deliverBody(c.notify, RoleClient, c.cfg.Metrics, c.logger, body)
	})

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	reason, local, cause := endReason(err)
	c.cfg.Metrics.Disconnected(string(RoleClient), reason)
	if cause != nil {
		c.logger.Warn("connection lost", "remote", addrString(conn.RemoteAddr()), "error", err)
	} else {
		c.logger.Info("disconnected", "remote", addrString(conn.RemoteAddr()), "reason", reason)
	}
	c.notify.emit(Disconnected{Remote: conn.RemoteAddr(), Local: local, Err: cause})
}
