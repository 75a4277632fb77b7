package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultUDPPort       = 5599
	DefaultQueryInterval = 5 * time.Second
	DefaultStaleTimeout  = 30 * time.Second
)

// UDPConfig holds config for the UDP broadcast mechanism.
// BroadcastAddresses must have at least one element; entries without a
// port use the bound discovery port.
type UDPConfig struct {
	Port               int
	BroadcastAddresses []string
	QueryInterval      time.Duration
	StaleTimeout       time.Duration
	// HostAddresses lists this host's addresses for announcements. When
	// nil, the outbound address toward the first broadcast target is used.
	HostAddresses func() []netip.Addr
	Logger        *slog.Logger
}

// UDP is a Mechanism that answers QUERY broadcasts for its publications,
// announces and withdraws them, and tracks services seen by watchers.
// Answers are broadcast rather than unicast so that every process sharing
// the discovery port on a host receives them.
type UDP struct {
	cfg     UDPConfig
	conn    *net.UDPConn
	targets []*net.UDPAddr
	logger  *slog.Logger
	stopped chan struct{}

	mu           sync.Mutex
	publications map[string]Announcement
	watchers     map[int]*udpWatch
	nextWatch    int
	pending      map[string]chan ServiceDescriptor
	closed       bool
}

var _ Mechanism = (*UDP)(nil)

type udpWatch struct {
	serviceType string
	domain      string
	emit        func(Batch)

	mu       sync.Mutex
	seen     map[string]ServiceDescriptor
	lastSeen map[string]time.Time
}

// ListenUDP binds the discovery socket. Call Run to start serving.
func ListenUDP(ctx context.Context, cfg UDPConfig) (*UDP, error) {
	if len(cfg.BroadcastAddresses) == 0 {
		return nil, fmt.Errorf("discovery: no broadcast addresses configured")
	}
	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = DefaultQueryInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	lc := net.ListenConfig{Control: controlDiscoverySocket}
	pc, err := lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen discovery port %d: %w", cfg.Port, err)
	}
	conn := pc.(*net.UDPConn)
	if err := conn.SetReadBuffer(MaxMessageSize * 16); err != nil {
		cfg.Logger.Warn("discovery: failed to set read buffer", "error", err)
	}
	bound := conn.LocalAddr().(*net.UDPAddr).Port

	targets := make([]*net.UDPAddr, 0, len(cfg.BroadcastAddresses))
	for _, a := range cfg.BroadcastAddresses {
		host, port, err := net.SplitHostPort(a)
		if err != nil {
			host, port = a, strconv.Itoa(bound)
		}
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve broadcast address %q: %w", a, err)
		}
		targets = append(targets, addr)
	}

	return &UDP{
		cfg:          cfg,
		conn:         conn,
		targets:      targets,
		logger:       cfg.Logger,
		stopped:      make(chan struct{}),
		publications: make(map[string]Announcement),
		watchers:     make(map[int]*udpWatch),
		pending:      make(map[string]chan ServiceDescriptor),
	}, nil
}

// LocalPort returns the bound discovery port.
func (u *UDP) LocalPort() int {
	return u.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close stops Run and fails active watches with ErrClosed.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	close(u.stopped)
	u.mu.Unlock()
	return u.conn.Close()
}

// Run reads datagrams until the socket is closed.
func (u *UDP) Run() {
	buf := make([]byte, MaxMessageSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				u.logger.Warn("discovery: read failed", "error", err)
			}
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			u.logger.Debug("discovery: invalid datagram", "from", from, "error", err)
			continue
		}
		switch msg.Type {
		case typeQuery:
			u.handleQuery(buf[:n], from)
		case typeAnnounce, typeResponse, typeLeave:
			u.handleAnnouncement(buf[:n], from)
		}
	}
}

func (u *UDP) handleQuery(raw []byte, from *net.UDPAddr) {
	var q Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return
	}
	u.mu.Lock()
	var answers []Announcement
	for _, a := range u.publications {
		if a.ServiceType != q.ServiceType || a.Domain != q.Domain {
			continue
		}
		if q.Name != "" && q.Name != a.Name {
			continue
		}
		a.Type = typeResponse
		a.RequestID = q.RequestID
		answers = append(answers, a)
	}
	u.mu.Unlock()

	for _, a := range answers {
		u.logger.Debug("discovery: answering query", "from", from, "request_id", q.RequestID, "name", a.Name)
		if err := u.send(a); err != nil {
			u.logger.Warn("discovery: failed to send response", "request_id", q.RequestID, "error", err)
		}
	}
}

func (u *UDP) handleAnnouncement(raw []byte, from *net.UDPAddr) {
	var a Announcement
	if err := json.Unmarshal(raw, &a); err != nil {
		u.logger.Debug("discovery: failed to parse announcement", "from", from, "error", err)
		return
	}
	d := a.descriptor(from)

	u.mu.Lock()
	var ch chan ServiceDescriptor
	if a.Type == typeResponse && a.RequestID != "" {
		ch = u.pending[a.RequestID]
	}
	var watchers []*udpWatch
	for _, w := range u.watchers {
		if w.serviceType == a.ServiceType && w.domain == a.Domain {
			watchers = append(watchers, w)
		}
	}
	u.mu.Unlock()

	if ch != nil {
		select {
		case ch <- d:
		default:
			u.logger.Debug("discovery: resolve channel full, response dropped", "request_id", a.RequestID)
		}
	}
	for _, w := range watchers {
		if a.Type == typeLeave {
			w.remove(d)
		} else {
			w.observe(d)
		}
	}
}

// descriptor builds a ServiceDescriptor whose first candidate is the
// address the datagram actually came from.
func (a Announcement) descriptor(from *net.UDPAddr) ServiceDescriptor {
	d := ServiceDescriptor{
		Name:     a.Name,
		Type:     a.ServiceType,
		Domain:   a.Domain,
		Port:     a.Port,
		Instance: a.Instance,
	}
	add := func(ip netip.Addr) {
		if !ip.IsValid() || ip.IsUnspecified() {
			return
		}
		ap := netip.AddrPortFrom(ip.Unmap(), a.Port)
		if !slices.Contains(d.Addresses, ap) {
			d.Addresses = append(d.Addresses, ap)
		}
	}
	if from != nil {
		if ip, ok := netip.AddrFromSlice(from.IP); ok {
			add(ip)
		}
	}
	for _, s := range a.Addresses {
		if ip, err := netip.ParseAddr(s); err == nil {
			add(ip)
		}
	}
	return d
}

func (w *udpWatch) observe(d ServiceDescriptor) {
	w.mu.Lock()
	key := d.Key()
	w.lastSeen[key] = time.Now()
	prev, known := w.seen[key]
	if known && sameDescriptor(prev, d) {
		w.mu.Unlock()
		return
	}
	w.seen[key] = d
	w.mu.Unlock()
	w.emit(Batch{Added: []ServiceDescriptor{d}})
}

func (w *udpWatch) remove(d ServiceDescriptor) {
	w.mu.Lock()
	key := d.Key()
	prev, known := w.seen[key]
	delete(w.seen, key)
	delete(w.lastSeen, key)
	w.mu.Unlock()
	if known {
		w.emit(Batch{Removed: []ServiceDescriptor{prev}})
	}
}

func (w *udpWatch) purge(staleTimeout time.Duration) {
	threshold := time.Now().Add(-staleTimeout)
	var batch Batch
	w.mu.Lock()
	for key, seen := range w.lastSeen {
		if seen.Before(threshold) {
			batch.Removed = append(batch.Removed, w.seen[key])
			delete(w.seen, key)
			delete(w.lastSeen, key)
		}
	}
	w.mu.Unlock()
	if !batch.Empty() {
		w.emit(batch)
	}
}

func sameDescriptor(a, b ServiceDescriptor) bool {
	return a.Name == b.Name && a.Type == b.Type && a.Domain == b.Domain &&
		a.Port == b.Port && slices.Equal(a.Addresses, b.Addresses)
}

// Publish implements Publisher: the record is announced immediately and
// answers queries until withdrawn.
func (u *UDP) Publish(ctx context.Context, record Record) (Publication, error) {
	a := Announcement{
		Type:        typeAnnounce,
		ServiceType: record.Type,
		Domain:      record.Domain,
		Instance:    uuid.NewString(),
		Name:        record.Name,
		Port:        record.Port,
		Addresses:   u.hostAddresses(),
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, ErrClosed
	}
	u.publications[a.Instance] = a
	u.mu.Unlock()

	if err := u.send(a); err != nil {
		u.mu.Lock()
		delete(u.publications, a.Instance)
		u.mu.Unlock()
		return nil, fmt.Errorf("announce %s: %w", record.Name, err)
	}
	u.logger.Debug("discovery: announced", "name", a.Name, "instance", a.Instance, "port", a.Port)
	return &udpPublication{udp: u, instance: a.Instance}, nil
}

type udpPublication struct {
	udp      *UDP
	instance string
	once     sync.Once
	err      error
}

func (p *udpPublication) Withdraw() error {
	p.once.Do(func() {
		u := p.udp
		u.mu.Lock()
		a, ok := u.publications[p.instance]
		delete(u.publications, p.instance)
		closed := u.closed
		u.mu.Unlock()
		if !ok || closed {
			return
		}
		a.Type = typeLeave
		p.err = u.send(a)
	})
	return p.err
}

func (u *UDP) hostAddresses() []string {
	if u.cfg.HostAddresses != nil {
		var out []string
		for _, ip := range u.cfg.HostAddresses() {
			out = append(out, ip.String())
		}
		return out
	}
	if ip := OutboundIP(u.targets[0].IP, u.targets[0].Port); ip != "" {
		return []string{ip}
	}
	return nil
}

// Watch implements Watcher: it queries immediately and then every
// QueryInterval, reporting services that answer or announce and
// expiring those not seen for StaleTimeout.
func (u *UDP) Watch(ctx context.Context, serviceType, domain string, emit func(Batch)) error {
	w := &udpWatch{
		serviceType: serviceType,
		domain:      domain,
		emit:        emit,
		seen:        make(map[string]ServiceDescriptor),
		lastSeen:    make(map[string]time.Time),
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	id := u.nextWatch
	u.nextWatch++
	u.watchers[id] = w
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		delete(u.watchers, id)
		u.mu.Unlock()
	}()

	query := func() error {
		return u.send(Query{Type: typeQuery, ServiceType: serviceType, Domain: domain, RequestID: newRequestID()})
	}
	if err := query(); err != nil {
		return fmt.Errorf("send query: %w", err)
	}

	queryTicker := time.NewTicker(u.cfg.QueryInterval)
	defer queryTicker.Stop()
	purgeTicker := time.NewTicker(max(u.cfg.StaleTimeout/3, 10*time.Millisecond))
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-u.stopped:
			return ErrClosed
		case <-queryTicker.C:
			if err := query(); err != nil {
				return fmt.Errorf("send query: %w", err)
			}
		case <-purgeTicker.C:
			w.purge(u.cfg.StaleTimeout)
		}
	}
}

// Resolve implements Resolver by broadcasting a name-filtered query and
// waiting for the matching response. Callers bound the wait through ctx.
func (u *UDP) Resolve(ctx context.Context, service ServiceDescriptor) (ServiceDescriptor, error) {
	requestID := newRequestID()
	// Register pending before sending so a fast response is not missed.
	ch := make(chan ServiceDescriptor, 8)
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ServiceDescriptor{}, ErrClosed
	}
	u.pending[requestID] = ch
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		delete(u.pending, requestID)
		u.mu.Unlock()
	}()

	q := Query{Type: typeQuery, ServiceType: service.Type, Domain: service.Domain, Name: service.Name, RequestID: requestID}
	if err := u.send(q); err != nil {
		return ServiceDescriptor{}, fmt.Errorf("send resolve query: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ServiceDescriptor{}, fmt.Errorf("%w: %s: %v", ErrNotFound, service.Name, ctx.Err())
		case <-u.stopped:
			return ServiceDescriptor{}, ErrClosed
		case d := <-ch:
			if service.Instance != "" && d.Instance != service.Instance {
				continue
			}
			return d, nil
		}
	}
}

func (u *UDP) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var errs []error
	for _, addr := range u.targets {
		if _, err := u.conn.WriteToUDP(data, addr); err != nil {
			errs = append(errs, fmt.Errorf("write to %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func newRequestID() string {
	return uuid.NewString()
}

// OutboundIP returns the local IP used when sending to remote:port (e.g. broadcast address). Use for "my IP on this network".
func OutboundIP(remote net.IP, port int) string {
	to := &net.UDPAddr{IP: remote, Port: port}
	conn, err := net.DialUDP("udp", nil, to)
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr := conn.LocalAddr()
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	return ""
}
