package remote

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"macremote/discovery"
	"macremote/hostinfo"
	"macremote/metrics"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Publisher advertises the listening port. Without one the server
	// listens but is only reachable by address.
	Publisher discovery.Publisher
	Listen    ListenFunc

	// Name is the advertised device name; empty uses the host's display
	// name.
	Name        string
	ServiceType string
	Domain      string
	// Host is the bind host; empty binds every interface.
	Host        string

	MaxFrameSize uint32

	Handler Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the controlled-device role. It accepts one controller at a
// time; a new inbound connection supersedes the previous one.
type Server struct {
	cfg        ServerConfig
	logger     *slog.Logger
	notify     *dispatcher
	advertiser *discovery.Advertiser

	mu       sync.Mutex
	running  bool
	listener net.Listener
	port     uint16
	conn     *Connection
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Listen == nil {
		cfg.Listen = defaultListen
	}
	if cfg.Name == "" {
		cfg.Name = hostinfo.DisplayName("")
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = discovery.DefaultServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = discovery.DefaultDomain
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "server"),
		notify: &dispatcher{handler: cfg.Handler},
	}
	if cfg.Publisher != nil {
		s.advertiser = discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Publisher:   cfg.Publisher,
			ServiceType: cfg.ServiceType,
			Domain:      cfg.Domain,
			Logger:      cfg.Logger,
		})
	}
	return s
}

// StartBroadcast binds port (zero picks one) and advertises it. A bind
// failure leaves the server stopped. A publish failure is returned but
// the server keeps listening. Calling it while running does nothing.
func (s *Server) StartBroadcast(ctx context.Context, port uint16) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ln, err := s.bind(ctx, port)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("bind failed", "port", port, "error", err)
		return err
	}
	s.running = true
	s.listener = ln
	s.port = listenerPort(ln)
	bound := s.port
	s.mu.Unlock()

	s.logger.Info("listening", "address", ln.Addr().String())
	s.notify.emit(Listening{Port: bound})
	go s.acceptLoop(ln)

	if s.advertiser == nil {
		return nil
	}
	if err := s.advertiser.Publish(ctx, s.cfg.Name, bound); err != nil {
		perr := &Error{Kind: KindPublish, Op: "publish", Err: err}
		s.logger.Error("publish failed, still listening", "port", bound, "error", err)
		s.notify.emit(Failure{Err: perr})
		return perr
	}
	return nil
}

func (s *Server) bind(ctx context.Context, port uint16) (net.Listener, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(port)))
	ln, err := s.cfg.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: KindBind, Op: "listen " + addr, Err: err}
	}
	return ln, nil
}

// StopBroadcast withdraws the advertisement, closes the listener and the
// active connection. It is safe to call repeatedly.
func (s *Server) StopBroadcast() {
	if s.advertiser != nil {
		s.advertiser.Withdraw()
	}
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	ln, conn := s.listener, s.conn
	s.listener, s.conn = nil, nil
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			s.logger.Debug("close listener", "error", err)
		}
	}
	if conn != nil {
		conn.shutdown(nil)
	}
	if wasRunning {
		s.logger.Info("stopped")
	}
}

// Port returns the bound port, or zero before StartBroadcast.
func (s *Server) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Listening reports whether a listening socket is open.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Connected reports whether a controller is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send frames body and writes it to the connected controller.
func (s *Server) Send(body []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &Error{Kind: KindSend, Op: "send", Err: ErrNotConnected}
	}
	if err := conn.send(body); err != nil {
		s.logger.Warn("send failed", "error", err)
		conn.shutdown(err)
		return &Error{Kind: KindTransport, Op: "send", Err: err}
	}
	s.notify.emit(DataSent{Body: body})
	return nil
}

// Disconnect closes the active connection and keeps listening.
func (s *Server) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.shutdown(nil)
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			current := s.listener == ln
			s.mu.Unlock()
			if !current {
				return
			}
			terr := &Error{Kind: KindTransport, Op: "accept", Err: err}
			s.logger.Warn("accept failed", "error", err)
			s.notify.emit(Failure{Err: terr})
			s.relisten(ln)
			return
		}

		conn := newConnection(RoleServer, nc, s.cfg.MaxFrameSize, s.cfg.Metrics, s.logger)
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		prev := s.conn
		s.conn = conn
		s.mu.Unlock()

		if prev != nil {
			s.logger.Info("superseding connection", "previous", addrString(prev.RemoteAddr()))
			prev.shutdown(nil)
			prev.wait()
		}
		s.cfg.Metrics.Connected(string(RoleServer))
		s.logger.Info("controller connected", "remote", addrString(conn.RemoteAddr()))
		s.notify.emit(Connected{Remote: conn.RemoteAddr()})
		go s.serve(conn)
	}
}

func (s *Server) serve(conn *Connection) {
	defer conn.finish()
	err := conn.readLoop(func(body []byte) {
		deliverBody(s.notify, RoleServer, s.cfg.Metrics, s.logger, body)
	})

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	ln := s.listener
	s.mu.Unlock()

	reason, local, cause := endReason(err)
	s.cfg.Metrics.Disconnected(string(RoleServer), reason)
	if cause == nil {
		s.logger.Info("controller disconnected", "remote", addrString(conn.RemoteAddr()), "reason", reason)
		s.notify.emit(Disconnected{Remote: conn.RemoteAddr(), Local: local})
		return
	}
	s.logger.Warn("connection lost", "remote", addrString(conn.RemoteAddr()), "error", err)
	s.notify.emit(Disconnected{Remote: conn.RemoteAddr(), Err: cause})
	if ln != nil {
		s.relisten(ln)
	}
}

// relisten closes ln and binds a fresh listener on the same port, so a
// transport failure never leaves the port in an undefined state.
func (s *Server) relisten(ln net.Listener) {
	s.mu.Lock()
	if !s.running || s.listener != ln {
		s.mu.Unlock()
		return
	}
	s.listener = nil
	port := s.port
	s.mu.Unlock()

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("close listener", "error", err)
	}
	next, err := s.bind(context.Background(), port)
	if err != nil {
		s.logger.Error("relisten failed", "port", port, "error", err)
		s.notify.emit(Failure{Err: err})
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = next.Close()
		return
	}
	s.listener = next
	s.mu.Unlock()

	s.cfg.Metrics.Relistened()
	s.logger.Info("relistening", "port", port)
	s.notify.emit(Listening{Port: port, Relisten: true})
	go s.acceptLoop(next)
}
