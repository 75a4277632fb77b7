// Package server is the local HTTP control API. It exposes the caller
// operations of the controller role (search, connect, send, disconnect)
// and streams notifications to browser or script clients.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"macremote/discovery"
	"macremote/event"
	"macremote/hostinfo"
	"macremote/remote"
)

const (
	sseNoCache   = "no-cache"
	sseKeepAlive = "keep-alive"

	statusSuccess = "success"
	statusFail    = "fail"
)

// APIResponse is the common API response shape (status + data).
type APIResponse struct {
	Status string `json:"status"` // "success" or "fail"
	Data   any    `json:"data"`
}

// Controller is the controller-role surface the API drives.
// *remote.Client satisfies it.
type Controller interface {
	StartSearch() error
	StopSearch()
	Searching() bool
	Services() []discovery.ServiceDescriptor
	Lookup(name string) (discovery.ServiceDescriptor, bool)
	Connect(ctx context.Context, service discovery.ServiceDescriptor) (remote.State, error)
	Disconnect()
	Send(body []byte) error
	State() remote.State
	Service() (discovery.ServiceDescriptor, bool)
}

// Device is the controlled-device surface reported by /status.
// *remote.Server satisfies it.
type Device interface {
	Port() uint16
	Listening() bool
	Connected() bool
}

// Config for Server.
type Config struct {
	APIPrefix  string
	Controller Controller
	Device     Device
	Hub        *Hub
	DeviceName string
	Version    string
	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer.
	Gatherer     prometheus.Gatherer
	AllowOrigins []string
	Logger       *slog.Logger
}

// Server runs the control API.
type Server struct {
	apiPrefix  string
	controller Controller
	device     Device
	hub        *Hub
	deviceName string
	version    string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	engine     *gin.Engine
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		apiPrefix:  strings.TrimSuffix(cfg.APIPrefix, "/"),
		controller: cfg.Controller,
		device:     cfg.Device,
		hub:        cfg.Hub,
		deviceName: cfg.DeviceName,
		version:    cfg.Version,
		logger:     cfg.Logger.With("component", "control"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.engine = s.routes(cfg)
	return s
}

func (s *Server) routes(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	r.Use(cors.New(corsCfg))

	api := r.Group(s.apiPrefix)
	api.GET("/self", s.handleSelf)
	api.GET("/status", s.handleStatus)
	api.GET("/ws", s.handleWebSocket)

	ctl := api.Group("", s.requireController)
	ctl.GET("/services", s.handleServices)
	ctl.GET("/services/stream", s.handleServicesStream)
	ctl.POST("/search/start", s.handleSearchStart)
	ctl.POST("/search/stop", s.handleSearchStop)
	ctl.POST("/connect", s.handleConnect)
	ctl.POST("/disconnect", s.handleDisconnect)
	ctl.POST("/send", s.handleSend)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	r.NoRoute(func(c *gin.Context) {
		s.send(c, statusFail, "not found", http.StatusNotFound)
	})
	return r
}

// Handler returns the http.Handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the notification hub; register Hub().Handle as the
// remote.Handler of the managed roles.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("control request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) requireController(c *gin.Context) {
	if s.controller == nil {
		s.send(c, statusFail, errNoController.Error(), http.StatusServiceUnavailable)
		c.Abort()
		return
	}
	c.Next()
}

type selfResponse struct {
	hostinfo.Info
	Version string `json:"version"`
}

func (s *Server) handleSelf(c *gin.Context) {
	s.send(c, statusSuccess, selfResponse{Info: hostinfo.Get(s.deviceName), Version: s.version}, http.StatusOK)
}

type deviceStatus struct {
	Listening bool   `json:"listening"`
	Port      uint16 `json:"port"`
	Connected bool   `json:"connected"`
}

type statusResponse struct {
	State     string                       `json:"state,omitempty"`
	Service   *discovery.ServiceDescriptor `json:"service,omitempty"`
	Searching bool                         `json:"searching"`
	Services  int                          `json:"services"`
	Device    *deviceStatus                `json:"device,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	var resp statusResponse
	if s.controller != nil {
		resp.State = s.controller.State().String()
		if svc, ok := s.controller.Service(); ok {
			resp.Service = &svc
		}
		resp.Searching = s.controller.Searching()
		resp.Services = len(s.controller.Services())
	}
	if s.device != nil {
		resp.Device = &deviceStatus{
			Listening: s.device.Listening(),
			Port:      s.device.Port(),
			Connected: s.device.Connected(),
		}
	}
	s.send(c, statusSuccess, resp, http.StatusOK)
}

func (s *Server) handleServices(c *gin.Context) {
	list := nonNil(s.controller.Services())
	s.logger.Debug("services API: returning services", "count", len(list))
	s.send(c, statusSuccess, list, http.StatusOK)
}

// handleServicesStream sends the current set, then every change, as
// server-sent events until the client goes away.
func (s *Server) handleServicesStream(c *gin.Context) {
	msgs, cancel := s.hub.Subscribe()
	defer cancel()

	c.Header("Cache-Control", sseNoCache)
	c.Header("Connection", sseKeepAlive)
	c.SSEvent("services", servicesPayload{Services: nonNil(s.controller.Services())})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-msgs:
			if !ok {
				return false
			}
			if msg.Type == TypeServicesChanged {
				c.SSEvent("services", msg.Data)
			}
			return true
		}
	})
}

func (s *Server) handleSearchStart(c *gin.Context) {
	if err := s.controller.StartSearch(); err != nil {
		s.fail(c, err)
		return
	}
	s.send(c, statusSuccess, gin.H{"searching": true}, http.StatusOK)
}

func (s *Server) handleSearchStop(c *gin.Context) {
	s.controller.StopSearch()
	s.send(c, statusSuccess, gin.H{"searching": false}, http.StatusOK)
}

type connectRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.send(c, statusFail, err.Error(), http.StatusBadRequest)
		return
	}
	svc, ok := s.controller.Lookup(req.Name)
	if !ok {
		s.send(c, statusFail, "service not found: "+req.Name, http.StatusNotFound)
		return
	}
	state, err := s.controller.Connect(c.Request.Context(), svc)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.send(c, statusSuccess, gin.H{"state": state.String()}, http.StatusOK)
}

func (s *Server) handleDisconnect(c *gin.Context) {
	s.controller.Disconnect()
	s.send(c, statusSuccess, gin.H{"state": s.controller.State().String()}, http.StatusOK)
}

// sendRequest carries exactly one of a text, an event, or raw bytes.
type sendRequest struct {
	Text  *string      `json:"text,omitempty"`
	Event *event.Event `json:"event,omitempty"`
	Body  []byte       `json:"body,omitempty"`
}

var errSendShape = errors.New("exactly one of text, event or body is required")

func (r sendRequest) payload() ([]byte, error) {
	n := 0
	if r.Text != nil {
		n++
	}
	if r.Event != nil {
		n++
	}
	if r.Body != nil {
		n++
	}
	if n != 1 {
		return nil, errSendShape
	}
	switch {
	case r.Text != nil:
		return []byte(*r.Text), nil
	case r.Event != nil:
		return event.Encode(*r.Event)
	}
	return r.Body, nil
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.send(c, statusFail, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := req.payload()
	if err != nil {
		s.send(c, statusFail, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.controller.Send(body); err != nil {
		s.fail(c, err)
		return
	}
	s.send(c, statusSuccess, gin.H{"bytes": len(body)}, http.StatusOK)
}

// fail reports a protocol error with a status code for its kind.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	var re *remote.Error
	if errors.As(err, &re) {
		switch re.Kind {
		case remote.KindSend:
			code = http.StatusConflict
		case remote.KindResolve, remote.KindConnect, remote.KindTransport:
			code = http.StatusBadGateway
		case remote.KindDiscovery:
			code = http.StatusServiceUnavailable
		}
	}
	s.logger.Warn("control request failed", "path", c.Request.URL.Path, "error", err)
	s.send(c, statusFail, newErrorPayload(err), code)
}

func (s *Server) send(c *gin.Context, status string, data any, code int) {
	c.JSON(code, APIResponse{Status: status, Data: data})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
