package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"macremote/config"
	"macremote/discovery"
	"macremote/event"
	"macremote/hostinfo"
	"macremote/metrics"
	"macremote/remote"
	"macremote/server"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// newMechanism opens the configured discovery backend.
func newMechanism(ctx context.Context, cfg *config.Config, logger *slog.Logger) (discovery.Mechanism, func(), error) {
	if cfg.Mechanism == config.MechanismMDNS {
		return &discovery.Zeroconf{Logger: logger}, func() {}, nil
	}
	u, err := discovery.ListenUDP(ctx, discovery.UDPConfig{
		Port:               cfg.DiscoveryUDPPort,
		BroadcastAddresses: cfg.DiscoveryBroadcastAddresses,
		QueryInterval:      cfg.QueryInterval(),
		StaleTimeout:       cfg.StaleTimeout(),
		HostAddresses:      hostinfo.IPv4Addresses,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, err
	}
	go u.Run()
	return u, func() { u.Close() }, nil
}

func newClient(cfg *config.Config, mech discovery.Mechanism, handler remote.Handler, m *metrics.Metrics, logger *slog.Logger) *remote.Client {
	return remote.NewClient(remote.ClientConfig{
		Watcher:              mech,
		Resolver:             mech,
		ServiceType:          cfg.ServiceType,
		Domain:               cfg.Domain,
		ResolveTimeout:       cfg.ResolveTimeout(),
		ConnectTimeout:       cfg.ConnectTimeout(),
		MaxFrameSize:         cfg.MaxFrameSize,
		MaxSearchRestarts:    cfg.SearchMaxRestarts,
		SearchRestartBackoff: cfg.SearchRestartBackoff(),
		Handler:              handler,
		Metrics:              m,
		Logger:               logger,
	})
}

// logNotification writes received payloads and failures to the log.
func logNotification(logger *slog.Logger) remote.Handler {
	return func(n remote.Notification) {
		switch n := n.(type) {
		case remote.TextReceived:
			logger.Info("text received", "text", n.Text)
		case remote.EventReceived:
			logger.Info("event received", "type", n.Event.Type.String(), "message", n.Event.Message)
		case remote.Failure:
			logger.Warn("failure", "error", n.Err)
		}
	}
}

func fanOut(handlers ...remote.Handler) remote.Handler {
	return func(n remote.Notification) {
		for _, h := range handlers {
			h(n)
		}
	}
}

func serveControl(ctx context.Context, addr string, srv *server.Server, logger *slog.Logger) {
	if addr == "" {
		return
	}
	go func() {
		if err := srv.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("control API stopped", "error", err)
		}
	}()
}

func serveCmd(opts *options) *cobra.Command {
	var (
		port    int
		name    string
		control string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Advertise this device and accept a remote controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.ListenPort = port
			}
			if name != "" {
				cfg.DeviceName = name
			}
			if cmd.Flags().Changed("control") {
				cfg.ControlListen = control
			}

			ctx, stop := signalContext()
			defer stop()

			mech, closeMech, err := newMechanism(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeMech()

			reg := prometheus.NewRegistry()
			m := metrics.New(metrics.Config{Registry: reg})
			hub := server.NewHub(logger)
			deviceName := hostinfo.DisplayName(cfg.DeviceName)

			dev := remote.NewServer(remote.ServerConfig{
				Publisher:    mech,
				Name:         deviceName,
				ServiceType:  cfg.ServiceType,
				Domain:       cfg.Domain,
				MaxFrameSize: cfg.MaxFrameSize,
				Handler:      fanOut(hub.Handle, logNotification(logger)),
				Metrics:      m,
				Logger:       logger,
			})
			if err := dev.StartBroadcast(ctx, uint16(cfg.ListenPort)); err != nil {
				if !remote.IsKind(err, remote.KindPublish) {
					return err
				}
				logger.Warn("serving without advertisement", "error", err)
			}
			defer dev.StopBroadcast()

			api := server.New(server.Config{
				Device:     dev,
				Hub:        hub,
				DeviceName: deviceName,
				Version:    version(cfg),
				Gatherer:   reg,
				Logger:     logger,
			})
			serveControl(ctx, cfg.ControlListen, api, logger)

			logger.Info("serving", "name", deviceName, "port", dev.Port(), "mechanism", cfg.Mechanism)
			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on (0 picks one)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "advertised device name")
	cmd.Flags().StringVar(&control, "control", "", "control API address (empty disables)")
	return cmd
}

func browseCmd(opts *options) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "List controllable devices on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			mech, closeMech, err := newMechanism(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeMech()

			client := newClient(cfg, mech, logNotification(logger), nil, logger)
			if err := client.StartSearch(); err != nil {
				return err
			}
			<-ctx.Done()
			client.StopSearch()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPORT\tADDRESSES")
			for _, svc := range client.Services() {
				fmt.Fprintf(w, "%s\t%d\t%v\n", svc.Name, svc.Port, svc.Addresses)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "how long to browse (0 waits for a signal)")
	return cmd
}

func sendCmd(opts *options) *cobra.Command {
	var (
		eventName string
		message   string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <device> [text]",
		Short: "Send text or a remote-control event to a device",
		Example: `  macremote send "Living Room" hello
  macremote send "Living Room" --event sound-up
  macremote send "Living Room" --event key-down --message a`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := sendBody(args[1:], eventName, message)
			if err != nil {
				return err
			}
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			mech, closeMech, err := newMechanism(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeMech()

			found := make(chan discovery.ServiceDescriptor, 1)
			handler := func(n remote.Notification) {
				sc, ok := n.(remote.ServicesChanged)
				if !ok {
					return
				}
				for _, svc := range sc.Services {
					if svc.Name == args[0] {
						select {
						case found <- svc:
						default:
						}
					}
				}
			}
			client := newClient(cfg, mech, fanOut(handler, logNotification(logger)), nil, logger)
			defer client.Close()
			if err := client.StartSearch(); err != nil {
				return err
			}

			var svc discovery.ServiceDescriptor
			select {
			case svc = <-found:
			case <-ctx.Done():
				return fmt.Errorf("device %q not found: %w", args[0], ctx.Err())
			}
			client.StopSearch()

			if _, err := client.Connect(ctx, svc); err != nil {
				return err
			}
			if err := client.Send(body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes to %s\n", len(body), svc.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&eventName, "event", "e", "", "event type, e.g. sound-up, mouse-click, zoom-in")
	cmd.Flags().StringVarP(&message, "message", "m", "", "event message")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "overall timeout")
	return cmd
}

// sendBody builds the frame body from a text argument or an event flag.
func sendBody(text []string, eventName, message string) ([]byte, error) {
	switch {
	case eventName != "" && len(text) > 0:
		return nil, errors.New("give either text or --event, not both")
	case eventName != "":
		t, err := event.ParseType(eventName)
		if err != nil {
			return nil, err
		}
		return event.Encode(event.New(t, message))
	case len(text) > 0:
		return []byte(text[0]), nil
	}
	return nil, errors.New("nothing to send: give text or --event")
}

func controlCmd(opts *options) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Run the controller with its HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ControlListen = listen
			}
			if cfg.ControlListen == "" {
				return errors.New("control_listen is empty")
			}
			ctx, stop := signalContext()
			defer stop()

			mech, closeMech, err := newMechanism(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeMech()

			reg := prometheus.NewRegistry()
			m := metrics.New(metrics.Config{Registry: reg})
			hub := server.NewHub(logger)
			client := newClient(cfg, mech, fanOut(hub.Handle, logNotification(logger)), m, logger)
			defer client.Close()
			if err := client.StartSearch(); err != nil {
				return err
			}

			api := server.New(server.Config{
				Controller: client,
				Hub:        hub,
				DeviceName: hostinfo.DisplayName(cfg.DeviceName),
				Version:    version(cfg),
				Gatherer:   reg,
				Logger:     logger,
			})
			err = api.ListenAndServe(ctx, cfg.ControlListen)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "control API address (default from config)")
	return cmd
}

func versionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version(nil)
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "macremote %s\n", v)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")
	return cmd
}

