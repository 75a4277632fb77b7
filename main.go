package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"macremote/config"
)

// Version is set at build time: -ldflags "-X main.Version=1.2.3"
var Version string

type options struct {
	configPath string
	verbose    bool
}

func main() {
	gin.SetMode(gin.ReleaseMode)

	var opts options
	rootCmd := &cobra.Command{
		Use:   "macremote",
		Short: "Discover and remote-control devices on the local network",
		Long: `macremote advertises a controllable device on the local network
(serve), finds such devices (browse), and sends them text or
structured remote-control events (send, control).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $MACREMOTE_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		serveCmd(&opts),
		browseCmd(&opts),
		sendCmd(&opts),
		controlCmd(&opts),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// load reads the config and installs the default logger.
func (o *options) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func version(cfg *config.Config) string {
	if cfg != nil && cfg.Version != "" {
		return cfg.Version
	}
	if Version != "" {
		return Version
	}
	return "0.0.0"
}
