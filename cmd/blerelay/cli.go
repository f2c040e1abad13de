package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chaz8081/blerelay/internal/config"
	"github.com/chaz8081/blerelay/internal/protocol"
	"github.com/chaz8081/blerelay/internal/session"
	"github.com/chaz8081/blerelay/internal/sink"
	"github.com/chaz8081/blerelay/internal/transport"
)

// These values are set at compile-time.
var (
	Version  = "dev"
	Revision = "unknown"
)

// Run runs the commandline application.
func Run(args []string) error {
	return newApp().Run(args)
}

func newApp() *cli.App {
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Fprintf(cCtx.App.Writer, "%s (%s)\n", Version, Revision)
	}

	return &cli.App{
		Name:                 "blerelay",
		Usage:                "Relay data between a Bluetooth peripheral and a remote collector.",
		Version:              Version + " (" + Revision + ")",
		Compiled:             time.Now(),
		EnableBashCompletion: true,
		Suggest:              true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"BLERELAY_CONFIG"},
				Usage:   "Path to the config file.",
				Value:   config.DefaultConfigPath(),
			},
			&cli.StringFlag{
				Name:    "transport",
				Aliases: []string{"t"},
				EnvVars: []string{"BLERELAY_TRANSPORT"},
				Usage:   "Bluetooth backend to use: ble or classic.",
			},
			&cli.StringFlag{
				Name:    "adapter",
				Aliases: []string{"a"},
				EnvVars: []string{"BLERELAY_ADAPTER"},
				Usage:   "Adapter for the classic backend. (For example, hci0)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				EnvVars: []string{"BLERELAY_LOG_LEVEL"},
				Usage:   "Log level: debug, info, warn or error.",
			},
		},
		Commands: []*cli.Command{
			scanCommand(),
			connectCommand(),
			powerCommand(),
			initConfigCommand(),
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}

			printError(err)
		},
	}
}

// loadConfig reads the config file (defaults when it does not exist),
// applies global flag overrides, validates, and installs the logger.
func loadConfig(cliCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(cliCtx.String("config"))
	if err != nil {
		return nil, err
	}

	if v := cliCtx.String("transport"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := cliCtx.String("adapter"); v != "" {
		cfg.Transport.Adapter = v
	}
	if v := cliCtx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BLERELAY_SINK_ENDPOINT"); v != "" {
		cfg.Sink.Endpoint = v
	}
	if v := os.Getenv("BLERELAY_SINK_SECRET"); v != "" {
		cfg.Sink.Secret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	setupLogging(cfg.LogLevel)
	return cfg, nil
}

// setupLogging installs a text handler on stderr at the given level.
func setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newTransport builds the backend named in the config.
func newTransport(cfg *config.Config) (transport.Transport, error) {
	switch transport.Kind(cfg.Transport.Kind) {
	case transport.KindBLE:
		return transport.NewBLETransport(), nil
	case transport.KindClassic:
		opts := transport.DefaultClassicOptions()
		opts.Adapter = cfg.Transport.Adapter
		opts.RFCOMMChannel = cfg.Transport.RFCOMMChannel
		opts.Notify = cfg.Transport.Notify
		return transport.NewClassicTransport(opts), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

// sessionOptions maps the config onto session options.
func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.VendorPrefix = cfg.Session.VendorPrefix
	opts.Encoding = protocol.Encoding(cfg.Session.Encoding)
	opts.PollInterval = cfg.Session.PollInterval
	opts.SettleDelay = cfg.Session.SettleDelay
	opts.ConnectTimeout = cfg.Session.ConnectTimeout
	opts.MaxReadings = cfg.Session.MaxReadings
	opts.AllowUnnamed = cfg.Session.AllowUnnamed
	if cfg.Sink.Timeout > 0 {
		opts.PublishTimeout = cfg.Sink.Timeout
	}
	return opts
}

// newRemoteSink returns the HTTP collector, or nil when none is configured.
func newRemoteSink(cfg *config.Config) (sink.Sink, error) {
	if cfg.Sink.Endpoint == "" {
		return nil, nil
	}
	secret, err := cfg.SinkSecret()
	if err != nil {
		return nil, err
	}
	return sink.NewHTTPSink(cfg.Sink.Endpoint, sink.HTTPOptions{
		Timeout: cfg.Sink.Timeout,
		Secret:  secret,
	})
}

func initConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-config",
		Usage: "Write a default config file if none exists.",
		Action: func(cliCtx *cli.Context) error {
			path, err := config.WriteDefaultAt(cliCtx.String("config"))
			if err != nil {
				return err
			}
			if path == "" {
				printWarn("config already exists at " + cliCtx.String("config"))
				return nil
			}
			printInfo("wrote " + path)
			return nil
		},
	}
}
