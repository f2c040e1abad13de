package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/blerelay/internal/config"
	"github.com/chaz8081/blerelay/internal/session"
	"github.com/chaz8081/blerelay/internal/sink"
)

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:      "connect",
		Usage:     "Connect to a device and relay its data.",
		ArgsUsage: "[device id or name]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "scan-timeout",
				Usage: "How long to look for the device before giving up.",
				Value: 30 * time.Second,
			},
		},
		Action: func(cliCtx *cli.Context) error {
			cfg, err := loadConfig(cliCtx)
			if err != nil {
				return err
			}

			target := cliCtx.Args().First()
			if target == "" {
				target = cfg.Session.Device
			}
			if target == "" {
				return errors.New("no device given; pass an id or name, or set session.device")
			}

			ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runRelay(ctx, cfg, target, cliCtx.Duration("scan-timeout"), os.Stdin)
		},
	}
}

// runRelay finds target, connects, and relays until ctx is done or the
// connection fails.
func runRelay(ctx context.Context, cfg *config.Config, target string, scanTimeout time.Duration, input io.Reader) error {
	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}

	remote, err := newRemoteSink(cfg)
	if err != nil {
		return err
	}

	sinks := sink.Multi{newConsoleSink()}
	if remote != nil {
		sinks = append(sinks, remote)
	}
	var hub *sink.Hub
	if cfg.Live.Enabled {
		hub = sink.NewHub()
		sinks = append(sinks, hub)
	}

	sess := session.New(tr, sinks, sessionOptions(cfg))
	defer func() {
		_ = sess.Disconnect()
		sess.Wait()
	}()

	scanCtx, cancelScan := context.WithTimeout(ctx, scanTimeout)
	found, err := discover(scanCtx, sess, matchDevice(target))
	cancelScan()
	if err != nil {
		return err
	}
	var id string
	for _, d := range found {
		if matchDevice(target)(d) {
			id = d.ID
			break
		}
	}
	if id == "" {
		return fmt.Errorf("device %q not found", target)
	}

	if err := sess.Select(ctx, id); err != nil {
		drainNotices(sess)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchNotices(gctx, sess)
	})

	lines := readLines(input)
	g.Go(func() error {
		return sendLines(gctx, sess, lines)
	})

	if hub != nil {
		g.Go(func() error {
			return hub.Serve(gctx, cfg.Live.Addr)
		})
	}

	if cfg.Location.Enabled {
		loc := cfg.Location
		reporter := sink.NewLocationReporter(sinks, loc.Lat, loc.Lon, loc.Email, loc.Interval)
		g.Go(func() error {
			return reporter.Run(gctx)
		})
	}

	return g.Wait()
}

// watchNotices prints notices until ctx is done. It returns the session
// error once the connection has failed.
func watchNotices(ctx context.Context, sess *session.Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-sess.Notices():
			printNotice(n)
			if sess.State() == session.Failed {
				return sess.Err()
			}
		}
	}
}

// drainNotices prints whatever notices are already queued.
func drainNotices(sess *session.Session) {
	for {
		select {
		case n := <-sess.Notices():
			printNotice(n)
		default:
			return
		}
	}
}

// readLines feeds input lines to a channel that closes at EOF. The reader
// goroutine is not stopped; it ends with the process.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}

// sendLines writes each non-empty line to the device. Write errors are
// printed and sending continues.
func sendLines(ctx context.Context, sess *session.Session, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				slog.Debug("[SESSION] input closed, sending disabled")
				return nil
			}
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if err := sess.Send(line); err != nil {
				printError(err)
			}
		}
	}
}
