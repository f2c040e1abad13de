package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/chaz8081/blerelay/internal/session"
	"github.com/chaz8081/blerelay/internal/transport"
)

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "List nearby devices.",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "duration",
				Aliases: []string{"d"},
				Usage:   "How long to scan.",
				Value:   10 * time.Second,
			},
		},
		Action: func(cliCtx *cli.Context) error {
			cfg, err := loadConfig(cliCtx)
			if err != nil {
				return err
			}
			tr, err := newTransport(cfg)
			if err != nil {
				return err
			}

			sess := session.New(tr, nil, sessionOptions(cfg))
			ctx, cancel := context.WithTimeout(cliCtx.Context, cliCtx.Duration("duration"))
			defer cancel()

			devices, err := discover(ctx, sess, nil)
			if err != nil {
				return err
			}
			_ = sess.StopDiscovery()
			printDevices(os.Stdout, devices, cfg.Session.VendorPrefix)
			return nil
		},
	}
}

// discover runs discovery until ctx is done or match returns true for a
// sighted device. The session is left discovering.
func discover(ctx context.Context, sess *session.Session, match func(transport.Device) bool) ([]transport.Device, error) {
	if err := sess.StartDiscovery(ctx); err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	if stderrIsTerminal() {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetDescription("Scanning"),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sess.Discovered(), nil
		case <-ticker.C:
			found := sess.Discovered()
			if bar != nil {
				bar.Describe(fmt.Sprintf("Scanning, %d found", len(found)))
				_ = bar.Add(1)
			}
			if match == nil {
				continue
			}
			for _, d := range found {
				if match(d) {
					return found, nil
				}
			}
		}
	}
}

// matchDevice matches a device by id or, case-insensitively, by name.
func matchDevice(target string) func(transport.Device) bool {
	return func(d transport.Device) bool {
		return strings.EqualFold(d.ID, target) || (d.Name != "" && strings.EqualFold(d.Name, target))
	}
}

// printDevices writes the discovered devices as a table. Devices whose name
// carries the vendor prefix are marked.
func printDevices(w io.Writer, devices []transport.Device, prefix string) {
	if len(devices) == 0 {
		printWarn("no devices found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRSSI\t")
	for _, d := range devices {
		mark := ""
		if transport.MatchesPrefix(d.Name, prefix) {
			mark = "*"
		}
		rssi := "-"
		if d.RSSI != 0 {
			rssi = fmt.Sprintf("%d", d.RSSI)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.DisplayName(), rssi, mark)
	}
	tw.Flush()
}
