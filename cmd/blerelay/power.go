package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/chaz8081/blerelay/internal/transport"
)

func powerCommand() *cli.Command {
	return &cli.Command{
		Name:      "power",
		Usage:     "Show or switch the adapter power (classic backend).",
		ArgsUsage: "on|off|status",
		Action: func(cliCtx *cli.Context) error {
			cfg, err := loadConfig(cliCtx)
			if err != nil {
				return err
			}
			tr, err := newTransport(cfg)
			if err != nil {
				return err
			}
			pc, ok := tr.(transport.PowerController)
			if !ok {
				return fmt.Errorf("%w: %s backend cannot switch adapter power", transport.ErrNotSupported, tr.Kind())
			}

			ctx := cliCtx.Context
			switch arg := cliCtx.Args().First(); arg {
			case "on", "off":
				if err := pc.SetPowered(ctx, arg == "on"); err != nil {
					return err
				}
				printInfo("adapter powered " + arg)
				return nil
			case "", "status":
				on, err := pc.Powered(ctx)
				if err != nil {
					return err
				}
				if on {
					printInfo("adapter is powered on")
				} else {
					printWarn("adapter is powered off")
				}
				return nil
			default:
				return fmt.Errorf("unknown power argument %q, want on, off or status", arg)
			}
		},
	}
}
