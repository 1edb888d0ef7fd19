package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/accelforge/offload/internal/config"
	"github.com/accelforge/offload/internal/logger"
)

// appState carries the config and logger built in the app's Before
// hook into the command actions.
type appState struct {
	cfg *config.Config
	log *zap.Logger
}

func main() {
	state := &appState{}

	app := &cli.App{
		Name:  "offloadctl",
		Usage: "Control and exercise the accelerator offload runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the runtime config file",
				EnvVars: []string{"OFFLOAD_CONFIG"},
			},
			&cli.IntFlag{
				Name:  "node",
				Value: -1,
				Usage: "Device node index (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "sim",
				Usage: "Use the simulator device instead of hardware",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if path := c.String("config"); path != "" {
				state.cfg, err = config.LoadConfig(path)
				if err != nil {
					return err
				}
			} else {
				state.cfg = config.Default()
			}
			if node := c.Int("node"); node >= 0 {
				state.cfg.Device.Node = node
			}
			if c.Bool("sim") {
				state.cfg.Device.Simulate = true
			}
			zapLogger, err := logger.New(state.cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			state.log = zapLogger.Named("offloadctl")
			return nil
		},
		Commands: []*cli.Command{
			probeCommand(state),
			callCommand(state),
			selftestCommand(state),
			serveCommand(state),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if state.log != nil {
			state.log.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
