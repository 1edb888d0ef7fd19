package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/accelforge/offload/pkg/offload"
)

func probeCommand(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Boot a device process and report the helper handshake",
		Action: func(c *cli.Context) error {
			p, err := offload.CreateProcess(state.cfg, state.log)
			if err != nil {
				state.log.Error("device process creation failed", zap.Error(err))
				return err
			}
			defer p.Destroy()

			fmt.Printf("device node %d: helper handshake ok\n", state.cfg.Device.Node)
			ctx, err := p.OpenContext()
			if err != nil {
				return err
			}
			fmt.Printf("context state: %s\n", ctx.State())
			return nil
		},
	}
}
