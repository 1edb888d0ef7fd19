package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/accelforge/offload/internal/selftest"
)

func selftestCommand(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "selftest",
		Usage: "Run the gonum-verified matrix multiply on the simulator device",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "size", Value: 64, Usage: "Matrix dimension"},
		},
		Action: func(c *cli.Context) error {
			if err := selftest.Run(c.Int("size"), state.log); err != nil {
				return err
			}
			fmt.Println("selftest ok")
			return nil
		},
	}
}
