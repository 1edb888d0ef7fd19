package main

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/accelforge/offload/pkg/offload"
)

func callCommand(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "call",
		Usage: "Load a device library and call one of its functions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "lib", Required: true, Usage: "Device library to load"},
			&cli.StringFlag{Name: "sym", Required: true, Usage: "Symbol to call"},
			&cli.Int64SliceFlag{Name: "arg", Usage: "Integer argument (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			p, err := offload.CreateProcess(state.cfg, state.log)
			if err != nil {
				return err
			}
			defer p.Destroy()

			lib, err := p.LoadLibrary(c.String("lib"))
			if err != nil {
				return err
			}
			if lib == 0 {
				return errors.Errorf("device could not load %q", c.String("lib"))
			}

			ctx, err := p.OpenContext()
			if err != nil {
				return err
			}

			args := p.NewArgs()
			for i, v := range c.Int64Slice("arg") {
				if err := args.SetI64(i, v); err != nil {
					return err
				}
			}
			id := ctx.CallAsyncByName(lib, c.String("sym"), args)
			if id == offload.InvalidRequestID {
				return errors.Errorf("submission of %q failed", c.String("sym"))
			}
			rv, status := ctx.WaitResult(id)
			if status != offload.StatusOK {
				return errors.Errorf("call finished with status %s (retval %#x)", status, rv)
			}
			fmt.Println(strconv.FormatUint(rv, 10))
			return nil
		},
	}
}
