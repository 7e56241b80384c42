//go:build linux

package main

import (
	"os"

	"github.com/moby/sys/reexec"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	if reexec.Init() {
		return
	}
	app := cli.NewApp()
	app.Name = "relro"
	app.Usage = "shared RELRO library loader"
	app.Description = "load a shared library in many processes sharing its relocated read-only segment"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
	}
	app.Before = func(ctx *cli.Context) error {
		if ctx.Bool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:   "maps",
			Action: maps,
			Usage:  "display the memory map of a process",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "pid", Aliases: []string{"p"}, Usage: "process id or default self"},
				&cli.StringFlag{Name: "filter", Aliases: []string{"f"}, Usage: "only mappings whose path contains the value"},
				&cli.StringFlag{Name: "reserve", Aliases: []string{"r"}, Usage: "reserve and name a region of this size first, as an ancestor does"},
				&cli.StringFlag{Name: "name", Value: "[anon:relro-reservation]", Usage: "name of the reserved region"},
			},
		},
		{
			Name:      "inspect",
			Action:    inspect,
			Usage:     "display the load span and RELRO segment of shared libraries",
			ArgsUsage: "<library>...",
			Args:      true,
		},
		{
			Name:      "symbols",
			Action:    symbols,
			Usage:     "display symbols of go objfile or go archive file",
			ArgsUsage: "<objfile>...",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
			},
			Args: true,
		},
		{
			Name:      "share",
			Action:    share,
			Usage:     "load a library here and in child processes which consume its RELRO",
			ArgsUsage: "<library>",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "children", Aliases: []string{"n"}, Value: 2},
				&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file"},
				&cli.StringFlag{Name: "strategy", Aliases: []string{"s"}, Usage: "blocking or nonblocking, overrides the config"},
			},
			Args: true,
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("failure %s", err)
	}
}
