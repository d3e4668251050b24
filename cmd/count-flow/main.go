package main

import (
	"fmt"
	"github.com/urfave/cli/v2"
	"os"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "YAML config file, overrides the environment",
	EnvVars: []string{"COUNT_FLOW_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:  "count-flow",
		Usage: "count-flow counts entity increments across a fleet and celebrates completions",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			serveCommand,
			countCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
