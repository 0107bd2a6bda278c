package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/diffcritic/cmd"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "diffcritic",
		Usage:   "Automated merge request review service for GitLab",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading configuration",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Force debug-level logging",
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.ReviewCommand(),
			cmd.ConfigCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
