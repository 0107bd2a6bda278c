package cmd

import (
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/diffcritic/internal/api"
)

// ServeCommand returns the command that runs the webhook and REST server.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the review service",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Override the HTTP listen port",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if port := c.Int("port"); port != 0 {
		cfg.Server.Port = port
	}

	app, err := buildApplication(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	server := api.NewServer(cfg, app.Supervisor, app.Commits, app.Bot, app.Forge)
	if err := server.Run(); err != nil {
		var interrupted *api.InterruptedError
		if errors.As(err, &interrupted) {
			return cli.Exit("", 130)
		}
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
