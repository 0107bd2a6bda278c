package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/diffcritic/internal/config"
)

// ConfigCommand returns the config scaffolding and inspection commands.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a starter configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "diffcritic.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the effective configuration",
				Action: runConfigValidate,
			},
			{
				Name:   "show",
				Usage:  "Print the effective configuration with secrets masked",
				Action: runConfigShow,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	path := c.String("output")
	if err := config.WriteSample(path); err != nil {
		return cli.Exit(fmt.Sprintf("failed to write config: %v", err), 1)
	}
	fmt.Printf("Created configuration file at %s\n", path)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := config.Validate(cfg); err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), 1)
	}
	fmt.Println("Configuration is valid")
	return nil
}

func runConfigShow(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	fmt.Printf("gitlab.api_url              = %s\n", cfg.GitLab.APIURL)
	fmt.Printf("gitlab.token                = %s\n", maskSecret(cfg.GitLab.Token))
	fmt.Printf("glm.api_url                 = %s\n", cfg.GLM.APIURL)
	fmt.Printf("glm.api_key                 = %s\n", maskSecret(cfg.GLM.APIKey))
	fmt.Printf("glm.model                   = %s\n", cfg.GLM.Model)
	fmt.Printf("review.max_concurrent       = %d\n", cfg.Review.MaxConcurrentReviews)
	fmt.Printf("review.concurrent_glm       = %d\n", cfg.Review.ConcurrentGLMRequests)
	fmt.Printf("review.timeout_seconds      = %d\n", cfg.Review.TimeoutSeconds)
	fmt.Printf("chunk.max_chunks            = %d\n", cfg.Chunk.MaxChunks)
	fmt.Printf("chunk.max_chunk_tokens      = %d\n", cfg.Chunk.MaxChunkTokens)
	fmt.Printf("webhook.enabled             = %t\n", cfg.Webhook.Enabled)
	fmt.Printf("webhook.secret              = %s\n", maskSecret(cfg.Webhook.Secret))
	fmt.Printf("webhook.trigger_actions     = %v\n", cfg.Webhook.TriggerActions)
	fmt.Printf("dedup.enabled               = %t\n", cfg.Dedup.Enabled)
	fmt.Printf("dedup.commit_ttl_seconds    = %d\n", cfg.Dedup.CommitTTLSeconds)
	fmt.Printf("server.port                 = %d\n", cfg.Server.Port)
	fmt.Printf("server.shutdown_grace       = %d\n", cfg.Server.ShutdownGraceSeconds)
	fmt.Printf("log.level                   = %s\n", cfg.Log.Level)
	return nil
}

// maskSecret keeps only the edges of a credential for display.
func maskSecret(value string) string {
	if value == "" {
		return "(not set)"
	}
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
