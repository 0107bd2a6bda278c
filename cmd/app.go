// Package cmd defines the CLI commands: the long-running server, the
// one-shot review for CI pipelines, and configuration helpers.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/diffcritic/internal/config"
	"github.com/diffcritic/internal/dedup"
	"github.com/diffcritic/internal/gitlab"
	"github.com/diffcritic/internal/llm"
	"github.com/diffcritic/internal/logging"
	"github.com/diffcritic/internal/review"
	"github.com/diffcritic/internal/tasks"
)

// application holds the wired components shared by the server and the
// one-shot review command.
type application struct {
	Config       *config.Config
	Forge        *gitlab.Client
	Orchestrator *review.Orchestrator
	Supervisor   *tasks.Supervisor
	Commits      *dedup.CommitTracker
	Bot          dedup.BotIdentity
}

// loadConfig layers the optional .env file, the TOML file, and the
// environment, then configures logging from the result.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if envFile := c.String("env-file"); envFile != "" {
		if err := godotenv.Overload(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.Bool("verbose") {
		cfg.Log.Level = "debug"
	}
	logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	return cfg, nil
}

func buildApplication(cfg *config.Config) (*application, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	forge := gitlab.NewClient(cfg.GitLab, cfg.Retry)
	analyzer, err := llm.NewClient(cfg.GLM, cfg.Retry)
	if err != nil {
		return nil, err
	}

	var commits *dedup.CommitTracker
	if cfg.Dedup.Enabled {
		commits = dedup.NewCommitTracker(cfg.Dedup.CommitTTL())
	}

	bot := resolveBotIdentity(forge, cfg)
	orchestrator := review.NewOrchestrator(forge, analyzer, commits, bot, cfg)

	return &application{
		Config:       cfg,
		Forge:        forge,
		Orchestrator: orchestrator,
		Supervisor:   tasks.NewSupervisor(orchestrator, commits, cfg.Review),
		Commits:      commits,
		Bot:          bot,
	}, nil
}

// resolveBotIdentity asks GitLab who the token belongs to. Comment cleanup
// needs it to tell the bot's notes from everyone else's; when the call fails
// the configured username still allows matching by name.
func resolveBotIdentity(forge *gitlab.Client, cfg *config.Config) dedup.BotIdentity {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, err := forge.CurrentUser(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not resolve bot identity, matching by configured username only")
		return dedup.BotIdentity{Username: cfg.Dedup.BotUsername}
	}

	username := cfg.Dedup.BotUsername
	if username == "" {
		username = user.Username
	}
	log.Info().Int("user_id", user.ID).Str("username", username).Msg("Resolved bot identity")
	return dedup.BotIdentity{ID: user.ID, Username: username}
}
