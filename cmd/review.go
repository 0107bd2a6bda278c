package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/diffcritic/pkg/models"
)

// ReviewCommand returns the one-shot review command, meant for CI pipelines
// where the target MR comes from the environment.
func ReviewCommand() *cli.Command {
	return &cli.Command{
		Name:      "review",
		Usage:     "Review one merge request and exit",
		ArgsUsage: "[PROJECT_ID MR_IID]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "project",
				Usage: "Project ID or URL-encoded path",
			},
			&cli.IntFlag{
				Name:  "mr",
				Usage: "Merge request IID",
			},
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Review type: general, security, or performance",
				Value:   "general",
			},
			&cli.StringFlag{
				Name:    "instructions",
				Aliases: []string{"i"},
				Usage:   "Extra instructions passed to the reviewer",
			},
		},
		Action: runReview,
	}
}

func runReview(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	projectID := c.String("project")
	if projectID == "" {
		projectID = cfg.Review.DefaultProjectID
	}
	mrIID := c.Int("mr")
	if mrIID == 0 {
		mrIID = cfg.Review.DefaultMRIID
	}
	if c.NArg() >= 2 {
		projectID = c.Args().Get(0)
		mrIID, err = strconv.Atoi(c.Args().Get(1))
		if err != nil {
			return cli.Exit(fmt.Sprintf("MR_IID must be an integer, got %q", c.Args().Get(1)), 1)
		}
	}
	if projectID == "" || mrIID <= 0 {
		return cli.Exit("missing review target: pass --project and --mr, or set CI_PROJECT_ID and CI_MERGE_REQUEST_IID", 1)
	}

	reviewType := models.ReviewType(c.String("type"))
	switch reviewType {
	case models.ReviewGeneral, models.ReviewSecurity, models.ReviewPerformance:
	default:
		return cli.Exit(fmt.Sprintf("unknown review type %q", c.String("type")), 1)
	}

	app, err := buildApplication(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx := context.Background()
	if cfg.Review.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Review.Timeout())
		defer cancel()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ref := models.MergeRequestRef{ProjectID: projectID, MRIID: mrIID}
	opts := models.ReviewOptions{
		ReviewType:        reviewType,
		ExtraInstructions: c.String("instructions"),
	}
	result, err := app.Orchestrator.Run(ctx, ref, opts, func(stage string, fraction float64) {
		log.Info().Str("stage", stage).Int("percent", int(fraction*100)).Msg("Review progress")
	})
	if err != nil {
		if ctx.Err() != nil {
			return cli.Exit("review interrupted", 130)
		}
		return cli.Exit(fmt.Sprintf("review failed: %v", err), 1)
	}

	stats := result.Stats
	fmt.Printf("Review of %s finished: %s\n", ref, result.Message)
	fmt.Printf("  files reviewed:     %d\n", stats.FilesReviewed)
	fmt.Printf("  chunks processed:   %d (%d failed)\n", stats.ChunksProcessed, stats.ChunksFailed)
	fmt.Printf("  comments published: %d (%d inline, %d fallback)\n",
		stats.CommentsPublished, stats.InlineComments, stats.FallbackComments)
	fmt.Printf("  tokens used:        %d\n", stats.Usage.TotalTokens)
	fmt.Printf("  elapsed:            %s\n", result.ProcessingTime.Round(10*time.Millisecond))
	return nil
}
