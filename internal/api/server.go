// Package api exposes the HTTP surface: webhook intake, manual review
// triggers, task queries, and the health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/diffcritic/internal/config"
	"github.com/diffcritic/internal/dedup"
	"github.com/diffcritic/internal/tasks"
)

// InterruptedError reports that the server stopped because of a signal, so
// the caller can exit with the conventional code for that signal.
type InterruptedError struct {
	Signal os.Signal
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted by %s", e.Signal)
}

// Server wires the handlers into an echo instance.
type Server struct {
	echo       *echo.Echo
	cfg        *config.Config
	supervisor *tasks.Supervisor
	started    time.Time
}

// NewServer builds the HTTP server and registers all routes. forge may be a
// full GitLab client or any smaller implementation of DiscussionResolver.
func NewServer(cfg *config.Config, supervisor *tasks.Supervisor, commits *dedup.CommitTracker, bot dedup.BotIdentity, forge DiscussionResolver) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:       e,
		cfg:        cfg,
		supervisor: supervisor,
		started:    time.Now(),
	}

	webhooks := NewWebhookHandler(cfg.Webhook, cfg.Dedup, supervisor, commits, bot, forge)

	e.POST("/webhook", webhooks.Handle)
	e.POST("/reviews", s.createReview)
	e.GET("/reviews", s.listReviews)
	e.GET("/reviews/:task_id", s.getReview)
	e.GET("/status", s.status)
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Run starts the listener and blocks until a signal arrives or the listener
// fails. On a signal it drains the supervisor within the configured grace
// period before closing the listener, and returns an InterruptedError.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		s.supervisor.Shutdown(s.cfg.Server.ShutdownGrace())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown did not finish cleanly")
		}
		return &InterruptedError{Signal: sig}
	}
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tasks":          s.supervisor.Stats(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
