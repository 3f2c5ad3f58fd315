package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"knowledge-agent/handler"
	"knowledge-agent/internal/config"
)

const serveLongDesc string = `Serve the question answering API over HTTP.

Settings and the prompt preamble are watched and reloaded on change; an
invalid edit is logged and the previous configuration stays in force.

Examples:
  knowledge-agent serve
  knowledge-agent serve --addr :9090 --store dynamodb --table kb-state`

type serveCommander struct {
	backend      backendFlags
	addr         string
	ratePerSec   float64
	burst        int
	purgeEvery   time.Duration
	shutdownWait time.Duration
	logger       *slog.Logger
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	cmder := &serveCommander{logger: logger}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context())
		},
	}

	cmder.backend.register(cmd)
	cmd.Flags().StringVar(&cmder.addr, "addr", ":"+envOr("PORT", "8080"), "Listen address")
	cmd.Flags().Float64Var(&cmder.ratePerSec, "rate", envFloat("RATE_LIMIT_PER_SECOND", 5), "Requests per second per client, 0 disables")
	cmd.Flags().IntVar(&cmder.burst, "burst", 10, "Request burst per client")
	cmd.Flags().DurationVar(&cmder.purgeEvery, "purge-interval", 10*time.Minute, "How often expired SQLite cache rows are purged")
	cmd.Flags().DurationVar(&cmder.shutdownWait, "shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	b, err := c.backend.open(ctx, c.logger)
	if err != nil {
		return err
	}
	defer b.close()

	watcher, err := config.NewWatcher(b.source, c.backend.settingsPath, c.backend.promptPath, config.WithWatcherLogger(c.logger))
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("config watcher stopped", "err", err)
		}
	}()
	go b.purgeExpired(ctx, c.purgeEvery, c.logger)

	router, err := handler.NewServer(b.service, handler.ServerConfig{
		RatePerSecond: c.ratePerSec,
		Burst:         c.burst,
		Logger:        c.logger,
	})
	if err != nil {
		return err
	}

	// SSE responses stay open for the whole synthesis; no WriteTimeout.
	srv := &http.Server{
		Addr:              c.addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("Server listening", "addr", srv.Addr, "store", c.backend.store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	c.logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	c.logger.Info("Server stopped successfully")
	return nil
}
