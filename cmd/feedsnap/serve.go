package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/feedsnap/api"
	"github.com/use-agent/feedsnap/capture"
	"github.com/use-agent/feedsnap/scraper"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			// ── 1. Configuration and logging ──
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			slog.Info("feedsnap starting",
				"host", cfg.Server.Host,
				"port", cfg.Server.Port,
				"mode", cfg.Server.Mode,
				"landing", cfg.Capture.LandingURL,
			)

			// ── 2. Browser ──
			browser, err := scraper.Launch(cfg.Browser)
			if err != nil {
				return err
			}
			defer browser.Close()

			// ── 3. Runner and router ──
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner := capture.NewRunner(cfg, sessionLauncher(browser, cfg), mailer(cfg), nil)
			router := api.NewRouter(ctx, runner, browser.Stats, cfg, time.Now())

			// ── 4. HTTP server ──
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			srv := &http.Server{
				Addr:              addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				slog.Info("HTTP server listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			// ── 5. Graceful shutdown ──
			select {
			case err := <-errc:
				return fmt.Errorf("HTTP server error: %w", err)
			case <-ctx.Done():
				slog.Info("shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("HTTP server forced shutdown", "error", err)
			} else {
				slog.Info("HTTP server drained gracefully")
			}
			runner.Wait()

			slog.Info("feedsnap stopped")
			return nil
		},
	}
}
