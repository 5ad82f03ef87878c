package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/go-rhvoice/internal/server"
	"github.com/example/go-rhvoice/internal/telemetry"
	"github.com/example/go-rhvoice/internal/tts"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the RHVoice HTTP server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			logger := slog.Default()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tel, err := telemetry.Setup("rhvoice", buildVersion(), logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
				}
			}()

			svc, err := tts.NewService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Join(); err != nil {
					logger.Warn("stop workers", slog.String("error", err.Error()))
				}
			}()

			srv := server.New(cfg, svc).
				WithMetrics(tel.Handler).
				WithLogger(logger)

			return srv.Start(ctx)
		},
	}

	return cmd
}
