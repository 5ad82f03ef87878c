package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/example/go-rhvoice/internal/bus"
	"github.com/example/go-rhvoice/internal/transport"
	"github.com/example/go-rhvoice/internal/tts"
	"github.com/example/go-rhvoice/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var id int

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve one synthesis worker over NATS (started by serve in process mode)",
		Hidden: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if id < 1 {
				return fmt.Errorf("--worker-id must be positive, got %d", id)
			}
			if cfg.NATS.URL == "" {
				return errors.New("worker needs nats.url")
			}
			logger := slog.Default()

			factory, err := tts.EngineFactory(cfg.Engine, logger)
			if err != nil {
				return err
			}
			encoders := tts.DetectEncoders(cfg.Encoders, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := bus.Connect(ctx, cfg.NATS.URL, fmt.Sprintf("rhvoice-worker-%d", id), logger)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			return worker.ServeProcess(ctx, id, factory, tts.WorkerOptions(cfg, encoders),
				transport.NATSOptions{Conn: conn.NC, JS: conn.JS, Prefix: cfg.NATS.Prefix}, logger)
		},
	}

	cmd.Flags().IntVar(&id, "worker-id", 0, "Worker slot served by this process")

	return cmd
}
