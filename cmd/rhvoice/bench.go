package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/bench"
	"github.com/example/go-rhvoice/internal/tts"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		text         string
		voice        string
		runs         int
		concurrency  int
		format       string
		rtfThreshold float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark pool latency, realtime factor and throughput",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text is required for bench")
			}
			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			svc, err := tts.NewService(cmd.Context(), cfg, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Join() }()

			if concurrency < 1 {
				concurrency = svc.Workers()
			}

			return runBench(cmd.Context(), svc, cmd.OutOrStdout(), benchOptions{
				Text:         text,
				Voice:        voice,
				Runs:         runs,
				Concurrency:  concurrency,
				Format:       format,
				RTFThreshold: rtfThreshold,
			})
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize for each run (required)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice or profile (default: the configured voice_profile)")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of synthesis requests")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Requests in flight at once (0 = one per worker)")
	cmd.Flags().StringVar(&format, "format", "table", "Report format: table|json")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Exit non-zero if mean RTF exceeds this value (0 = disabled)")

	return cmd
}

type benchOptions struct {
	Text         string
	Voice        string
	Runs         int
	Concurrency  int
	Format       string
	RTFThreshold float64
}

func runBench(ctx context.Context, svc *tts.Service, w io.Writer, opts benchOptions) error {
	synth := func(ctx context.Context) (bench.Stream, error) {
		return svc.Say(ctx, opts.Text, tts.WithVoice(opts.Voice), tts.WithFormat(audio.FormatWAV))
	}

	results, wall, err := bench.Run(ctx, synth, bench.Options{Runs: opts.Runs, Concurrency: opts.Concurrency})
	if err != nil {
		return err
	}
	stats := bench.ComputeStats(results, wall)

	switch opts.Format {
	case "json":
		if err := bench.FormatJSON(results, stats, w); err != nil {
			return err
		}
	default:
		bench.FormatTable(results, stats, w)
	}

	return bench.CheckRTFThreshold(bench.MeanRTF(results), opts.RTFThreshold)
}
