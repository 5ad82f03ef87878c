package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/config"
	"github.com/example/go-rhvoice/internal/doctor"
	"github.com/example/go-rhvoice/internal/engine/rhvoice"
	"github.com/example/go-rhvoice/internal/sink"
	"github.com/example/go-rhvoice/internal/tts"
	"github.com/spf13/cobra"
)

const smokeText = "Hello. Привет."

func newDoctorCmd() *cobra.Command {
	var skipSynth bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the RHVoice library, voice data and encoders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			backend, err := config.NormalizeBackend(cfg.Engine.Backend)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "backend: %s\n", backend)

			// Encoder warnings are reported by the check itself.
			quiet := slog.New(slog.DiscardHandler)
			encoders := tts.DetectEncoders(cfg.Encoders, quiet)
			commands := make(map[audio.Format]string, len(encoders))
			for f, c := range encoders {
				commands[f] = c.String()
			}

			dcfg := doctor.Config{
				LibVersion: func() (string, error) {
					eng, err := openEngine(cfg.Engine, quiet)
					if err != nil {
						return "", err
					}
					defer func() { _ = eng.Close() }()
					return eng.Version(), nil
				},
				SkipLibrary: backend != config.BackendRHVoice,
				APIVersion:  rhvoice.APIVersion,
				Supported:   rhvoice.Supported,
				Encoders:    commands,
			}
			if backend == config.BackendRHVoice {
				dcfg.DataPath = cfg.Engine.DataPath
			}
			if !skipSynth {
				dcfg.Synthesize = func() ([]byte, error) {
					return smokeSynthesize(cmd.Context(), cfg, quiet)
				}
			}

			result := doctor.Run(dcfg, out)
			if result.Failed() {
				return fmt.Errorf("doctor found %d problem(s)", len(result.Failures()))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipSynth, "skip-synthesis", false, "Skip the test synthesis")

	return cmd
}

// smokeSynthesize renders smokeText as a complete WAV through a one-worker
// service.
func smokeSynthesize(ctx context.Context, cfg config.Config, logger *slog.Logger) ([]byte, error) {
	factory, err := tts.EngineFactory(cfg.Engine, logger)
	if err != nil {
		return nil, err
	}

	svc, err := tts.New(factory, tts.Options{
		Workers:      1,
		Sink:         sink.Options{Stream: false},
		StartTimeout: time.Minute,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = svc.Join() }()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	return svc.Get(ctx, smokeText, tts.WithFormat(audio.FormatWAV))
}
