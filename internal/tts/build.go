package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/bus"
	"github.com/example/go-rhvoice/internal/config"
	"github.com/example/go-rhvoice/internal/encoder"
	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/engine/command"
	"github.com/example/go-rhvoice/internal/engine/rhvoice"
	"github.com/example/go-rhvoice/internal/sink"
	"github.com/example/go-rhvoice/internal/transport"
	"github.com/example/go-rhvoice/internal/worker"
)

// EngineFactory returns the factory for the configured backend.
func EngineFactory(cfg config.EngineConfig, logger *slog.Logger) (engine.Factory, error) {
	backend, err := config.NormalizeBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	switch backend {
	case config.BackendCommand:
		return command.NewFactory(command.Options{Command: cfg.Command, SampleRate: cfg.SampleRate}, logger)
	default:
		return rhvoice.NewFactory(rhvoice.Options{
			LibPath:    cfg.LibPath,
			DataPath:   cfg.DataPath,
			ConfigPath: cfg.ConfigPath,
			Resources:  cfg.Resources,
		}, logger), nil
	}
}

// DetectEncoders finds the external encoders, honoring configured paths.
func DetectEncoders(cfg config.EncodersConfig, logger *slog.Logger) encoder.Set {
	return encoder.Detect(encoder.Overrides{
		audio.FormatMP3:  cfg.LamePath,
		audio.FormatOpus: cfg.OpusencPath,
		audio.FormatFLAC: cfg.FlacPath,
	}, logger)
}

// WorkerOptions derives the per-worker settings from cfg.
func WorkerOptions(cfg config.Config, encoders encoder.Set) worker.Options {
	return worker.Options{
		Sink:            sink.Options{Encoders: encoders, Stream: cfg.Encoders.Stream},
		ReleaseInterval: cfg.Pool.ReleaseInterval,
	}
}

// NewService builds a service from configuration. In process mode it also
// brings up the NATS bus (embedded unless nats.url is set) and spawns one
// "worker" child per slot.
func NewService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	factory, err := EngineFactory(cfg.Engine, logger)
	if err != nil {
		return nil, err
	}
	workers, process, err := cfg.Pool.Resolve()
	if err != nil {
		return nil, err
	}

	encoders := DetectEncoders(cfg.Encoders, logger)
	wopts := WorkerOptions(cfg, encoders)
	opts := Options{
		Workers:         workers,
		Sink:            wopts.Sink,
		DispatchTimeout: cfg.Pool.DispatchTimeout,
		ReleaseInterval: cfg.Pool.ReleaseInterval,
		StartTimeout:    cfg.Pool.StartTimeout,
		SentenceChars:   cfg.Server.SentenceChars,
		Logger:          logger,
	}
	if !process {
		return New(factory, opts)
	}

	var cleanup []func() error
	fail := func(err error) (*Service, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
		return nil, err
	}

	url := cfg.NATS.URL
	if url == "" {
		if !cfg.NATS.Embedded {
			return nil, errors.New("process mode needs nats.url or nats.embedded")
		}
		srv, err := bus.Start(bus.ServerOptions{Port: cfg.NATS.Port, StoreDir: cfg.NATS.StoreDir}, logger)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, func() error { srv.Shutdown(); return nil })
		url = srv.URL()
	}

	conn, err := bus.Connect(ctx, url, "rhvoice-dispatcher", logger)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, conn.Close)

	child := cfg
	child.NATS.URL = url
	child.NATS.Embedded = false
	path, err := writeWorkerConfig(child)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() error { return os.Remove(path) })

	nopts := transport.NATSOptions{Conn: conn.NC, JS: conn.JS, Prefix: cfg.NATS.Prefix}
	opts.Spawn = func(id int, copts worker.ClientOptions) (*worker.Client, error) {
		return worker.StartProcess(id, worker.ProcessOptions{
			Args: []string{"worker", "--config", path},
			NATS: nopts,
		}, copts, logger)
	}

	svc, err := New(factory, opts)
	if err != nil {
		return fail(err)
	}
	for _, fn := range cleanup {
		svc.addCloser(fn)
	}

	return svc, nil
}

func writeWorkerConfig(cfg config.Config) (string, error) {
	f, err := os.CreateTemp("", "rhvoice-worker-*.toml")
	if err != nil {
		return "", fmt.Errorf("create worker config: %w", err)
	}
	if err := config.WriteTOML(f, cfg); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write worker config: %w", err)
	}

	return f.Name(), nil
}
