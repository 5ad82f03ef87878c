package main

import (
	"log/slog"

	"github.com/example/go-rhvoice/internal/config"
	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/tts"
)

// openEngine opens an engine whose audio is discarded, for introspection.
func openEngine(cfg config.EngineConfig, logger *slog.Logger) (engine.Engine, error) {
	factory, err := tts.EngineFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	return factory(engine.Callbacks{
		SampleRate: func(int) bool { return true },
		Samples:    func([]byte) bool { return true },
	})
}
