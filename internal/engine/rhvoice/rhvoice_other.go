//go:build !(darwin || freebsd || linux)

package rhvoice

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/example/go-rhvoice/internal/engine"
)

func DefaultLibrary() string { return "RHVoice.dll" }

// NewFactory returns a factory that always fails on this platform.
func NewFactory(opts Options, logger *slog.Logger) engine.Factory {
	return func(engine.Callbacks) (engine.Engine, error) {
		return nil, fmt.Errorf("%w: RHVoice bindings are not available on %s", engine.ErrInit, runtime.GOOS)
	}
}
