package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/transport"
)

// StartThread runs a worker in a goroutine connected through an in-memory
// pipe.
func StartThread(id int, factory engine.Factory, opts Options, copts ClientOptions, logger *slog.Logger) *Client {
	wend, cend := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	c := newClient(id, cend, copts, cancel, logger)
	w := New(id, wend, factory, opts, logger)
	go func() {
		err := w.Run(ctx)
		cancel()
		c.exited(err)
	}()

	return c
}

// ProcessOptions describe how to spawn a worker child process.
type ProcessOptions struct {
	// Executable defaults to the running binary.
	Executable string
	// Args precede the --worker-id flag, e.g. {"worker", "--config", path}.
	Args   []string
	Env    []string
	NATS   transport.NATSOptions
	Stderr io.Writer
}

// StartProcess spawns a child running ServeProcess and connects to it over
// NATS.
func StartProcess(id int, opts ProcessOptions, copts ClientOptions, logger *slog.Logger) (*Client, error) {
	nopts := opts.NATS
	nopts.Worker = id
	nopts.Logger = logger
	cend, err := transport.NewNATSClientEnd(nopts)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}

	exe := opts.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			_ = cend.Close()
			return nil, fmt.Errorf("worker %d: locate executable: %w", id, err)
		}
	}

	args := append(append([]string(nil), opts.Args...), "--worker-id", strconv.Itoa(id))
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if opts.Stderr != nil {
		cmd.Stdout, cmd.Stderr = opts.Stderr, opts.Stderr
	}

	if err := cmd.Start(); err != nil {
		_ = cend.Close()
		return nil, fmt.Errorf("worker %d: start %s: %w", id, exe, err)
	}

	c := newClient(id, cend, copts, func() { _ = cmd.Process.Kill() }, logger)
	c.logger.Debug("worker process started", slog.Int("pid", cmd.Process.Pid))
	go func() {
		err := cmd.Wait()
		if err != nil {
			err = fmt.Errorf("worker %d process: %w", id, err)
		}
		c.exited(err)
	}()

	return c, nil
}

// ServeProcess is the child side of StartProcess: it binds to the worker's
// NATS subjects and serves until stopped.
func ServeProcess(ctx context.Context, id int, factory engine.Factory, opts Options, nopts transport.NATSOptions, logger *slog.Logger) error {
	nopts.Worker = id
	nopts.Logger = logger
	end, err := transport.NewNATSWorkerEnd(nopts)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	defer func() { _ = end.Close() }()

	return New(id, end, factory, opts, logger).Run(ctx)
}
