// Package bus provides the NATS connection process workers talk over,
// optionally backed by an embedded server.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const readyTimeout = 5 * time.Second

// ServerOptions configure the embedded server.
type ServerOptions struct {
	// Port -1 picks a random free port.
	Port int
	// StoreDir holds JetStream state; empty uses a temporary directory
	// removed on Shutdown.
	StoreDir string
}

// EmbeddedServer wraps a local NATS server with JetStream enabled.
type EmbeddedServer struct {
	ns      *server.Server
	tempDir string
	log     *slog.Logger
}

// Start creates and starts an embedded server bound to loopback.
func Start(opts ServerOptions, log *slog.Logger) (*EmbeddedServer, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "bus"))

	storeDir, tempDir := opts.StoreDir, ""
	if storeDir == "" {
		dir, err := os.MkdirTemp("", "rhvoice-nats-")
		if err != nil {
			return nil, fmt.Errorf("create NATS store dir: %w", err)
		}
		storeDir, tempDir = dir, dir
	}

	sopts := &server.Options{
		Host:      "127.0.0.1",
		Port:      opts.Port,
		JetStream: true,
		StoreDir:  storeDir,
		NoSigs:    true,
	}

	ns, err := server.NewServer(sopts)
	if err != nil {
		removeTemp(tempDir)
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		removeTemp(tempDir)
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", storeDir))

	return &EmbeddedServer{ns: ns, tempDir: tempDir, log: log}, nil
}

// URL is the client URL of the running server.
func (e *EmbeddedServer) URL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and removes a temporary store.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
	removeTemp(e.tempDir)
}

func removeTemp(dir string) {
	if dir != "" {
		_ = os.RemoveAll(dir)
	}
}

// Conn is a NATS connection with its JetStream context.
type Conn struct {
	NC *nats.Conn
	JS nats.JetStreamContext
}

// Connect dials url and opens JetStream. name identifies the connection in
// server monitoring.
func Connect(ctx context.Context, url, name string, log *slog.Logger) (*Conn, error) {
	if url == "" {
		return nil, errors.New("no NATS server configured")
	}
	if log == nil {
		log = slog.Default()
	}

	timeout := readyTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	return &Conn{NC: nc, JS: js}, nil
}

// Close drains pending messages and closes the connection.
func (c *Conn) Close() error {
	if c == nil || c.NC == nil {
		return nil
	}
	if err := c.NC.Drain(); err != nil {
		c.NC.Close()
		return err
	}

	return nil
}
