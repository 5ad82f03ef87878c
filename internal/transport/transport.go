// Package transport connects a dispatcher to its workers. Each worker has
// an inbox of jobs, an outbox of audio chunks and three shared flags. The
// memory transport serves goroutine workers; the NATS transport serves
// workers running in child processes.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/example/go-rhvoice/internal/job"
)

var (
	// ErrStale is returned when reading chunks for a request the worker
	// has already moved past.
	ErrStale  = errors.New("stale request stream")
	ErrClosed = errors.New("transport closed")
)

// Signal is a level-triggered boolean shared by a worker and its clients.
type Signal interface {
	Raise()
	Lower()
	Up() bool
	// WaitUp blocks until the signal is up or timeout elapses and reports
	// the final state.
	WaitUp(timeout time.Duration) bool
	WaitDown(timeout time.Duration) bool
	// Changed returns a channel closed on the next state change.
	Changed() <-chan struct{}
}

// Signals are the per-worker flags.
//
//   - Client is up while a client is consuming output.
//   - Generating is up from claim until the worker has fully released.
//   - Started is raised once per request, at first audio or at the end of
//     a request that produced nothing.
type Signals struct {
	Client     Signal
	Generating Signal
	Started    Signal
}

type Sender interface {
	Send(ctx context.Context, msg job.Message) error
}

type Receiver interface {
	Receive(ctx context.Context) (job.Message, error)
}

// Writer is the worker side of an outbox.
type Writer interface {
	// Write appends a chunk for reqID. An empty chunk ends the stream.
	Write(reqID string, chunk []byte) error
	// Reset discards unread chunks and starts accounting for reqID.
	Reset(reqID string)
	// Pending counts chunks written for the current request and not yet
	// consumed.
	Pending() int
}

// Reader is the client side of an outbox.
type Reader interface {
	// Expect marks reqID as the only request whose chunks are readable.
	Expect(reqID string)
	// Read returns the next chunk for reqID; an empty chunk is the end of
	// the stream.
	Read(ctx context.Context, reqID string) ([]byte, error)
}

// WorkerEnd is what a worker sees.
type WorkerEnd struct {
	Inbox  Receiver
	Outbox Writer
	Signals
	Close func() error
}

// ClientEnd is what the dispatcher and its clients see.
type ClientEnd struct {
	Inbox  Sender
	Outbox Reader
	Signals
	Close func() error
}
