package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/go-rhvoice/internal/job"
	"github.com/example/go-rhvoice/internal/params"
	"github.com/example/go-rhvoice/internal/transport"
)

// Default client-side bounds.
const (
	DefaultStartTimeout = time.Hour
	DefaultSendTimeout  = 30 * time.Second
	DefaultJoinTimeout  = 30 * time.Second
)

var (
	// ErrStartTimeout is returned when a worker never signalled that a
	// request started.
	ErrStartTimeout = errors.New("synthesis did not start in time")
	ErrStopped      = errors.New("worker stopped")
)

// Client is the dispatcher's handle on one worker, wherever it runs.
type Client struct {
	id     int
	end    transport.ClientEnd
	logger *slog.Logger

	startTimeout time.Duration
	sendTimeout  time.Duration
	joinTimeout  time.Duration

	done    chan struct{}
	runErr  error
	stopFn  func()
	joinMu  sync.Mutex
	joined  bool
	joinErr error
}

// ClientOptions bound the blocking operations of a Client.
type ClientOptions struct {
	StartTimeout time.Duration
	SendTimeout  time.Duration
	JoinTimeout  time.Duration
}

func newClient(id int, end transport.ClientEnd, opts ClientOptions, stop func(), logger *slog.Logger) *Client {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		id:           id,
		end:          end,
		logger:       logger.With(slog.String("component", "worker-client"), slog.Int("worker", id)),
		startTimeout: opts.StartTimeout,
		sendTimeout:  opts.SendTimeout,
		joinTimeout:  opts.JoinTimeout,
		done:         make(chan struct{}),
		stopFn:       stop,
	}
}

// exited records the result of the worker's run and wakes Join.
func (c *Client) exited(err error) {
	c.runErr = err
	if err != nil {
		c.logger.Error("worker exited", slog.String("error", err.Error()))
	}
	close(c.done)
}

func (c *Client) ID() int { return c.id }

// Busy reports whether the worker is serving a client or still releasing.
func (c *Client) Busy() bool {
	return c.end.Client.Up() || c.end.Generating.Up()
}

// Claim marks the worker as taken. The caller must hold the pool lock and
// have just observed Busy() == false.
func (c *Client) Claim() {
	c.end.Client.Raise()
	c.end.Generating.Raise()
}

// Signals exposes the worker flags for pool bookkeeping.
func (c *Client) Signals() transport.Signals { return c.end.Signals }

// Submit sends a claimed request and blocks until the worker reports that
// output has started (or that there is none).
func (c *Client) Submit(ctx context.Context, req job.Request) error {
	c.end.Started.Lower()
	c.end.Outbox.Expect(req.ID)

	sctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	err := c.end.Inbox.Send(sctx, job.Synthesize(req))
	cancel()
	if err != nil {
		return fmt.Errorf("worker %d: %w", c.id, err)
	}

	timer := time.NewTimer(c.startTimeout)
	defer timer.Stop()
	for {
		changed := c.end.Started.Changed()
		if c.end.Started.Up() {
			break
		}
		select {
		case <-changed:
		case <-timer.C:
			return ErrStartTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrStopped
		}
	}
	c.end.Started.Lower()

	return nil
}

// Read returns the next chunk of reqID; an empty chunk ends the stream.
func (c *Client) Read(ctx context.Context, reqID string) ([]byte, error) {
	return c.end.Outbox.Read(ctx, reqID)
}

// Done tells the worker the client is finished with its output.
func (c *Client) Done() {
	c.end.Client.Lower()
}

// SetParams replaces the worker's persistent parameter set.
func (c *Client) SetParams(ctx context.Context, p params.Params) error {
	sctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	if err := c.end.Inbox.Send(sctx, job.SetParams(p)); err != nil {
		return fmt.Errorf("worker %d: set params: %w", c.id, err)
	}

	return nil
}

// Join asks the worker to stop after its current request and waits for it.
// It is safe to call more than once.
func (c *Client) Join() error {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	if c.joined {
		return c.joinErr
	}
	c.joined = true

	var errs []error
	select {
	case <-c.done:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
		if err := c.end.Inbox.Send(ctx, job.Stop()); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: send stop: %w", c.id, err))
		}
		cancel()

		t := time.NewTimer(c.joinTimeout)
		select {
		case <-c.done:
		case <-t.C:
			c.logger.Warn("worker did not stop in time, forcing")
			if c.stopFn != nil {
				c.stopFn()
			}
			<-c.done
		}
		t.Stop()
	}

	if c.runErr != nil {
		errs = append(errs, c.runErr)
	}
	if c.end.Close != nil {
		if err := c.end.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.joinErr = errors.Join(errs...)

	return c.joinErr
}
