// Package pool dispatches requests to a fixed set of workers. A worker is
// claimable while neither its client nor its generating signal is up; the
// first claimable worker in slot order wins.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/go-rhvoice/internal/params"
	"github.com/example/go-rhvoice/internal/worker"
)

// DefaultDispatchTimeout bounds how long Acquire waits for a free worker.
const DefaultDispatchTimeout = 30 * time.Second

const meterName = "github.com/example/go-rhvoice/pool"

var (
	// ErrCapacity is returned when every worker stayed busy for the whole
	// dispatch timeout.
	ErrCapacity = errors.New("all workers are busy")
	ErrClosed   = errors.New("pool closed")
	ErrEmpty    = errors.New("pool has no workers")
)

// Options configures a Pool.
type Options struct {
	DispatchTimeout time.Duration
	// Meter defaults to the global otel meter provider.
	Meter  metric.Meter
	Logger *slog.Logger
}

// Pool owns its workers and the claim lock.
type Pool struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	workers []*worker.Client
	freed   chan struct{}
	closed  bool

	stop     chan struct{}
	watchers sync.WaitGroup

	joinOnce sync.Once
	joinErr  error

	claims     metric.Int64Counter
	exhausted  metric.Int64Counter
	acquireDur metric.Float64Histogram
}

// New takes ownership of clients. Slot order is the order given.
func New(clients []*worker.Client, opts Options) (*Pool, error) {
	if len(clients) == 0 {
		return nil, ErrEmpty
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(meterName)
	}

	p := &Pool{
		timeout: opts.DispatchTimeout,
		logger:  opts.Logger.With(slog.String("component", "pool")),
		workers: append([]*worker.Client(nil), clients...),
		freed:   make(chan struct{}),
		stop:    make(chan struct{}),
	}
	if err := p.initMetrics(opts.Meter); err != nil {
		return nil, err
	}

	for _, c := range p.workers {
		p.watchers.Add(1)
		go p.watch(c)
	}

	return p, nil
}

func (p *Pool) initMetrics(meter metric.Meter) error {
	var err error
	p.claims, err = meter.Int64Counter("rhvoice.pool.claims",
		metric.WithDescription("Workers claimed for a request"))
	if err != nil {
		return err
	}
	p.exhausted, err = meter.Int64Counter("rhvoice.pool.capacity_errors",
		metric.WithDescription("Requests rejected because no worker became free"))
	if err != nil {
		return err
	}
	p.acquireDur, err = meter.Float64Histogram("rhvoice.pool.acquire_duration",
		metric.WithDescription("Time spent waiting for a free worker"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	busy, err := meter.Int64ObservableGauge("rhvoice.pool.busy_workers",
		metric.WithDescription("Workers currently claimed or releasing"))
	if err != nil {
		return err
	}
	size, err := meter.Int64ObservableGauge("rhvoice.pool.workers",
		metric.WithDescription("Workers in the pool"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(busy, int64(p.Busy()))
		obs.ObserveInt64(size, int64(len(p.workers)))
		return nil
	}, busy, size)

	return err
}

// watch turns every signal change of c that leaves it claimable into a
// pool-wide freed notification.
func (p *Pool) watch(c *worker.Client) {
	defer p.watchers.Done()

	sig := c.Signals()
	for {
		gen, cl := sig.Generating.Changed(), sig.Client.Changed()
		if !c.Busy() {
			p.notifyFreed()
		}
		select {
		case <-gen:
		case <-cl:
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) notifyFreed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.freed)
	p.freed = make(chan struct{})
}

// Acquire claims the first idle worker, waiting up to the dispatch timeout
// for one to free up. The caller must call Done on the returned client once
// it stops reading.
func (p *Pool) Acquire(ctx context.Context) (*worker.Client, error) {
	start := time.Now()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		for _, c := range p.workers {
			if !c.Busy() {
				c.Claim()
				p.mu.Unlock()
				p.claims.Add(ctx, 1)
				p.acquireDur.Record(ctx, time.Since(start).Seconds())
				return c, nil
			}
		}
		freed := p.freed
		p.mu.Unlock()

		select {
		case <-freed:
		case <-timer.C:
			p.exhausted.Add(ctx, 1)
			p.logger.Warn("no free worker", slog.Duration("waited", time.Since(start)))
			return nil, ErrCapacity
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SetParams sends a persistent parameter update to every worker. Each
// worker applies it before its next request.
func (p *Pool) SetParams(ctx context.Context, prm params.Params) error {
	var errs []error
	for _, c := range p.Workers() {
		if err := c.SetParams(ctx, prm); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Workers returns the clients in slot order.
func (p *Pool) Workers() []*worker.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*worker.Client(nil), p.workers...)
}

func (p *Pool) Size() int { return len(p.workers) }

// Busy counts workers that are not claimable right now.
func (p *Pool) Busy() int {
	n := 0
	for _, c := range p.Workers() {
		if c.Busy() {
			n++
		}
	}

	return n
}

// Join stops every worker after its current request and waits for all of
// them. Later calls return the first result.
func (p *Pool) Join() error {
	p.joinOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		workers := p.workers
		p.mu.Unlock()
		close(p.stop)

		errs := make([]error, len(workers))
		var wg sync.WaitGroup
		for i, c := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = c.Join()
			}()
		}
		wg.Wait()
		p.watchers.Wait()

		p.joinErr = errors.Join(errs...)
		p.logger.Debug("pool stopped", slog.Int("workers", len(workers)))
	})

	return p.joinErr
}
