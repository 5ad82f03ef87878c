// Package worker runs one synthesis engine behind a transport inbox and
// exposes the dispatcher-side handle used to claim it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/job"
	"github.com/example/go-rhvoice/internal/params"
	"github.com/example/go-rhvoice/internal/sink"
	"github.com/example/go-rhvoice/internal/transport"
)

// DefaultReleaseInterval is how long a worker waits for a reader to make
// progress before treating it as gone.
const DefaultReleaseInterval = 3 * time.Second

// Options configures a Worker.
type Options struct {
	Sink            sink.Options
	ReleaseInterval time.Duration
	// Initial is the persistent parameter set the engine starts with.
	Initial params.Params
}

// Worker owns one engine and serves the requests arriving on its inbox,
// one at a time.
type Worker struct {
	id      int
	end     transport.WorkerEnd
	factory engine.Factory
	opts    Options
	logger  *slog.Logger

	eng        engine.Engine
	sink       *sink.Sink
	persistent params.Params

	ctx       context.Context
	req       job.Request
	started   bool
	announced bool
}

func New(id int, end transport.WorkerEnd, factory engine.Factory, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReleaseInterval <= 0 {
		opts.ReleaseInterval = DefaultReleaseInterval
	}
	if opts.Initial == (params.Params{}) {
		opts.Initial = params.Defaults()
	}
	logger = logger.With(slog.String("component", "worker"), slog.Int("worker", id))

	return &Worker{
		id:         id,
		end:        end,
		factory:    factory,
		opts:       opts,
		logger:     logger,
		sink:       sink.New(opts.Sink, logger),
		persistent: opts.Initial,
	}
}

// Run initializes the engine, marks the worker ready and serves the inbox
// until a stop message arrives or ctx is cancelled. Cancelling ctx also
// aborts the request in progress.
func (w *Worker) Run(ctx context.Context) error {
	w.ctx = ctx

	eng, err := w.factory(engine.Callbacks{SampleRate: w.onSampleRate, Samples: w.onSamples})
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	w.eng = eng
	defer func() {
		if err := eng.Close(); err != nil {
			w.logger.Warn("close engine", slog.String("error", err.Error()))
		}
	}()
	eng.SetParams(w.persistent)

	w.end.Generating.Lower()
	w.logger.Debug("worker ready", slog.String("engine", eng.Version()))

	for {
		msg, err := w.end.Inbox.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("worker %d: receive: %w", w.id, err)
		}

		switch msg.Kind {
		case job.KindStop:
			w.logger.Debug("worker stopping")
			return nil
		case job.KindParams:
			if msg.Params != nil {
				w.persistent = *msg.Params
				eng.SetParams(w.persistent)
			}
		case job.KindSynthesize:
			if msg.Request != nil {
				w.serve(*msg.Request)
			}
		default:
			w.logger.Warn("unknown inbox message", slog.String("kind", string(msg.Kind)))
		}
	}
}

// serve handles one request and always ends with the worker released.
func (w *Worker) serve(req job.Request) {
	w.end.Generating.Raise()
	w.end.Outbox.Reset(req.ID)
	// A remote claim can arrive after the request itself.
	w.end.Client.WaitUp(w.opts.ReleaseInterval)

	w.req = req
	w.started = false
	w.announced = false
	w.sink.Open(req.Format, outbox{w: w.end.Outbox, req: req.ID})

	w.synthesize(req)

	w.release()
}

func (w *Worker) synthesize(req job.Request) {
	logger := w.logger.With(slog.String("request", req.ID))

	if len(req.Overrides) > 0 {
		transient, changed, err := w.persistent.With(req.Overrides)
		switch {
		case err != nil:
			logger.Warn("ignore invalid overrides", slog.String("error", err.Error()))
		case changed:
			w.eng.SetParams(transient)
			defer w.eng.SetParams(w.persistent)
		}
	}

	w.eng.SetVoice(req.Voice)
	for i, text := range req.Segments {
		if err := w.eng.Generate(text, nil); err != nil {
			logger.Warn("segment failed", slog.Int("segment", i), slog.String("error", err.Error()))
		}
		if w.ctx.Err() != nil || !w.end.Client.Up() {
			break
		}
	}

	if !w.sink.End() {
		logger.Debug("request produced no audio")
	}
	w.announce()
}

// announce raises Started once per request.
func (w *Worker) announce() {
	if !w.announced {
		w.announced = true
		w.end.Started.Raise()
	}
}

// release waits for the reader to finish, giving up when it stops making
// progress, then frees the worker.
func (w *Worker) release() {
	for w.end.Client.Up() {
		before := w.end.Outbox.Pending()
		if w.end.Client.WaitDown(w.opts.ReleaseInterval) {
			break
		}
		if w.end.Outbox.Pending() == before {
			w.logger.Info("reader made no progress, releasing worker",
				slog.String("request", w.req.ID), slog.Int("pending", before))
			break
		}
	}

	w.end.Client.Lower()
	w.end.Generating.Lower()
}

func (w *Worker) onSampleRate(rate int) bool {
	if !w.started {
		w.started = true
		if err := w.sink.Begin(rate); err != nil {
			w.logger.Warn("start output", slog.String("request", w.req.ID), slog.String("error", err.Error()))
		}
		w.announce()
	}

	return true
}

func (w *Worker) onSamples(pcm []byte) bool {
	if err := w.sink.Write(pcm); err != nil {
		w.logger.Warn("write output", slog.String("request", w.req.ID), slog.String("error", err.Error()))
		return false
	}

	return w.end.Client.Up() && w.ctx.Err() == nil
}

// outbox adapts the transport writer to a sink.Output for one request.
type outbox struct {
	w   transport.Writer
	req string
}

func (o outbox) Write(chunk []byte) error { return o.w.Write(o.req, chunk) }

func (o outbox) Close() error { return o.w.Write(o.req, nil) }
