// Package tts is the public face of the synthesizer: it owns the worker
// pool and the persistent parameters and turns text into byte streams.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/encoder"
	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/engine/rhvoice"
	"github.com/example/go-rhvoice/internal/job"
	"github.com/example/go-rhvoice/internal/params"
	"github.com/example/go-rhvoice/internal/pool"
	"github.com/example/go-rhvoice/internal/sink"
	"github.com/example/go-rhvoice/internal/text"
	"github.com/example/go-rhvoice/internal/worker"
)

const (
	meterName = "github.com/example/go-rhvoice/tts"

	paramsTimeout = 30 * time.Second
)

// ErrClosed is returned by Say after Join.
var ErrClosed = errors.New("tts service closed")

// Options configures a Service built by New.
type Options struct {
	Workers         int
	Sink            sink.Options
	DispatchTimeout time.Duration
	ReleaseInterval time.Duration
	StartTimeout    time.Duration
	// SentenceChars splits plain text into segments of about this many
	// characters. Zero sends the text as one segment.
	SentenceChars int
	// Initial seeds the persistent parameters; zero means params.Defaults.
	Initial params.Params
	Meter   metric.Meter
	Logger  *slog.Logger
	// Spawn starts worker id outside this process. Nil runs every worker
	// in a goroutine.
	Spawn func(id int, copts worker.ClientOptions) (*worker.Client, error)
}

// Service dispatches synthesis requests across a pool of workers.
type Service struct {
	pool     *pool.Pool
	store    *params.Store
	encoders encoder.Set
	logger   *slog.Logger

	voices        []engine.Voice
	profiles      []string
	libVersion    string
	workers       int
	process       bool
	sentenceChars int

	paramsMu sync.Mutex

	streamDur   metric.Float64Histogram
	streamBytes metric.Int64Counter

	closeMu  sync.Mutex
	closers  []func() error
	joinOnce sync.Once
	joinErr  error
	closed   bool
}

// New inspects the engine once for its voices and version, then starts the
// workers and the pool.
func New(factory engine.Factory, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	initial := opts.Initial
	if initial == (params.Params{}) {
		initial = params.Defaults()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	s := &Service{
		store:         params.NewStore(initial),
		encoders:      opts.Sink.Encoders,
		logger:        logger.With(slog.String("component", "tts")),
		workers:       opts.Workers,
		process:       opts.Spawn != nil,
		sentenceChars: opts.SentenceChars,
	}
	if err := s.inspect(factory); err != nil {
		return nil, err
	}
	if err := s.initMetrics(meter); err != nil {
		return nil, err
	}

	copts := worker.ClientOptions{StartTimeout: opts.StartTimeout}
	wopts := worker.Options{Sink: opts.Sink, ReleaseInterval: opts.ReleaseInterval, Initial: initial}
	clients := make([]*worker.Client, 0, opts.Workers)
	for id := 1; id <= opts.Workers; id++ {
		if opts.Spawn == nil {
			clients = append(clients, worker.StartThread(id, factory, wopts, copts, logger))
			continue
		}
		c, err := opts.Spawn(id, copts)
		if err != nil {
			for _, started := range clients {
				_ = started.Join()
			}
			return nil, err
		}
		clients = append(clients, c)
	}

	p, err := pool.New(clients, pool.Options{
		DispatchTimeout: opts.DispatchTimeout,
		Meter:           opts.Meter,
		Logger:          logger,
	})
	if err != nil {
		for _, c := range clients {
			_ = c.Join()
		}
		return nil, err
	}
	s.pool = p

	// Spawned workers start from the defaults.
	if opts.Spawn != nil && initial != params.Defaults() {
		ctx, cancel := context.WithTimeout(context.Background(), paramsTimeout)
		defer cancel()
		if err := p.SetParams(ctx, initial); err != nil {
			_ = s.Join()
			return nil, err
		}
	}

	s.logger.Info("tts service ready",
		slog.Int("workers", s.workers),
		slog.Bool("process", s.process),
		slog.String("lib_version", s.libVersion),
		slog.Any("formats", s.Formats()))

	return s, nil
}

func (s *Service) inspect(factory engine.Factory) error {
	eng, err := factory(engine.Callbacks{
		SampleRate: func(int) bool { return true },
		Samples:    func([]byte) bool { return true },
	})
	if err != nil {
		return fmt.Errorf("inspect engine: %w", err)
	}
	defer func() { _ = eng.Close() }()

	s.voices = eng.Voices()
	s.profiles = eng.VoiceProfiles()
	s.libVersion = eng.Version()

	return nil
}

func (s *Service) initMetrics(meter metric.Meter) error {
	var err error
	s.streamDur, err = meter.Float64Histogram("rhvoice.tts.stream_duration",
		metric.WithDescription("Time from claim to release of a synthesis stream"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	s.streamBytes, err = meter.Int64Counter("rhvoice.tts.bytes",
		metric.WithDescription("Audio bytes delivered to clients"), metric.WithUnit("By"))

	return err
}

// addCloser registers cleanup run after the pool has stopped.
func (s *Service) addCloser(fn func() error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closers = append(s.closers, fn)
}

// Say starts synthesizing text and returns the output stream. The stream
// must be closed (or drained) to free its worker.
func (s *Service) Say(ctx context.Context, input string, opts ...SayOption) (*Stream, error) {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	so := sayOptions{format: audio.FormatWAV, sentenceChars: s.sentenceChars}
	for _, opt := range opts {
		opt(&so)
	}

	if !s.encoders.Supports(so.format) {
		return nil, fmt.Errorf("%w: %s", audio.ErrUnsupportedFormat, so.format)
	}
	transient, _, err := s.store.CopyWith(so.overrides)
	if err != nil {
		return nil, err
	}
	voice := so.voice
	if voice == "" {
		voice = transient.VoiceProfile
	}

	segments := so.segments
	if segments == nil {
		segments = text.ChunkBySentence(input, so.sentenceChars)
	}

	req := job.Request{
		ID:        uuid.NewString(),
		Segments:  segments,
		Voice:     params.NormalizeVoice(voice),
		Format:    so.format,
		Overrides: so.overrides,
	}

	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := c.Submit(ctx, req); err != nil {
		c.Done()
		return nil, err
	}

	s.logger.Debug("request started",
		slog.String("request", req.ID),
		slog.Int("worker", c.ID()),
		slog.Int("segments", len(req.Segments)),
		slog.String("format", req.Format.String()))

	return newStream(ctx, c, req.ID, so.chunkSize, func(n int64) {
		s.streamDur.Record(context.Background(), time.Since(start).Seconds())
		s.streamBytes.Add(context.Background(), n)
	}), nil
}

// Get synthesizes text completely and returns the whole output.
func (s *Service) Get(ctx context.Context, input string, opts ...SayOption) ([]byte, error) {
	st, err := s.Say(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	return st.Bytes()
}

// SetParams updates the persistent parameters and, when anything changed,
// hands the new set to every worker. Invalid input changes nothing.
func (s *Service) SetParams(updates map[string]any) (bool, error) {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()

	changed, err := s.store.Update(updates)
	if err != nil || !changed {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), paramsTimeout)
	defer cancel()
	if err := s.pool.SetParams(ctx, s.store.Snapshot()); err != nil {
		return true, err
	}

	return true, nil
}

// Params returns a copy of the persistent parameters.
func (s *Service) Params() map[string]any { return s.store.Map() }

// Param returns one persistent parameter.
func (s *Service) Param(key string) (any, bool) { return s.store.Get(key) }

// Formats lists the output formats this service can produce.
func (s *Service) Formats() []audio.Format { return s.encoders.Formats() }

// Commands returns the encoder command line per encoded format.
func (s *Service) Commands() map[string]string { return s.encoders.Commands() }

func (s *Service) Voices() []engine.Voice { return append([]engine.Voice(nil), s.voices...) }

func (s *Service) VoiceProfiles() []string { return append([]string(nil), s.profiles...) }

func (s *Service) LibVersion() string { return s.libVersion }

// APIVersion is the RHVoice API the native binding was written against.
func (s *Service) APIVersion() string { return rhvoice.APIVersion }

func (s *Service) Workers() int { return s.workers }

// ProcessMode reports whether workers run as child processes.
func (s *Service) ProcessMode() bool { return s.process }

// Busy counts workers currently serving or releasing a request.
func (s *Service) Busy() int { return s.pool.Busy() }

// Info collects the service introspection in one value.
type Info struct {
	Formats       []string          `json:"formats"`
	Workers       int               `json:"thread_count"`
	Busy          int               `json:"busy"`
	Process       bool              `json:"process"`
	APIVersion    string            `json:"api_version"`
	LibVersion    string            `json:"lib_version"`
	Voices        []engine.Voice    `json:"voices_info"`
	VoiceProfiles []string          `json:"voice_profiles"`
	Commands      map[string]string `json:"cmd"`
	Params        map[string]any    `json:"params"`
}

func (s *Service) Info() Info {
	formats := make([]string, 0, len(s.Formats()))
	for _, f := range s.Formats() {
		formats = append(formats, f.String())
	}

	return Info{
		Formats:       formats,
		Workers:       s.workers,
		Busy:          s.Busy(),
		Process:       s.process,
		APIVersion:    s.APIVersion(),
		LibVersion:    s.libVersion,
		Voices:        s.Voices(),
		VoiceProfiles: s.VoiceProfiles(),
		Commands:      s.Commands(),
		Params:        s.Params(),
	}
}

// Join stops every worker after its current request and releases the
// resources the service started. It is safe to call more than once.
func (s *Service) Join() error {
	s.joinOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		closers := s.closers
		s.closers = nil
		s.closeMu.Unlock()

		var errs []error
		if s.pool != nil {
			if err := s.pool.Join(); err != nil {
				errs = append(errs, err)
			}
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.joinErr = errors.Join(errs...)
		s.logger.Info("tts service stopped")
	})

	return s.joinErr
}
