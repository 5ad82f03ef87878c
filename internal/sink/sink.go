// Package sink turns the PCM produced by an engine into the byte stream a
// client asked for: raw PCM, WAV, or the output of an external encoder
// that is either fed incrementally or run once at the end.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/encoder"
)

// Default teardown bounds and relay read size.
const (
	DefaultReadSize    = 1024
	DefaultWaitTimeout = 10 * time.Second
	DefaultJoinTimeout = 10 * time.Second
)

var (
	// ErrNotStarted is returned by Write before Begin.
	ErrNotStarted = errors.New("sink not started")
	// ErrEncoderStalled means a streaming encoder stopped reading its input.
	ErrEncoderStalled = errors.New("encoder stopped reading")
)

// Output receives the encoded chunks of one request. Close marks the end
// of the stream.
type Output interface {
	Write(chunk []byte) error
	Close() error
}

// Options configures a Sink.
type Options struct {
	Encoders encoder.Set
	// Stream feeds encoders incrementally. When false every format is
	// produced in one piece at End.
	Stream      bool
	ReadSize    int
	WaitTimeout time.Duration
	JoinTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadSize <= 0 {
		o.ReadSize = DefaultReadSize
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}

	return o
}

// Sink is owned by one worker and reused across its requests.
type Sink struct {
	opts   Options
	logger *slog.Logger

	format  audio.Format
	out     *sealed
	target  target
	started bool
}

type target interface {
	write(pcm []byte) error
	finish() error
}

func New(opts Options, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sink{opts: opts.withDefaults(), logger: logger.With(slog.String("component", "sink"))}
}

// Open binds the sink to a request. Nothing is produced until Begin.
func (s *Sink) Open(format audio.Format, out Output) {
	s.format = format
	s.out = &sealed{out: out}
	s.target = nil
	s.started = false
}

// Begin starts the output for the given sample rate.
func (s *Sink) Begin(rate int) error {
	if s.out == nil {
		return ErrNotStarted
	}
	s.started = true

	t, err := s.newTarget(rate)
	if err != nil {
		return err
	}
	s.target = t

	return nil
}

func (s *Sink) newTarget(rate int) (target, error) {
	if !s.opts.Stream {
		b := &blocking{format: s.format, rate: rate, out: s.out, timeout: s.opts.WaitTimeout}
		if s.format.Encoded() {
			cmd, err := s.opts.Encoders.Lookup(s.format)
			if err != nil {
				return nil, err
			}
			b.cmd = cmd
		}
		return b, nil
	}

	switch s.format {
	case audio.FormatPCM:
		return &direct{out: s.out}, nil
	case audio.FormatWAV:
		d := &direct{out: s.out}
		if _, err := audio.WriteWAVHeaderStreaming(d, rate); err != nil {
			return nil, err
		}
		return d, nil
	default:
		cmd, err := s.opts.Encoders.Lookup(s.format)
		if err != nil {
			return nil, err
		}
		return startStreaming(cmd, rate, s.out, s.opts, s.logger)
	}
}

// Write forwards one PCM block.
func (s *Sink) Write(pcm []byte) error {
	if s.target == nil {
		return ErrNotStarted
	}

	return s.target.write(pcm)
}

// Active reports whether Begin ran for the current request.
func (s *Sink) Active() bool { return s.started }

// End finalizes the output, tears down any encoder within the configured
// bounds and always terminates the stream. It reports whether Begin ran.
func (s *Sink) End() bool {
	if s.out == nil {
		return false
	}
	started := s.started

	if s.target != nil {
		if err := s.target.finish(); err != nil {
			s.logger.Warn("finalize output", slog.String("format", s.format.String()), slog.String("error", err.Error()))
		}
	}
	if err := s.out.Close(); err != nil {
		s.logger.Warn("close output", slog.String("error", err.Error()))
	}

	s.out = nil
	s.target = nil
	s.started = false

	return started
}

// direct passes PCM through unchanged.
type direct struct {
	out *sealed
}

func (d *direct) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	if err := d.out.Write(chunk); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (d *direct) write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	return d.out.Write(pcm)
}

func (d *direct) finish() error { return nil }

// blocking collects everything and emits a single chunk at the end.
type blocking struct {
	format  audio.Format
	rate    int
	cmd     encoder.Command
	out     *sealed
	pcm     bytes.Buffer
	timeout time.Duration
}

func (b *blocking) write(pcm []byte) error {
	b.pcm.Write(pcm)
	return nil
}

func (b *blocking) finish() error {
	if b.format == audio.FormatPCM {
		return b.out.Write(b.pcm.Bytes())
	}

	wav, err := audio.EncodeWAVPCM16(b.pcm.Bytes(), b.rate)
	if err != nil {
		return err
	}
	if !b.format.Encoded() {
		return b.out.Write(wav)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	encoded, err := b.cmd.Run(ctx, wav)
	if err != nil {
		return err
	}

	return b.out.Write(encoded)
}

// streaming feeds an encoder process and relays its stdout.
type streaming struct {
	proc   *encoder.Process
	format audio.Format
	opts   Options
	logger *slog.Logger
	relay  chan struct{}
	// stalled is set once the encoder stopped taking input.
	stalled bool
}

func startStreaming(cmd encoder.Command, rate int, out *sealed, opts Options, logger *slog.Logger) (*streaming, error) {
	proc, err := cmd.Start()
	if err != nil {
		return nil, err
	}

	st := &streaming{proc: proc, format: cmd.Format, opts: opts, logger: logger, relay: make(chan struct{})}
	go st.pump(out)

	var hdr bytes.Buffer
	if _, err := audio.WriteWAVHeaderStreaming(&hdr, rate); err != nil {
		st.abort()
		return nil, err
	}
	if err := proc.Feed(hdr.Bytes(), opts.WaitTimeout); err != nil {
		st.abort()
		return nil, fmt.Errorf("write header to %s encoder: %w", cmd.Format, err)
	}

	return st, nil
}

func (st *streaming) pump(out *sealed) {
	defer close(st.relay)

	buf := make([]byte, st.opts.ReadSize)
	for {
		n, err := st.proc.Stdout().Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := out.Write(chunk); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				st.logger.Debug("encoder relay stopped", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// write feeds one block. An encoder that takes no input for WaitTimeout
// fails the write, which stops the engine.
func (st *streaming) write(pcm []byte) error {
	if st.stalled {
		return ErrEncoderStalled
	}
	if err := st.proc.Feed(pcm, st.opts.WaitTimeout); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			st.stalled = true
			return fmt.Errorf("feed %s encoder: %w", st.format, ErrEncoderStalled)
		}
		return fmt.Errorf("feed %s encoder: %w", st.format, err)
	}

	return nil
}

func (st *streaming) finish() error {
	if st.stalled {
		st.abort()
		return fmt.Errorf("%s encoder: %w", st.format, ErrEncoderStalled)
	}

	var errs []error
	if err := st.proc.Stdin().Close(); err != nil {
		errs = append(errs, err)
	}

	exited, err := st.proc.Wait(st.opts.WaitTimeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s encoder: %w", st.format, err))
	}
	if !exited {
		st.logger.Warn("encoder did not exit in time", slog.String("format", st.format.String()))
	}

	if !st.joinRelay(st.opts.JoinTimeout) {
		st.logger.Warn("encoder relay did not finish in time", slog.String("format", st.format.String()))
	}

	if !exited {
		st.abort()
	} else {
		_ = st.proc.CloseOutput()
	}

	return errors.Join(errs...)
}

func (st *streaming) joinRelay(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-st.relay:
		return true
	case <-t.C:
		return false
	}
}

func (st *streaming) abort() {
	st.proc.Kill()
	_ = st.proc.Stdin().Close()
	_ = st.proc.CloseOutput()
	_, _ = st.proc.Wait(st.opts.WaitTimeout)
	st.joinRelay(st.opts.JoinTimeout)
}

// sealed drops writes once the stream has been closed so a late relay can
// never append data after the end marker. Empty chunks are dropped too:
// downstream an empty chunk is the end marker.
type sealed struct {
	mu     sync.Mutex
	out    Output
	closed bool
}

var errSealed = errors.New("output already closed")

func (s *sealed) Write(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSealed
	}

	return s.out.Write(chunk)
}

func (s *sealed) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	return s.out.Close()
}
