// Package command implements engine.Engine on top of an external
// text-to-speech program such as RHVoice-test or espeak-ng. The program
// reads text on stdin and writes WAV (or raw PCM16) on stdout.
package command

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/params"
)

// DefaultCommand synthesizes with the RHVoice command-line client.
const DefaultCommand = "RHVoice-test -p {voice_profile} -o -"

const (
	// DefaultSampleRate applies when the program writes raw PCM.
	DefaultSampleRate = 24000
	blockSamples      = 1024
)

// Options configures the command engine.
type Options struct {
	// Command is a shell-style command line. Placeholders named after
	// parameter keys, e.g. {voice_profile} or {absolute_rate}, are
	// substituted per request.
	Command    string
	SampleRate int
	Version    string
}

// Engine runs the configured program once per Generate call.
type Engine struct {
	args   []string
	rate   int
	ver    string
	cb     engine.Callbacks
	params params.Params
	logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// NewFactory validates opts once and returns a factory for command engines.
func NewFactory(opts Options, logger *slog.Logger) (engine.Factory, error) {
	args, err := parseCommand(opts.Command)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInit, err)
	}

	return func(cb engine.Callbacks) (engine.Engine, error) {
		return newEngine(args, opts, cb, logger), nil
	}, nil
}

func parseCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("%w: parse command: %v", engine.ErrInit, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: command empty", engine.ErrInit)
	}

	return args, nil
}

func newEngine(args []string, opts Options, cb engine.Callbacks, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	ver := opts.Version
	if ver == "" {
		ver = "command"
	}

	return &Engine{
		args:   args,
		rate:   rate,
		ver:    ver,
		cb:     cb,
		params: params.Defaults(),
		logger: logger.With(slog.String("component", "command-engine")),
	}
}

func (e *Engine) SetParams(p params.Params) { e.params = p }

func (e *Engine) Params() params.Params { return e.params }

func (e *Engine) SetVoice(voice string) { e.params.VoiceProfile = params.NormalizeVoice(voice) }

func (e *Engine) Voices() []engine.Voice { return nil }

func (e *Engine) VoiceProfiles() []string { return nil }

func (e *Engine) Version() string { return e.ver }

func (e *Engine) Close() error { return nil }

// Generate runs the program for text. Blank text produces no output and
// no callbacks.
func (e *Engine) Generate(text string, p *params.Params) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if p == nil {
		p = &e.params
	}

	args := expandArgs(e.args, *p)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", engine.ErrMessage, args[0], err)
	}

	aborted, streamErr := e.stream(bufio.NewReader(stdout))
	if aborted {
		_ = cmd.Process.Kill()
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	switch {
	case aborted:
		return nil
	case streamErr != nil:
		return fmt.Errorf("%w: %v", engine.ErrMessage, streamErr)
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		e.logger.Debug("synthesis command failed", slog.String("stderr", msg))
		return fmt.Errorf("%w: %s: %v", engine.ErrMessage, args[0], waitErr)
	}

	return nil
}

// stream forwards stdout to the callbacks and reports whether a callback
// asked to stop.
func (e *Engine) stream(r *bufio.Reader) (bool, error) {
	rate, err := readHeader(r, e.rate)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	announced := false
	buf := make([]byte, blockSamples*2)
	for {
		n, err := io.ReadFull(r, buf)
		n -= n % 2
		if n > 0 {
			if !announced {
				announced = true
				if e.cb.SampleRate != nil && !e.cb.SampleRate(rate) {
					return true, nil
				}
			}
			block := make([]byte, n)
			copy(block, buf[:n])
			if e.cb.Samples != nil && !e.cb.Samples(block) {
				return true, nil
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}

// readHeader consumes a WAV header up to the data chunk and returns its
// sample rate. Output that does not start with RIFF is treated as raw PCM
// at fallback rate and left unread.
func readHeader(r *bufio.Reader, fallback int) (int, error) {
	magic, err := r.Peek(4)
	if err != nil {
		if len(magic) == 0 {
			return 0, io.EOF
		}
		return fallback, nil
	}
	if string(magic) != "RIFF" {
		return fallback, nil
	}

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return 0, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[8:12]) != "WAVE" {
		return 0, errors.New("output is RIFF but not WAVE")
	}

	rate := fallback
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return 0, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "data":
			return rate, nil
		case "fmt ":
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return 0, errors.New("short fmt chunk")
			}
			if ch := binary.LittleEndian.Uint16(body[2:4]); ch != 1 {
				return 0, fmt.Errorf("want mono output, got %d channels", ch)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return 0, fmt.Errorf("want 16-bit output, got %d bits", bits)
			}
			rate = int(binary.LittleEndian.Uint32(body[4:8]))
		default:
			if _, err := r.Discard(int(size + size%2)); err != nil {
				return 0, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

func expandArgs(tmpl []string, p params.Params) []string {
	pairs := make([]string, 0, 2*len(p.Map()))
	for k, v := range p.Map() {
		var s string
		switch t := v.(type) {
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			s = fmt.Sprint(t)
		}
		pairs = append(pairs, "{"+k+"}", s)
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}

	return out
}
