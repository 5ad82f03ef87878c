// Package encoder detects and drives the external audio encoders (lame,
// opusenc, flac) that turn a WAV stream into compressed formats.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/example/go-rhvoice/internal/audio"
)

// ErrNotAvailable is returned for formats whose encoder was not found.
var ErrNotAvailable = errors.New("encoder not available")

// Command is the invocation of one encoder reading WAV on stdin and
// writing the encoded stream on stdout.
type Command struct {
	Format  audio.Format
	Args    []string
	Package string
}

func (c Command) String() string { return strings.Join(c.Args, " ") }

var defaults = []Command{
	{Format: audio.FormatMP3, Args: []string{"lame", "-htv", "--silent", "-", "-"}, Package: "lame"},
	{Format: audio.FormatOpus, Args: []string{"opusenc", "--quiet", "--discard-comments", "--ignorelength", "-", "-"}, Package: "opus-tools"},
	{Format: audio.FormatFLAC, Args: []string{"flac", "--totally-silent", "--best", "--stdout", "--ignore-chunk-sizes", "-"}, Package: "flac"},
}

// Set maps each available encoded format to its command.
type Set map[audio.Format]Command

// Overrides replace the default executable per format. A value holding
// whitespace is parsed as a complete command line instead.
type Overrides map[audio.Format]string

// Detect resolves every known encoder on PATH (or through overrides) and
// logs a warning for each one that is missing.
func Detect(overrides Overrides, logger *slog.Logger) Set {
	if logger == nil {
		logger = slog.Default()
	}

	set := Set{}
	for _, def := range defaults {
		cmd, err := resolve(def, overrides[def.Format])
		if err != nil {
			logger.Warn("disable format support",
				slog.String("format", def.Format.String()),
				slog.String("error", err.Error()),
				slog.String("hint", "install "+def.Package),
			)
			continue
		}
		set[def.Format] = cmd
	}

	return set
}

func resolve(def Command, override string) (Command, error) {
	cmd := def
	cmd.Args = append([]string(nil), def.Args...)

	override = strings.TrimSpace(override)
	switch {
	case override == "":
	case strings.ContainsAny(override, " \t"):
		args, err := shellwords.NewParser().Parse(override)
		if err != nil {
			return cmd, fmt.Errorf("parse %s command: %w", def.Format, err)
		}
		if len(args) == 0 {
			return cmd, fmt.Errorf("%s command empty", def.Format)
		}
		cmd.Args = args
	default:
		cmd.Args[0] = override
	}

	path, err := exec.LookPath(cmd.Args[0])
	if err != nil {
		return cmd, fmt.Errorf("%s not found: %w", cmd.Args[0], err)
	}
	cmd.Args[0] = path

	return cmd, nil
}

// Formats lists the formats a service can produce with this set: PCM and
// WAV are always available.
func (s Set) Formats() []audio.Format {
	out := []audio.Format{audio.FormatPCM, audio.FormatWAV}
	encoded := make([]string, 0, len(s))
	for f := range s {
		encoded = append(encoded, string(f))
	}
	sort.Strings(encoded)
	for _, f := range encoded {
		out = append(out, audio.Format(f))
	}

	return out
}

// Supports reports whether f can be produced.
func (s Set) Supports(f audio.Format) bool {
	if !f.Encoded() {
		return f == audio.FormatPCM || f == audio.FormatWAV
	}
	_, ok := s[f]

	return ok
}

// Commands returns the command line per encoded format.
func (s Set) Commands() map[string]string {
	out := make(map[string]string, len(s))
	for f, c := range s {
		out[string(f)] = c.String()
	}

	return out
}

// Lookup returns the command for f or ErrNotAvailable.
func (s Set) Lookup(f audio.Format) (Command, error) {
	c, ok := s[f]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrNotAvailable, f)
	}

	return c, nil
}

// Run encodes a complete WAV payload in one shot.
func (c Command) Run(ctx context.Context, wav []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Stdin = bytes.NewReader(wav)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s failed: %w: %s", c.Format, err, msg)
		}
		return nil, fmt.Errorf("%s failed: %w", c.Format, err)
	}

	return stdout.Bytes(), nil
}

// Process is a running streaming encoder.
type Process struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	done   chan struct{}
	err    error
}

// Start spawns the encoder with stdin and stdout on os.Pipe files, so
// writes can carry a deadline and waiting never races with the reader.
func (c Command) Start() (*Process, error) {
	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return nil, err
	}
	cmd.Stdin = inR
	cmd.Stdout = outW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{inR, inW, outR, outW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start %s encoder: %w", c.Format, err)
	}
	_ = inR.Close()
	_ = outW.Close()

	p := &Process{cmd: cmd, stdin: inW, stdout: outR, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Feed writes b to the encoder's stdin, failing with os.ErrDeadlineExceeded
// when the encoder stops reading for longer than timeout.
func (p *Process) Feed(b []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := p.stdin.SetWriteDeadline(time.Now().Add(timeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return err
		}
	}
	_, err := p.stdin.Write(b)

	return err
}

func (p *Process) Stdout() io.Reader { return p.stdout }

// Wait blocks until the process exits or timeout elapses. It returns
// false on timeout.
func (p *Process) Wait(timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-p.done:
		return true, p.err
	case <-t.C:
		return false, nil
	}
}

// Kill terminates the process if it is still running.
func (p *Process) Kill() {
	select {
	case <-p.done:
	default:
		_ = p.cmd.Process.Kill()
	}
}

// CloseOutput closes the read end of stdout, unblocking a stuck reader.
func (p *Process) CloseOutput() error { return p.stdout.Close() }
