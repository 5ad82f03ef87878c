// Package doctor provides environment preflight checks for rhvoice.
package doctor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/engine"
)

// PassMark, WarnMark and FailMark are the prefix symbols printed for each
// check result. Warnings do not fail the run.
const (
	PassMark = "✓"
	WarnMark = "!"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// LibVersion loads the native library and reports its version.
	LibVersion VersionFunc
	// SkipLibrary skips the library check (command backend).
	SkipLibrary bool
	// APIVersion is the release the bindings were written for.
	APIVersion string
	// Supported lists library releases known to work.
	Supported []string
	// DataPath is the RHVoice data directory; empty skips the check.
	DataPath string
	// Encoders maps each encoded format to its command line, empty when
	// the encoder is missing.
	Encoders map[audio.Format]string
	// Synthesize renders a short phrase as a complete WAV file. Nil skips
	// the smoke test.
	Synthesize func() ([]byte, error)
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
	warnings []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// Warnings returns the list of non-fatal findings.
func (r *Result) Warnings() []string { return append([]string(nil), r.warnings...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) warn(msg string) { r.warnings = append(r.warnings, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark, WarnMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- native library ---------------------------------------------------
	if cfg.SkipLibrary || cfg.LibVersion == nil {
		fmt.Fprintf(w, "%s RHVoice library: skipped\n", PassMark)
	} else {
		ver, err := cfg.LibVersion()
		switch {
		case err != nil:
			res.fail(fmt.Sprintf("RHVoice library: %v", err))
			fmt.Fprintf(w, "%s RHVoice library: not loaded (%v)\n", FailMark, err)
		case !checkLibVersion(ver, cfg.Supported):
			res.warn(fmt.Sprintf("RHVoice library %s is not a tested release", ver))
			fmt.Fprintf(w, "%s RHVoice library: %s (untested, bindings %s)\n", WarnMark, ver, cfg.APIVersion)
		case cfg.APIVersion != "" && ver != cfg.APIVersion:
			fmt.Fprintf(w, "%s RHVoice library: %s (bindings %s)\n", PassMark, ver, cfg.APIVersion)
		default:
			fmt.Fprintf(w, "%s RHVoice library: %s\n", PassMark, ver)
		}
	}

	// ---- voice data -------------------------------------------------------
	if cfg.DataPath != "" {
		n, err := countVoices(cfg.DataPath)
		switch {
		case err != nil:
			res.fail(fmt.Sprintf("data path %q: %v", cfg.DataPath, err))
			fmt.Fprintf(w, "%s data path %s: %v\n", FailMark, cfg.DataPath, err)
		case n == 0:
			res.fail(fmt.Sprintf("data path %q: no voices installed", cfg.DataPath))
			fmt.Fprintf(w, "%s data path %s: no voices installed\n", FailMark, cfg.DataPath)
		default:
			fmt.Fprintf(w, "%s data path: %s (%d voices)\n", PassMark, cfg.DataPath, n)
		}
	}

	// ---- encoders ---------------------------------------------------------
	for _, f := range []audio.Format{audio.FormatMP3, audio.FormatOpus, audio.FormatFLAC} {
		if cmd := cfg.Encoders[f]; cmd != "" {
			fmt.Fprintf(w, "%s %s encoder: %s\n", PassMark, f, cmd)
			continue
		}
		res.warn(fmt.Sprintf("%s encoder not found", f))
		fmt.Fprintf(w, "%s %s encoder: not found, %s output disabled\n", WarnMark, f, f)
	}

	// ---- smoke synthesis --------------------------------------------------
	if cfg.Synthesize != nil {
		if dur, err := smoke(cfg.Synthesize); err != nil {
			res.fail(fmt.Sprintf("synthesis: %v", err))
			fmt.Fprintf(w, "%s synthesis: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s synthesis: %s of audio\n", PassMark, dur.Round(time.Millisecond))
		}
	}

	return res
}

// checkLibVersion reports whether ver is a release known to work. With no
// list every parseable version passes.
func checkLibVersion(ver string, supported []string) bool {
	if _, err := engine.ParseVersion(ver); err != nil {
		return false
	}
	if len(supported) == 0 {
		return true
	}

	return slices.Contains(supported, ver)
}

// countVoices counts the entries under <dataPath>/voices.
func countVoices(dataPath string) (int, error) {
	info, err := os.Stat(dataPath)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory")
	}

	entries, err := os.ReadDir(filepath.Join(dataPath, "voices"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}

	return n, nil
}

func smoke(synthesize func() ([]byte, error)) (time.Duration, error) {
	data, err := synthesize()
	if err != nil {
		return 0, err
	}

	samples, info, err := audio.DecodeWAV(data)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("no audio produced")
	}

	return time.Duration(len(samples)) * time.Second / time.Duration(info.SampleRate), nil
}
