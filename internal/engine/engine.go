// Package engine defines the contract between workers and a single-call
// speech synthesis library. An Engine instance is used by exactly one
// goroutine at a time; concurrency comes from running many instances.
package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/go-rhvoice/internal/params"
)

var (
	// ErrInit is returned when the library cannot be loaded or the engine
	// cannot be created.
	ErrInit = errors.New("engine initialization failed")
	// ErrMessage is returned when the engine rejects a piece of text.
	ErrMessage = errors.New("message building error")
	ErrClosed  = errors.New("engine closed")
)

// Callbacks receive the engine's output during Generate.
type Callbacks struct {
	// SampleRate is called before the first samples of every Generate call.
	SampleRate func(rate int) bool
	// Samples receives mono PCM16 little-endian blocks. Returning false
	// asks the engine to stop the current generation early.
	Samples func(pcm []byte) bool
}

// Voice describes one installed voice.
type Voice struct {
	No       int    `json:"no"`
	Name     string `json:"name"`
	Language string `json:"lang"`
	Gender   string `json:"gender"`
	Country  string `json:"country"`
}

// Engine is a single synthesis instance.
type Engine interface {
	// SetParams replaces the engine's current parameter set.
	SetParams(p params.Params)
	Params() params.Params
	// SetVoice replaces only the voice profile of the current set.
	SetVoice(voice string)
	// Generate synthesizes text synchronously, delivering audio through the
	// callbacks. A nil p uses the current parameter set.
	Generate(text string, p *params.Params) error
	Voices() []Voice
	VoiceProfiles() []string
	// Version returns the library version string.
	Version() string
	Close() error
}

// Factory creates an engine bound to the given callbacks.
type Factory func(cb Callbacks) (Engine, error)

// Version is a major.minor.patch triple.
type Version [3]int

// ParseVersion parses versions like "1.2.3" or "1.2". Missing parts are 0.
func ParseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return v, fmt.Errorf("invalid version %q", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, fmt.Errorf("invalid version %q", s)
		}
		v[i] = n
	}

	return v, nil
}

func (v Version) Compare(o Version) int {
	for i := range v {
		switch {
		case v[i] < o[i]:
			return -1
		case v[i] > o[i]:
			return 1
		}
	}

	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// GenderName maps the library's numeric gender codes.
func GenderName(code int) string {
	switch code {
	case 1:
		return "male"
	case 2:
		return "female"
	default:
		return "unknown"
	}
}
