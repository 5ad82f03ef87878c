package tts

import (
	"maps"

	"github.com/example/go-rhvoice/internal/audio"
)

type sayOptions struct {
	voice         string
	format        audio.Format
	chunkSize     int
	overrides     map[string]any
	segments      []string
	sentenceChars int
}

// SayOption adjusts one request.
type SayOption func(*sayOptions)

// WithVoice selects one voice or a blend like "Anna+Clb". Empty keeps the
// persistent voice profile.
func WithVoice(voice string) SayOption {
	return func(o *sayOptions) { o.voice = voice }
}

// WithFormat selects the output format; the default is wav.
func WithFormat(f audio.Format) SayOption {
	return func(o *sayOptions) {
		if f != "" {
			o.format = f
		}
	}
}

// WithChunkSize rechunks the output into pieces of exactly n bytes (the
// last one may be shorter). Zero passes chunks through as produced.
func WithChunkSize(n int) SayOption {
	return func(o *sayOptions) { o.chunkSize = n }
}

// WithOverrides applies parameters to this request only.
func WithOverrides(overrides map[string]any) SayOption {
	return func(o *sayOptions) {
		if len(overrides) > 0 {
			o.overrides = maps.Clone(overrides)
		}
	}
}

// WithSegments synthesizes the given strings back to back into one output,
// ignoring the text argument.
func WithSegments(segments ...string) SayOption {
	return func(o *sayOptions) { o.segments = append([]string{}, segments...) }
}

// WithSentenceSplit cuts the text into segments of about maxChars
// characters at sentence boundaries. Zero disables splitting.
func WithSentenceSplit(maxChars int) SayOption {
	return func(o *sayOptions) { o.sentenceChars = maxChars }
}
