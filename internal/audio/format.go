package audio

import (
	"errors"
	"fmt"
	"strings"
)

// Format names an output container/codec a synthesis request can ask for.
type Format string

const (
	FormatPCM  Format = "pcm"
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatOpus Format = "opus"
	FormatFLAC Format = "flac"
)

// ErrUnsupportedFormat is returned for format names that are unknown or not
// available on this host.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// ParseFormat normalizes a user supplied format name.
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	switch f {
	case FormatPCM, FormatWAV, FormatMP3, FormatOpus, FormatFLAC:
		return f, nil
	case "":
		return "", fmt.Errorf("%w: empty name", ErrUnsupportedFormat)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Encoded reports whether producing f requires an external encoder.
func (f Format) Encoded() bool {
	switch f {
	case FormatMP3, FormatOpus, FormatFLAC:
		return true
	default:
		return false
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatPCM:
		return "audio/L16"
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatOpus:
		return "audio/ogg"
	case FormatFLAC:
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

func (f Format) String() string { return string(f) }
