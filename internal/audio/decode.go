package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
)

// ErrFormatMismatch is returned when a decoded WAV does not carry mono PCM16.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// Info describes the fmt chunk of a WAV payload.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// ReadWAVInfo validates a complete WAV payload and returns its format.
// Only mono 16-bit PCM is accepted; the sample rate is whatever the engine
// voice produced.
func ReadWAVInfo(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Info{}, errors.New("invalid WAV file")
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if info.Channels != Channels {
		return info, fmt.Errorf("%w: channels %d, want %d", ErrFormatMismatch, info.Channels, Channels)
	}
	if info.BitDepth != BitDepth {
		return info, fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, info.BitDepth, BitDepth)
	}

	return info, nil
}

// DecodeWAV decodes WAV bytes and returns normalized float32 samples.
func DecodeWAV(data []byte) ([]float32, Info, error) {
	info, err := ReadWAVInfo(data)
	if err != nil {
		return nil, info, err
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, info, fmt.Errorf("reading PCM data: %w", err)
	}

	return buf.Data, info, nil
}
