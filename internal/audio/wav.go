package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// EncodeWAVPCM16 wraps raw mono PCM16 bytes in a WAV container whose header
// carries the exact payload length.
func EncodeWAVPCM16(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate < 1 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if len(pcm)%SampleWidth != 0 {
		return nil, fmt.Errorf("odd PCM16 payload: %d bytes", len(pcm))
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(pcm)))
	sw := &seekBuffer{buf: buf}

	enc := wav.NewEncoder(sw, sampleRate, BitDepth, Channels, 1) // 1 = PCM

	samples := make([]float32, SampleCount(pcm))
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[i*SampleWidth:]))
		samples[i] = float32(v) / 32768
	}

	pcmBuf := &goaudio.Float32Buffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: Channels},
		SourceBitDepth: BitDepth,
	}

	if err := enc.Write(pcmBuf); err != nil {
		return nil, fmt.Errorf("writing PCM: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// seekBuffer lets the wav encoder patch chunk sizes in memory.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}

	data := s.buf.Bytes()
	n := copy(data[s.pos:], p)
	if n < len(p) {
		s.buf.Write(p[n:])
		n = len(p)
	}
	s.pos += n
	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int
	switch whence {
	case io.SeekStart:
		pos = int(offset)
	case io.SeekCurrent:
		pos = s.pos + int(offset)
	case io.SeekEnd:
		pos = s.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 || pos > s.buf.Len() {
		return 0, fmt.Errorf("seek out of range: %d", pos)
	}
	s.pos = pos
	return int64(pos), nil
}
