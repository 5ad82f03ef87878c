package testutil

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/example/go-rhvoice/internal/audio"
)

// AssertValidWAV checks that data is a complete mono 16-bit PCM WAV file
// with an exact data chunk length and at least one sample. It returns the
// sample rate.
func AssertValidWAV(tb testing.TB, data []byte) int {
	tb.Helper()

	if len(data) < audio.HeaderSize {
		tb.Fatalf("WAV data too short: %d bytes", len(data))
	}

	info, err := audio.ReadWAVInfo(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}

	dataSize, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}
	if dataSize == audio.StreamingLength {
		tb.Fatal("WAV: data chunk carries the streaming length marker")
	}
	if dataSize/2 == 0 {
		tb.Fatal("WAV: data chunk contains zero samples")
	}

	return info.SampleRate
}

// AssertStreamingWAV checks the 44-byte streaming header in front of data
// and returns the number of PCM bytes that follow it.
func AssertStreamingWAV(tb testing.TB, data []byte, sampleRate int) int {
	tb.Helper()

	if len(data) < audio.HeaderSize {
		tb.Fatalf("WAV data too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		tb.Fatalf("WAV: missing RIFF/WAVE markers (got %q/%q)", data[0:4], data[8:12])
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != audio.StreamingLength {
		tb.Fatalf("WAV: RIFF size = 0x%08X; want streaming marker", got)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != audio.StreamingLength {
		tb.Fatalf("WAV: data size = 0x%08X; want streaming marker", got)
	}
	if got := binary.LittleEndian.Uint16(data[22:24]); got != 1 {
		tb.Fatalf("WAV: expected mono, got %d channels", got)
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != uint32(sampleRate) {
		tb.Fatalf("WAV: sample rate = %d; want %d", got, sampleRate)
	}
	if got := binary.LittleEndian.Uint16(data[34:36]); got != 16 {
		tb.Fatalf("WAV: expected 16-bit depth, got %d", got)
	}

	return len(data) - audio.HeaderSize
}

// findDataChunkSize walks the WAV chunk list to locate the "data" sub-chunk
// and returns its size in bytes.
func findDataChunkSize(data []byte) (uint32, error) {
	// Start after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])

		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if id == "data" {
			return size, nil
		}

		offset += 8 + int(size)
		// Pad to even boundary.
		if size%2 != 0 {
			offset++
		}
	}

	return 0, errors.New("data chunk not found in WAV")
}
