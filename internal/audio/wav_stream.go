package audio

import (
	"encoding/binary"
	"io"
)

// PCM layout produced by the engines: mono, signed 16-bit little-endian.
const (
	Channels    = 1
	BitDepth    = 16
	SampleWidth = BitDepth / 8
	HeaderSize  = 44

	// StreamingLength marks the RIFF and data sizes of a stream whose total
	// length is not known up front.
	StreamingLength = 0xFFFFFFFF
)

// WriteWAVHeaderStreaming writes a 44-byte WAV header suitable for streaming
// where the total data length is not known in advance. Both the RIFF chunk
// size and the data sub-chunk size are set to StreamingLength.
func WriteWAVHeaderStreaming(w io.Writer, sampleRate int) (int, error) {
	hdr := wavHeader(sampleRate, StreamingLength, StreamingLength)
	return w.Write(hdr[:])
}

func wavHeader(sampleRate int, riffSize, dataSize uint32) [HeaderSize]byte {
	byteRate := sampleRate * Channels * SampleWidth
	blockAlign := Channels * SampleWidth

	var hdr [HeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], riffSize)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], Channels)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], BitDepth)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	return hdr
}

// SampleCount returns the number of whole samples in a PCM16 byte slice.
func SampleCount(pcm []byte) int {
	return len(pcm) / SampleWidth
}
