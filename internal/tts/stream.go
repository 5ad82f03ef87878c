package tts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/example/go-rhvoice/internal/worker"
)

// ErrStreamClosed is returned by Next after Close on an unfinished stream.
var ErrStreamClosed = errors.New("stream closed")

// Stream is the lazy, finite output of one request. It is not safe for
// concurrent use and cannot be restarted.
type Stream struct {
	ctx       context.Context
	client    *worker.Client
	id        string
	chunkSize int

	buf   []byte
	rd    []byte
	ended bool
	err   error
	bytes int64

	releaseOnce sync.Once
	onRelease   func(bytes int64)
}

func newStream(ctx context.Context, c *worker.Client, id string, chunkSize int, onRelease func(int64)) *Stream {
	return &Stream{ctx: ctx, client: c, id: id, chunkSize: chunkSize, onRelease: onRelease}
}

// ID identifies the request behind the stream.
func (s *Stream) ID() string { return s.id }

// Next returns the next chunk, or io.EOF once the output is complete.
// With a chunk size set every chunk but the last has exactly that size.
func (s *Stream) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	for {
		if s.chunkSize > 0 && len(s.buf) >= s.chunkSize {
			out := s.buf[:s.chunkSize:s.chunkSize]
			s.buf = s.buf[s.chunkSize:]
			return out, nil
		}
		if s.ended {
			if len(s.buf) > 0 {
				out := s.buf
				s.buf = nil
				return out, nil
			}
			s.err = io.EOF
			return nil, io.EOF
		}

		chunk, err := s.client.Read(s.ctx, s.id)
		if err != nil {
			s.err = err
			s.release()
			return nil, err
		}
		if len(chunk) == 0 {
			s.ended = true
			s.release()
			continue
		}

		s.bytes += int64(len(chunk))
		if s.chunkSize <= 0 {
			return chunk, nil
		}
		s.buf = append(s.buf, chunk...)
	}
}

// Read implements io.Reader over the chunk sequence.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.rd) == 0 {
		chunk, err := s.Next()
		if err != nil {
			return 0, err
		}
		s.rd = chunk
	}
	n := copy(p, s.rd)
	s.rd = s.rd[n:]

	return n, nil
}

// All yields the remaining chunks and closes the stream when the loop
// ends. Check Err afterwards.
func (s *Stream) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer s.Close()
		for {
			chunk, err := s.Next()
			if err != nil || !yield(chunk) {
				return
			}
		}
	}
}

// Bytes drains the stream.
func (s *Stream) Bytes() ([]byte, error) {
	var out bytes.Buffer
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
		out.Write(chunk)
	}
}

// Err returns the error that ended the stream, if it was not a normal end.
func (s *Stream) Err() error {
	if s.err == nil || errors.Is(s.err, io.EOF) || errors.Is(s.err, ErrStreamClosed) {
		return nil
	}

	return s.err
}

// Close frees the worker whether or not the stream was drained. A worker
// still generating stops at its next sample block.
func (s *Stream) Close() error {
	if s.err == nil {
		s.err = ErrStreamClosed
	}
	s.release()

	return nil
}

func (s *Stream) release() {
	s.releaseOnce.Do(func() {
		s.client.Done()
		if s.onRelease != nil {
			s.onRelease(s.bytes)
		}
	})
}
