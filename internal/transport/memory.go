package transport

import (
	"context"
	"sync"

	"github.com/example/go-rhvoice/internal/job"
)

// queue is an unbounded FIFO; producers never block.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, v)
	select {
	case q.notify <- struct{}{}:
	default:
	}

	return nil
}

func (q *queue[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type inbox struct{ q *queue[job.Message] }

func (i inbox) Send(_ context.Context, msg job.Message) error { return i.q.push(msg) }

func (i inbox) Receive(ctx context.Context) (job.Message, error) { return i.q.pop(ctx) }

type chunk struct {
	req   string
	data  []byte
	parts int
}

// chunkStream is an unbounded, request-tagged chunk FIFO.
type chunkStream struct {
	mu      sync.Mutex
	items   []chunk
	current string
	changed chan struct{}
	closed  bool
}

func newChunkStream() *chunkStream {
	return &chunkStream{changed: make(chan struct{})}
}

func (s *chunkStream) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *chunkStream) Write(reqID string, data []byte) error {
	return s.writeParts(reqID, data, 1)
}

func (s *chunkStream) writeParts(reqID string, data []byte, parts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.items = append(s.items, chunk{req: reqID, data: data, parts: parts})
	s.broadcast()

	return nil
}

func (s *chunkStream) Reset(reqID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.current = reqID
	s.broadcast()
}

func (s *chunkStream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items)
}

func (s *chunkStream) Expect(reqID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = reqID
	s.broadcast()
}

func (s *chunkStream) Read(ctx context.Context, reqID string) ([]byte, error) {
	c, err := s.next(ctx, reqID)
	return c.data, err
}

func (s *chunkStream) next(ctx context.Context, reqID string) (chunk, error) {
	for {
		s.mu.Lock()
		if s.current != reqID {
			s.mu.Unlock()
			return chunk{}, ErrStale
		}
		for len(s.items) > 0 && s.items[0].req != reqID {
			s.items = s.items[1:]
		}
		if len(s.items) > 0 {
			c := s.items[0]
			s.items = s.items[1:]
			s.mu.Unlock()
			return c, nil
		}
		if s.closed {
			s.mu.Unlock()
			return chunk{}, ErrClosed
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return chunk{}, ctx.Err()
		}
	}
}

func (s *chunkStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.broadcast()
	}
}

// Pipe returns the two ends of an in-process worker connection. The
// Generating flag starts up so the worker is not claimable before it has
// initialized its engine.
func Pipe() (WorkerEnd, ClientEnd) {
	in := inbox{q: newQueue[job.Message]()}
	out := newChunkStream()
	sig := Signals{
		Client:     NewFlag(false),
		Generating: NewFlag(true),
		Started:    NewFlag(false),
	}
	closeAll := func() error {
		in.q.close()
		out.close()
		return nil
	}

	return WorkerEnd{Inbox: in, Outbox: out, Signals: sig, Close: closeAll},
		ClientEnd{Inbox: in, Outbox: out, Signals: sig, Close: closeAll}
}
