package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/go-rhvoice/internal/job"
)

// Header names carried by outbox messages.
const (
	HeaderRequest = "Rhvoice-Request"
	HeaderMore    = "Rhvoice-More"
	HeaderParts   = "Rhvoice-Parts"

	DefaultPrefix = "rhvoice"

	sendAttemptTimeout = 5 * time.Second
	sendRetryInterval  = 50 * time.Millisecond
	watchSyncTimeout   = 5 * time.Second
	defaultMaxPiece    = 1 << 20
	headerAllowance    = 512
)

// NATSOptions address one worker over a NATS connection.
type NATSOptions struct {
	Conn   *nats.Conn
	JS     nats.JetStreamContext
	Prefix string
	Worker int
	Logger *slog.Logger
}

func (o NATSOptions) withDefaults() NATSOptions {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With(slog.String("component", "transport"), slog.Int("worker", o.Worker))

	return o
}

func (o NATSOptions) subject(kind string) string {
	return fmt.Sprintf("%s.w%d.%s", o.Prefix, o.Worker, kind)
}

func (o NATSOptions) signalKey(name string) string {
	return fmt.Sprintf("w%d.%s", o.Worker, name)
}

// SignalBucket returns the KV bucket name used for a subject prefix.
func SignalBucket(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	var b strings.Builder
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String() + "-signals"
}

// EnsureBucket creates the signal bucket, or binds to it if it exists.
func EnsureBucket(js nats.JetStreamContext, prefix string) (nats.KeyValue, error) {
	bucket := SignalBucket(prefix)
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "rhvoice worker signals",
		History:     1,
		Storage:     nats.MemoryStorage,
	})
	if err == nil {
		return kv, nil
	}

	existing, bindErr := js.KeyValue(bucket)
	if bindErr != nil {
		return nil, fmt.Errorf("signal bucket %s: %w", bucket, errors.Join(err, bindErr))
	}

	return existing, nil
}

// NewNATSClientEnd builds the dispatcher side for one worker and resets its
// signals: no client, not ready, not started.
func NewNATSClientEnd(opts NATSOptions) (ClientEnd, error) {
	opts = opts.withDefaults()

	kv, err := EnsureBucket(opts.JS, opts.Prefix)
	if err != nil {
		return ClientEnd{}, err
	}

	var closers closerList
	sig, err := newKVSignals(kv, opts, &[3]bool{false, true, false}, &closers)
	if err != nil {
		closers.close()
		return ClientEnd{}, err
	}

	reader := &natsReader{nc: opts.Conn, ack: opts.subject("ack"), local: newChunkStream(), logger: opts.Logger}
	sub, err := opts.Conn.Subscribe(opts.subject("out"), reader.receive)
	if err != nil {
		closers.close()
		return ClientEnd{}, fmt.Errorf("subscribe outbox: %w", err)
	}
	closers.add(sub.Unsubscribe)
	closers.add(func() error { reader.local.close(); return nil })

	return ClientEnd{
		Inbox:   &natsSender{nc: opts.Conn, subject: opts.subject("in")},
		Outbox:  reader,
		Signals: sig,
		Close:   closers.close,
	}, nil
}

// NewNATSWorkerEnd builds the worker side. Signals start from whatever the
// dispatcher stored.
func NewNATSWorkerEnd(opts NATSOptions) (WorkerEnd, error) {
	opts = opts.withDefaults()

	kv, err := opts.JS.KeyValue(SignalBucket(opts.Prefix))
	if err != nil {
		return WorkerEnd{}, fmt.Errorf("bind signal bucket: %w", err)
	}

	var closers closerList
	sig, err := newKVSignals(kv, opts, nil, &closers)
	if err != nil {
		closers.close()
		return WorkerEnd{}, err
	}

	in := inbox{q: newQueue[job.Message]()}
	inSub, err := opts.Conn.Subscribe(opts.subject("in"), func(m *nats.Msg) {
		var msg job.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			_ = m.Respond([]byte("decode: " + err.Error()))
			return
		}
		if err := in.q.push(msg); err != nil {
			_ = m.Respond([]byte(err.Error()))
			return
		}
		_ = m.Respond(nil)
	})
	if err != nil {
		closers.close()
		return WorkerEnd{}, fmt.Errorf("subscribe inbox: %w", err)
	}
	closers.add(inSub.Unsubscribe)
	closers.add(func() error { in.q.close(); return nil })

	maxPiece := int(opts.Conn.MaxPayload()) - headerAllowance
	if maxPiece <= 0 {
		maxPiece = defaultMaxPiece
	}
	writer := &natsWriter{nc: opts.Conn, subject: opts.subject("out"), maxPiece: maxPiece}
	ackSub, err := opts.Conn.Subscribe(opts.subject("ack"), writer.onAck)
	if err != nil {
		closers.close()
		return WorkerEnd{}, fmt.Errorf("subscribe acks: %w", err)
	}
	closers.add(ackSub.Unsubscribe)

	// Make sure the server knows our subscriptions before we report ready.
	if err := opts.Conn.Flush(); err != nil {
		closers.close()
		return WorkerEnd{}, fmt.Errorf("flush subscriptions: %w", err)
	}

	return WorkerEnd{Inbox: in, Outbox: writer, Signals: sig, Close: closers.close}, nil
}

type closerList struct {
	mu  sync.Mutex
	fns []func() error
}

func (c *closerList) add(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

func (c *closerList) close() error {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// natsSender delivers inbox messages as requests so that delivery is
// acknowledged. It retries while the worker has not subscribed yet.
type natsSender struct {
	nc      *nats.Conn
	subject string
}

func (s *natsSender) Send(ctx context.Context, msg job.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Kind, err)
	}

	for {
		actx, cancel := context.WithTimeout(ctx, sendAttemptTimeout)
		reply, err := s.nc.RequestWithContext(actx, s.subject, data)
		cancel()

		switch {
		case err == nil && len(reply.Data) == 0:
			return nil
		case err == nil:
			return fmt.Errorf("worker rejected %s message: %s", msg.Kind, reply.Data)
		case !errors.Is(err, nats.ErrNoResponders):
			return fmt.Errorf("send %s message: %w", msg.Kind, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sendRetryInterval):
		}
	}
}

// natsWriter publishes chunks and counts acknowledgements from the reader.
type natsWriter struct {
	nc       *nats.Conn
	subject  string
	maxPiece int

	mu        sync.Mutex
	current   string
	published int
	acked     int
}

func (w *natsWriter) Write(reqID string, data []byte) error {
	pieces := splitPieces(data, w.maxPiece)
	for i, p := range pieces {
		msg := nats.NewMsg(w.subject)
		msg.Header.Set(HeaderRequest, reqID)
		if i < len(pieces)-1 {
			msg.Header.Set(HeaderMore, "1")
		}
		msg.Data = p
		if err := w.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish chunk: %w", err)
		}
	}

	w.mu.Lock()
	if reqID == w.current {
		w.published += len(pieces)
	}
	w.mu.Unlock()

	return nil
}

func splitPieces(data []byte, size int) [][]byte {
	if len(data) <= size {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}

	return append(out, data)
}

func (w *natsWriter) Reset(reqID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = reqID
	w.published = 0
	w.acked = 0
}

func (w *natsWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.published - w.acked
}

func (w *natsWriter) onAck(m *nats.Msg) {
	parts, err := strconv.Atoi(m.Header.Get(HeaderParts))
	if err != nil || parts < 1 {
		parts = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if string(m.Data) == w.current {
		w.acked += parts
	}
}

// natsReader reassembles pieces into a local stream and acknowledges each
// chunk as it is consumed.
type natsReader struct {
	nc     *nats.Conn
	ack    string
	local  *chunkStream
	logger *slog.Logger

	// Only touched from the subscription callback.
	partReq string
	partBuf []byte
	parts   int
}

func (r *natsReader) receive(m *nats.Msg) {
	req := m.Header.Get(HeaderRequest)
	if req != r.partReq {
		r.partReq, r.partBuf, r.parts = req, nil, 0
	}
	r.partBuf = append(r.partBuf, m.Data...)
	r.parts++
	if m.Header.Get(HeaderMore) != "" {
		return
	}

	data := r.partBuf
	if data == nil {
		data = []byte{}
	}
	if err := r.local.writeParts(req, data, r.parts); err != nil {
		r.logger.Debug("drop chunk", slog.String("request", req), slog.String("error", err.Error()))
	}
	r.partReq, r.partBuf, r.parts = "", nil, 0
}

func (r *natsReader) Expect(reqID string) { r.local.Expect(reqID) }

func (r *natsReader) Read(ctx context.Context, reqID string) ([]byte, error) {
	c, err := r.local.next(ctx, reqID)
	if err != nil {
		return nil, err
	}

	msg := nats.NewMsg(r.ack)
	msg.Header.Set(HeaderParts, strconv.Itoa(c.parts))
	msg.Data = []byte(reqID)
	if err := r.nc.PublishMsg(msg); err != nil {
		r.logger.Warn("ack chunk", slog.String("error", err.Error()))
	}

	return c.data, nil
}

// kvSignal mirrors one KV key into a local Flag. Writes go through the
// bucket; the watcher applies remote updates in revision order.
type kvSignal struct {
	*Flag
	kv      nats.KeyValue
	key     string
	watcher nats.KeyWatcher
	logger  *slog.Logger
}

func newKVSignals(kv nats.KeyValue, opts NATSOptions, initial *[3]bool, closers *closerList) (Signals, error) {
	names := [3]string{"client", "generating", "started"}
	var made [3]*kvSignal
	for i, name := range names {
		var start *bool
		if initial != nil {
			start = &initial[i]
		}
		s, err := newKVSignal(kv, opts.signalKey(name), start, opts.Logger)
		if err != nil {
			return Signals{}, err
		}
		closers.add(s.watcher.Stop)
		made[i] = s
	}

	return Signals{Client: made[0], Generating: made[1], Started: made[2]}, nil
}

func newKVSignal(kv nats.KeyValue, key string, initial *bool, logger *slog.Logger) (*kvSignal, error) {
	s := &kvSignal{Flag: NewFlag(false), kv: kv, key: key, logger: logger}
	if initial != nil {
		if err := s.put(*initial); err != nil {
			return nil, err
		}
	}

	w, err := kv.Watch(key)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}
	s.watcher = w

	timeout := time.NewTimer(watchSyncTimeout)
	defer timeout.Stop()
replay:
	for {
		select {
		case e, ok := <-w.Updates():
			if !ok || e == nil {
				break replay
			}
			s.apply(e)
		case <-timeout.C:
			_ = w.Stop()
			return nil, fmt.Errorf("watch %s: initial values not received", key)
		}
	}

	go s.follow()

	return s, nil
}

func (s *kvSignal) follow() {
	for e := range s.watcher.Updates() {
		if e != nil {
			s.apply(e)
		}
	}
}

func (s *kvSignal) apply(e nats.KeyValueEntry) {
	if e.Operation() != nats.KeyValuePut {
		return
	}
	s.Flag.set(string(e.Value()) == "1", e.Revision())
}

func (s *kvSignal) put(up bool) error {
	v := []byte("0")
	if up {
		v = []byte("1")
	}

	rev, err := s.kv.Put(s.key, v)
	if err != nil {
		s.Flag.set(up, 0)
		return fmt.Errorf("store signal %s: %w", s.key, err)
	}
	s.Flag.set(up, rev)

	return nil
}

func (s *kvSignal) Raise() {
	if err := s.put(true); err != nil {
		s.logger.Warn("raise signal", slog.String("error", err.Error()))
	}
}

func (s *kvSignal) Lower() {
	if err := s.put(false); err != nil {
		s.logger.Warn("lower signal", slog.String("error", err.Error()))
	}
}
