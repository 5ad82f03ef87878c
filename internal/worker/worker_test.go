package worker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/encoder"
	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/job"
	"github.com/example/go-rhvoice/internal/params"
	"github.com/example/go-rhvoice/internal/sink"
	"github.com/example/go-rhvoice/internal/testutil"
	"github.com/example/go-rhvoice/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type starter func(t *testing.T, factory engine.Factory, opts Options) *Client

func threadStarter(t *testing.T, factory engine.Factory, opts Options) *Client {
	return StartThread(1, factory, opts, ClientOptions{StartTimeout: 5 * time.Second}, quietLogger())
}

// natsStarter runs the worker in a goroutine but connects it over NATS,
// exactly like a child process would.
func natsStarter(t *testing.T, factory engine.Factory, opts Options) *Client {
	t.Helper()

	sopts := test.DefaultTestOptions
	sopts.Port = -1
	sopts.JetStream = true
	sopts.StoreDir = t.TempDir()
	srv := test.RunServer(&sopts)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	js, err := conn.JetStream()
	require.NoError(t, err)

	nopts := transport.NATSOptions{Conn: conn, JS: js, Prefix: "wt", Worker: 1, Logger: quietLogger()}
	cend, err := transport.NewNATSClientEnd(nopts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := newClient(1, cend, ClientOptions{StartTimeout: 5 * time.Second}, cancel, quietLogger())
	go func() {
		err := ServeProcess(ctx, 1, factory, opts, nopts, quietLogger())
		cancel()
		c.exited(err)
	}()

	return c
}

type WorkerSuite struct {
	suite.Suite
	start starter
}

func TestWorkerMemory(t *testing.T) {
	suite.Run(t, &WorkerSuite{start: threadStarter})
}

func TestWorkerNATS(t *testing.T) {
	suite.Run(t, &WorkerSuite{start: natsStarter})
}

func (s *WorkerSuite) newWorker(fopts testutil.FakeOptions, opts Options) *Client {
	opts.Sink.Stream = true
	if opts.ReleaseInterval == 0 {
		opts.ReleaseInterval = 200 * time.Millisecond
	}
	c := s.start(s.T(), testutil.FakeFactory(fopts), opts)
	s.T().Cleanup(func() { _ = c.Join() })

	s.Require().Eventually(func() bool { return !c.Busy() }, 5*time.Second, 5*time.Millisecond, "worker never became ready")

	return c
}

func (s *WorkerSuite) request(c *Client, req job.Request) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.Require().False(c.Busy())
	c.Claim()
	s.Require().True(c.Busy())
	s.Require().NoError(c.Submit(ctx, req))

	var out bytes.Buffer
	for {
		b, err := c.Read(ctx, req.ID)
		s.Require().NoError(err)
		if len(b) == 0 {
			break
		}
		out.Write(b)
	}
	c.Done()

	return out.Bytes()
}

func wavRequest(id, text string) job.Request {
	return job.Request{ID: id, Segments: []string{text}, Voice: "anna", Format: audio.FormatWAV}
}

func (s *WorkerSuite) TestRoundTrip() {
	c := s.newWorker(testutil.FakeOptions{}, Options{})

	data := s.request(c, wavRequest("r1", "hello world"))

	n := testutil.AssertStreamingWAV(s.T(), data, testutil.FakeSampleRate)
	want := testutil.FakeSampleCount("hello world", params.Defaults(), testutil.FakeOptions{}) * 2
	s.Equal(want, n)

	s.Eventually(func() bool { return !c.Busy() }, 5*time.Second, 5*time.Millisecond)
}

func (s *WorkerSuite) TestSegmentsAreConcatenated() {
	c := s.newWorker(testutil.FakeOptions{}, Options{})

	req := wavRequest("r-seg", "")
	req.Segments = []string{"first part.", "bad\x00segment", "second part."}
	data := s.request(c, req)

	n := testutil.AssertStreamingWAV(s.T(), data, testutil.FakeSampleRate)
	want := testutil.FakeSampleCount("first part.", params.Defaults(), testutil.FakeOptions{}) +
		testutil.FakeSampleCount("second part.", params.Defaults(), testutil.FakeOptions{})
	s.Equal(want*2, n, "a failing segment is skipped")
}

func (s *WorkerSuite) TestEmptyText() {
	c := s.newWorker(testutil.FakeOptions{}, Options{})

	data := s.request(c, wavRequest("r-empty", ""))
	s.Empty(data)
	s.Eventually(func() bool { return !c.Busy() }, 5*time.Second, 5*time.Millisecond)
}

func (s *WorkerSuite) TestOverridesAreTransient() {
	c := s.newWorker(testutil.FakeOptions{}, Options{})

	plain := s.request(c, wavRequest("a", "override check"))
	s.Eventually(func() bool { return !c.Busy() }, 5*time.Second, 5*time.Millisecond)

	req := wavRequest("b", "override check")
	req.Overrides = map[string]any{params.KeyAbsoluteRate: 0.5, params.KeyAbsolutePitch: -0.5}
	changed := s.request(c, req)
	s.Eventually(func() bool { return !c.Busy() }, 5*time.Second, 5*time.Millisecond)

	again := s.request(c, wavRequest("c", "override check"))

	s.NotEqual(len(plain), len(changed))
	s.Equal(plain, again, "persistent parameters restored after the override")
}

func (s *WorkerSuite) TestSetParamsIsPersistent() {
	c := s.newWorker(testutil.FakeOptions{}, Options{})

	before := s.request(c, wavRequest("a", "persistent"))
	s.Eventually(func() bool { return !c.Busy() }, 5*time.Second, 5*time.Millisecond)

	p := params.Defaults()
	p.RelativeRate = 2
	s.Require().NoError(c.SetParams(context.Background(), p))

	after := s.request(c, wavRequest("b", "persistent"))
	s.Less(len(after), len(before))
}

func (s *WorkerSuite) TestAbandonedReaderIsReleased() {
	c := s.newWorker(testutil.FakeOptions{}, Options{ReleaseInterval: 100 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.Claim()
	s.Require().NoError(c.Submit(ctx, wavRequest("gone", "nobody reads this")))

	// Never read and never call Done.
	s.Eventually(func() bool { return !c.Busy() }, 5*time.Second, 10*time.Millisecond)

	_, err := c.Read(ctx, "gone")
	s.NoError(err, "buffered output stays readable until the next claim")

	data := s.request(c, wavRequest("next", "fresh request"))
	n := testutil.AssertStreamingWAV(s.T(), data, testutil.FakeSampleRate)
	s.Equal(testutil.FakeSampleCount("fresh request", params.Defaults(), testutil.FakeOptions{})*2, n,
		"stale output does not leak into the next request")
}

// childCount reports how many child processes this process has, counting
// unreaped ones. ok is false where /proc does not expose children.
func childCount() (n int, ok bool) {
	files, err := filepath.Glob("/proc/self/task/*/children")
	if err != nil || len(files) == 0 {
		return 0, false
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		n += len(strings.Fields(string(b)))
	}
	return n, true
}

func (s *WorkerSuite) TestAbandonedEncoderStreamLeavesNothingBehind() {
	if _, err := exec.LookPath("cat"); err != nil {
		s.T().Skip("cat not available")
	}
	if _, ok := childCount(); !ok {
		s.T().Skip("/proc children not available")
	}

	encoders := encoder.Detect(encoder.Overrides{audio.FormatMP3: "cat -"}, quietLogger())
	c := s.newWorker(testutil.FakeOptions{}, Options{
		ReleaseInterval: 100 * time.Millisecond,
		Sink:            sink.Options{Encoders: encoders},
	})

	// Let the worker settle before sampling the baseline.
	time.Sleep(50 * time.Millisecond)
	goroutines := runtime.NumGoroutine()
	children, _ := childCount()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"gone-1", "gone-2", "gone-3"} {
		req := wavRequest(id, "nobody reads this either")
		req.Format = audio.FormatMP3
		c.Claim()
		s.Require().NoError(c.Submit(ctx, req))
		s.Require().Eventually(func() bool { return !c.Busy() }, 5*time.Second, 10*time.Millisecond)
	}

	s.Eventually(func() bool {
		n, _ := childCount()
		return n <= children
	}, 5*time.Second, 20*time.Millisecond, "encoder processes outlive their requests")
	s.Eventually(func() bool { return runtime.NumGoroutine() <= goroutines },
		5*time.Second, 20*time.Millisecond, "goroutines outlive their requests")
}

func (s *WorkerSuite) TestStalledEncoderReleasesWorker() {
	if _, err := exec.LookPath("sleep"); err != nil {
		s.T().Skip("sleep not available")
	}

	encoders := encoder.Detect(encoder.Overrides{audio.FormatMP3: "sleep 30"}, quietLogger())
	c := s.newWorker(testutil.FakeOptions{}, Options{Sink: sink.Options{
		Encoders:    encoders,
		WaitTimeout: 200 * time.Millisecond,
		JoinTimeout: 200 * time.Millisecond,
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	long := strings.Repeat("words the encoder never reads ", 400)
	req := wavRequest("stalled", long)
	req.Format = audio.FormatMP3

	start := time.Now()
	c.Claim()
	s.Require().NoError(c.Submit(ctx, req))
	for {
		b, err := c.Read(ctx, req.ID)
		s.Require().NoError(err)
		if len(b) == 0 {
			break
		}
	}
	c.Done()

	s.Eventually(func() bool { return !c.Busy() }, 5*time.Second, 10*time.Millisecond,
		"a stalled encoder must not pin the worker")
	s.Less(time.Since(start), 8*time.Second)
}

func (s *WorkerSuite) TestEarlyDoneAbortsGeneration() {
	tracker := &testutil.Tracker{}
	c := s.newWorker(testutil.FakeOptions{BlockDelay: 5 * time.Millisecond, Tracker: tracker}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	long := string(bytes.Repeat([]byte("long text "), 200))
	c.Claim()
	s.Require().NoError(c.Submit(ctx, wavRequest("early", long)))

	b, err := c.Read(ctx, "early")
	s.Require().NoError(err)
	s.NotEmpty(b)
	c.Done()

	s.Eventually(func() bool { return !c.Busy() }, 3*time.Second, 5*time.Millisecond,
		"worker should stop generating once the client leaves")
}

func (s *WorkerSuite) TestMissingEncoderEndsStream() {
	c := s.newWorker(testutil.FakeOptions{}, Options{})

	req := wavRequest("mp3", "no encoder here")
	req.Format = audio.FormatMP3
	data := s.request(c, req)

	s.Empty(data)
	s.Eventually(func() bool { return !c.Busy() }, 5*time.Second, 5*time.Millisecond)
}

func (s *WorkerSuite) TestJoinIsIdempotent() {
	c := s.newWorker(testutil.FakeOptions{}, Options{})

	s.NoError(c.Join())
	s.NoError(c.Join())
}

func TestBlockingModeSingleChunk(t *testing.T) {
	c := StartThread(1, testutil.FakeFactory(testutil.FakeOptions{}), Options{Sink: sink.Options{Stream: false}},
		ClientOptions{StartTimeout: 5 * time.Second}, quietLogger())
	defer func() { _ = c.Join() }()
	require.Eventually(t, func() bool { return !c.Busy() }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.Claim()
	require.NoError(t, c.Submit(ctx, wavRequest("blk", "blocking mode text")))

	var chunks [][]byte
	for {
		b, err := c.Read(ctx, "blk")
		require.NoError(t, err)
		if len(b) == 0 {
			break
		}
		chunks = append(chunks, b)
	}
	c.Done()

	require.Len(t, chunks, 1)
	testutil.AssertValidWAV(t, chunks[0])
}

func TestFactoryFailureKeepsWorkerUnclaimable(t *testing.T) {
	c := StartThread(1, testutil.FakeFactory(testutil.FakeOptions{FailInit: true}), Options{},
		ClientOptions{JoinTimeout: time.Second}, quietLogger())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.Busy(), "a worker without an engine must never look idle")

	err := c.Join()
	assert.ErrorIs(t, err, engine.ErrInit)
}

func TestSubmitAfterStop(t *testing.T) {
	c := StartThread(1, testutil.FakeFactory(testutil.FakeOptions{FailInit: true}), Options{},
		ClientOptions{StartTimeout: time.Second}, quietLogger())
	defer func() { _ = c.Join() }()

	<-c.done
	err := c.Submit(context.Background(), wavRequest("x", "text"))
	assert.Error(t, err)
}
