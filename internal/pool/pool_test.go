package pool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/job"
	"github.com/example/go-rhvoice/internal/params"
	"github.com/example/go-rhvoice/internal/sink"
	"github.com/example/go-rhvoice/internal/testutil"
	"github.com/example/go-rhvoice/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPool(t *testing.T, n int, fopts testutil.FakeOptions, opts Options) *Pool {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	wopts := worker.Options{Sink: sink.Options{Stream: true}, ReleaseInterval: 100 * time.Millisecond}
	clients := make([]*worker.Client, n)
	for i := range clients {
		clients[i] = worker.StartThread(i+1, testutil.FakeFactory(fopts), wopts,
			worker.ClientOptions{StartTimeout: 5 * time.Second}, opts.Logger)
	}

	p, err := New(clients, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Join() })

	require.Eventually(t, func() bool { return p.Busy() == 0 }, 5*time.Second, 5*time.Millisecond)

	return p
}

func synthesize(ctx context.Context, p *Pool, id, text string) ([]byte, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Done()

	req := job.Request{ID: id, Segments: []string{text}, Voice: "Anna", Format: audio.FormatPCM}
	if err := c.Submit(ctx, req); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for {
		b, err := c.Read(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return out.Bytes(), nil
		}
		out.Write(b)
	}
}

func TestNewRequiresWorkers(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestAcquireScanOrder(t *testing.T) {
	p := newPool(t, 3, testutil.FakeOptions{}, Options{})
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	second, err := p.Acquire(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first.ID())
	assert.Equal(t, 2, second.ID())
	assert.Equal(t, 2, p.Busy())

	first.Done()
	first.Signals().Generating.Lower()

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.ID(), "lowest free slot wins")
}

func TestAcquireCapacityTimeout(t *testing.T) {
	p := newPool(t, 1, testutil.FakeOptions{}, Options{DispatchTimeout: 50 * time.Millisecond})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrCapacity)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	c.Done()
	c.Signals().Generating.Lower()
}

func TestAcquireContextCancel(t *testing.T) {
	p := newPool(t, 1, testutil.FakeOptions{}, Options{})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireWakesOnRelease(t *testing.T) {
	p := newPool(t, 1, testutil.FakeOptions{}, Options{})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan int, 1)
	go func() {
		w, err := p.Acquire(context.Background())
		if err != nil {
			got <- -1
			return
		}
		got <- w.ID()
	}()

	select {
	case <-got:
		t.Fatal("acquired a claimed worker")
	case <-time.After(50 * time.Millisecond):
	}

	c.Done()
	c.Signals().Generating.Lower()

	select {
	case id := <-got:
		assert.Equal(t, 1, id)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the release")
	}
}

func TestConcurrentRequests(t *testing.T) {
	tracker := &testutil.Tracker{}
	fopts := testutil.FakeOptions{Tracker: tracker, BlockDelay: time.Millisecond}
	p := newPool(t, 3, fopts, Options{})

	const clients = 12
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	sizes := make([]int, clients)
	errs := make([]error, clients)
	texts := make([]string, clients)
	for i := range clients {
		texts[i] = fmt.Sprintf("request number %d %s", i, bytes.Repeat([]byte("x"), i*10))
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := synthesize(ctx, p, fmt.Sprintf("req-%d", i), texts[i])
			sizes[i], errs[i] = len(b), err
		}()
	}
	wg.Wait()

	for i := range clients {
		require.NoError(t, errs[i], "client %d", i)
		want := testutil.FakeSampleCount(texts[i], params.Defaults(), fopts) * 2
		assert.Equal(t, want, sizes[i], "client %d got someone else's audio", i)
	}

	assert.Equal(t, 0, tracker.Violations(), "an engine ran two syntheses at once")
	assert.LessOrEqual(t, tracker.MaxConcurrent(), 3)
	assert.EqualValues(t, 3, tracker.Engines.Load())
	assert.EqualValues(t, clients, tracker.Generates.Load())
}

func TestSetParamsBroadcast(t *testing.T) {
	p := newPool(t, 2, testutil.FakeOptions{}, Options{})
	ctx := context.Background()

	before, err := synthesize(ctx, p, "a", "broadcast text")
	require.NoError(t, err)

	prm := params.Defaults()
	prm.RelativeRate = 2
	require.NoError(t, p.SetParams(ctx, prm))

	require.Eventually(t, func() bool { return p.Busy() == 0 }, 5*time.Second, 5*time.Millisecond)

	// Hold worker 1 so the next request lands on worker 2.
	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, held.ID())

	after, err := synthesize(ctx, p, "b", "broadcast text")
	require.NoError(t, err)
	assert.Equal(t, len(before)/2, len(after))

	held.Done()
	held.Signals().Generating.Lower()
}

func TestJoin(t *testing.T) {
	p := newPool(t, 2, testutil.FakeOptions{}, Options{})

	require.NoError(t, p.Join())
	require.NoError(t, p.Join())

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	p := newPool(t, 1, testutil.FakeOptions{}, Options{
		DispatchTimeout: 20 * time.Millisecond,
		Meter:           provider.Meter("test"),
	})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrCapacity)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				values[m.Name] = data.DataPoints[0].Value
			case metricdata.Gauge[int64]:
				values[m.Name] = data.DataPoints[0].Value
			}
		}
	}

	assert.EqualValues(t, 1, values["rhvoice.pool.claims"])
	assert.EqualValues(t, 1, values["rhvoice.pool.capacity_errors"])
	assert.EqualValues(t, 1, values["rhvoice.pool.busy_workers"])
	assert.EqualValues(t, 1, values["rhvoice.pool.workers"])
}
