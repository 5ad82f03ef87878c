package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/engine/rhvoice"
	"github.com/example/go-rhvoice/internal/params"
	"github.com/example/go-rhvoice/internal/pool"
	"github.com/example/go-rhvoice/internal/sink"
	"github.com/example/go-rhvoice/internal/testutil"
	"github.com/example/go-rhvoice/internal/text"
	"github.com/example/go-rhvoice/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, workers int, fopts testutil.FakeOptions, opts Options) *Service {
	t.Helper()

	opts.Workers = workers
	opts.Sink.Stream = true
	if opts.ReleaseInterval == 0 {
		opts.ReleaseInterval = 100 * time.Millisecond
	}
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 5 * time.Second
	}
	opts.Logger = quietLogger()

	svc, err := New(testutil.FakeFactory(fopts), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Join() })

	waitIdle(t, svc)

	return svc
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for svc.Busy() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d workers still busy", svc.Busy())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func pcmSize(txt string, p params.Params) int {
	return testutil.FakeSampleCount(txt, p, testutil.FakeOptions{}) * 2
}

func TestGetWAV(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})

	data, err := svc.Get(ctxT(t), "hello world")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	n := testutil.AssertStreamingWAV(t, data, testutil.FakeSampleRate)
	if want := pcmSize("hello world", params.Defaults()); n != want {
		t.Errorf("payload = %d bytes; want %d", n, want)
	}
}

func TestGetPCM(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})

	data, err := svc.Get(ctxT(t), "hello world", WithFormat(audio.FormatPCM))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if want := pcmSize("hello world", params.Defaults()); len(data) != want {
		t.Errorf("len = %d; want %d", len(data), want)
	}
}

func TestEmptyTextProducesEmptyStream(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})

	st, err := svc.Say(ctxT(t), "   ")
	if err != nil {
		t.Fatalf("Say: %v", err)
	}

	if _, err := st.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next = %v; want io.EOF", err)
	}

	waitIdle(t, svc)
}

func TestUnsupportedFormatDoesNotClaim(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})

	_, err := svc.Say(ctxT(t), "text", WithFormat(audio.FormatMP3))
	if !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("Say(mp3) error = %v; want ErrUnsupportedFormat", err)
	}

	if svc.Busy() != 0 {
		t.Error("a worker was claimed for a rejected request")
	}
}

func TestInvalidOverrideDoesNotClaim(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})

	_, err := svc.Say(ctxT(t), "text", WithOverrides(map[string]any{params.KeyAbsoluteRate: 10}))
	if !errors.Is(err, params.ErrInvalidParam) {
		t.Fatalf("Say error = %v; want ErrInvalidParam", err)
	}

	if svc.Busy() != 0 {
		t.Error("a worker was claimed for a rejected request")
	}
}

func TestChunkSizeIsExact(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})
	ctx := ctxT(t)
	input := strings.Repeat("chunked output ", 10)

	whole, err := svc.Get(ctx, input, WithFormat(audio.FormatPCM))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitIdle(t, svc)

	st, err := svc.Say(ctx, input, WithFormat(audio.FormatPCM), WithChunkSize(1000))
	if err != nil {
		t.Fatalf("Say: %v", err)
	}

	var joined []byte
	var sizes []int
	for chunk := range st.All() {
		sizes = append(sizes, len(chunk))
		joined = append(joined, chunk...)
	}
	if err := st.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	for i, n := range sizes[:len(sizes)-1] {
		if n != 1000 {
			t.Errorf("chunk %d = %d bytes; want 1000", i, n)
		}
	}
	if last := sizes[len(sizes)-1]; last < 1 || last > 1000 {
		t.Errorf("last chunk = %d bytes", last)
	}
	if !bytes.Equal(joined, whole) {
		t.Error("rechunked output differs from the plain output")
	}
}

func TestStreamReader(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})
	ctx := ctxT(t)

	want, err := svc.Get(ctx, "reader test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitIdle(t, svc)

	st, err := svc.Say(ctx, "reader test")
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	defer st.Close()

	got, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("io.Reader output differs from Get")
	}
	if st.ID() == "" {
		t.Error("stream has no request id")
	}
}

func TestCloseEarlyReleasesWorker(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{BlockDelay: 5 * time.Millisecond}, Options{ReleaseInterval: 10 * time.Second})
	ctx := ctxT(t)

	st, err := svc.Say(ctx, strings.Repeat("a long text that takes a while ", 50))
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	if _, err := st.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Next after Close = %v; want ErrStreamClosed", err)
	}

	start := time.Now()
	data, err := svc.Get(ctx, "next", WithFormat(audio.FormatPCM))
	if err != nil {
		t.Fatalf("Get after close: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("worker was not released promptly")
	}
	if want := pcmSize("next", params.Defaults()); len(data) != want {
		t.Errorf("len = %d; want %d (leftover audio from the closed stream?)", len(data), want)
	}
}

func TestCapacityError(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{BlockDelay: 5 * time.Millisecond},
		Options{DispatchTimeout: 30 * time.Millisecond, ReleaseInterval: 10 * time.Second})
	ctx := ctxT(t)

	held, err := svc.Say(ctx, strings.Repeat("keep the worker busy ", 50))
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	defer held.Close()

	_, err = svc.Say(ctx, "second")
	if !errors.Is(err, pool.ErrCapacity) {
		t.Fatalf("second Say error = %v; want pool.ErrCapacity", err)
	}
}

func TestSetParams(t *testing.T) {
	svc := newTestService(t, 2, testutil.FakeOptions{}, Options{})
	ctx := ctxT(t)

	before, err := svc.Get(ctx, "parameter test", WithFormat(audio.FormatPCM))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	changed, err := svc.SetParams(map[string]any{params.KeyRelativeRate: 2.0})
	if err != nil || !changed {
		t.Fatalf("SetParams = %v, %v; want true, nil", changed, err)
	}

	changed, err = svc.SetParams(map[string]any{params.KeyRelativeRate: 2.0})
	if err != nil || changed {
		t.Errorf("repeated SetParams = %v, %v; want false, nil", changed, err)
	}

	changed, err = svc.SetParams(map[string]any{params.KeyRelativeRate: 1.0, params.KeyFlags: 7})
	if !errors.Is(err, params.ErrInvalidParam) || changed {
		t.Errorf("invalid SetParams = %v, %v; want false, ErrInvalidParam", changed, err)
	}

	if v, ok := svc.Param(params.KeyRelativeRate); !ok || v != 2.0 {
		t.Errorf("Param(relative_rate) = %v, %v; want 2", v, ok)
	}
	if svc.Params()[params.KeyRelativeRate] != 2.0 {
		t.Error("Params() does not reflect the update")
	}

	// Both workers apply the update before their next request.
	for i := range 2 {
		waitIdle(t, svc)
		after, err := svc.Get(ctx, "parameter test", WithFormat(audio.FormatPCM))
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if len(after) != len(before)/2 {
			t.Errorf("request %d: len = %d; want %d", i, len(after), len(before)/2)
		}
	}
}

func TestOverridesAreTransient(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})
	ctx := ctxT(t)

	plain, err := svc.Get(ctx, "override", WithFormat(audio.FormatPCM))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitIdle(t, svc)

	fast, err := svc.Get(ctx, "override", WithFormat(audio.FormatPCM),
		WithOverrides(map[string]any{params.KeyRelativeRate: 2.0}))
	if err != nil {
		t.Fatalf("Get with override: %v", err)
	}
	waitIdle(t, svc)

	again, err := svc.Get(ctx, "override", WithFormat(audio.FormatPCM))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if len(fast) != len(plain)/2 {
		t.Errorf("override len = %d; want %d", len(fast), len(plain)/2)
	}
	if !bytes.Equal(plain, again) {
		t.Error("override leaked into the next request")
	}
	if v, _ := svc.Param(params.KeyRelativeRate); v != 1.0 {
		t.Errorf("persistent relative_rate = %v; want 1", v)
	}
}

func TestVoiceSelection(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})
	ctx := ctxT(t)

	get := func(opts ...SayOption) []byte {
		t.Helper()
		waitIdle(t, svc)
		data, err := svc.Get(ctx, "voice", append(opts, WithFormat(audio.FormatPCM))...)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		return data
	}

	anna := get()
	clb := get(WithVoice("clb"))
	if bytes.Equal(anna, clb) {
		t.Fatal("voice had no effect on the fake waveform")
	}

	if _, err := svc.SetParams(map[string]any{params.KeyVoiceProfile: "Clb"}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	if !bytes.Equal(get(), clb) {
		t.Error("persistent voice profile not used by default")
	}
	if !bytes.Equal(get(WithVoice("Anna")), anna) {
		t.Error("explicit voice did not win over the persistent profile")
	}
	if !bytes.Equal(get(WithOverrides(map[string]any{params.KeyVoiceProfile: "Anna"})), anna) {
		t.Error("voice override not applied")
	}
}

func TestSegments(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})

	data, err := svc.Get(ctxT(t), "ignored", WithFormat(audio.FormatPCM),
		WithSegments("first part.", "second part."))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	want := pcmSize("first part.", params.Defaults()) + pcmSize("second part.", params.Defaults())
	if len(data) != want {
		t.Errorf("len = %d; want %d", len(data), want)
	}
}

func TestSentenceSplit(t *testing.T) {
	input := "One sentence here. Another one follows! And a third?"
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{SentenceChars: 20})

	data, err := svc.Get(ctxT(t), input, WithFormat(audio.FormatPCM))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	segments := text.ChunkBySentence(input, 20)
	if len(segments) < 2 {
		t.Fatalf("expected the input to be split, got %q", segments)
	}
	want := 0
	for _, seg := range segments {
		want += pcmSize(seg, params.Defaults())
	}
	if len(data) != want {
		t.Errorf("len = %d; want %d", len(data), want)
	}
}

func TestConcurrentClients(t *testing.T) {
	tracker := &testutil.Tracker{}
	svc := newTestService(t, 2, testutil.FakeOptions{Tracker: tracker, BlockDelay: time.Millisecond}, Options{})
	ctx := ctxT(t)

	const clients = 8
	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			input := fmt.Sprintf("client %d %s", i, strings.Repeat("y", i*7))
			data, err := svc.Get(ctx, input, WithFormat(audio.FormatPCM))
			if err != nil {
				errs[i] = err
				return
			}
			if want := pcmSize(input, params.Defaults()); len(data) != want {
				errs[i] = fmt.Errorf("len = %d; want %d", len(data), want)
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}
	if v := tracker.Violations(); v != 0 {
		t.Errorf("%d overlapping Generate calls on one engine", v)
	}
	if m := tracker.MaxConcurrent(); m > 2 {
		t.Errorf("max concurrent syntheses = %d; want <= 2", m)
	}
}

func TestIntrospection(t *testing.T) {
	svc := newTestService(t, 2, testutil.FakeOptions{}, Options{})

	formats := svc.Formats()
	if len(formats) != 2 || formats[0] != audio.FormatPCM || formats[1] != audio.FormatWAV {
		t.Errorf("Formats() = %v; want [pcm wav]", formats)
	}
	if len(svc.Voices()) != 3 {
		t.Errorf("Voices() = %v", svc.Voices())
	}
	if len(svc.VoiceProfiles()) != 3 {
		t.Errorf("VoiceProfiles() = %v", svc.VoiceProfiles())
	}
	if svc.LibVersion() != testutil.FakeVersion {
		t.Errorf("LibVersion() = %q", svc.LibVersion())
	}
	if svc.APIVersion() != rhvoice.APIVersion {
		t.Errorf("APIVersion() = %q", svc.APIVersion())
	}
	if svc.Workers() != 2 || svc.ProcessMode() {
		t.Errorf("Workers() = %d, ProcessMode() = %v", svc.Workers(), svc.ProcessMode())
	}

	raw, err := json.Marshal(svc.Info())
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	var info map[string]any
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("unmarshal info: %v", err)
	}
	for _, key := range []string{"formats", "thread_count", "process", "api_version", "lib_version", "voices_info", "voice_profiles", "cmd", "params"} {
		if _, ok := info[key]; !ok {
			t.Errorf("info lacks %q", key)
		}
	}
}

func TestJoin(t *testing.T) {
	svc := newTestService(t, 2, testutil.FakeOptions{}, Options{})

	closed := 0
	svc.addCloser(func() error { closed++; return nil })

	if err := svc.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := svc.Join(); err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if closed != 1 {
		t.Errorf("closer ran %d times; want 1", closed)
	}

	if _, err := svc.Say(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Say after Join = %v; want ErrClosed", err)
	}
}

func TestNewFailsWhenEngineCannotStart(t *testing.T) {
	_, err := New(testutil.FakeFactory(testutil.FakeOptions{FailInit: true}), Options{Logger: quietLogger()})
	if !errors.Is(err, engine.ErrInit) {
		t.Fatalf("New error = %v; want engine.ErrInit", err)
	}
}

func TestSpawnedWorkersReceiveInitialParams(t *testing.T) {
	initial := params.Defaults()
	initial.RelativeRate = 2
	factory := testutil.FakeFactory(testutil.FakeOptions{})

	spawned := 0
	svc := newTestService(t, 2, testutil.FakeOptions{}, Options{
		Initial: initial,
		Spawn: func(id int, copts worker.ClientOptions) (*worker.Client, error) {
			spawned++
			wopts := worker.Options{Sink: sink.Options{Stream: true}, ReleaseInterval: 100 * time.Millisecond}
			return worker.StartThread(id, factory, wopts, copts, quietLogger()), nil
		},
	})

	if spawned != 2 || !svc.ProcessMode() {
		t.Fatalf("spawned = %d, ProcessMode = %v", spawned, svc.ProcessMode())
	}

	data, err := svc.Get(ctxT(t), "spawned", WithFormat(audio.FormatPCM))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := pcmSize("spawned", initial); len(data) != want {
		t.Errorf("len = %d; want %d", len(data), want)
	}
}

func TestSpawnFailure(t *testing.T) {
	boom := errors.New("boom")
	factory := testutil.FakeFactory(testutil.FakeOptions{})

	_, err := New(factory, Options{
		Workers: 2,
		Logger:  quietLogger(),
		Spawn: func(id int, copts worker.ClientOptions) (*worker.Client, error) {
			if id == 2 {
				return nil, boom
			}
			return worker.StartThread(id, factory, worker.Options{}, copts, quietLogger()), nil
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("New error = %v; want boom", err)
	}
}

func TestToFile(t *testing.T) {
	svc := newTestService(t, 1, testutil.FakeOptions{}, Options{})
	ctx := ctxT(t)
	dir := t.TempDir()

	wavPath := filepath.Join(dir, "out.wav")
	if err := svc.ToFile(ctx, wavPath, "to file"); err != nil {
		t.Fatalf("ToFile(wav): %v", err)
	}
	data, err := os.ReadFile(wavPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	testutil.AssertStreamingWAV(t, data, testutil.FakeSampleRate)

	waitIdle(t, svc)
	pcmPath := filepath.Join(dir, "out.pcm")
	if err := svc.ToFile(ctx, pcmPath, "to file"); err != nil {
		t.Fatalf("ToFile(pcm): %v", err)
	}
	info, err := os.Stat(pcmPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if want := pcmSize("to file", params.Defaults()); info.Size() != int64(want) {
		t.Errorf("pcm size = %d; want %d", info.Size(), want)
	}

	mp3Path := filepath.Join(dir, "out.mp3")
	if err := svc.ToFile(ctx, mp3Path, "to file"); !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Errorf("ToFile(mp3) = %v; want ErrUnsupportedFormat", err)
	}
	if _, err := os.Stat(mp3Path); !os.IsNotExist(err) {
		t.Error("rejected request left a file behind")
	}
}

func TestFormatForPath(t *testing.T) {
	tests := []struct {
		path string
		want audio.Format
		ok   bool
	}{
		{"a.wav", audio.FormatWAV, true},
		{"a.WAV", audio.FormatWAV, true},
		{"a.mp3", audio.FormatMP3, true},
		{"a.ogg", audio.FormatOpus, true},
		{"a.opus", audio.FormatOpus, true},
		{"a.flac", audio.FormatFLAC, true},
		{"a.raw", audio.FormatPCM, true},
		{"a.pcm", audio.FormatPCM, true},
		{"a.txt", "", false},
		{"noext", "", false},
	}

	for _, tt := range tests {
		got, ok := FormatForPath(tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("FormatForPath(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}
