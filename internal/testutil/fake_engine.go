package testutil

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/params"
)

// Fake engine output format.
const (
	FakeSampleRate     = 24000
	FakeSamplesPerRune = 240
	FakeBlockSamples   = 512
	FakeVersion        = "fake-1.0"
)

// FakeOptions tune the fake engine.
type FakeOptions struct {
	SampleRate   int
	BlockSamples int
	// BlockDelay slows generation down to widen concurrency windows.
	BlockDelay time.Duration
	// Tracker, when set, records engine concurrency.
	Tracker *Tracker
	// FailInit makes the factory return engine.ErrInit.
	FailInit bool
}

func (o FakeOptions) withDefaults() FakeOptions {
	if o.SampleRate <= 0 {
		o.SampleRate = FakeSampleRate
	}
	if o.BlockSamples <= 0 {
		o.BlockSamples = FakeBlockSamples
	}

	return o
}

// Tracker counts engines and concurrent Generate calls across a pool.
type Tracker struct {
	Engines    atomic.Int32
	Generates  atomic.Int32
	active     atomic.Int32
	maxActive  atomic.Int32
	violations atomic.Int32
}

// MaxConcurrent is the highest number of simultaneous Generate calls seen.
func (t *Tracker) MaxConcurrent() int { return int(t.maxActive.Load()) }

// Violations counts Generate calls that overlapped on a single engine.
func (t *Tracker) Violations() int { return int(t.violations.Load()) }

func (t *Tracker) enter() {
	n := t.active.Add(1)
	for {
		m := t.maxActive.Load()
		if n <= m || t.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	t.Generates.Add(1)
}

func (t *Tracker) exit() { t.active.Add(-1) }

// FakeEngine is a deterministic engine.Engine: output length depends on the
// text and the rate parameters, the waveform on voice, pitch and volume.
type FakeEngine struct {
	opts   FakeOptions
	cb     engine.Callbacks
	params params.Params
	busy   atomic.Bool
	mu     sync.Mutex
	closed bool
}

var _ engine.Engine = (*FakeEngine)(nil)

// FakeFactory returns a factory producing FakeEngines.
func FakeFactory(opts FakeOptions) engine.Factory {
	opts = opts.withDefaults()

	return func(cb engine.Callbacks) (engine.Engine, error) {
		if opts.FailInit {
			return nil, engine.ErrInit
		}
		if opts.Tracker != nil {
			opts.Tracker.Engines.Add(1)
		}

		return &FakeEngine{opts: opts, cb: cb, params: params.Defaults()}, nil
	}
}

// FakeSampleCount returns how many samples the fake engine produces for text.
func FakeSampleCount(text string, p params.Params, opts FakeOptions) int {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	speed := (1 + 0.25*p.AbsoluteRate) * p.RelativeRate
	if speed < 0.25 {
		speed = 0.25
	}

	return int(float64(n*FakeSamplesPerRune) / speed)
}

func (e *FakeEngine) SetParams(p params.Params) { e.params = p }

func (e *FakeEngine) Params() params.Params { return e.params }

func (e *FakeEngine) SetVoice(voice string) { e.params.VoiceProfile = params.NormalizeVoice(voice) }

func (e *FakeEngine) Voices() []engine.Voice {
	return []engine.Voice{
		{No: 1, Name: "Anna", Language: "Russian", Gender: "female", Country: "RU"},
		{No: 2, Name: "Clb", Language: "English", Gender: "female", Country: "US"},
		{No: 3, Name: "Aleksandr", Language: "Russian", Gender: "male", Country: "RU"},
	}
}

func (e *FakeEngine) VoiceProfiles() []string { return []string{"Anna", "Anna+Clb", "Clb"} }

func (e *FakeEngine) Version() string { return FakeVersion }

func (e *FakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true

	return nil
}

// Generate emits deterministic PCM for text.
func (e *FakeEngine) Generate(text string, p *params.Params) error {
	if !e.busy.CompareAndSwap(false, true) {
		if e.opts.Tracker != nil {
			e.opts.Tracker.violations.Add(1)
		}
		return engine.ErrMessage
	}
	defer e.busy.Store(false)

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return engine.ErrClosed
	}

	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		return engine.ErrMessage
	}
	if p == nil {
		p = &e.params
	}

	total := FakeSampleCount(text, *p, e.opts)
	if total == 0 {
		return nil
	}

	if t := e.opts.Tracker; t != nil {
		t.enter()
		defer t.exit()
	}

	if e.cb.SampleRate != nil && !e.cb.SampleRate(e.opts.SampleRate) {
		return nil
	}

	freq := e.frequency(*p)
	amp := 8000 * (1 + 0.25*p.AbsoluteVolume) * p.RelativeVolume
	for off := 0; off < total; off += e.opts.BlockSamples {
		n := min(e.opts.BlockSamples, total-off)
		pcm := make([]byte, n*2)
		for i := range n {
			t := float64(off+i) / float64(e.opts.SampleRate)
			v := amp * math.Sin(2*math.Pi*freq*t)
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
		}
		if e.cb.Samples != nil && !e.cb.Samples(pcm) {
			return nil
		}
		if e.opts.BlockDelay > 0 {
			time.Sleep(e.opts.BlockDelay)
		}
	}

	return nil
}

func (e *FakeEngine) frequency(p params.Params) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p.VoiceProfile))
	base := 150 + float64(h.Sum32()%100)

	return base * (1 + 0.2*p.AbsolutePitch) * p.RelativePitch
}
