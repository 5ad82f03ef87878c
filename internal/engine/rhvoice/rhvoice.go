//go:build darwin || freebsd || linux

package rhvoice

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/params"
)

// Engine drives one RHVoice TTS engine instance.
type Engine struct {
	lib    *library
	handle uintptr
	cb     engine.Callbacks
	params params.Params
	logger *slog.Logger

	// The library keeps pointers into these for the engine's lifetime.
	init072   *initParams072
	init100   *initParams100
	dataPath  []byte
	config    []byte
	resources [][]byte
	resPtrs   []*byte

	voices   []engine.Voice
	profiles []string
	pcm      []byte
}

var _ engine.Engine = (*Engine)(nil)

// NewFactory returns an engine.Factory creating RHVoice engines with opts.
func NewFactory(opts Options, logger *slog.Logger) engine.Factory {
	return func(cb engine.Callbacks) (engine.Engine, error) {
		return New(opts, cb, logger)
	}
}

// New loads the library (once per process) and creates an engine instance.
func New(opts Options, cb engine.Callbacks, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	lib, err := loadLibrary(opts.LibPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInit, err)
	}

	lib.warned.Do(func() {
		if !isSupported(lib.version) {
			logger.Warn("RHVoice library version is not in the tested set",
				slog.String("version", lib.version), slog.Any("supported", Supported))
		}
		if lib.version != APIVersion {
			logger.Warn("RHVoice library and bindings versions differ",
				slog.String("library", lib.version), slog.String("bindings", APIVersion))
		}
	})

	e := &Engine{
		lib:      lib,
		cb:       cb,
		params:   params.Defaults(),
		logger:   logger.With(slog.String("component", "rhvoice")),
		dataPath: cString(opts.DataPath),
		config:   cString(opts.ConfigPath),
	}

	for _, r := range opts.Resources {
		b := cString(r)
		e.resources = append(e.resources, b)
		e.resPtrs = append(e.resPtrs, &b[0])
	}
	e.resPtrs = append(e.resPtrs, nil)

	setRate := purego.NewCallback(e.onSampleRate)
	playSpeech := purego.NewCallback(e.onSpeech)

	var initPtr unsafe.Pointer
	if lib.layout.doneCB {
		e.init100 = &initParams100{
			dataPath:      &e.dataPath[0],
			configPath:    &e.config[0],
			resourcePaths: &e.resPtrs[0],
			callbacks:     callbacks100{setSampleRate: setRate, playSpeech: playSpeech},
		}
		initPtr = unsafe.Pointer(e.init100)
	} else {
		e.init072 = &initParams072{
			dataPath:      &e.dataPath[0],
			configPath:    &e.config[0],
			resourcePaths: &e.resPtrs[0],
			callbacks:     callbacks072{setSampleRate: setRate, playSpeech: playSpeech},
		}
		initPtr = unsafe.Pointer(e.init072)
	}

	e.handle = lib.newTTSEngine(initPtr)
	if e.handle == 0 {
		return nil, fmt.Errorf("%w: RHVoice_new_tts_engine failed (data path %s)", engine.ErrInit, opts.DataPath)
	}

	e.voices = e.readVoices()
	e.profiles = e.readProfiles()

	return e, nil
}

func (e *Engine) onSampleRate(rate, _ uintptr) uintptr {
	if e.cb.SampleRate == nil || e.cb.SampleRate(int(int32(rate))) {
		return 1
	}

	return 0
}

func (e *Engine) onSpeech(samples, count, _ uintptr) uintptr {
	n := int(uint32(count))
	if e.cb.Samples == nil || n == 0 {
		return 1
	}

	src := unsafe.Slice((*int16)(unsafe.Pointer(samples)), n)
	if cap(e.pcm) < n*2 {
		e.pcm = make([]byte, n*2)
	}
	buf := e.pcm[:n*2]
	for i, s := range src {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}

	// The sink keeps the slice, hand it a private copy.
	out := make([]byte, len(buf))
	copy(out, buf)
	if e.cb.Samples(out) {
		return 1
	}

	return 0
}

func (e *Engine) SetParams(p params.Params) { e.params = p }

func (e *Engine) Params() params.Params { return e.params }

func (e *Engine) SetVoice(voice string) { e.params.VoiceProfile = params.NormalizeVoice(voice) }

// Generate builds an RHVoice message for text and speaks it synchronously.
func (e *Engine) Generate(text string, p *params.Params) error {
	if e.handle == 0 {
		return engine.ErrClosed
	}
	if p == nil {
		p = &e.params
	}

	sp := newSynthParams(*p)
	buf := cString(text)

	msg := e.lib.newMessage(e.handle, &buf[0], uint32(len(text)), 0, sp.pointer(e.lib.layout), 0)
	if msg == 0 {
		runtime.KeepAlive(sp)
		runtime.KeepAlive(buf)
		return engine.ErrMessage
	}

	e.lib.speak(msg)
	e.lib.deleteMessage(msg)

	runtime.KeepAlive(sp)
	runtime.KeepAlive(buf)

	return nil
}

func (e *Engine) Voices() []engine.Voice { return e.voices }

func (e *Engine) VoiceProfiles() []string { return e.profiles }

func (e *Engine) Version() string { return e.lib.version }

func (e *Engine) Close() error {
	if e.handle == 0 {
		return nil
	}
	e.lib.deleteTTSEngine(e.handle)
	e.handle = 0

	return nil
}

func (e *Engine) readVoices() []engine.Voice {
	n := int(e.lib.getNumberOfVoices(e.handle))
	base := e.lib.getVoices(e.handle)
	if n == 0 || base == 0 {
		return nil
	}

	voices := make([]engine.Voice, 0, n)
	for i := range n {
		ptr := unsafe.Add(unsafe.Pointer(base), uintptr(i)*e.lib.layout.voiceSize)
		v := engine.Voice{No: i + 1, Country: "NaN"}
		if e.lib.layout.country {
			info := (*voiceInfo100)(ptr)
			v.Name, v.Language, v.Gender = goString(info.name), goString(info.language), engine.GenderName(int(info.gender))
			v.Country = goString(info.country)
		} else {
			info := (*voiceInfo072)(ptr)
			v.Name, v.Language, v.Gender = goString(info.name), goString(info.language), engine.GenderName(int(info.gender))
		}
		voices = append(voices, v)
	}

	return voices
}

func (e *Engine) readProfiles() []string {
	n := int(e.lib.getNumberOfProfiles(e.handle))
	base := e.lib.getVoiceProfiles(e.handle)
	if n == 0 || base == 0 {
		return nil
	}

	ptrs := unsafe.Slice((**byte)(unsafe.Pointer(base)), n)
	profiles := make([]string, 0, n)
	for _, p := range ptrs {
		profiles = append(profiles, goString(p))
	}

	return profiles
}
