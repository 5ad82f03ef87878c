package rhvoice

import (
	"unsafe"

	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/params"
)

// Struct layouts of the RHVoice C API. The library changed its public
// structs in 1.0.0 (done callback, voice country) and in 1.2.0 (synthesis
// flags); every other release reuses one of these three shapes.

type callbacks072 struct {
	setSampleRate  uintptr
	playSpeech     uintptr
	processMark    uintptr
	wordStarts     uintptr
	wordEnds       uintptr
	sentenceStarts uintptr
	sentenceEnds   uintptr
	playAudio      uintptr
}

type callbacks100 struct {
	setSampleRate  uintptr
	playSpeech     uintptr
	processMark    uintptr
	wordStarts     uintptr
	wordEnds       uintptr
	sentenceStarts uintptr
	sentenceEnds   uintptr
	playAudio      uintptr
	done           uintptr
}

type initParams072 struct {
	dataPath      *byte
	configPath    *byte
	resourcePaths **byte
	callbacks     callbacks072
	options       uint32
}

type initParams100 struct {
	dataPath      *byte
	configPath    *byte
	resourcePaths **byte
	callbacks     callbacks100
	options       uint32
}

type voiceInfo072 struct {
	language *byte
	name     *byte
	gender   int32
}

type voiceInfo100 struct {
	language *byte
	name     *byte
	gender   int32
	country  *byte
}

type synthParams100 struct {
	voiceProfile    *byte
	absoluteRate    float64
	absolutePitch   float64
	absoluteVolume  float64
	relativeRate    float64
	relativePitch   float64
	relativeVolume  float64
	punctuationMode int32
	punctuationList *byte
	capitalsMode    int32
}

type synthParams120 struct {
	voiceProfile    *byte
	absoluteRate    float64
	absolutePitch   float64
	absoluteVolume  float64
	relativeRate    float64
	relativePitch   float64
	relativeVolume  float64
	punctuationMode int32
	punctuationList *byte
	capitalsMode    int32
	flags           int32
}

// layout selects the struct shapes for one API generation.
type layout struct {
	api       engine.Version
	doneCB    bool
	country   bool
	flags     bool
	voiceSize uintptr
}

var layouts = []layout{
	{api: engine.Version{0, 7, 2}, voiceSize: unsafe.Sizeof(voiceInfo072{})},
	{api: engine.Version{1, 0, 0}, doneCB: true, country: true, voiceSize: unsafe.Sizeof(voiceInfo100{})},
	{api: engine.Version{1, 2, 0}, doneCB: true, country: true, flags: true, voiceSize: unsafe.Sizeof(voiceInfo100{})},
}

// Supported lists library releases known to work with these layouts.
var Supported = []string{"0.7.2", "1.0.0", "1.2.0", "1.2.1", "1.2.2", "1.2.3", "1.4.2"}

// APIVersion is the newest library release the bindings were written for.
const APIVersion = "1.4.2"

// layoutFor picks the newest layout not newer than the library version.
// Unparseable versions are treated as 1.0.0.
func layoutFor(libVersion string) layout {
	v, err := engine.ParseVersion(libVersion)
	if err != nil {
		v = engine.Version{1, 0, 0}
	}

	chosen := layouts[0]
	for _, l := range layouts {
		if l.api.Compare(v) <= 0 {
			chosen = l
		}
	}

	return chosen
}

func isSupported(libVersion string) bool {
	for _, s := range Supported {
		if s == libVersion {
			return true
		}
	}

	return false
}

// cSynthParams owns the C view of one parameter set together with the Go
// memory its string fields point into.
type cSynthParams struct {
	v100    synthParams100
	v120    synthParams120
	profile []byte
	punct   []byte
}

func newSynthParams(p params.Params) *cSynthParams {
	c := &cSynthParams{profile: cString(p.VoiceProfile)}
	var punct *byte
	if p.PunctuationList != "" {
		c.punct = cString(p.PunctuationList)
		punct = &c.punct[0]
	}

	c.v100 = synthParams100{
		voiceProfile:    &c.profile[0],
		absoluteRate:    p.AbsoluteRate,
		absolutePitch:   p.AbsolutePitch,
		absoluteVolume:  p.AbsoluteVolume,
		relativeRate:    p.RelativeRate,
		relativePitch:   p.RelativePitch,
		relativeVolume:  p.RelativeVolume,
		punctuationMode: int32(p.PunctuationMode),
		punctuationList: punct,
		capitalsMode:    int32(p.CapitalsMode),
	}
	c.v120 = synthParams120{
		voiceProfile:    c.v100.voiceProfile,
		absoluteRate:    c.v100.absoluteRate,
		absolutePitch:   c.v100.absolutePitch,
		absoluteVolume:  c.v100.absoluteVolume,
		relativeRate:    c.v100.relativeRate,
		relativePitch:   c.v100.relativePitch,
		relativeVolume:  c.v100.relativeVolume,
		punctuationMode: c.v100.punctuationMode,
		punctuationList: punct,
		capitalsMode:    c.v100.capitalsMode,
		flags:           int32(p.Flags),
	}

	return c
}

func (c *cSynthParams) pointer(l layout) unsafe.Pointer {
	if l.flags {
		return unsafe.Pointer(&c.v120)
	}

	return unsafe.Pointer(&c.v100)
}

func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)

	return b
}

func goString(p *byte) string {
	if p == nil {
		return ""
	}

	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}

	return string(unsafe.Slice(p, n))
}
