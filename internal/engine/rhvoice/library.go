//go:build darwin || freebsd || linux

package rhvoice

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// library is the set of RHVoice entry points resolved from one shared object.
type library struct {
	path    string
	version string
	layout  layout
	warned  sync.Once

	getVersion          func() string
	newTTSEngine        func(cfg unsafe.Pointer) uintptr
	deleteTTSEngine     func(eng uintptr)
	getNumberOfVoices   func(eng uintptr) uint32
	getVoices           func(eng uintptr) uintptr
	getNumberOfProfiles func(eng uintptr) uint32
	getVoiceProfiles    func(eng uintptr) uintptr
	newMessage          func(eng uintptr, text *byte, length uint32, msgType int32, synth unsafe.Pointer, user uintptr) uintptr
	deleteMessage       func(msg uintptr)
	speak               func(msg uintptr) int32
}

var (
	librariesMu sync.Mutex
	libraries   = map[string]*library{}
)

// DefaultLibrary returns the platform's shared library name.
func DefaultLibrary() string {
	if runtime.GOOS == "darwin" {
		return "libRHVoice.dylib"
	}

	return "libRHVoice.so"
}

// loadLibrary opens path once per process and resolves every symbol.
func loadLibrary(path string) (*library, error) {
	if path == "" {
		path = DefaultLibrary()
	}

	librariesMu.Lock()
	defer librariesMu.Unlock()

	if lib, ok := libraries[path]; ok {
		return lib, nil
	}

	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	lib := &library{path: path}
	symbols := []struct {
		name string
		fptr any
	}{
		{"RHVoice_get_version", &lib.getVersion},
		{"RHVoice_new_tts_engine", &lib.newTTSEngine},
		{"RHVoice_delete_tts_engine", &lib.deleteTTSEngine},
		{"RHVoice_get_number_of_voices", &lib.getNumberOfVoices},
		{"RHVoice_get_voices", &lib.getVoices},
		{"RHVoice_get_number_of_voice_profiles", &lib.getNumberOfProfiles},
		{"RHVoice_get_voice_profiles", &lib.getVoiceProfiles},
		{"RHVoice_new_message", &lib.newMessage},
		{"RHVoice_delete_message", &lib.deleteMessage},
		{"RHVoice_speak", &lib.speak},
	}
	for _, s := range symbols {
		sym, err := purego.Dlsym(handle, s.name)
		if err != nil {
			_ = purego.Dlclose(handle)
			return nil, fmt.Errorf("resolve %s in %s: %w", s.name, path, err)
		}
		purego.RegisterFunc(s.fptr, sym)
	}

	lib.version = lib.getVersion()
	lib.layout = layoutFor(lib.version)
	libraries[path] = lib

	return lib, nil
}
