package command

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/engine"
	"github.com/example/go-rhvoice/internal/params"
)

// fakeProgram writes a shell script that discards stdin and prints payload.
func fakeProgram(t *testing.T, payload []byte) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}

	dir := t.TempDir()
	data := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(data, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "fake-tts.sh")
	body := "#!/bin/sh\ncat >/dev/null\necho \"$@\" > " + filepath.Join(dir, "args.txt") + "\ncat " + data + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	return script
}

type recorder struct {
	rates  []int
	pcm    bytes.Buffer
	blocks int
	stopAt int
}

func (r *recorder) callbacks() engine.Callbacks {
	return engine.Callbacks{
		SampleRate: func(rate int) bool {
			r.rates = append(r.rates, rate)
			return true
		},
		Samples: func(pcm []byte) bool {
			r.blocks++
			r.pcm.Write(pcm)
			return r.stopAt == 0 || r.blocks < r.stopAt
		},
	}
}

func TestGenerateParsesWAV(t *testing.T) {
	pcm := bytes.Repeat([]byte{1, 0}, 3000)
	wav, err := audio.EncodeWAVPCM16(pcm, 16000)
	if err != nil {
		t.Fatal(err)
	}
	script := fakeProgram(t, wav)

	factory, err := NewFactory(Options{Command: script + " --voice {voice_profile} --rate {absolute_rate}"}, nil)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}

	rec := &recorder{}
	eng, err := factory(rec.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	eng.SetVoice("clb")

	if err := eng.Generate("hello", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(rec.rates) != 1 || rec.rates[0] != 16000 {
		t.Errorf("rates = %v; want [16000]", rec.rates)
	}
	if !bytes.Equal(rec.pcm.Bytes(), pcm) {
		t.Errorf("got %d PCM bytes; want %d", rec.pcm.Len(), len(pcm))
	}

	args, err := os.ReadFile(filepath.Join(filepath.Dir(script), "args.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(args)); got != "--voice Clb --rate 0" {
		t.Errorf("args = %q", got)
	}
}

func TestGenerateRawPCM(t *testing.T) {
	pcm := bytes.Repeat([]byte{2, 0}, 100)
	script := fakeProgram(t, pcm)

	factory, err := NewFactory(Options{Command: script, SampleRate: 8000}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	eng, _ := factory(rec.callbacks())

	if err := eng.Generate("x", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(rec.rates) != 1 || rec.rates[0] != 8000 {
		t.Errorf("rates = %v; want [8000]", rec.rates)
	}
	if rec.pcm.Len() != len(pcm) {
		t.Errorf("got %d bytes; want %d", rec.pcm.Len(), len(pcm))
	}
}

func TestGenerateStopsWhenCallbackDeclines(t *testing.T) {
	pcm := bytes.Repeat([]byte{3, 0}, blockSamples*5)
	wav, _ := audio.EncodeWAVPCM16(pcm, 24000)
	script := fakeProgram(t, wav)

	factory, err := NewFactory(Options{Command: script}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{stopAt: 1}
	eng, _ := factory(rec.callbacks())

	if err := eng.Generate("long text", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rec.blocks != 1 {
		t.Errorf("blocks = %d; want 1", rec.blocks)
	}
}

func TestGenerateBlankText(t *testing.T) {
	script := fakeProgram(t, []byte("should not be read"))
	factory, err := NewFactory(Options{Command: script}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	eng, _ := factory(rec.callbacks())

	if err := eng.Generate("   ", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(rec.rates) != 0 || rec.blocks != 0 {
		t.Errorf("blank text produced callbacks: rates=%v blocks=%d", rec.rates, rec.blocks)
	}
}

func TestNewFactoryErrors(t *testing.T) {
	if _, err := NewFactory(Options{Command: "/nonexistent/tts-binary"}, nil); !errors.Is(err, engine.ErrInit) {
		t.Errorf("missing binary err = %v; want ErrInit", err)
	}
	if _, err := NewFactory(Options{Command: "tts 'unterminated"}, nil); !errors.Is(err, engine.ErrInit) {
		t.Errorf("bad quoting err = %v; want ErrInit", err)
	}
}

func TestExpandArgs(t *testing.T) {
	p := params.Defaults()
	p.AbsolutePitch = -0.5
	got := expandArgs([]string{"-p", "{voice_profile}", "--pitch={absolute_pitch}", "{flags}", "{unknown}"}, p)
	want := []string{"-p", "Anna", "--pitch=-0.5", "1", "{unknown}"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg[%d] = %q; want %q", i, got[i], want[i])
		}
	}
}
