package params

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestDefaults(t *testing.T) {
	p := Defaults()
	if p.VoiceProfile != "Anna" {
		t.Errorf("VoiceProfile = %q; want Anna", p.VoiceProfile)
	}
	if p.RelativeRate != 1 || p.RelativePitch != 1 || p.RelativeVolume != 1 {
		t.Errorf("relative values = %v/%v/%v; want 1", p.RelativeRate, p.RelativePitch, p.RelativeVolume)
	}
	if p.Flags != 1 {
		t.Errorf("Flags = %d; want 1", p.Flags)
	}
	if len(p.Map()) != len(Keys()) {
		t.Errorf("Map() has %d keys; want %d", len(p.Map()), len(Keys()))
	}
}

func TestNormalizeVoice(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{in: []string{"anna"}, want: "Anna"},
		{in: []string{"ANNA"}, want: "Anna"},
		{in: []string{"anna", "clb"}, want: "Anna+Clb"},
		{in: []string{"anna+clb"}, want: "Anna+Clb"},
		{in: []string{"anna", "clb", "elena"}, want: "Anna+Clb"},
		{in: []string{"", "x", "y"}, want: "X"},
		{in: []string{"anna", "", "clb"}, want: "Anna"},
		{in: []string{"  "}, want: "Anna"},
		{in: nil, want: "Anna"},
		{in: []string{"елена"}, want: "Елена"},
	}

	for _, tt := range tests {
		if got := NormalizeVoice(tt.in...); got != tt.want {
			t.Errorf("NormalizeVoice(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestWith(t *testing.T) {
	tests := []struct {
		name        string
		updates     map[string]any
		wantChanged bool
		wantErr     bool
		check       func(t *testing.T, p Params)
	}{
		{
			name:        "float in range",
			updates:     map[string]any{KeyAbsoluteRate: 0.5},
			wantChanged: true,
			check: func(t *testing.T, p Params) {
				if p.AbsoluteRate != 0.5 {
					t.Errorf("AbsoluteRate = %v; want 0.5", p.AbsoluteRate)
				}
			},
		},
		{name: "same value is not a change", updates: map[string]any{KeyRelativeRate: 1}, wantChanged: false},
		{name: "unknown key ignored", updates: map[string]any{"always missing": 1}, wantChanged: false},
		{name: "float above max", updates: map[string]any{KeyAbsolutePitch: 2.6}, wantErr: true},
		{name: "float below min", updates: map[string]any{KeyAbsoluteVolume: -2.1}, wantErr: true},
		{name: "string for float", updates: map[string]any{KeyAbsoluteRate: "fast"}, wantErr: true},
		{
			name:        "integral float for enum",
			updates:     map[string]any{KeyPunctuationMode: float64(2)},
			wantChanged: true,
			check: func(t *testing.T, p Params) {
				if p.PunctuationMode != 2 {
					t.Errorf("PunctuationMode = %d; want 2", p.PunctuationMode)
				}
			},
		},
		{name: "fractional enum", updates: map[string]any{KeyCapitalsMode: 1.5}, wantErr: true},
		{name: "punctuation above max", updates: map[string]any{KeyPunctuationMode: 4}, wantErr: true},
		{name: "capitals above max", updates: map[string]any{KeyCapitalsMode: 5}, wantErr: true},
		{name: "flags above max", updates: map[string]any{KeyFlags: 2}, wantErr: true},
		{
			name:        "voice list",
			updates:     map[string]any{KeyVoiceProfile: []any{"elena", "clb"}},
			wantChanged: true,
			check: func(t *testing.T, p Params) {
				if p.VoiceProfile != "Elena+Clb" {
					t.Errorf("VoiceProfile = %q; want Elena+Clb", p.VoiceProfile)
				}
			},
		},
		{
			name:        "json number",
			updates:     map[string]any{KeyAbsoluteRate: json.Number("-1.25")},
			wantChanged: true,
			check: func(t *testing.T, p Params) {
				if p.AbsoluteRate != -1.25 {
					t.Errorf("AbsoluteRate = %v; want -1.25", p.AbsoluteRate)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := Defaults()
			got, changed, err := base.With(tt.updates)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParam) {
					t.Fatalf("err = %v; want ErrInvalidParam", err)
				}
				if got != base {
					t.Error("failed update modified the result")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v; want %v", changed, tt.wantChanged)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	s := NewStore(Defaults())

	changed, err := s.Update(map[string]any{KeyAbsoluteRate: 1})
	if err != nil || !changed {
		t.Fatalf("first Update = %v, %v; want true, nil", changed, err)
	}

	changed, err = s.Update(map[string]any{KeyAbsoluteRate: 1})
	if err != nil || changed {
		t.Fatalf("repeat Update = %v, %v; want false, nil", changed, err)
	}

	if v, ok := s.Get("always missing"); ok || v != nil {
		t.Errorf("Get(unknown) = %v, %v; want nil, false", v, ok)
	}

	if v, _ := s.Get(KeyAbsoluteRate); v != 1.0 {
		t.Errorf("Get(absolute_rate) = %v; want 1", v)
	}
}

func TestStoreUpdateIsAllOrNothing(t *testing.T) {
	s := NewStore(Defaults())

	_, err := s.Update(map[string]any{
		KeyAbsoluteRate:    1,
		KeyPunctuationMode: 9,
	})
	if !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("err = %v; want ErrInvalidParam", err)
	}

	if got := s.Snapshot(); got != Defaults() {
		t.Errorf("store changed after rejected update: %+v", got)
	}
}

func TestStoreCopyWith(t *testing.T) {
	s := NewStore(Defaults())

	p, changed, err := s.CopyWith(map[string]any{KeyAbsolutePitch: -0.5})
	if err != nil || !changed {
		t.Fatalf("CopyWith = %v, %v", changed, err)
	}
	if p.AbsolutePitch != -0.5 {
		t.Errorf("copy AbsolutePitch = %v; want -0.5", p.AbsolutePitch)
	}
	if s.Snapshot().AbsolutePitch != 0 {
		t.Error("CopyWith modified the store")
	}
}

func TestStoreConcurrentUpdates(t *testing.T) {
	s := NewStore(Defaults())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(map[string]any{KeyAbsoluteRate: float64(i%5) * 0.5})
			_ = s.Map()
		}()
	}
	wg.Wait()

	v, _ := s.Get(KeyAbsoluteRate)
	if f, ok := v.(float64); !ok || f < 0 || f > 2 {
		t.Errorf("absolute_rate = %v after concurrent updates", v)
	}
}
