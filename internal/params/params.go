// Package params holds the RHVoice synthesis parameter set, its validation
// rules and a concurrency-safe persistent store.
package params

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Parameter keys as exposed over every API surface.
const (
	KeyVoiceProfile    = "voice_profile"
	KeyAbsoluteRate    = "absolute_rate"
	KeyAbsolutePitch   = "absolute_pitch"
	KeyAbsoluteVolume  = "absolute_volume"
	KeyRelativeRate    = "relative_rate"
	KeyRelativePitch   = "relative_pitch"
	KeyRelativeVolume  = "relative_volume"
	KeyPunctuationMode = "punctuation_mode"
	KeyPunctuationList = "punctuation_list"
	KeyCapitalsMode    = "capitals_mode"
	KeyFlags           = "flags"
)

// Value limits.
const (
	MinBase        = -2.0
	MaxBase        = 2.5
	MaxPunctuation = 3
	MaxCapitals    = 4
	MaxFlags       = 1

	DefaultVoice = "Anna"

	// maxProfileVoices bounds how many voice names a profile may combine.
	maxProfileVoices = 2
)

// ErrInvalidParam is returned when a parameter value fails validation.
var ErrInvalidParam = errors.New("invalid synthesis parameter")

// Params is one complete synthesis parameter set.
type Params struct {
	VoiceProfile    string  `json:"voice_profile" toml:"voice_profile"`
	AbsoluteRate    float64 `json:"absolute_rate" toml:"absolute_rate"`
	AbsolutePitch   float64 `json:"absolute_pitch" toml:"absolute_pitch"`
	AbsoluteVolume  float64 `json:"absolute_volume" toml:"absolute_volume"`
	RelativeRate    float64 `json:"relative_rate" toml:"relative_rate"`
	RelativePitch   float64 `json:"relative_pitch" toml:"relative_pitch"`
	RelativeVolume  float64 `json:"relative_volume" toml:"relative_volume"`
	PunctuationMode int     `json:"punctuation_mode" toml:"punctuation_mode"`
	PunctuationList string  `json:"punctuation_list" toml:"punctuation_list"`
	CapitalsMode    int     `json:"capitals_mode" toml:"capitals_mode"`
	Flags           int     `json:"flags" toml:"flags"`
}

// Defaults returns the engine's built-in parameter set.
func Defaults() Params {
	return Params{
		VoiceProfile:   DefaultVoice,
		RelativeRate:   1,
		RelativePitch:  1,
		RelativeVolume: 1,
		Flags:          1,
	}
}

// Keys returns every recognised parameter key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Map returns the parameter set as a key/value map.
func (p Params) Map() map[string]any {
	m := make(map[string]any, len(fields))
	for k, f := range fields {
		m[k] = f.get(&p)
	}

	return m
}

// Get returns a single value and whether the key is recognised.
func (p Params) Get(key string) (any, bool) {
	f, ok := fields[key]
	if !ok {
		return nil, false
	}

	return f.get(&p), true
}

// With applies updates on a copy of p. Unknown keys are ignored. The
// returned flag reports whether any recognised value differs from p. On a
// validation error p is left unchanged and nothing is applied.
func (p Params) With(updates map[string]any) (Params, bool, error) {
	out := p
	changed := false

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		f, ok := fields[k]
		if !ok {
			continue
		}
		before := f.get(&out)
		if err := f.set(&out, updates[k]); err != nil {
			return p, false, fmt.Errorf("%w: %s: %v", ErrInvalidParam, k, err)
		}
		if f.get(&out) != before {
			changed = true
		}
	}

	return out, changed, nil
}

// Validate checks updates without applying them anywhere.
func Validate(updates map[string]any) error {
	_, _, err := Defaults().With(updates)
	return err
}

// NormalizeVoice builds a voice profile from one or more voice names: the
// first two names are kept, blanks among them dropped, the rest capitalized
// and joined with '+'. An empty result falls back to DefaultVoice.
func NormalizeVoice(names ...string) string {
	var pieces []string
	for _, n := range names {
		for _, piece := range strings.Split(n, "+") {
			pieces = append(pieces, strings.TrimSpace(piece))
		}
	}
	if len(pieces) > maxProfileVoices {
		pieces = pieces[:maxProfileVoices]
	}

	parts := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		if piece != "" {
			parts = append(parts, capitalize(piece))
		}
	}
	if len(parts) == 0 {
		return DefaultVoice
	}

	return strings.Join(parts, "+")
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

type field struct {
	get func(p *Params) any
	set func(p *Params, v any) error
}

var fields = map[string]field{
	KeyVoiceProfile: {
		get: func(p *Params) any { return p.VoiceProfile },
		set: func(p *Params, v any) error {
			switch t := v.(type) {
			case string:
				p.VoiceProfile = NormalizeVoice(t)
			case []string:
				p.VoiceProfile = NormalizeVoice(t...)
			case []any:
				names := make([]string, 0, len(t))
				for _, item := range t {
					s, ok := item.(string)
					if !ok {
						return fmt.Errorf("voice name %v is not a string", item)
					}
					names = append(names, s)
				}
				p.VoiceProfile = NormalizeVoice(names...)
			default:
				return fmt.Errorf("unexpected type %T", v)
			}
			return nil
		},
	},
	KeyAbsoluteRate:   baseField(func(p *Params) *float64 { return &p.AbsoluteRate }),
	KeyAbsolutePitch:  baseField(func(p *Params) *float64 { return &p.AbsolutePitch }),
	KeyAbsoluteVolume: baseField(func(p *Params) *float64 { return &p.AbsoluteVolume }),
	KeyRelativeRate:   baseField(func(p *Params) *float64 { return &p.RelativeRate }),
	KeyRelativePitch:  baseField(func(p *Params) *float64 { return &p.RelativePitch }),
	KeyRelativeVolume: baseField(func(p *Params) *float64 { return &p.RelativeVolume }),
	KeyPunctuationMode: enumField(MaxPunctuation, func(p *Params) *int { return &p.PunctuationMode }),
	KeyPunctuationList: {
		get: func(p *Params) any { return p.PunctuationList },
		set: func(p *Params, v any) error {
			switch t := v.(type) {
			case nil:
				p.PunctuationList = ""
			case string:
				p.PunctuationList = t
			default:
				return fmt.Errorf("unexpected type %T", v)
			}
			return nil
		},
	},
	KeyCapitalsMode: enumField(MaxCapitals, func(p *Params) *int { return &p.CapitalsMode }),
	KeyFlags:        enumField(MaxFlags, func(p *Params) *int { return &p.Flags }),
}

func baseField(ptr func(p *Params) *float64) field {
	return field{
		get: func(p *Params) any { return *ptr(p) },
		set: func(p *Params, v any) error {
			f, ok := toFloat(v)
			if !ok {
				return fmt.Errorf("unexpected type %T", v)
			}
			if math.IsNaN(f) || f < MinBase || f > MaxBase {
				return fmt.Errorf("%v outside [%v, %v]", f, MinBase, MaxBase)
			}
			*ptr(p) = f
			return nil
		},
	}
}

func enumField(maxValue int, ptr func(p *Params) *int) field {
	return field{
		get: func(p *Params) any { return *ptr(p) },
		set: func(p *Params, v any) error {
			f, ok := toFloat(v)
			if !ok || f != math.Trunc(f) {
				return fmt.Errorf("want an integer, got %v", v)
			}
			n := int(f)
			if n < 0 || n > maxValue {
				return fmt.Errorf("%d outside [0, %d]", n, maxValue)
			}
			*ptr(p) = n
			return nil
		},
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case interface{ Float64() (float64, error) }: // json.Number
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
