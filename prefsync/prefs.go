// ABOUTME: Preference key registry with defaults, validation, and merge rules.
// ABOUTME: The key set is fixed; unknown keys from remote or imported blobs are dropped.
package prefsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the value type a preference key accepts.
type Kind int

const (
	KindString Kind = iota
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Definition describes one known preference key.
type Definition struct {
	Key     string
	Kind    Kind
	Default any
	Allowed []string // for string keys; empty means any value
	Min     float64  // for float keys; values are clamped into [Min, Max]
	Max     float64
}

// definitions is the full visualizer preference surface.
var definitions = []Definition{
	{Key: "glow_color", Kind: KindString, Default: "#8309D5"},
	{Key: "pulse_intensity", Kind: KindFloat, Default: 1.0, Min: 0, Max: 3},
	{Key: "shape", Kind: KindString, Default: "cube", Allowed: []string{"cube", "sphere", "torus", "waves"}},
	{Key: "auto_sync", Kind: KindBool, Default: true},
	{Key: "theme", Kind: KindString, Default: "dark", Allowed: []string{"dark", "light"}},
	{Key: "volume", Kind: KindFloat, Default: 0.8, Min: 0, Max: 1},
	{Key: "quality", Kind: KindString, Default: "high", Allowed: []string{"low", "medium", "high"}},
}

var defIndex = func() map[string]Definition {
	m := make(map[string]Definition, len(definitions))
	for _, d := range definitions {
		m[d.Key] = d
	}
	return m
}()

// Lookup returns the definition for key, if it is a known preference.
func Lookup(key string) (Definition, bool) {
	d, ok := defIndex[key]
	return d, ok
}

// Keys returns every known preference key in registry order.
func Keys() []string {
	out := make([]string, 0, len(definitions))
	for _, d := range definitions {
		out = append(out, d.Key)
	}
	return out
}

// PreferenceSet maps preference keys to values. Values are always one of
// string, float64, or bool after Sanitize.
type PreferenceSet map[string]any

// Defaults returns a complete set with every key at its documented default.
func Defaults() PreferenceSet {
	out := make(PreferenceSet, len(definitions))
	for _, d := range definitions {
		out[d.Key] = d.Default
	}
	return out
}

// Sanitize validates a raw blob against the registry. Unknown keys are
// dropped, invalid values revert to defaults, and missing keys are filled
// in, so the result is always complete.
func Sanitize(raw map[string]any) PreferenceSet {
	out := make(PreferenceSet, len(definitions))
	for _, d := range definitions {
		v, ok := raw[d.Key]
		if !ok {
			out[d.Key] = d.Default
			continue
		}
		coerced, ok := coerce(d, v)
		if !ok {
			out[d.Key] = d.Default
			continue
		}
		out[d.Key] = coerced
	}
	return out
}

// coerce converts v into the definition's kind, reporting whether the
// value was usable.
func coerce(d Definition, v any) (any, bool) {
	switch d.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		if len(d.Allowed) > 0 && !contains(d.Allowed, s) {
			return nil, false
		}
		return s, true
	case KindFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, false
		}
		if d.Max > d.Min {
			if f < d.Min {
				f = d.Min
			}
			if f > d.Max {
				f = d.Max
			}
		}
		return f, true
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, false
		}
		return b, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ParseValue converts a textual value (CLI input) for key into its typed form.
func ParseValue(key, text string) (any, error) {
	d, ok := Lookup(key)
	if !ok {
		return nil, fmt.Errorf("unknown preference %q", key)
	}
	switch d.Kind {
	case KindString:
		if len(d.Allowed) > 0 && !contains(d.Allowed, text) {
			return nil, fmt.Errorf("%q must be one of %s", key, strings.Join(d.Allowed, ", "))
		}
		return text, nil
	case KindFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%q wants a number: %v", key, err)
		}
		v, _ := coerce(d, f)
		return v, nil
	case KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("%q wants true or false: %v", key, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown kind for %q", key)
}

// Merge combines two complete sets, with local values taking precedence on
// collisions. Shallow by design: the system tracks no per-field provenance.
func Merge(local, remote PreferenceSet) PreferenceSet {
	out := remote.Clone()
	for k, v := range local {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy.
func (p PreferenceSet) Clone() PreferenceSet {
	out := make(PreferenceSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold identical values.
func (p PreferenceSet) Equal(other PreferenceSet) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// String returns the string value for key, or the default when absent.
func (p PreferenceSet) String(key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	if d, ok := Lookup(key); ok {
		if s, ok := d.Default.(string); ok {
			return s
		}
	}
	return ""
}

// Float returns the float value for key, or the default when absent.
func (p PreferenceSet) Float(key string) float64 {
	if f, ok := p[key].(float64); ok {
		return f
	}
	if d, ok := Lookup(key); ok {
		if f, ok := d.Default.(float64); ok {
			return f
		}
	}
	return 0
}

// Bool returns the bool value for key, or the default when absent.
func (p PreferenceSet) Bool(key string) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	if d, ok := Lookup(key); ok {
		if b, ok := d.Default.(bool); ok {
			return b
		}
	}
	return false
}
