package audit

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

// RedactedMarker replaces every redacted value.
const RedactedMarker = "[REDACTED]"

// MaxActionBytes caps the stored action description.
const MaxActionBytes = 512

// Sensitive marks a detail value that is always redacted, whatever its key.
type Sensitive string

// String never reveals the wrapped value.
func (Sensitive) String() string { return RedactedMarker }

// MarshalText keeps the value out of any encoder that reaches it directly.
func (Sensitive) MarshalText() ([]byte, error) { return []byte(RedactedMarker), nil }

// Key fragments, compared after lowercasing and dropping separators.
var defaultSensitiveTerms = []string{
	"password",
	"passwd",
	"passphrase",
	"token",
	"secret",
	"credential",
	"session",
	"privatekey",
	"apikey",
	"keymaterial",
	"mnemonic",
	"seedphrase",
	"recoveryphrase",
	"authorization",
	"cookie",
}

// Redactor scrubs detail payloads.
type Redactor struct {
	terms []string
}

// NewRedactor builds a redactor for the default terms plus extra.
func NewRedactor(extra ...string) *Redactor {
	terms := make([]string, 0, len(defaultSensitiveTerms)+len(extra))
	terms = append(terms, defaultSensitiveTerms...)
	for _, t := range extra {
		if t = normalizeKey(t); t != "" {
			terms = append(terms, t)
		}
	}
	return &Redactor{terms: terms}
}

func normalizeKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if r == '_' || r == '-' || r == '.' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SensitiveKey reports whether a detail key names secret material.
func (r *Redactor) SensitiveKey(key string) bool {
	k := normalizeKey(key)
	for _, t := range r.terms {
		if strings.Contains(k, t) {
			return true
		}
	}
	return false
}

// maxRedactDepth bounds the walk; anything nested deeper is replaced whole.
const maxRedactDepth = 32

// Redact returns a deep copy of details with sensitive values replaced.
// Maps, slices, pointers and structs of any type are walked; structs are
// flattened through their JSON form so tagged field names are checked too.
func (r *Redactor) Redact(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	return r.redactMap(details, 0)
}

func (r *Redactor) redactMap(m map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.SensitiveKey(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = r.redactValue(v, depth+1)
	}
	return out
}

func (r *Redactor) redactValue(v any, depth int) any {
	if depth > maxRedactDepth {
		return RedactedMarker
	}
	switch val := v.(type) {
	case nil, string, bool, int, int64, float64, json.Number:
		return v
	case Sensitive:
		return RedactedMarker
	case map[string]any:
		return r.redactMap(val, depth)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item, depth+1)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	case error:
		return val.Error()
	case json.Marshaler, encoding.TextMarshaler:
		return v
	}
	return r.redactReflect(reflect.ValueOf(v), depth)
}

func (r *Redactor) redactReflect(rv reflect.Value, depth int) any {
	switch rv.Kind() {
	case reflect.Map:
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key()
			key, ok := k.Interface().(string)
			if !ok {
				key = fmt.Sprint(k.Interface())
			}
			m[key] = iter.Value().Interface()
		}
		return r.redactMap(m, depth)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = r.redactValue(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return r.redactValue(rv.Elem().Interface(), depth+1)
	case reflect.Struct:
		raw, err := json.Marshal(rv.Interface())
		if err != nil {
			return RedactedMarker
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var flat any
		if err := dec.Decode(&flat); err != nil {
			return RedactedMarker
		}
		return r.redactValue(flat, depth+1)
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Sprintf("%T", rv.Interface())
	default:
		return rv.Interface()
	}
}

// SanitizeAction strips control characters and caps the text at MaxActionBytes
// without splitting a rune.
func SanitizeAction(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), MaxActionBytes))
	for _, r := range s {
		if r == utf8.RuneError || unicode.IsControl(r) {
			continue
		}
		if b.Len()+utf8.RuneLen(r) > MaxActionBytes {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
