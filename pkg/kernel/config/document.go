package config

import (
	"time"
)

// Document wraps one configuration document's key/value content.
// Accessors return the supplied default when a key is missing or the
// value cannot be converted, so callers never branch on presence.
type Document struct {
	data map[string]any
}

// NewDocument builds a Document from a parsed map. A nil map yields an
// empty document.
func NewDocument(data map[string]any) Document {
	if data == nil {
		data = make(map[string]any)
	}
	return Document{data: data}
}

// String returns the string at key, or defaultVal.
func (d Document) String(key, defaultVal string) string {
	if s, ok := d.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Bool returns the bool at key, or defaultVal.
func (d Document) Bool(key string, defaultVal bool) bool {
	if b, ok := d.data[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer at key, or defaultVal. JSON numbers arrive as
// float64 and are accepted when they carry no fractional part.
func (d Document) Int(key string, defaultVal int) int {
	switch v := d.data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return defaultVal
}

// Float returns the float64 at key, or defaultVal.
func (d Document) Float(key string, defaultVal float64) float64 {
	switch v := d.data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return defaultVal
}

// Duration returns the duration at key, or defaultVal. Strings are
// parsed with time.ParseDuration; bare numbers are seconds.
func (d Document) Duration(key string, defaultVal time.Duration) time.Duration {
	switch v := d.data[key].(type) {
	case string:
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case time.Duration:
		return v
	}
	return defaultVal
}

// StringSlice returns the string list at key, or defaultVal. A []any
// value converts only when every element is a string.
func (d Document) StringSlice(key string, defaultVal []string) []string {
	switch v := d.data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out = append(out, s)
		}
		return out
	}
	return defaultVal
}

// Section returns the nested document at key. Missing or non-map
// values yield an empty document.
func (d Document) Section(key string) Document {
	switch v := d.data[key].(type) {
	case map[string]any:
		return NewDocument(v)
	case Document:
		return v
	}
	return NewDocument(nil)
}

// Any returns the raw value at key, or defaultVal.
func (d Document) Any(key string, defaultVal any) any {
	if v, ok := d.data[key]; ok {
		return v
	}
	return defaultVal
}

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	_, ok := d.data[key]
	return ok
}

// Keys returns the top-level keys in no particular order.
func (d Document) Keys() []string {
	out := make([]string, 0, len(d.data))
	for k := range d.data {
		out = append(out, k)
	}
	return out
}

// Raw exposes the underlying map. Callers must not modify it.
func (d Document) Raw() map[string]any {
	return d.data
}
