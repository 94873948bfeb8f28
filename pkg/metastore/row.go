// Package metastore defines the metadata-store endpoint protocol and
// the infrastructure around it: a predicate tree compiled to
// parameterized SQL, a SQL-backed endpoint client, an in-memory
// endpoint for tests, and a health-aware endpoint pool with
// latency-based selection.
package metastore

import (
	"time"
)

// Row is one record exchanged with a metadata-store endpoint. Values
// are the driver-native types; the typed accessors below coerce the
// common representations (sqlite integers for booleans, []byte for
// text, RFC3339 strings for timestamps).
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the named column as a string, or "" when absent.
func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Int64 returns the named column as an int64, or 0 when absent.
func (r Row) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Bool returns the named column as a bool. Integer columns are
// treated as booleans the way sqlite stores them.
func (r Row) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// Time returns the named column as a UTC time. The zero time is
// returned for absent or null columns.
func (r Row) Time(key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	case []byte:
		if t, err := time.Parse(time.RFC3339Nano, string(v)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// TimePtr returns the named column as a *time.Time, or nil when the
// column is absent or null.
func (r Row) TimePtr(key string) *time.Time {
	if v, ok := r[key]; !ok || v == nil {
		return nil
	}
	t := r.Time(key)
	if t.IsZero() {
		return nil
	}
	return &t
}
