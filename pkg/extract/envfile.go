package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/store"
)

// Record is an ordered sequence of unique environment keys and their
// extracted values. Writing a record is a whole-file replace, never an
// append-merge, so no stale keys survive from a previous run.
type Record struct {
	keys   []string
	values map[string]Value
}

// NewRecord creates an empty record.
func NewRecord() *Record {
	return &Record{values: make(map[string]Value)}
}

// Set adds or replaces the value for key, preserving the position of a key
// that is already present.
func (r *Record) Set(key string, v Value) error {
	if key == "" {
		return fmt.Errorf("environment key cannot be empty")
	}
	if strings.ContainsAny(key, "=\n") {
		return fmt.Errorf("invalid environment key %q", key)
	}
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
	return nil
}

// Get returns the value for key.
func (r *Record) Get(key string) (Value, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of keys in the record.
func (r *Record) Len() int {
	return len(r.keys)
}

// Render serializes the record as KEY=VALUE lines. Null values render as the
// literal text "null".
func (r *Record) Render() []byte {
	var buf bytes.Buffer
	for _, key := range r.keys {
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(r.values[key].Render())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// WriteRecord atomically replaces the environment file at path with the
// rendered record. On any store fault the attempt is fatal; the only
// recovery path is a full re-run of the owning unit.
func WriteRecord(ctx context.Context, st store.Store, path string, rec *Record) error {
	if st == nil {
		return fmt.Errorf("store cannot be nil")
	}
	if path == "" {
		return fmt.Errorf("environment file path cannot be empty")
	}
	return st.WriteFileAtomic(ctx, path, rec.Render())
}

// ParseEnvFile parses KEY=VALUE lines back into a map. Blank lines and lines
// starting with '#' are ignored. Used by process runners that load an env
// file into a child process environment, and by tests verifying round-trip
// correctness.
func ParseEnvFile(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("%w: line %d: %q", errors.ErrParseFailure, i+1, line)
		}
		out[line[:idx]] = line[idx+1:]
	}
	return out, nil
}
