package emitter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	OutputStdout = "stdout"
	OutputNone   = "none"
)

// JSONLines writes one JSON object per record.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

var _ Sink = (*JSONLines)(nil)

func NewJSONLines(w io.Writer) *JSONLines {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLines{enc: enc}
}

func (j *JSONLines) Write(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("write record %s: %w", rec.Tag, err)
	}
	return nil
}

func (j *JSONLines) Close() error {
	if j.c == nil {
		return nil
	}
	return j.c.Close()
}

// discard drops every record.
type discard struct{}

func (discard) Write(Record) error { return nil }

// Discard is a sink that accepts and drops records.
var Discard Sink = discard{}

// OpenOutput resolves the configured output: stdout, none, or a file path
// opened for append. The returned close func is never nil.
func OpenOutput(output string) (Sink, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", OutputStdout:
		return NewJSONLines(os.Stdout), noop, nil
	case OutputNone:
		return Discard, noop, nil
	}

	path := filepath.Clean(output)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, noop, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, noop, fmt.Errorf("open output %s: %w", path, err)
	}
	sink := NewJSONLines(f)
	sink.c = f
	return sink, sink.Close, nil
}
