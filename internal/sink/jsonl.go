package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// Compile-time interface assertion.
var _ Sink = (*JSONL)(nil)

// JSONL persists rows as JSON lines keyed by the [Header] column names.
// Numeric cells are encoded as numbers, empty cells as null.
type JSONL struct {
	mu   sync.Mutex
	path string
}

// NewJSONL returns a sink writing JSON lines to path.
func NewJSONL(path string) *JSONL {
	return &JSONL{path: path}
}

// AppendRow implements [Sink].
func (s *JSONL) AppendRow(_ context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rowObject(row))
	if err != nil {
		return fmt.Errorf("sink: jsonl: marshal: %w", err)
	}
	data = append(data, '\n')

	existing, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sink: jsonl: read %q: %w", s.path, err)
	}
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte{'\n'}) {
		existing = append(existing, '\n')
	}

	return writeAtomic(s.path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		if _, err := w.Write(existing); err != nil {
			return fmt.Errorf("sink: jsonl: write: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("sink: jsonl: write: %w", err)
		}
		return w.Flush()
	})
}

// rowObject maps a row to a JSON object with one key per column.
func rowObject(row Row) map[string]any {
	obj := make(map[string]any, NumColumns)
	for i, name := range Header {
		switch {
		case row[i] == "":
			obj[name] = nil
		case i == ColTimestamp:
			obj[name] = row[i]
		default:
			if v, ok := row.Float(i); ok {
				obj[name] = v
			} else {
				obj[name] = row[i]
			}
		}
	}
	return obj
}

// Ping implements [Sink].
func (s *JSONL) Ping(_ context.Context) error {
	return checkDir(s.path)
}

// Close implements [Sink].
func (s *JSONL) Close() error { return nil }
