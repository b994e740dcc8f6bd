package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Compile-time interface assertion.
var _ Sink = (*CSV)(nil)

// CSV appends rows to a comma-separated file. The file is read in full and
// rewritten atomically on every append.
type CSV struct {
	mu   sync.Mutex
	path string
}

// NewCSV returns a sink writing to the CSV file at path.
func NewCSV(path string) *CSV {
	return &CSV{path: path}
}

// AppendRow implements [Sink].
func (s *CSV) AppendRow(_ context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	records = append(records, row[:])

	return writeAtomic(s.path, func(f *os.File) error {
		w := csv.NewWriter(f)
		if err := w.WriteAll(records); err != nil {
			return fmt.Errorf("sink: csv: write: %w", err)
		}
		return nil
	})
}

// load reads all existing records, or returns just the header for a new file.
func (s *CSV) load() ([][]string, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return [][]string{Header[:]}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sink: csv: open %q: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("sink: csv: read %q: %w", s.path, err)
	}
	if len(records) == 0 {
		records = append(records, Header[:])
	}
	return records, nil
}

// Ping implements [Sink].
func (s *CSV) Ping(_ context.Context) error {
	return checkDir(s.path)
}

// Close implements [Sink].
func (s *CSV) Close() error { return nil }

// writeAtomic writes a sibling temp file through fn and renames it over path.
func writeAtomic(path string, fn func(*os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("sink: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sink: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("sink: replace %q: %w", path, err)
	}
	return nil
}

// checkDir verifies that the directory holding path exists.
func checkDir(path string) error {
	dir := filepath.Dir(path)
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("sink: stat %q: %w", dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("sink: %q is not a directory", dir)
	}
	return nil
}
