package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/xuri/excelize/v2"
)

// Compile-time interface assertion.
var _ Sink = (*XLSX)(nil)

// DefaultSheet is the worksheet rows are appended to unless overridden.
const DefaultSheet = "Metrics"

// XLSX appends rows to a worksheet of an Excel workbook. The workbook is
// opened, extended and saved in full on every append.
type XLSX struct {
	mu    sync.Mutex
	path  string
	sheet string
}

// XLSXOption configures an [XLSX] sink.
type XLSXOption func(*XLSX)

// WithSheet sets the worksheet name. Empty names are ignored.
func WithSheet(name string) XLSXOption {
	return func(s *XLSX) {
		if name != "" {
			s.sheet = name
		}
	}
}

// NewXLSX returns a sink writing to the workbook at path. The file is not
// touched until the first append.
func NewXLSX(path string, opts ...XLSXOption) *XLSX {
	s := &XLSX{path: path, sheet: DefaultSheet}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AppendRow implements [Sink].
func (s *XLSX) AppendRow(_ context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open()
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.ensureSheet(f); err != nil {
		return err
	}

	rows, err := f.GetRows(s.sheet)
	if err != nil {
		return fmt.Errorf("sink: xlsx: read rows: %w", err)
	}
	cell, err := excelize.CoordinatesToCellName(1, len(rows)+1)
	if err != nil {
		return fmt.Errorf("sink: xlsx: %w", err)
	}
	values := row.Values()
	if err := f.SetSheetRow(s.sheet, cell, &values); err != nil {
		return fmt.Errorf("sink: xlsx: write row: %w", err)
	}
	if err := f.SaveAs(s.path); err != nil {
		return fmt.Errorf("sink: xlsx: save %q: %w", s.path, err)
	}
	return nil
}

// open loads the workbook or creates a new one in memory.
func (s *XLSX) open() (*excelize.File, error) {
	f, err := excelize.OpenFile(s.path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("sink: xlsx: open %q: %w", s.path, err)
	}

	f = excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), s.sheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: xlsx: name sheet: %w", err)
	}
	return f, nil
}

// ensureSheet creates the worksheet with its header row when missing or empty.
func (s *XLSX) ensureSheet(f *excelize.File) error {
	idx, err := f.GetSheetIndex(s.sheet)
	if err != nil {
		return fmt.Errorf("sink: xlsx: %w", err)
	}
	if idx == -1 {
		if _, err := f.NewSheet(s.sheet); err != nil {
			return fmt.Errorf("sink: xlsx: create sheet %q: %w", s.sheet, err)
		}
	}

	rows, err := f.GetRows(s.sheet)
	if err != nil {
		return fmt.Errorf("sink: xlsx: read rows: %w", err)
	}
	if len(rows) > 0 {
		return nil
	}
	header := make([]any, NumColumns)
	for i, h := range Header {
		header[i] = h
	}
	if err := f.SetSheetRow(s.sheet, "A1", &header); err != nil {
		return fmt.Errorf("sink: xlsx: write header: %w", err)
	}
	return nil
}

// Ping implements [Sink]. It checks that an existing workbook can be opened
// or, when none exists yet, that its directory is writable.
func (s *XLSX) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		f, err := excelize.OpenFile(s.path)
		if err != nil {
			return fmt.Errorf("sink: xlsx: open %q: %w", s.path, err)
		}
		return f.Close()
	}
	return checkDir(s.path)
}

// Close implements [Sink]. The workbook is never held open between appends.
func (s *XLSX) Close() error { return nil }
