// Package mock provides an in-memory [sink.Sink] for unit tests.
//
// The mock records every appended row and lets tests inject errors:
//
//	s := &mock.Sink{}
//	s.AppendErr = errors.New("disk full")
//	// ... drive the code under test ...
//	rows := s.Rows()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnlog/internal/sink"
)

// Compile-time interface assertion.
var _ sink.Sink = (*Sink)(nil)

// Sink is a mock implementation of [sink.Sink].
type Sink struct {
	mu sync.Mutex

	// AppendErr is returned by AppendRow. The row is still recorded in
	// Attempts but not in Rows.
	AppendErr error

	// PingErr is returned by Ping.
	PingErr error

	// OnAppend, when set, is called for every AppendRow before recording.
	OnAppend func(sink.Row)

	rows      []sink.Row
	attempts  []sink.Row
	pings     int
	closeCall int
}

// AppendRow implements [sink.Sink].
func (s *Sink) AppendRow(_ context.Context, row sink.Row) error {
	s.mu.Lock()
	cb := s.OnAppend
	s.mu.Unlock()
	if cb != nil {
		cb(row)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, row)
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.rows = append(s.rows, row)
	return nil
}

// Ping implements [sink.Sink].
func (s *Sink) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.PingErr
}

// Close implements [sink.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCall++
	return nil
}

// Rows returns a copy of the successfully appended rows.
func (s *Sink) Rows() []sink.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.Row, len(s.rows))
	copy(out, s.rows)
	return out
}

// Attempts returns a copy of every row passed to AppendRow, including failed ones.
func (s *Sink) Attempts() []sink.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.Row, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// PingCount returns the number of Ping calls.
func (s *Sink) PingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// CloseCount returns the number of Close calls.
func (s *Sink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCall
}
