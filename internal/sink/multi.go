package sink

import (
	"context"
	"errors"
)

// Compile-time interface assertion.
var _ Sink = Multi(nil)

// Multi writes every row to each of its sinks in order. A failing sink does
// not stop the others; all errors are joined.
type Multi []Sink

// AppendRow implements [Sink].
func (m Multi) AppendRow(ctx context.Context, row Row) error {
	var errs []error
	for _, s := range m {
		if err := s.AppendRow(ctx, row); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping implements [Sink].
func (m Multi) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements [Sink].
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
