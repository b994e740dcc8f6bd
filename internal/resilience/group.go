package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/turnlog/internal/observe"
)

// ErrAllFailed is returned when no backend in a [Group] could serve a call.
var ErrAllFailed = errors.New("resilience: all backends failed")

// Backend is one named member of a [Group].
type Backend[T any] struct {
	Name  string
	Value T
}

type member[T any] struct {
	Backend[T]
	breaker *Breaker
}

// Group tries its backends in order, skipping those whose breaker is open.
// The first backend is the primary.
type Group[T any] struct {
	kind    string
	members []member[T]
	metrics *observe.Metrics
}

// GroupOption configures a [Group].
type GroupOption func(*groupOptions)

type groupOptions struct {
	breaker BreakerConfig
	metrics *observe.Metrics
}

// WithBreaker sets the breaker configuration used for every backend.
func WithBreaker(cfg BreakerConfig) GroupOption {
	return func(o *groupOptions) { o.breaker = cfg }
}

// WithMetrics records a provider error for every failed attempt. Defaults
// to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) GroupOption {
	return func(o *groupOptions) { o.metrics = m }
}

// NewGroup returns a group over backends. kind ("llm", "tts") labels
// metrics and logs.
func NewGroup[T any](kind string, backends []Backend[T], opts ...GroupOption) (*Group[T], error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("resilience: %s group needs at least one backend", kind)
	}
	var o groupOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	g := &Group[T]{kind: kind, metrics: o.metrics}
	for _, b := range backends {
		g.members = append(g.members, member[T]{Backend: b, breaker: NewBreaker(kind+"/"+b.Name, o.breaker)})
	}
	return g, nil
}

// Primary returns the first backend.
func (g *Group[T]) Primary() T {
	return g.members[0].Value
}

// Call runs fn against each backend of g in order until one succeeds.
// A cancelled ctx stops the walk and is returned as is.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.members {
		m := &g.members[i]
		var res R
		err := m.breaker.Do(func() error {
			var err error
			res, err = fn(m.Value)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("resilience: served by fallback", "kind", g.kind, "backend", m.Name)
			}
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping backend", "kind", g.kind, "backend", m.Name)
		} else {
			g.metrics.RecordProviderError(ctx, m.Name, g.kind)
			slog.Warn("resilience: backend failed, trying next", "kind", g.kind, "backend", m.Name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
