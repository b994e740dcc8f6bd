// Package resilience keeps a voice session answering when a provider backend
// misbehaves. [Breaker] stops calling a backend after repeated stream-start
// failures, and [Group] tries the next configured backend instead.
//
// [LLM] and [TTS] wrap a group so it can stand in for a single provider.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until ResetTimeout has passed since the last failure.
	Open

	// HalfOpen lets a limited number of trial calls through. One failure
	// re-opens the breaker; Trials successes close it.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// Trials is the number of half-open calls allowed and the number of
	// successes needed to close again. Default: 1.
	Trials int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Trials <= 0 {
		c.Trials = 1
	}
	return c
}

// Breaker is a three-state circuit breaker guarding one backend. It is safe
// for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	trials    int
	successes int
}

// NewBreaker returns a closed breaker. name labels log lines.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// Do runs fn unless the breaker is open and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(trial, err)
	return err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrOpen
		}
		b.state, b.trials, b.successes = HalfOpen, 0, 0
		slog.Info("resilience: breaker half-open", "backend", b.name)
	}
	if b.state == HalfOpen {
		if b.trials >= b.cfg.Trials {
			return false, ErrOpen
		}
		b.trials++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		if trial || b.failures >= b.cfg.MaxFailures {
			if b.state != Open {
				slog.Warn("resilience: breaker opened", "backend", b.name, "failures", b.failures, "err", err)
			}
			b.state = Open
			b.openedAt = b.now()
		}
		return
	}

	b.failures = 0
	if trial {
		b.successes++
		if b.successes >= b.cfg.Trials {
			b.state = Closed
			slog.Info("resilience: breaker closed", "backend", b.name)
		}
	}
}

// State reports the current mode. An open breaker whose timeout has passed
// reports HalfOpen; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.failures, b.trials, b.successes = Closed, 0, 0, 0
}
