package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/turnlog/internal/sink"
	"github.com/MrWong99/turnlog/pkg/provider/llm"
	"github.com/MrWong99/turnlog/pkg/provider/stt"
	"github.com/MrWong99/turnlog/pkg/provider/tts"
	"github.com/MrWong99/turnlog/pkg/provider/turn"
	"github.com/MrWong99/turnlog/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SinkFactory opens a metrics store described by a [SinkEntry].
type SinkFactory func(ctx context.Context, e SinkEntry) (sink.Sink, error)

// factories is one provider kind's name → constructor table.
type factories[F any] map[string]F

func (f factories[F]) lookup(mu *sync.RWMutex, kind, name string) (F, error) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := f[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, name)
	}
	return fn, nil
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	llm  factories[func(ProviderEntry) (llm.Provider, error)]
	stt  factories[func(ProviderEntry) (stt.Provider, error)]
	tts  factories[func(ProviderEntry) (tts.Provider, error)]
	vad  factories[func(ProviderEntry) (vad.Engine, error)]
	turn factories[func(ProviderEntry) (turn.Detector, error)]
	sink factories[SinkFactory]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:  make(factories[func(ProviderEntry) (llm.Provider, error)]),
		stt:  make(factories[func(ProviderEntry) (stt.Provider, error)]),
		tts:  make(factories[func(ProviderEntry) (tts.Provider, error)]),
		vad:  make(factories[func(ProviderEntry) (vad.Engine, error)]),
		turn: make(factories[func(ProviderEntry) (turn.Detector, error)]),
		sink: make(factories[SinkFactory]),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterTurnDetector registers an end-of-turn detector factory under name.
func (r *Registry) RegisterTurnDetector(name string, factory func(ProviderEntry) (turn.Detector, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turn[name] = factory
}

// RegisterSink registers a metrics store factory under kind.
func (r *Registry) RegisterSink(kind SinkKind, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink[string(kind)] = factory
}

// CreateLLM instantiates the LLM provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	f, err := r.llm.lookup(&r.mu, "llm", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateSTT instantiates the STT provider registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	f, err := r.stt.lookup(&r.mu, "stt", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateTTS instantiates the TTS provider registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	f, err := r.tts.lookup(&r.mu, "tts", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateVAD instantiates the VAD engine registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	f, err := r.vad.lookup(&r.mu, "vad", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateTurnDetector instantiates the detector registered under entry.Name.
func (r *Registry) CreateTurnDetector(entry ProviderEntry) (turn.Detector, error) {
	f, err := r.turn.lookup(&r.mu, "turn_detector", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateSink opens the store registered under e.Name. Unknown kinds wrap
// both [ErrProviderNotRegistered] and [sink.ErrUnknownSink].
func (r *Registry) CreateSink(ctx context.Context, e SinkEntry) (sink.Sink, error) {
	f, err := r.sink.lookup(&r.mu, "sink", string(e.Name))
	if err != nil {
		return nil, fmt.Errorf("%w (%w)", err, sink.ErrUnknownSink)
	}
	return f(ctx, e)
}

// CreateSinks opens every sink in m and returns them as one [sink.Sink]. A
// single configured sink is returned as is. On failure, already opened sinks
// are closed.
func (r *Registry) CreateSinks(ctx context.Context, m MetricsConfig) (sink.Sink, error) {
	var opened sink.Multi
	for _, e := range m.All() {
		s, err := r.CreateSink(ctx, e)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("config: open sink %s: %w", e.Name, err), opened.Close())
		}
		opened = append(opened, s)
	}
	if len(opened) == 1 {
		return opened[0], nil
	}
	return opened, nil
}

// Names returns the registered names of kind ("llm", "stt", "tts", "vad",
// "turn_detector" or "sink"), sorted.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "llm":
		names = keys(r.llm)
	case "stt":
		names = keys(r.stt)
	case "tts":
		names = keys(r.tts)
	case "vad":
		names = keys(r.vad)
	case "turn_detector":
		names = keys(r.turn)
	case "sink":
		names = keys(r.sink)
	}
	slices.Sort(names)
	return names
}

func keys[F any](f factories[F]) []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	return out
}
