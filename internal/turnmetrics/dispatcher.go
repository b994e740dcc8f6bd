package turnmetrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/MrWong99/turnlog/internal/observe"
)

// Event is a loosely typed metric event as emitted by the session runtime.
// The discriminator ("type"), "speech_id" and the metric fields live either
// on the event itself or under a nested "metrics" object.
type Event map[string]any

// Payload keys read from an [Event].
const (
	keyMetrics  = "metrics"
	keyType     = "type"
	keySpeechID = "speech_id"
)

var (
	// ErrMissingSpeechID is returned by [ParseEvent] for events without a
	// speech_id.
	ErrMissingSpeechID = errors.New("turnmetrics: missing speech_id")

	// ErrUnknownKind is returned by [ParseEvent] for events whose type is not
	// one of the three fragment kinds.
	ErrUnknownKind = errors.New("turnmetrics: unknown metric kind")
)

// Merger receives parsed fragments. [*Table] implements it.
type Merger interface {
	Merge(ctx context.Context, speechID string, f Fragment)
}

// Compile-time interface assertion.
var _ Merger = (*Table)(nil)

// Dispatcher turns metric events into fragments for a [Merger].
type Dispatcher struct {
	merger  Merger
	metrics *observe.Metrics
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics sets the instruments for dropped events. Defaults to
// [observe.DefaultMetrics].
func WithDispatcherMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher returns a Dispatcher feeding m.
func NewDispatcher(m Merger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{merger: m}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// OnMetricEvent handles one metric event. It never panics and never returns
// an error: malformed events are logged and dropped, and a panic while
// handling one event only loses that event.
func (d *Dispatcher) OnMetricEvent(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("turnmetrics: error during metric logging",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			d.metrics.RecordDropped(ctx, "panic")
		}
	}()

	speechID, frag, err := ParseEvent(ev)
	switch {
	case errors.Is(err, ErrMissingSpeechID):
		slog.Warn("turnmetrics: missing speech_id, skipping metric", "type", eventKind(ev))
		d.metrics.RecordDropped(ctx, "missing_speech_id")
		return
	case errors.Is(err, ErrUnknownKind):
		slog.Debug("turnmetrics: ignoring metric", "type", eventKind(ev), "speech_id", speechID)
		d.metrics.RecordDropped(ctx, "unknown_kind")
		return
	case err != nil:
		slog.Warn("turnmetrics: malformed metric event", "err", err)
		d.metrics.RecordDropped(ctx, "malformed")
		return
	}

	slog.Debug("turnmetrics: received metric", "type", frag.Kind(), "speech_id", speechID)
	d.merger.Merge(ctx, speechID, frag)
}

// ParseEvent extracts the speech id and typed fragment from ev. Missing
// metric fields become absent values; only a missing speech_id or an
// unrecognised type is an error.
func ParseEvent(ev Event) (speechID string, f Fragment, err error) {
	if ev == nil {
		return "", nil, ErrMissingSpeechID
	}
	src := payload{top: ev, nested: nestedMetrics(ev)}

	speechID = src.text(keySpeechID)
	if speechID == "" {
		return "", nil, ErrMissingSpeechID
	}

	switch kind := Kind(src.text(keyType)); kind {
	case KindEOU:
		return speechID, EOUFragment{
			EndOfUtteranceDelay: src.value("end_of_utterance_delay"),
			TranscriptionDelay:  src.value("transcription_delay"),
		}, nil
	case KindLLM:
		return speechID, LLMFragment{
			TTFT:             src.value("ttft"),
			PromptTokens:     src.value("prompt_tokens"),
			CompletionTokens: src.value("completion_tokens"),
		}, nil
	case KindTTS:
		return speechID, TTSFragment{
			TTFB:          src.value("ttfb"),
			Duration:      src.value("duration"),
			AudioDuration: src.value("audio_duration"),
		}, nil
	default:
		return speechID, nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// payload resolves keys against the nested metrics object first, then the
// event itself.
type payload struct {
	top    map[string]any
	nested map[string]any
}

func (p payload) lookup(key string) (any, bool) {
	if p.nested != nil {
		if v, ok := p.nested[key]; ok {
			return v, true
		}
	}
	v, ok := p.top[key]
	return v, ok
}

func (p payload) value(key string) Value {
	v, ok := p.lookup(key)
	if !ok {
		return Absent()
	}
	return ValueOf(v)
}

func (p payload) text(key string) string {
	v, ok := p.lookup(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return ""
	}
}

func nestedMetrics(ev Event) map[string]any {
	switch m := ev[keyMetrics].(type) {
	case map[string]any:
		return m
	case Event:
		return m
	default:
		return nil
	}
}

func eventKind(ev Event) string {
	return payload{top: ev, nested: nestedMetrics(ev)}.text(keyType)
}
