// Package turnmetrics accumulates per-turn latency fragments and flushes one
// row per completed turn to a [sink.Sink].
//
// Metric events for a turn arrive from independent pipeline stages
// (end-of-utterance detection, the language model, speech synthesis) in no
// particular order. The [Dispatcher] parses each event into a typed
// [Fragment] and hands it to the [Table], which merges it into the turn's
// [Record]. As soon as a record holds every field in [RequiredFields] it is
// finalized: timestamped, given a total latency, appended to the sink, and
// evicted. A turn is flushed at most once; fragments arriving after eviction
// start a new record.
//
// Incomplete turns are kept until the process exits. [Table.Pending] lists
// them.
package turnmetrics

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/turnlog/internal/observe"
	"github.com/MrWong99/turnlog/internal/sink"
)

// Table owns the in-flight turn records of one session.
//
// All methods are safe for concurrent use. A single mutex covers
// merge, finalize, sink append and eviction, so rows reach the sink in
// finalize order and no turn is flushed twice.
type Table struct {
	mu    sync.Mutex
	turns map[string]Record

	sink     sink.Sink
	sinkName string
	now      func() time.Time
	metrics  *observe.Metrics
}

// Option configures a [Table].
type Option func(*Table)

// WithClock sets the clock used to stamp finalized rows. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithMetrics sets the instruments the table records into. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Table) { t.metrics = m }
}

// WithSinkName labels sink error metrics. Defaults to "default".
func WithSinkName(name string) Option {
	return func(t *Table) { t.sinkName = name }
}

// NewTable returns an empty table flushing to s.
func NewTable(s sink.Sink, opts ...Option) *Table {
	t := &Table{
		turns:    make(map[string]Record),
		sink:     s,
		sinkName: "default",
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Merge folds f into the record for speechID, creating it if needed, and
// finalizes the record once it is complete. Sink failures are logged and
// counted; the turn is evicted regardless.
func (t *Table) Merge(ctx context.Context, speechID string, f Fragment) {
	if speechID == "" {
		slog.Warn("turnmetrics: merge without speech_id, ignoring", "kind", f.Kind())
		t.metrics.RecordDropped(ctx, "missing_speech_id")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.turns[speechID]
	if !ok {
		rec = make(Record, len(RequiredFields)+4)
		t.turns[speechID] = rec
		t.metrics.PendingTurns.Add(ctx, 1)
	}
	rec.Merge(f)

	if !rec.Complete() {
		return
	}
	t.finalize(observe.WithSpeechID(ctx, speechID), speechID, rec)
}

// finalize writes rec to the sink and evicts it. t.mu must be held.
func (t *Table) finalize(ctx context.Context, speechID string, rec Record) {
	ctx, span := observe.StartSpan(ctx, "turnmetrics.finalize")
	defer span.End()

	// Evict even if the sink panics.
	defer func() {
		delete(t.turns, speechID)
		t.metrics.PendingTurns.Add(ctx, -1)
	}()

	log := observe.Logger(ctx)
	ts := t.now()

	total := Absent()
	if sum, err := rec.TotalLatency(); err != nil {
		log.Error("turnmetrics: could not compute total_latency", "err", err)
	} else {
		total = Number(sum)
		t.metrics.TurnLatency.Record(ctx, sum)
	}
	t.recordStages(ctx, rec)

	if err := t.sink.AppendRow(ctx, rec.Row(ts, total)); err != nil {
		log.Error("turnmetrics: failed to append row, turn lost", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sink append failed")
		t.metrics.RecordSinkError(ctx, t.sinkName)
		return
	}
	t.metrics.TurnsFinalized.Add(ctx, 1)
	log.Info("turnmetrics: logged all metrics", "total_latency", total.Cell())
}

func (t *Table) recordStages(ctx context.Context, rec Record) {
	stages := [...]struct {
		field Field
		name  string
	}{
		{FieldEndOfUtteranceDelay, observe.StageEndOfUtterance},
		{FieldTranscriptionDelay, observe.StageTranscription},
		{FieldTimeToFirstToken, observe.StageLLMTTFT},
		{FieldTTSTimeToFirstByte, observe.StageTTSTTFB},
	}
	for _, s := range stages {
		if v, ok := rec[s.field].Float(); ok {
			t.metrics.RecordStage(ctx, s.name, v)
		}
	}
}

// Pending returns the speech ids of incomplete turns in sorted order.
func (t *Table) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.turns))
	for id := range t.turns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of incomplete turns.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}

// Lookup returns a copy of the record for speechID.
func (t *Table) Lookup(speechID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.turns[speechID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

