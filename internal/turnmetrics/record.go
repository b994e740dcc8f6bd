package turnmetrics

import (
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/turnlog/internal/sink"
)

// Record is the accumulated state of one turn. A key is present once a
// fragment carrying that field has been merged, even if its value is absent.
type Record map[Field]Value

// Merge applies f as a shallow, last-write-wins merge.
func (r Record) Merge(f Fragment) {
	for k, v := range f.Fields() {
		r[k] = v
	}
}

// Complete reports whether every field in [RequiredFields] is present.
func (r Record) Complete() bool {
	return len(r.Missing()) == 0
}

// Missing returns the required fields not merged yet, in [RequiredFields]
// order.
func (r Record) Missing() []Field {
	var out []Field
	for _, k := range RequiredFields {
		if _, ok := r[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// TotalLatency sums the required fields, rounded to the microsecond. It fails
// on the first field that is missing or not numeric.
func (r Record) TotalLatency() (float64, error) {
	var sum float64
	for _, k := range RequiredFields {
		v, ok := r[k]
		if !ok {
			return 0, fmt.Errorf("turnmetrics: %s missing", k)
		}
		f, ok := v.Float()
		if !ok {
			return 0, fmt.Errorf("turnmetrics: %s is not numeric: %q", k, v.Cell())
		}
		sum += f
	}
	return math.Round(sum*1e6) / 1e6, nil
}

// Row projects r onto the fixed sink schema.
func (r Record) Row(ts time.Time, total Value) sink.Row {
	return sink.Row{
		sink.ColTimestamp:          ts.Format(sink.TimeLayout),
		sink.ColEOUDelay:           r[FieldEndOfUtteranceDelay].Cell(),
		sink.ColTranscriptionDelay: r[FieldTranscriptionDelay].Cell(),
		sink.ColTTFT:               r[FieldTimeToFirstToken].Cell(),
		sink.ColLLMInputTokens:     r[FieldPromptTokens].Cell(),
		sink.ColLLMOutputTokens:    r[FieldCompletionTokens].Cell(),
		sink.ColTTSTTFB:            r[FieldTTSTimeToFirstByte].Cell(),
		sink.ColTTSDuration:        r[FieldTTSDuration].Cell(),
		sink.ColTTSAudioDuration:   r[FieldTTSAudioDuration].Cell(),
		sink.ColTotalLatency:       total.Cell(),
	}
}
