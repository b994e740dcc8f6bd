// Package sink persists finalized turn rows to durable tabular storage.
//
// Every implementation follows the same contract: on first use a missing
// store is created with the fixed [Header]; each [Sink.AppendRow] re-opens the
// whole store, appends exactly one row and writes the store back. There is no
// streaming writer. Rows arrive at conversational cadence, so a full rewrite
// per row is acceptable.
//
// Implementations:
//
//   - [XLSX]: spreadsheet workbook (default)
//   - [CSV]: comma-separated file
//   - [JSONL]: one JSON object per line
//   - [Postgres]: one table row per turn
//   - [Multi]: fan-out to several sinks
package sink

import (
	"context"
	"errors"
	"strconv"
)

// TimeLayout is the layout of the Timestamp column.
const TimeLayout = "2006-01-02 15:04:05"

// NumColumns is the fixed width of every row.
const NumColumns = 10

// Column indices into [Row].
const (
	ColTimestamp = iota
	ColEOUDelay
	ColTranscriptionDelay
	ColTTFT
	ColLLMInputTokens
	ColLLMOutputTokens
	ColTTSTTFB
	ColTTSDuration
	ColTTSAudioDuration
	ColTotalLatency
)

// Header is the header row written when a store is created.
var Header = [NumColumns]string{
	"Timestamp",
	"eou_delay",
	"transcription_delay",
	"ttft",
	"llm_input_tokens",
	"llm_output_tokens",
	"tts_ttfb",
	"tts_duration",
	"tts_audio_duration",
	"total_latency",
}

// ErrUnknownSink is returned by factories for an unsupported sink name.
var ErrUnknownSink = errors.New("sink: unknown sink")

// Row is one finalized turn, cells ordered as [Header]. An empty cell is a
// missing value.
type Row [NumColumns]string

// Float parses cell i as a float. ok is false for empty or non-numeric cells.
func (r Row) Float(i int) (v float64, ok bool) {
	if r[i] == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(r[i], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Values returns the row as typed values: float64 for numeric cells, string
// for everything else. The Timestamp column is always a string.
func (r Row) Values() []any {
	out := make([]any, NumColumns)
	for i, cell := range r {
		if i == ColTimestamp {
			out[i] = cell
			continue
		}
		if v, ok := r.Float(i); ok {
			out[i] = v
			continue
		}
		out[i] = cell
	}
	return out
}

// Sink is a durable, append-only row store.
//
// Implementations must be safe for concurrent use, although callers normally
// serialise appends themselves.
type Sink interface {
	// AppendRow persists one row. On a nil error the row is durable.
	AppendRow(ctx context.Context, row Row) error

	// Ping reports whether the backing store is reachable and writable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the sink.
	Close() error
}
