// Package tts defines the streaming text-to-speech interface.
//
// SynthesizeStream consumes text fragments as the LLM produces them and
// emits PCM audio as soon as the backend returns it, so the first audio byte
// can be played before the reply is complete.
package tts

import (
	"context"

	"github.com/MrWong99/turnlog/pkg/types"
)

// Format describes the PCM emitted by a provider: 16-bit little-endian
// samples at SampleRate, interleaved over Channels.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Provider is a streaming speech synthesiser. Implementations must be safe
// for concurrent use.
type Provider interface {
	// SynthesizeStream reads text until the channel is closed and returns a
	// channel of PCM chunks. The audio channel is closed when synthesis ends
	// or ctx is cancelled; a mid-stream failure closes it early. The
	// returned error is non-nil only when the stream could not start.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.Voice) (<-chan []byte, error)

	// OutputFormat reports the PCM format of the audio channel.
	OutputFormat() Format
}
