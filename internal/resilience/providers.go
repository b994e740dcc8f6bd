package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/turnlog/pkg/provider/llm"
	"github.com/MrWong99/turnlog/pkg/provider/tts"
	"github.com/MrWong99/turnlog/pkg/types"
)

// LLM is an [llm.Provider] that fails over across a [Group]. Only starting
// the stream is covered; errors inside an open stream reach the caller as
// usual.
type LLM struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM wraps backends, primary first.
func NewLLM(backends []Backend[llm.Provider], opts ...GroupOption) (*LLM, error) {
	g, err := NewGroup("llm", backends, opts...)
	if err != nil {
		return nil, err
	}
	return &LLM{group: g}, nil
}

func (l *LLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(ctx, l.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens asks the primary. Counting makes no network call worth failing
// over.
func (l *LLM) CountTokens(messages []types.Message) (int, error) {
	return l.group.Primary().CountTokens(messages)
}

func (l *LLM) Capabilities() types.ModelCapabilities {
	return l.group.Primary().Capabilities()
}

// TTS is a [tts.Provider] that fails over across a [Group]. Every backend
// must emit the same PCM format.
type TTS struct {
	group  *Group[tts.Provider]
	format tts.Format
}

var _ tts.Provider = (*TTS)(nil)

// NewTTS wraps backends, primary first. It fails when a fallback's output
// format differs from the primary's.
func NewTTS(backends []Backend[tts.Provider], opts ...GroupOption) (*TTS, error) {
	g, err := NewGroup("tts", backends, opts...)
	if err != nil {
		return nil, err
	}
	format := g.Primary().OutputFormat()
	for _, b := range backends[1:] {
		if f := b.Value.OutputFormat(); f != format {
			return nil, fmt.Errorf("resilience: tts fallback %q emits %d Hz/%d ch, primary emits %d Hz/%d ch",
				b.Name, f.SampleRate, f.Channels, format.SampleRate, format.Channels)
		}
	}
	return &TTS{group: g, format: format}, nil
}

// SynthesizeStream starts synthesis on the first healthy backend. Backends
// must not read from text before they return an error.
func (t *TTS) SynthesizeStream(ctx context.Context, text <-chan string, voice types.Voice) (<-chan []byte, error) {
	return Call(ctx, t.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

func (t *TTS) OutputFormat() tts.Format {
	return t.format
}
