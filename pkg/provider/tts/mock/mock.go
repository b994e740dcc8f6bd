// Package mock provides a recording test double for tts.Provider.
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/turnlog/pkg/provider/tts"
	"github.com/MrWong99/turnlog/pkg/types"
)

// Provider is a mock tts.Provider. On the first non-empty text fragment of
// a stream it emits Chunks; the audio channel closes once the text channel
// is closed.
type Provider struct {
	mu sync.Mutex

	// Chunks is the PCM emitted per stream.
	Chunks [][]byte

	// Format is returned by OutputFormat. Zero means 16 kHz mono.
	Format tts.Format

	// SynthesizeErr is returned by SynthesizeStream when non-nil.
	SynthesizeErr error

	texts  []string
	voices []types.Voice
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	p.voices = append(p.voices, voice)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := slices.Clone(p.Chunks)
	p.mu.Unlock()

	out := make(chan []byte, len(chunks))
	go func() {
		defer close(out)
		var sb strings.Builder
		defer func() {
			p.mu.Lock()
			p.texts = append(p.texts, sb.String())
			p.mu.Unlock()
		}()
		sent := false
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-text:
				if !ok {
					return
				}
				sb.WriteString(s)
				if sent || s == "" {
					continue
				}
				sent = true
				for _, c := range chunks {
					select {
					case out <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() tts.Format {
	if p.Format.SampleRate == 0 {
		return tts.Format{SampleRate: 16000, Channels: 1}
	}
	return p.Format
}

// Texts returns the full text of every finished stream.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.texts)
}

// Voices returns the voice of every SynthesizeStream call.
func (p *Provider) Voices() []types.Voice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.voices)
}
