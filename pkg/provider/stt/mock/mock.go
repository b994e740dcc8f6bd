// Package mock provides test doubles for stt.Provider and stt.SessionHandle.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/turnlog/pkg/provider/stt"
	"github.com/MrWong99/turnlog/pkg/types"
)

// Provider is a mock stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil a fresh [Session] is
	// created per call.
	Session *Session

	// StartStreamErr is returned by StartStream when non-nil.
	StartStreamErr error

	configs []stt.StreamConfig
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records cfg and returns Session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session == nil {
		return NewSession(), nil
	}
	return p.Session, nil
}

// Configs returns every StreamConfig passed to StartStream.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.configs)
}

// Session is a mock stt.SessionHandle. Tests push transcripts with
// [Session.Partial] and [Session.Final].
type Session struct {
	mu       sync.Mutex
	partials chan types.Transcript
	finals   chan types.Transcript
	closed   bool

	// SendAudioErr is returned by SendAudio when non-nil.
	SendAudioErr error

	chunks int
	bytes  int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, 16),
	}
}

// SendAudio counts the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks++
	s.bytes += len(chunk)
	return s.SendAudioErr
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// Partial emits an interim transcript.
func (s *Session) Partial(text string) {
	s.partials <- types.Transcript{Text: text}
}

// Final emits a final transcript. speechFinal marks the provider endpoint.
func (s *Session) Final(text string, speechFinal bool) {
	s.finals <- types.Transcript{Text: text, IsFinal: true, SpeechFinal: speechFinal}
}

// Close closes both channels once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AudioStats returns the number of chunks and bytes received.
func (s *Session) AudioStats() (chunks, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks, s.bytes
}
