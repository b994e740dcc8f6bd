// Package mock provides scripted test doubles for vad.Engine and
// vad.SessionHandle.
package mock

import (
	"sync"

	"github.com/MrWong99/turnlog/pkg/provider/vad"
	"github.com/MrWong99/turnlog/pkg/types"
)

// Engine is a mock vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. When nil a fresh [Session] is
	// returned.
	Session *Session

	// NewSessionErr is returned by NewSession when non-nil.
	NewSessionErr error

	configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewSession records cfg and returns Session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session == nil {
		return &Session{}, nil
	}
	return e.Session, nil
}

// Configs returns every Config passed to NewSession.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session is a mock vad.SessionHandle. ProcessFrame returns Script entries
// in order and Default once the script is exhausted.
type Session struct {
	mu sync.Mutex

	Script  []types.VADEvent
	Default types.VADEvent

	// ProcessFrameErr is returned by every ProcessFrame call when non-nil.
	ProcessFrameErr error

	frames int
	resets int
	closes int
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame([]byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.ProcessFrameErr != nil {
		return types.VADEvent{}, s.ProcessFrameErr
	}
	if len(s.Script) > 0 {
		ev := s.Script[0]
		s.Script = s.Script[1:]
		return ev, nil
	}
	return s.Default, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Counts returns how often ProcessFrame, Reset and Close were called.
func (s *Session) Counts() (frames, resets, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.resets, s.closes
}
