// Package vad defines the voice activity detection interface.
//
// An Engine creates one stateful session per audio stream. ProcessFrame is
// synchronous and must not block; it runs inline in the audio loop. A
// session is not safe for concurrent use.
package vad

import (
	"time"

	"github.com/MrWong99/turnlog/pkg/types"
)

// Config parameterises a session. Zero values select the engine defaults.
type Config struct {
	// SampleRate of the 16-bit mono PCM passed to ProcessFrame.
	SampleRate int

	// SpeechThresholdDB is the frame level in dBFS at or above which a frame
	// counts as speech.
	SpeechThresholdDB float64

	// MinSpeech is how much speech must accumulate before SpeechStart fires.
	MinSpeech time.Duration

	// Silence is the trailing quiet after which SpeechEnd fires.
	Silence time.Duration
}

// SessionHandle tracks speech state for one stream.
type SessionHandle interface {
	// ProcessFrame classifies one PCM frame.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset drops accumulated state.
	Reset()

	// Close releases the session. Safe to call more than once.
	Close() error
}

// Engine creates sessions. Safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
