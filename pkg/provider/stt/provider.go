// Package stt defines the streaming speech-to-text interface.
//
// A session accepts PCM audio and emits interim and final transcripts on two
// channels. Implementations must be safe for concurrent use; several sessions
// may be open at once, one per remote participant.
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/turnlog/pkg/types"
)

// StreamConfig describes the audio fed to a session.
type StreamConfig struct {
	// SampleRate in Hz of the 16-bit little-endian PCM sent to SendAudio.
	SampleRate int

	// Channels of the PCM; most providers want 1.
	Channels int

	// Language is a BCP-47 tag. Empty lets the provider decide.
	Language string

	// Endpointing is the trailing silence after which the provider marks a
	// result SpeechFinal. Zero keeps the provider default.
	Endpointing time.Duration
}

// SessionHandle is an open transcription stream.
type SessionHandle interface {
	// SendAudio queues a PCM chunk. It returns an error after Close.
	SendAudio(chunk []byte) error

	// Partials emits interim results. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals emits authoritative results. Closed when the session ends.
	Finals() <-chan types.Transcript

	// Close flushes pending audio and releases the connection. Safe to call
	// more than once.
	Close() error
}

// Provider opens transcription streams.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
