// Package types holds the data structures shared by the providers, the audio
// platform and the session runtime. Packages define their own domain types;
// only values that cross package boundaries live here.
package types

import "time"

// Chat roles used in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string

	// Name optionally identifies the participant that produced the message.
	Name string
}

// Transcript is a speech-to-text result. Interim and final results share
// this type.
type Transcript struct {
	// Text is the recognised speech.
	Text string

	// IsFinal marks an authoritative result that will not be revised.
	IsFinal bool

	// SpeechFinal is set by providers that detect the end of an utterance
	// themselves (Deepgram endpointing). It implies IsFinal.
	SpeechFinal bool

	// Confidence in [0, 1]. Zero when the provider does not report one.
	Confidence float64

	// Timestamp is the start of the utterance relative to stream start.
	Timestamp time.Duration

	// Duration of the utterance.
	Duration time.Duration

	// ReceivedAt is the wall-clock time the result arrived.
	ReceivedAt time.Time
}

// Voice selects a TTS voice.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Provider names the TTS provider the voice belongs to.
	Provider string

	// Speed scales the speaking rate; 0 and 1.0 both mean normal speed.
	Speed float64
}

// ModelCapabilities describes a chat model.
type ModelCapabilities struct {
	ContextWindow   int
	MaxOutputTokens int

	// SupportsStreaming reports incremental token delivery.
	SupportsStreaming bool

	// ReportsUsage is true when the final stream chunk carries token counts.
	ReportsUsage bool
}

// VADEventType enumerates voice activity states.
type VADEventType int

const (
	// VADSilence means no speech in the frame.
	VADSilence VADEventType = iota

	// VADSpeechStart is emitted on the first frame of an utterance.
	VADSpeechStart

	// VADSpeechContinue is emitted while speech is ongoing.
	VADSpeechContinue

	// VADSpeechEnd is emitted once the trailing silence threshold is reached.
	VADSpeechEnd
)

// String returns the lower-case name of t.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// VADEvent is the detection result for one audio frame.
type VADEvent struct {
	Type VADEventType

	// Probability of speech in [0, 1].
	Probability float64
}
