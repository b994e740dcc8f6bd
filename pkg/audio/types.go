package audio

import "time"

// AudioFrame is a chunk of 16-bit little-endian interleaved PCM.
type AudioFrame struct {
	Data       []byte
	SampleRate int
	Channels   int

	// Timestamp is the capture offset from stream start.
	Timestamp time.Duration
}

// Duration returns how much audio f holds.
func (f AudioFrame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.Duration(len(f.Data))
}
