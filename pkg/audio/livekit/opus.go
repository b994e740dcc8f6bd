package livekit

import (
	"fmt"

	"layeh.com/gopus"
)

// LiveKit audio tracks carry 48 kHz Opus; the agent publishes stereo 20 ms
// frames.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	opusFrameSize   = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// opusFrameBytes is one frame of interleaved 16-bit PCM.
	opusFrameBytes = opusFrameSize * opusChannels * 2

	// maxOpusFrameSize bounds a decoded packet (120 ms).
	maxOpusFrameSize = opusSampleRate * 120 / 1000
)

// opusDecoder holds the decoder state for one remote track.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("livekit: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode turns one RTP payload into little-endian interleaved PCM.
func (d *opusDecoder) decode(payload []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(payload, maxOpusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("livekit: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("livekit: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode compresses exactly one frame of PCM (opusFrameBytes long).
func (e *opusEncoder) encode(pcmBytes []byte) ([]byte, error) {
	if len(pcmBytes) != opusFrameBytes {
		return nil, fmt.Errorf("livekit: opus encode: got %d bytes, want %d", len(pcmBytes), opusFrameBytes)
	}
	out, err := e.enc.Encode(bytesToInt16s(pcmBytes), opusFrameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("livekit: opus encode: %w", err)
	}
	return out, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// framer cuts an arbitrary PCM byte stream into fixed-size Opus frames.
type framer struct {
	buf []byte
}

// push appends pcm and returns every complete frame now available.
func (f *framer) push(pcm []byte) [][]byte {
	f.buf = append(f.buf, pcm...)
	var frames [][]byte
	for len(f.buf) >= opusFrameBytes {
		frame := make([]byte, opusFrameBytes)
		copy(frame, f.buf[:opusFrameBytes])
		frames = append(frames, frame)
		f.buf = f.buf[opusFrameBytes:]
	}
	return frames
}

// flush pads the remainder with silence and returns it as a final frame, or
// nil when nothing is buffered.
func (f *framer) flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, opusFrameBytes)
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	return frame
}
