package livekit

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/turnlog/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64

	// idleFlush is how long the send loop waits for more output before
	// padding and sending a partial frame.
	idleFlush = 60 * time.Millisecond
)

// Connection adapts a joined LiveKit room to [audio.Connection]. Remote
// microphone tracks are decoded to 48 kHz stereo PCM, one input channel per
// participant identity. PCM written to the output stream is encoded to Opus
// and written to the agent's published track.
type Connection struct {
	inputsMu sync.RWMutex
	inputs   map[string]chan audio.AudioFrame

	output chan audio.AudioFrame

	changeCb func(audio.Event)
	changeMu sync.Mutex

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	// Set by start. Overridden in tests.
	disconnectRoom func()
	writeSample    func(media.Sample) error
}

func newConnection() *Connection {
	return &Connection{
		inputs: make(map[string]chan audio.AudioFrame),
		output: make(chan audio.AudioFrame, outputChannelBuffer),
		done:   make(chan struct{}),
	}
}

// start marks the connection live and begins sending output.
func (c *Connection) start(disconnect func(), write func(media.Sample) error) {
	c.disconnectRoom = disconnect
	c.writeSample = write
	c.connected.Store(true)
	go c.sendLoop()
}

// InputStreams returns a snapshot of the per-participant channels keyed by
// identity.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OutputStream returns the channel feeding the agent's published track.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// OnParticipantChange replaces the participant callback.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Connected reports whether the room is still joined.
func (c *Connection) Connected() bool {
	return c.connected.Load()
}

// Disconnect leaves the room and closes every input channel. Later calls
// are no-ops.
func (c *Connection) Disconnect() error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		if c.disconnectRoom != nil {
			c.disconnectRoom()
		}
		c.inputsMu.Lock()
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
		}
		c.inputsMu.Unlock()
	})
	return nil
}

// ─── room callbacks ──────────────────────────────────────────────────────────

func (c *Connection) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			c.removeParticipant(rp.Identity(), rp.Name())
		},
		OnDisconnected: func() {
			slog.Warn("livekit: room connection lost")
			c.connected.Store(false)
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if pub.Kind() != lksdk.TrackKindAudio || pub.Source() != livekit.TrackSource_MICROPHONE {
					return
				}
				if err := pub.SetSubscribed(true); err != nil {
					slog.Warn("livekit: subscribe to microphone failed", "identity", rp.Identity(), "err", err)
				}
			},
			OnTrackSubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				identity := rp.Identity()
				if !c.addParticipant(identity, rp.Name()) {
					return
				}
				go c.readTrack(identity, track)
			},
		},
	}
}

// addParticipant ensures an input channel exists for identity and emits a
// join event when it was created. It reports false after Disconnect.
func (c *Connection) addParticipant(identity, name string) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.inputsMu.Lock()
	_, exists := c.inputs[identity]
	if !exists {
		c.inputs[identity] = make(chan audio.AudioFrame, inputChannelBuffer)
	}
	c.inputsMu.Unlock()

	if !exists {
		slog.Info("livekit: participant audio available", "identity", identity)
		c.emitEvent(audio.Event{Type: audio.EventJoin, Identity: identity, Name: name})
	}
	return true
}

func (c *Connection) removeParticipant(identity, name string) {
	c.inputsMu.Lock()
	ch, ok := c.inputs[identity]
	if ok {
		close(ch)
		delete(c.inputs, identity)
	}
	c.inputsMu.Unlock()

	if ok {
		slog.Info("livekit: participant left", "identity", identity)
		c.emitEvent(audio.Event{Type: audio.EventLeave, Identity: identity, Name: name})
	}
}

// deliver hands frame to identity's channel, dropping it when the channel is
// full or gone. It reports false once the participant has no channel.
func (c *Connection) deliver(identity string, frame audio.AudioFrame) bool {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	ch, ok := c.inputs[identity]
	if !ok {
		return false
	}
	select {
	case ch <- frame:
	default:
	}
	return true
}

// readTrack decodes RTP from one remote audio track until it ends.
func (c *Connection) readTrack(identity string, track *webrtc.TrackRemote) {
	dec, err := newOpusDecoder()
	if err != nil {
		slog.Error("livekit: failed to create opus decoder", "identity", identity, "err", err)
		return
	}

	var (
		first   uint32
		started bool
	)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("livekit: read rtp failed", "identity", identity, "err", err)
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if !started {
			first, started = pkt.Timestamp, true
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			slog.Debug("livekit: opus decode error", "identity", identity, "err", err)
			continue
		}
		frame := audio.AudioFrame{
			Data:       pcm,
			SampleRate: opusSampleRate,
			Channels:   opusChannels,
			Timestamp:  rtpOffset(first, pkt.Timestamp),
		}
		if !c.deliver(identity, frame) {
			return
		}
	}
}

// rtpOffset converts an RTP timestamp delta at 48 kHz to a duration. The
// subtraction wraps with the 32-bit clock.
func rtpOffset(first, ts uint32) time.Duration {
	return time.Duration(ts-first) * time.Second / opusSampleRate
}

// ─── output ──────────────────────────────────────────────────────────────────

// sendLoop converts output frames to 48 kHz stereo, cuts them into 20 ms
// Opus frames and writes them to the published track.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("livekit: failed to create opus encoder", "err", err)
		return
	}
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}}
	var fr framer

	idle := time.NewTimer(idleFlush)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-idle.C:
			if frame := fr.flush(); frame != nil {
				c.send(enc, frame)
			}
		case frame, ok := <-c.output:
			if !ok {
				return
			}
			frame = conv.Convert(frame)
			for _, f := range fr.push(frame.Data) {
				if !c.send(enc, f) {
					return
				}
			}
			idle.Reset(idleFlush)
		}
	}
}

// send encodes and writes one frame. It reports false once the connection
// is closed.
func (c *Connection) send(enc *opusEncoder, pcm []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	data, err := enc.encode(pcm)
	if err != nil {
		slog.Warn("livekit: opus encode error", "err", err)
		return true
	}
	if err := c.writeSample(media.Sample{Data: data, Duration: opusFrameSizeMs * time.Millisecond}); err != nil {
		slog.Warn("livekit: write sample failed", "err", err)
	}
	return true
}

func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
