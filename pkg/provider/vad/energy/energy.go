// Package energy implements vad.Engine with a frame-energy threshold.
//
// Each frame's RMS level is converted to dBFS. Speech starts once
// MinSpeech worth of loud frames has accumulated and ends after Silence of
// quiet frames. Durations are derived from sample counts, not the wall
// clock, so results depend only on the audio.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/turnlog/pkg/provider/vad"
	"github.com/MrWong99/turnlog/pkg/types"
)

// Floor is the level reported for digital silence.
const Floor = -100.0

// Defaults applied to zero [vad.Config] fields.
var Defaults = vad.Config{
	SampleRate:        16000,
	SpeechThresholdDB: -35,
	MinSpeech:         60 * time.Millisecond,
	Silence:           550 * time.Millisecond,
}

// Engine creates energy VAD sessions.
type Engine struct {
	defaults vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// Load validates the defaults and returns a ready Engine. It is the prewarm
// hook run once per process before sessions start.
func Load(defaults vad.Config) (*Engine, error) {
	cfg := merge(defaults, Defaults)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &Engine{defaults: cfg}, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = merge(cfg, e.defaults)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &session{cfg: cfg}, nil
}

func merge(cfg, def vad.Config) vad.Config {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.SpeechThresholdDB == 0 {
		cfg.SpeechThresholdDB = def.SpeechThresholdDB
	}
	if cfg.MinSpeech == 0 {
		cfg.MinSpeech = def.MinSpeech
	}
	if cfg.Silence == 0 {
		cfg.Silence = def.Silence
	}
	return cfg
}

func validate(cfg vad.Config) error {
	var errs []error
	if cfg.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("energy: sample rate %d must be positive", cfg.SampleRate))
	}
	if cfg.SpeechThresholdDB >= 0 || cfg.SpeechThresholdDB <= Floor {
		errs = append(errs, fmt.Errorf("energy: speech threshold %.1f dBFS out of range (%.0f, 0)", cfg.SpeechThresholdDB, Floor))
	}
	if cfg.MinSpeech < 0 || cfg.Silence < 0 {
		errs = append(errs, errors.New("energy: durations must not be negative"))
	}
	return errors.Join(errs...)
}

type session struct {
	cfg      vad.Config
	speaking bool
	voiced   time.Duration
	quiet    time.Duration
	closed   bool
}

var errClosed = errors.New("energy: session closed")

func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, errClosed
	}
	if len(frame)%2 != 0 {
		return types.VADEvent{}, fmt.Errorf("energy: odd frame length %d", len(frame))
	}
	db := LevelDB(frame)
	prob := probability(db, s.cfg.SpeechThresholdDB)
	dur := time.Duration(len(frame)/2) * time.Second / time.Duration(s.cfg.SampleRate)

	loud := db >= s.cfg.SpeechThresholdDB
	if !s.speaking {
		if !loud {
			s.voiced = 0
			return types.VADEvent{Type: types.VADSilence, Probability: prob}, nil
		}
		s.voiced += dur
		if s.voiced < s.cfg.MinSpeech {
			return types.VADEvent{Type: types.VADSilence, Probability: prob}, nil
		}
		s.speaking = true
		s.quiet = 0
		return types.VADEvent{Type: types.VADSpeechStart, Probability: prob}, nil
	}

	if loud {
		s.quiet = 0
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: prob}, nil
	}
	s.quiet += dur
	if s.quiet < s.cfg.Silence {
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: prob}, nil
	}
	s.speaking = false
	s.voiced = 0
	return types.VADEvent{Type: types.VADSpeechEnd, Probability: prob}, nil
}

func (s *session) Reset() {
	s.speaking = false
	s.voiced = 0
	s.quiet = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

// LevelDB returns the RMS level of 16-bit little-endian PCM in dBFS.
func LevelDB(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return Floor
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms < 1e-10 {
		return Floor
	}
	return math.Max(20*math.Log10(rms), Floor)
}

// probability maps a level onto [0, 1], reaching 0.5 at the threshold and
// saturating 20 dB either side.
func probability(db, threshold float64) float64 {
	p := 0.5 + (db-threshold)/40
	return math.Min(1, math.Max(0, p))
}
