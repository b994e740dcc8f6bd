// Package agent runs one voice conversation. A [Session] listens to a
// participant's audio, decides when the user has finished speaking, asks an
// LLM for a reply and speaks it through TTS.
//
// Every stage reports its latency as a metric event tagged with the turn's
// speech id: "eou_metrics" when the user turn is committed, "llm_metrics"
// when the completion stream ends and "tts_metrics" when playback ends.
// Events are delivered synchronously to the handler set with
// [Session.OnMetrics].
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/turnlog/internal/observe"
	"github.com/MrWong99/turnlog/internal/turnmetrics"
	"github.com/MrWong99/turnlog/pkg/audio"
	"github.com/MrWong99/turnlog/pkg/provider/llm"
	"github.com/MrWong99/turnlog/pkg/provider/stt"
	"github.com/MrWong99/turnlog/pkg/provider/tts"
	"github.com/MrWong99/turnlog/pkg/provider/turn"
	"github.com/MrWong99/turnlog/pkg/provider/vad"
	"github.com/MrWong99/turnlog/pkg/types"
)

// Audio sent to STT and VAD.
const (
	listenSampleRate = 16000
	listenChannels   = 1
)

const (
	defaultMinEndpointingDelay = 500 * time.Millisecond
	defaultMaxEndpointingDelay = 5 * time.Second

	vadEventBuffer = 16
	textBuffer     = 16
)

var (
	// ErrNotStarted is returned by [Session.Say] before [Session.Start].
	ErrNotStarted = errors.New("agent: session not started")

	// ErrAlreadyStarted is returned by a second call to [Session.Start].
	ErrAlreadyStarted = errors.New("agent: session already started")
)

// Providers bundles the backends a session talks to.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// VAD is optional. Without it a turn may end as soon as a final
	// transcript arrives.
	VAD vad.Engine

	// Turn is optional. Without it every turn waits MinEndpointingDelay.
	Turn turn.Detector
}

// Config holds per-session conversation settings.
type Config struct {
	// Instructions is the system prompt.
	Instructions string

	// Greeting is spoken when the session starts. Empty disables it.
	Greeting string

	MinEndpointingDelay time.Duration
	MaxEndpointingDelay time.Duration

	// AllowInterruptions lets user speech cancel the agent's playback.
	AllowInterruptions bool

	Voice types.Voice

	// Language is passed to STT. Empty lets the provider decide.
	Language string

	// Participant is recorded as the name on user messages.
	Participant string
}

// MetricsHandler receives metric events. It is called synchronously from
// session goroutines and must not block for long.
type MetricsHandler func(ctx context.Context, ev turnmetrics.Event)

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the OpenTelemetry instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithSpeechIDs overrides the speech id generator.
func WithSpeechIDs(gen func() string) Option {
	return func(s *Session) { s.newID = gen }
}

// Session is one conversation with one participant. Create it with
// [NewSession] and run it with [Session.Start].
type Session struct {
	cfgMu sync.RWMutex
	cfg   Config

	p       Providers
	metrics *observe.Metrics
	now     func() time.Time
	newID   func() string

	handlerMu sync.RWMutex
	handler   MetricsHandler

	mu      sync.Mutex
	history []types.Message
	current *reply
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan<- audio.AudioFrame

	replies sync.WaitGroup
}

// NewSession validates cfg and p and returns an unstarted session.
func NewSession(cfg Config, p Providers, opts ...Option) (*Session, error) {
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	cfg, err := normalize(cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, p: p}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// normalize fills the endpointing defaults and checks the delay window.
func normalize(cfg Config) (Config, error) {
	if cfg.MinEndpointingDelay < 0 || cfg.MaxEndpointingDelay < 0 {
		return cfg, errors.New("agent: endpointing delays must not be negative")
	}
	if cfg.MinEndpointingDelay == 0 {
		cfg.MinEndpointingDelay = defaultMinEndpointingDelay
	}
	if cfg.MaxEndpointingDelay == 0 {
		cfg.MaxEndpointingDelay = max(defaultMaxEndpointingDelay, cfg.MinEndpointingDelay)
	}
	if cfg.MaxEndpointingDelay < cfg.MinEndpointingDelay {
		return cfg, fmt.Errorf("agent: max endpointing delay %s is below min %s",
			cfg.MaxEndpointingDelay, cfg.MinEndpointingDelay)
	}
	return cfg, nil
}

// Reconfigure replaces the conversation settings of a running or unstarted
// session. The next turn uses the new instructions, voice, endpointing
// window and interruption policy. Participant and Language are bound when
// the session starts and are kept from the current config. An invalid cfg
// leaves the session unchanged.
func (s *Session) Reconfigure(cfg Config) error {
	cfg, err := normalize(cfg)
	if err != nil {
		return err
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	cfg.Participant = s.cfg.Participant
	cfg.Language = s.cfg.Language
	s.cfg = cfg
	return nil
}

// config returns a snapshot of the current settings.
func (s *Session) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// OnMetrics sets the handler for metric events, replacing any previous one.
func (s *Session) OnMetrics(h MetricsHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = h
}

// History returns a copy of the conversation so far.
func (s *Session) History() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

func (s *Session) appendHistory(msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
}

// Start runs the session. Audio from in is transcribed; replies are written
// to out in the TTS output format. Start blocks until ctx is cancelled, in
// is closed, [Session.Close] is called or the STT stream fails. A session
// can only be started once.
func (s *Session) Start(ctx context.Context, in <-chan audio.AudioFrame, out chan<- audio.AudioFrame) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel, s.out = ctx, cancel, out
	s.mu.Unlock()
	defer cancel()

	cfg := s.config()
	sttSess, err := s.p.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate:  listenSampleRate,
		Channels:    listenChannels,
		Language:    cfg.Language,
		Endpointing: cfg.MinEndpointingDelay,
	})
	if err != nil {
		s.metrics.RecordProviderError(ctx, "stt", "stt")
		return fmt.Errorf("agent: start stt stream: %w", err)
	}
	defer sttSess.Close()

	var vadSess vad.SessionHandle
	if s.p.VAD != nil {
		vadSess, err = s.p.VAD.NewSession(vad.Config{SampleRate: listenSampleRate})
		if err != nil {
			return fmt.Errorf("agent: start vad session: %w", err)
		}
		defer vadSess.Close()
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("agent: session started", "participant", cfg.Participant, "vad", vadSess != nil, "turn_detector", s.p.Turn != nil)

	if cfg.Greeting != "" {
		s.speak(ctx, s.newID(), cfg.Greeting)
	}

	vadEvents := make(chan types.VADEvent, vadEventBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.listen(gctx, in, sttSess, vadSess, vadEvents)
	})
	g.Go(func() error {
		return s.endpoint(gctx, sttSess.Finals(), vadEvents, vadSess != nil)
	})
	g.Go(func() error {
		s.logPartials(gctx, sttSess.Partials())
		return nil
	})
	err = g.Wait()

	s.interrupt("session ended", false)
	s.replies.Wait()
	slog.Info("agent: session ended", "participant", cfg.Participant, "turns", len(s.History()))
	return err
}

// Close stops a running session and waits for in-flight replies. It is safe
// to call more than once and before Start.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.interrupt("session closed", false)
	s.replies.Wait()
	return nil
}

// listen feeds input audio to VAD and STT. It returns nil when in is closed
// or ctx is done.
func (s *Session) listen(ctx context.Context, in <-chan audio.AudioFrame, sttSess stt.SessionHandle, vadSess vad.SessionHandle, vadEvents chan<- types.VADEvent) error {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: listenSampleRate, Channels: listenChannels}}
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-in:
			if !ok {
				slog.Info("agent: input stream closed", "participant", s.config().Participant)
				return nil
			}
			frame = conv.Convert(frame)
			if len(frame.Data) == 0 {
				continue
			}
			if vadSess != nil {
				ev, err := vadSess.ProcessFrame(frame.Data)
				if err != nil {
					slog.Warn("agent: vad frame failed", "err", err)
				} else if ev.Type == types.VADSpeechStart || ev.Type == types.VADSpeechEnd {
					select {
					case vadEvents <- ev:
					case <-ctx.Done():
						return nil
					}
				}
			}
			if err := sttSess.SendAudio(frame.Data); err != nil {
				s.metrics.RecordProviderError(ctx, "stt", "stt")
				return fmt.Errorf("agent: send audio to stt: %w", err)
			}
		}
	}
}

func (s *Session) logPartials(ctx context.Context, partials <-chan types.Transcript) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-partials:
			if !ok {
				return
			}
			slog.Debug("agent: interim transcript", "text", tr.Text)
		}
	}
}

// emit delivers one metric event of kind for speechID.
func (s *Session) emit(ctx context.Context, kind turnmetrics.Kind, speechID string, fields map[string]any) {
	m := map[string]any{
		"type":      string(kind),
		"speech_id": speechID,
		"timestamp": s.now().Unix(),
	}
	maps.Copy(m, fields)

	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()
	if h == nil {
		return
	}
	// Interrupted replies still report; the sink write must not inherit the
	// cancellation.
	h(context.WithoutCancel(ctx), turnmetrics.Event{"type": "metrics_collected", "metrics": m})
}

// Say speaks text outside of a user turn and waits until playback finishes
// or ctx is done. Cancelling ctx stops the playback. Say only emits
// tts_metrics for its speech id.
func (s *Session) Say(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("agent: say: empty text")
	}
	s.mu.Lock()
	sctx := s.ctx
	s.mu.Unlock()
	if sctx == nil {
		return ErrNotStarted
	}
	if sctx.Err() != nil {
		return fmt.Errorf("agent: say: %w", sctx.Err())
	}

	r := s.speak(sctx, s.newID(), text)
	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
