// Package app wires turnlog's subsystems into a running agent.
//
// The App struct owns the full lifecycle: New assembles the metrics pipeline
// (dispatcher, turn table, sink), Run joins the room and drives one agent
// session for the first participant, and Shutdown tears everything down in
// order.
//
// For testing, inject mock providers and a mock platform through
// [Providers] and a recording sink through New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/turnlog/internal/agent"
	"github.com/MrWong99/turnlog/internal/config"
	"github.com/MrWong99/turnlog/internal/observe"
	"github.com/MrWong99/turnlog/internal/sink"
	"github.com/MrWong99/turnlog/internal/turnmetrics"
	"github.com/MrWong99/turnlog/pkg/audio"
	"github.com/MrWong99/turnlog/pkg/provider/llm"
	"github.com/MrWong99/turnlog/pkg/provider/stt"
	"github.com/MrWong99/turnlog/pkg/provider/tts"
	"github.com/MrWong99/turnlog/pkg/provider/turn"
	"github.com/MrWong99/turnlog/pkg/provider/vad"
	"github.com/MrWong99/turnlog/pkg/types"
)

// ErrNoSession is returned by [App.Say] before a participant joined.
var ErrNoSession = errors.New("app: no active session")

// Providers holds one interface value per provider slot. VAD and Turn may be
// nil. Populated by main.go via the config registry.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	VAD   vad.Engine
	Turn  turn.Detector
	Audio audio.Platform
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	metrics   *observe.Metrics

	sink       sink.Sink
	table      *turnmetrics.Table
	dispatcher *turnmetrics.Dispatcher

	sessionOpts []agent.Option

	mu          sync.Mutex
	cfg         *config.Config
	conn        audio.Connection
	session     *agent.Session
	participant string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the OpenTelemetry instruments shared by the turn table,
// the dispatcher and the session. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSessionOptions appends options for the agent session created by Run.
func WithSessionOptions(opts ...agent.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. Rows of finalized turns are written to s, which the App
// closes on Shutdown.
func New(cfg *config.Config, providers *Providers, s sink.Sink, opts ...Option) (*App, error) {
	var errs []error
	if cfg == nil {
		errs = append(errs, errors.New("config is required"))
	}
	if providers == nil || providers.Audio == nil {
		errs = append(errs, errors.New("audio platform is required"))
	}
	if s == nil {
		errs = append(errs, errors.New("metrics sink is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{cfg: cfg, providers: providers, sink: s}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	tableOpts := []turnmetrics.Option{turnmetrics.WithMetrics(a.metrics)}
	if name := cfg.Metrics.Sink; name != "" {
		tableOpts = append(tableOpts, turnmetrics.WithSinkName(string(name)))
	}
	a.table = turnmetrics.NewTable(s, tableOpts...)
	a.dispatcher = turnmetrics.NewDispatcher(a.table, turnmetrics.WithDispatcherMetrics(a.metrics))
	a.closers = append(a.closers, s.Close)
	return a, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run joins the configured room, waits for the first participant and runs an
// agent session for them. It returns when ctx is cancelled or the session
// ends. Cancellation is not an error.
func (a *App) Run(ctx context.Context) error {
	room := a.config().LiveKit.Room
	conn, err := a.providers.Audio.Connect(ctx, room)
	if err != nil {
		return fmt.Errorf("app: connect to room %q: %w", room, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	slog.Info("app: joined room, waiting for participant", "room", room)

	identity, in, err := waitForParticipant(ctx, conn)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("app: stopped before any participant joined")
			return nil
		}
		return err
	}
	slog.Info("app: participant joined", "participant", identity)

	sess, err := agent.NewSession(sessionConfig(a.config(), identity), agent.Providers{
		LLM:  a.providers.LLM,
		STT:  a.providers.STT,
		TTS:  a.providers.TTS,
		VAD:  a.providers.VAD,
		Turn: a.providers.Turn,
	}, append([]agent.Option{agent.WithMetrics(a.metrics)}, a.sessionOpts...)...)
	if err != nil {
		return fmt.Errorf("app: create session: %w", err)
	}
	sess.OnMetrics(a.dispatcher.OnMetricEvent)

	a.mu.Lock()
	a.session, a.participant = sess, identity
	a.mu.Unlock()

	a.metrics.ActiveParticipants.Add(ctx, 1)
	var leftOnce sync.Once
	left := func() { a.metrics.ActiveParticipants.Add(context.Background(), -1) }
	defer leftOnce.Do(left)
	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type == audio.EventLeave && ev.Identity == identity {
			slog.Info("app: participant left", "participant", identity)
			leftOnce.Do(left)
		}
	})

	if err := sess.Start(ctx, in, conn.OutputStream()); err != nil {
		return fmt.Errorf("app: session: %w", err)
	}
	slog.Info("app: session finished", "participant", identity, "pending_turns", a.table.Len())
	return nil
}

// waitForParticipant returns the first participant with an input stream,
// either already present or the next to join.
func waitForParticipant(ctx context.Context, conn audio.Connection) (string, <-chan audio.AudioFrame, error) {
	joined := make(chan string, 1)
	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type != audio.EventJoin {
			return
		}
		select {
		case joined <- ev.Identity:
		default:
		}
	})

	if streams := conn.InputStreams(); len(streams) > 0 {
		id := slices.Sorted(maps.Keys(streams))[0]
		return id, streams[id], nil
	}

	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case id := <-joined:
			if ch, ok := conn.InputStreams()[id]; ok {
				return id, ch, nil
			}
			slog.Debug("app: participant left before its stream was read", "participant", id)
		}
	}
}

func sessionConfig(cfg *config.Config, participant string) agent.Config {
	s := cfg.Session
	greeting := s.Greeting
	if greeting == config.NoGreeting {
		greeting = ""
	}
	return agent.Config{
		Instructions:        s.Instructions,
		Greeting:            greeting,
		MinEndpointingDelay: s.MinEndpointingDelay,
		MaxEndpointingDelay: s.MaxEndpointingDelay,
		AllowInterruptions:  s.InterruptionsAllowed(),
		Voice: types.Voice{
			ID:       s.Voice.VoiceID,
			Provider: cfg.Providers.TTS.Name,
			Speed:    s.Voice.SpeedFactor,
		},
		Participant: participant,
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reconfigure swaps in cfg and applies its session settings to the running
// session, if any. Room, provider and sink settings are only read at
// startup. A session that rejects the new settings keeps its old ones and
// the App keeps the old config.
func (a *App) Reconfigure(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("app: reconfigure: config is required")
	}
	a.mu.Lock()
	sess, participant := a.session, a.participant
	a.mu.Unlock()

	if sess != nil {
		if err := sess.Reconfigure(sessionConfig(cfg, participant)); err != nil {
			return fmt.Errorf("app: reconfigure session: %w", err)
		}
		slog.Info("app: session reconfigured", "participant", participant)
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	return nil
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pending returns the speech ids of turns that are not complete yet.
func (a *App) Pending() []string {
	return a.table.Pending()
}

// Connected reports whether the room connection is up.
func (a *App) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && a.conn.Connected()
}

// Session returns the running agent session, or nil before a participant
// joined.
func (a *App) Session() *agent.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Say speaks text in the running session outside of a user turn and waits
// for playback to finish. It returns [ErrNoSession] before a participant
// joined.
func (a *App) Say(ctx context.Context, text string) error {
	sess := a.Session()
	if sess == nil {
		return ErrNoSession
	}
	return sess.Say(ctx, text)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session, leaves the room, reports turns that never got
// all their metrics and closes the sink. It respects the context deadline:
// if ctx expires before all closers finish, remaining closers are skipped
// and the context error is returned. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		a.mu.Lock()
		sess, conn := a.session, a.conn
		a.mu.Unlock()

		if sess != nil {
			if err := sess.Close(); err != nil {
				slog.Warn("app: session close error", "err", err)
			}
		}
		if conn != nil {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("app: room disconnect error", "err", err)
			}
		}

		a.reportPending()

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// reportPending logs every turn that is still waiting for metrics and which
// fields it lacks.
func (a *App) reportPending() {
	pending := a.table.Pending()
	if len(pending) == 0 {
		return
	}
	slog.Warn("app: turns never finalized", "count", len(pending))
	for _, id := range pending {
		rec, ok := a.table.Lookup(id)
		if !ok {
			continue
		}
		slog.Warn("app: incomplete turn", "speech_id", id, "missing", rec.Missing())
	}
}
