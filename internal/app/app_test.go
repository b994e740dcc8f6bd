package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/turnlog/internal/agent"
	"github.com/MrWong99/turnlog/internal/app"
	"github.com/MrWong99/turnlog/internal/config"
	"github.com/MrWong99/turnlog/internal/observe"
	"github.com/MrWong99/turnlog/internal/sink"
	sinkmock "github.com/MrWong99/turnlog/internal/sink/mock"
	audiomock "github.com/MrWong99/turnlog/pkg/audio/mock"
	"github.com/MrWong99/turnlog/pkg/provider/llm"
	llmmock "github.com/MrWong99/turnlog/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/turnlog/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/turnlog/pkg/provider/tts/mock"
)

// testConfig returns a config with fast endpointing and no greeting.
func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{ListenAddr: ":0", LogLevel: config.LogInfo},
		LiveKit: config.LiveKitConfig{URL: "ws://localhost:7880", Room: "lobby", Identity: "turnlog-agent"},
		Providers: config.ProvidersConfig{
			TTS: config.ProviderEntry{Name: "elevenlabs"},
		},
		Session: config.SessionConfig{
			Instructions:        "You are a helpful assistant.",
			Greeting:            config.NoGreeting,
			MinEndpointingDelay: 10 * time.Millisecond,
			MaxEndpointingDelay: 20 * time.Millisecond,
		},
	}
}

type fixture struct {
	app  *app.App
	conn *audiomock.Connection
	plat *audiomock.Platform
	stt  *sttmock.Session
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	sink *sinkmock.Sink
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := &fixture{
		conn: audiomock.NewConnection(16),
		stt:  sttmock.NewSession(),
		tts:  &ttsmock.Provider{Chunks: [][]byte{make([]byte, 3200)}},
		sink: &sinkmock.Sink{},
		llm: &llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "It is sunny."},
			{FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 12, CompletionTokens: 5}},
		}},
	}
	f.plat = &audiomock.Platform{Conn: f.conn}
	providers := &app.Providers{
		LLM:   f.llm,
		STT:   &sttmock.Provider{Session: f.stt},
		TTS:   f.tts,
		Audio: f.plat,
	}
	f.app, err = app.New(cfg, providers, f.sink, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return f
}

func (f *fixture) run(t *testing.T, ctx context.Context) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- f.app.Run(ctx) }()
	return errCh
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	plat := &audiomock.Platform{}
	tests := []struct {
		name      string
		cfg       *config.Config
		providers *app.Providers
		sink      sink.Sink
	}{
		{name: "nil config", providers: &app.Providers{Audio: plat}, sink: &sinkmock.Sink{}},
		{name: "nil platform", cfg: testConfig(), providers: &app.Providers{}, sink: &sinkmock.Sink{}},
		{name: "nil sink", cfg: testConfig(), providers: &app.Providers{Audio: plat}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(tc.cfg, tc.providers, tc.sink); err == nil {
				t.Fatal("New() error = nil, want error")
			}
		})
	}
}

func TestApp_TurnWritesOneRow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.run(t, ctx)

	waitFor(t, func() bool { return len(f.plat.Rooms()) == 1 })
	if got := f.plat.Rooms()[0]; got != "lobby" {
		t.Errorf("room = %q, want lobby", got)
	}
	f.conn.Join("alice")
	waitFor(t, func() bool { return f.app.Session() != nil })

	f.stt.Final("what's the weather", true)
	waitFor(t, func() bool { return len(f.sink.Rows()) == 1 })

	row := f.sink.Rows()[0]
	if row[sink.ColLLMInputTokens] != "12" || row[sink.ColLLMOutputTokens] != "5" {
		t.Errorf("tokens = %q/%q, want 12/5", row[sink.ColLLMInputTokens], row[sink.ColLLMOutputTokens])
	}
	if row[sink.ColTotalLatency] == "" || row[sink.ColTTSAudioDuration] != "0.1" {
		t.Errorf("row = %q", row)
	}
	if got := f.app.Pending(); len(got) != 0 {
		t.Errorf("Pending() = %v, want none", got)
	}
	if !f.app.Connected() {
		t.Error("Connected() = false while running")
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if f.conn.Disconnects() != 1 || f.sink.CloseCount() != 1 {
		t.Errorf("disconnects = %d, sink closes = %d; want 1, 1", f.conn.Disconnects(), f.sink.CloseCount())
	}
}

func TestApp_ExistingParticipant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.conn.Join("bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.run(t, ctx)
	waitFor(t, func() bool { return f.app.Session() != nil })

	f.stt.Final("hello", true)
	waitFor(t, func() bool { return len(f.sink.Rows()) == 1 })
	if hist := f.app.Session().History(); hist[0].Name != "bob" {
		t.Errorf("user message name = %q, want bob", hist[0].Name)
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestApp_GreetingReportedPendingOnShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.Greeting = "Hi there! How can I help you today?"
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.run(t, ctx)
	waitFor(t, func() bool { return len(f.plat.Rooms()) == 1 })
	f.conn.Join("alice")

	waitFor(t, func() bool { return len(f.app.Pending()) == 1 })
	if len(f.sink.Attempts()) != 0 {
		t.Errorf("greeting reached the sink")
	}

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run() after Shutdown = %v", err)
	}
	if got := f.app.Pending(); len(got) != 1 {
		t.Errorf("Pending() after shutdown = %v, want the greeting", got)
	}
}

func TestApp_CancelBeforeParticipant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := f.run(t, ctx)

	waitFor(t, func() bool { return len(f.plat.Rooms()) == 1 })
	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if f.app.Session() != nil {
		t.Error("session created without participant")
	}
}

func TestApp_ConnectError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	boom := errors.New("room full")
	f.plat.ConnectErr = boom

	if err := f.app.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want %v", err, boom)
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	for range 2 {
		if err := f.app.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() = %v", err)
		}
	}
	if got := f.sink.CloseCount(); got != 1 {
		t.Errorf("sink closes = %d, want 1", got)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown() = %v, want context.Canceled", err)
	}
	if got := f.sink.CloseCount(); got != 0 {
		t.Errorf("sink closes = %d, want 0 after deadline", got)
	}
}

func TestApp_ReconfigureRunningSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.run(t, ctx)
	f.conn.Join("alice")
	waitFor(t, func() bool { return f.app.Session() != nil })

	bad := testConfig()
	bad.Session.MinEndpointingDelay = time.Second
	bad.Session.MaxEndpointingDelay = time.Millisecond
	if err := f.app.Reconfigure(bad); err == nil {
		t.Fatal("Reconfigure() accepted max below min")
	}

	next := testConfig()
	next.Session.Instructions = "Reply like a pirate."
	if err := f.app.Reconfigure(next); err != nil {
		t.Fatalf("Reconfigure() = %v", err)
	}

	f.stt.Final("hello", true)
	waitFor(t, func() bool { return len(f.llm.Requests()) == 1 })
	if got := f.llm.Requests()[0].SystemPrompt; got != "Reply like a pirate." {
		t.Errorf("system prompt = %q, want the reloaded instructions", got)
	}
	if hist := f.app.Session().History(); hist[0].Name != "alice" {
		t.Errorf("user message name = %q, want alice", hist[0].Name)
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestApp_Say(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	if err := f.app.Say(context.Background(), "hello?"); !errors.Is(err, app.ErrNoSession) {
		t.Fatalf("Say() before participant = %v, want ErrNoSession", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.run(t, ctx)
	f.conn.Join("alice")
	waitFor(t, func() bool { return f.app.Session() != nil })

	sayCtx, sayCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer sayCancel()
	var sayErr error
	waitFor(t, func() bool {
		sayErr = f.app.Say(sayCtx, "Please hold the line.")
		return !errors.Is(sayErr, agent.ErrNotStarted)
	})
	if sayErr != nil {
		t.Fatalf("Say() = %v", sayErr)
	}
	if texts := f.tts.Texts(); len(texts) != 1 || texts[0] != "Please hold the line." {
		t.Errorf("tts texts = %q", texts)
	}
	// The announcement has no user turn, so it stays pending and is never
	// written.
	if got := f.app.Pending(); len(got) != 1 {
		t.Errorf("Pending() = %v, want the announcement", got)
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}
