// Command turnlog runs a voice assistant in a LiveKit room and logs the
// latency of every conversational turn to a spreadsheet or database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/turnlog/internal/agent"
	"github.com/MrWong99/turnlog/internal/app"
	"github.com/MrWong99/turnlog/internal/config"
	"github.com/MrWong99/turnlog/internal/health"
	"github.com/MrWong99/turnlog/internal/observe"
	"github.com/MrWong99/turnlog/internal/resilience"
	"github.com/MrWong99/turnlog/internal/sink"
	"github.com/MrWong99/turnlog/pkg/audio/livekit"
	"github.com/MrWong99/turnlog/pkg/provider/llm"
	"github.com/MrWong99/turnlog/pkg/provider/llm/anyllm"
	"github.com/MrWong99/turnlog/pkg/provider/llm/openai"
	"github.com/MrWong99/turnlog/pkg/provider/stt"
	"github.com/MrWong99/turnlog/pkg/provider/stt/deepgram"
	"github.com/MrWong99/turnlog/pkg/provider/tts"
	"github.com/MrWong99/turnlog/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/turnlog/pkg/provider/turn"
	"github.com/MrWong99/turnlog/pkg/provider/turn/heuristic"
	"github.com/MrWong99/turnlog/pkg/provider/vad"
	"github.com/MrWong99/turnlog/pkg/provider/vad/energy"
)

const (
	groqDefaultModel = "llama-3.3-70b-versatile"

	shutdownTimeout = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "turnlog: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "turnlog: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(logLevel))
	slog.Info("turnlog starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"room", cfg.LiveKit.Room,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		Room:     cfg.LiveKit.Room,
		Identity: cfg.LiveKit.Identity,
		Registry: promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Metrics sink ──────────────────────────────────────────────────────────
	out, err := reg.CreateSinks(ctx, cfg.Metrics)
	if err != nil {
		slog.Error("failed to open metrics sink", "err", err)
		return 1
	}
	for _, e := range cfg.Metrics.All() {
		slog.Info("metrics sink ready", "sink", e.Name, "path", e.Path)
	}

	application, err := app.New(cfg, providers, out, app.WithMetrics(metrics))
	if err != nil {
		_ = out.Close()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, reloadConfig(application, logLevel))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := newHTTPServer(cfg.Server.ListenAddr, application, out, promReg, metrics)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			stop()
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if watcher != nil {
		watcher.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// newHTTPServer serves /metrics, the health checks, /turns/pending and
// POST /say.
func newHTTPServer(addr string, a *app.App, s sink.Sink, promReg *prometheus.Registry, m *observe.Metrics) *http.Server {
	hh := health.New(
		health.WithChecker(health.Checker{Name: "sink", Check: s.Ping}),
		health.WithChecker(health.Checker{Name: "room", Check: func(context.Context) error {
			if !a.Connected() {
				return errors.New("not connected")
			}
			return nil
		}}),
		health.WithPending(a.Pending),
	)

	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(promReg))
	mux.Handle("POST /say", sayHandler(a))

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMBackends are served through any-llm-go. openai and groq use the
// OpenAI SDK directly.
var anyLLMBackends = []string{"anthropic", "gemini", "deepseek", "mistral", "ollama", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in provider and sink factories
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("groq", func(entry config.ProviderEntry) (llm.Provider, error) {
		baseURL, model := entry.BaseURL, entry.Model
		if baseURL == "" {
			baseURL = openai.GroqBaseURL
		}
		if model == "" {
			model = groqDefaultModel
		}
		return openai.New(entry.APIKey, model, openai.WithBaseURL(baseURL))
	})

	for _, backend := range anyLLMBackends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		return energy.Load(vad.Config{
			SpeechThresholdDB: optFloat(entry.Options, "threshold_db"),
			MinSpeech:         optMillis(entry.Options, "min_speech_ms"),
			Silence:           optMillis(entry.Options, "silence_ms"),
		})
	})

	// ── Turn detector ─────────────────────────────────────────────────────────
	reg.RegisterTurnDetector("heuristic", func(config.ProviderEntry) (turn.Detector, error) {
		return heuristic.New(), nil
	})

	// ── Sinks ─────────────────────────────────────────────────────────────────
	reg.RegisterSink(config.SinkXLSX, func(_ context.Context, e config.SinkEntry) (sink.Sink, error) {
		var opts []sink.XLSXOption
		if e.Sheet != "" {
			opts = append(opts, sink.WithSheet(e.Sheet))
		}
		return sink.NewXLSX(e.Path, opts...), nil
	})
	reg.RegisterSink(config.SinkCSV, func(_ context.Context, e config.SinkEntry) (sink.Sink, error) {
		return sink.NewCSV(e.Path), nil
	})
	reg.RegisterSink(config.SinkJSONL, func(_ context.Context, e config.SinkEntry) (sink.Sink, error) {
		return sink.NewJSONL(e.Path), nil
	})
	reg.RegisterSink(config.SinkPostgres, func(ctx context.Context, e config.SinkEntry) (sink.Sink, error) {
		return sink.NewPostgres(ctx, e.DSN)
	})

	for _, kind := range []string{"llm", "stt", "tts", "vad", "turn_detector", "sink"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	if ps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	if ps.LLM, err = withLLMFallbacks(ps.LLM, cfg.Providers, reg, metrics); err != nil {
		return nil, err
	}
	if ps.TTS, err = withTTSFallbacks(ps.TTS, cfg.Providers, reg, metrics); err != nil {
		return nil, err
	}
	if name := cfg.Providers.VAD.Name; name != "" {
		if ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
			return nil, fmt.Errorf("create vad %q: %w", name, err)
		}
	}
	if name := cfg.Providers.TurnDetector.Name; name != "" {
		if ps.Turn, err = reg.CreateTurnDetector(cfg.Providers.TurnDetector); err != nil {
			return nil, fmt.Errorf("create turn detector %q: %w", name, err)
		}
	}

	lk := cfg.LiveKit
	platform, err := livekit.New(lk.URL, lk.APIKey, lk.APISecret, lk.Identity)
	if err != nil {
		return nil, fmt.Errorf("create livekit platform: %w", err)
	}
	ps.Audio = platform

	for kind, name := range map[string]string{
		"llm":           cfg.Providers.LLM.Name,
		"stt":           cfg.Providers.STT.Name,
		"tts":           cfg.Providers.TTS.Name,
		"vad":           cfg.Providers.VAD.Name,
		"turn_detector": cfg.Providers.TurnDetector.Name,
	} {
		if name != "" {
			slog.Info("provider created", "kind", kind, "name", name)
		}
	}
	return ps, nil
}

// withLLMFallbacks wraps primary in a failover group when fallbacks are
// configured.
func withLLMFallbacks(primary llm.Provider, pc config.ProvidersConfig, reg *config.Registry, metrics *observe.Metrics) (llm.Provider, error) {
	if len(pc.LLMFallbacks) == 0 {
		return primary, nil
	}
	backends := []resilience.Backend[llm.Provider]{{Name: pc.LLM.Name, Value: primary}}
	for i, e := range pc.LLMFallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %d %q: %w", i, e.Name, err)
		}
		backends = append(backends, resilience.Backend[llm.Provider]{Name: e.Name, Value: p})
	}
	slog.Info("llm failover enabled", "order", backendNames(backends))
	p, err := resilience.NewLLM(backends, resilience.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// withTTSFallbacks wraps primary in a failover group when fallbacks are
// configured.
func withTTSFallbacks(primary tts.Provider, pc config.ProvidersConfig, reg *config.Registry, metrics *observe.Metrics) (tts.Provider, error) {
	if len(pc.TTSFallbacks) == 0 {
		return primary, nil
	}
	backends := []resilience.Backend[tts.Provider]{{Name: pc.TTS.Name, Value: primary}}
	for i, e := range pc.TTSFallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %d %q: %w", i, e.Name, err)
		}
		backends = append(backends, resilience.Backend[tts.Provider]{Name: e.Name, Value: p})
	}
	slog.Info("tts failover enabled", "order", backendNames(backends))
	p, err := resilience.NewTTS(backends, resilience.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func backendNames[T any](bs []resilience.Backend[T]) []string {
	names := make([]string, len(bs))
	for i, b := range bs {
		names[i] = b.Name
	}
	return names
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Hot reload and admin endpoints ───────────────────────────────────────────

// reconfigurer is the part of *app.App the config watcher drives.
type reconfigurer interface {
	Reconfigure(cfg *config.Config) error
}

// reloadConfig returns the watcher callback. It applies log level and session
// changes and warns about changes that only take effect after a restart.
func reloadConfig(a reconfigurer, level *slog.LevelVar) func(old, new *config.Config) {
	return func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "log_level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
		}
		if !d.SessionChanged {
			return
		}
		if err := a.Reconfigure(new); err != nil {
			slog.Error("failed to apply session config", "err", err)
		}
	}
}

// sayer is the part of *app.App served by POST /say.
type sayer interface {
	Say(ctx context.Context, text string) error
}

type sayRequest struct {
	Text string `json:"text"`
}

// sayHandler speaks the posted text in the running session and responds once
// playback has finished.
func sayHandler(a sayer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sayRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			http.Error(w, "text is required", http.StatusBadRequest)
			return
		}
		err := a.Say(r.Context(), req.Text)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, app.ErrNoSession), errors.Is(err, agent.ErrNotStarted):
			http.Error(w, "no active session", http.StatusConflict)
		case r.Context().Err() != nil:
			slog.Debug("say request cancelled", "err", err)
		default:
			slog.Error("say failed", "err", err)
			http.Error(w, "say failed", http.StatusInternalServerError)
		}
	})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map. Returns ""
// if the key is absent or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int, so both are accepted.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// optMillis reads a millisecond count from a provider Options map.
func optMillis(opts map[string]any, key string) time.Duration {
	return time.Duration(optFloat(opts, key) * float64(time.Millisecond))
}
